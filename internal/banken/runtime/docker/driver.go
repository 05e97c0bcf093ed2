// Package docker implements the container runtime driver against the Docker
// Engine API.
//
// It is the SDK counterpart of the CLI driver: same interface, no subprocess
// per operation. Selected with runtime.driver = "docker" in the config.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/bdobrica/Banken/internal/banken/runtime"
)

// Driver talks to the Docker Engine API.
type Driver struct {
	client    *dockerclient.Client
	timeout   time.Duration
	available bool
}

// New creates a Docker Engine driver. The daemon is pinged once; when it is
// unreachable the driver still constructs but reports every operation as
// unavailable, mirroring the CLI driver's degraded mode.
func New(timeout time.Duration) (*Driver, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	d := &Driver{client: cli, timeout: timeout}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		slog.Warn("docker daemon unreachable, container operations disabled", "error", err)
	} else {
		d.available = true
	}
	return d, nil
}

// Available reports whether the daemon answered the startup ping.
func (d *Driver) Available() bool {
	return d.available
}

func (d *Driver) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// EnsureNetwork creates the named bridge network if it does not exist.
func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	if !d.available {
		return runtime.ErrUnavailable
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	nets, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}

	_, err = d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", name, err)
	}
	return nil
}

// Create creates (but does not start) a container from spec.
func (d *Driver) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if !d.available {
		return "", runtime.ErrUnavailable
	}
	if spec.Image == "" {
		return "", fmt.Errorf("spec.Image is required")
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	containerPort := spec.ContainerPort
	if containerPort == 0 {
		containerPort = runtime.DefaultContainerPort
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	labels := map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	if spec.HostPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", fmt.Errorf("container port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(spec.HostPort)}}
	}

	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		bind := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	hostCfg := &container.HostConfig{
		Binds:        binds,
		PortBindings: bindings,
	}
	if spec.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		}
	}
	if spec.MemoryLimit != "" {
		memory, err := units.RAMInBytes(spec.MemoryLimit)
		if err != nil {
			return "", fmt.Errorf("memory limit %q: %w", spec.MemoryLimit, err)
		}
		hostCfg.Resources.Memory = memory
	}
	if spec.CPULimit > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.CPULimit * 1e9)
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
	}, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

// Start starts a created or stopped container.
func (d *Driver) Start(ctx context.Context, containerID string) error {
	if !d.available {
		return runtime.ErrUnavailable
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// Stop gracefully stops a container, killing it after grace.
func (d *Driver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	if !d.available {
		return runtime.ErrUnavailable
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	secs := int(grace.Seconds())
	if secs <= 0 {
		secs = 10
	}
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove stops (if running) and force-removes a container.
func (d *Driver) Remove(ctx context.Context, containerID string) error {
	if !d.available {
		return runtime.ErrUnavailable
	}

	if info, err := d.Inspect(ctx, containerID); err == nil && info.Running {
		if err := d.Stop(ctx, containerID, 10*time.Second); err != nil {
			slog.Warn("graceful stop before remove failed, force-removing anyway",
				"container_id", containerID, "error", err)
		}
	}

	ctx, cancel := d.opCtx(ctx)
	defer cancel()
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns structured state and port mappings for a container.
func (d *Driver) Inspect(ctx context.Context, containerID string) (*runtime.ContainerInfo, error) {
	if !d.available {
		return nil, runtime.ErrUnavailable
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	inspect, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	info := &runtime.ContainerInfo{
		ID:    inspect.ID,
		Name:  strings.TrimPrefix(inspect.Name, "/"),
		Ports: map[int]int{},
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		info.State = runtime.ParseState(inspect.State.Status)
		info.Running = inspect.State.Running
		info.ExitCode = inspect.State.ExitCode
		info.Error = inspect.State.Error
		info.StartedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
		info.FinishedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
	}
	if inspect.NetworkSettings != nil {
		for port, portBindings := range inspect.NetworkSettings.Ports {
			if port.Proto() != "tcp" {
				continue
			}
			for _, b := range portBindings {
				if hostPort, err := strconv.Atoi(b.HostPort); err == nil && hostPort > 0 {
					info.Ports[port.Int()] = hostPort
					break
				}
			}
		}
	}
	return info, nil
}

// Logs returns up to tail lines of demultiplexed container output.
func (d *Driver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	if !d.available {
		return "", runtime.ErrUnavailable
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	tailStr := "all"
	if tail > 0 {
		tailStr = strconv.Itoa(tail)
	}
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       tailStr,
	})
	if err != nil {
		return "", fmt.Errorf("logs for container %s: %w", containerID, err)
	}
	defer rc.Close()

	// The engine multiplexes stdout/stderr into one stream; stdcopy splits
	// the frames back apart.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		// TTY containers produce a raw stream that stdcopy rejects.
		raw, rawErr := d.rawLogs(ctx, containerID, tailStr)
		if rawErr != nil {
			return "", fmt.Errorf("read logs for container %s: %w", containerID, err)
		}
		return raw, nil
	}
	return buf.String(), nil
}

func (d *Driver) rawLogs(ctx context.Context, containerID, tail string) (string, error) {
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       tail,
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Stats returns a normalized one-shot resource usage snapshot.
func (d *Driver) Stats(ctx context.Context, containerID string) (*runtime.ContainerStats, error) {
	if !d.available {
		return nil, runtime.ErrUnavailable
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	resp, err := d.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("stats for container %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats for container %s: %w", containerID, err)
	}
	return normalizeStats(&raw), nil
}

// normalizeStats reduces the engine's stats document to Banken's flat shape.
func normalizeStats(raw *container.StatsResponse) *runtime.ContainerStats {
	stats := &runtime.ContainerStats{
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && systemDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus == 0 {
			cpus = 1
		}
		stats.CPUPercent = cpuDelta / systemDelta * cpus * 100
	}

	for _, netStats := range raw.Networks {
		stats.NetworkRxBytes += netStats.RxBytes
		stats.NetworkTxBytes += netStats.TxBytes
	}
	return stats
}

// List returns summaries of all Banken-managed containers.
func (d *Driver) List(ctx context.Context) ([]runtime.ContainerSummary, error) {
	if !d.available {
		return nil, runtime.ErrUnavailable
	}
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", runtime.LabelManagedBy+"="+runtime.ManagedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	summaries := make([]runtime.ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		ports := make(map[int]int)
		for _, p := range c.Ports {
			if p.Type == "tcp" && p.PublicPort > 0 {
				ports[int(p.PrivatePort)] = int(p.PublicPort)
			}
		}
		summaries = append(summaries, runtime.ContainerSummary{
			ID:        c.ID,
			Name:      name,
			State:     runtime.ParseState(c.State),
			AgentID:   c.Labels[runtime.LabelAgentID],
			AgentName: c.Labels[runtime.LabelAgentName],
			Ports:     ports,
		})
	}
	return summaries, nil
}

// Compile-time driver conformance check.
var _ runtime.Runtime = (*Driver)(nil)

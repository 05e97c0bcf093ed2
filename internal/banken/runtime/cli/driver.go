// Package cli implements the container runtime driver by shelling out to the
// podman or docker binary.
//
// Every operation is one subprocess invocation with a bounded timeout;
// textual and JSON command output is parsed into the structured types of the
// runtime package. A missing binary is detected once at construction and
// turns every subsequent call into runtime.ErrUnavailable, so the service
// can start in a degraded mode instead of crashing.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Banken/internal/banken/runtime"
)

// DefaultTimeout bounds each subprocess call. An unresponsive runtime binary
// must never hang the lifecycle manager indefinitely.
const DefaultTimeout = 30 * time.Second

// Driver shells out to a container runtime CLI (podman or docker).
type Driver struct {
	binary    string
	timeout   time.Duration
	available bool
}

// New creates a CLI driver for the given binary name (e.g. "podman").
// The binary is resolved once via PATH lookup; when it is missing the driver
// is still returned but reports every operation as unavailable.
func New(binary string, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Driver{binary: binary, timeout: timeout}
	if path, err := exec.LookPath(binary); err != nil {
		slog.Warn("container runtime binary not found, container operations disabled",
			"binary", binary, "error", err)
	} else {
		d.available = true
		slog.Info("container runtime CLI resolved", "binary", binary, "path", path)
	}
	return d
}

// Available reports whether the runtime binary was found at construction.
func (d *Driver) Available() bool {
	return d.available
}

// run executes one CLI invocation and returns its stdout. Non-zero exit
// status becomes an error carrying the trimmed stderr diagnostic.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	if !d.available {
		return "", runtime.ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Orphaned children holding the output pipes must not stall Wait past
	// the deadline.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%s %s: timed out after %s", d.binary, args[0], d.timeout)
	}
	if err != nil {
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", d.binary, args[0], diag)
	}
	return stdout.String(), nil
}

// EnsureNetwork creates the named bridge network if inspecting it fails.
func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.run(ctx, "network", "inspect", name)
	if err == nil {
		return nil
	}
	if errors.Is(err, runtime.ErrUnavailable) {
		return err
	}

	_, err = d.run(ctx, "network", "create",
		"--driver", "bridge",
		"--label", runtime.LabelManagedBy+"="+runtime.ManagedByValue,
		name)
	if err != nil {
		// A concurrent EnsureNetwork may have won the race; re-inspect
		// before reporting failure.
		if _, inspectErr := d.run(ctx, "network", "inspect", name); inspectErr == nil {
			return nil
		}
		return fmt.Errorf("create network %q: %w", name, err)
	}
	return nil
}

// Create creates a container from spec and returns the container ID printed
// by the runtime.
func (d *Driver) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("spec.Image is required")
	}
	containerPort := spec.ContainerPort
	if containerPort == 0 {
		containerPort = runtime.DefaultContainerPort
	}

	args := []string{"create", "--name", spec.Name}

	// Deterministic env ordering keeps command lines reproducible in logs
	// and tests.
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.HostPort > 0 {
		args = append(args, "-p", fmt.Sprintf("%d:%d/tcp", spec.HostPort, containerPort))
	}
	for _, m := range spec.Mounts {
		bind := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}
	if spec.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPULimit, 'f', -1, 64))
	}
	if spec.RestartPolicy != "" {
		args = append(args, "--restart", spec.RestartPolicy)
	}

	labels := map[string]string{
		runtime.LabelManagedBy: runtime.ManagedByValue,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--label", k+"="+labels[k])
	}

	args = append(args, spec.Image)

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s create: no container ID in output", d.binary)
	}
	return id, nil
}

// Start starts a created or stopped container.
func (d *Driver) Start(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "start", containerID)
	return err
}

// Stop gracefully stops a container, killing it after grace.
func (d *Driver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if secs <= 0 {
		secs = 10
	}
	_, err := d.run(ctx, "stop", "--time", strconv.Itoa(secs), containerID)
	return err
}

// Remove stops (if running) and force-removes a container. Removing a
// container that is already gone is not an error.
func (d *Driver) Remove(ctx context.Context, containerID string) error {
	if info, err := d.Inspect(ctx, containerID); err == nil && info.Running {
		if err := d.Stop(ctx, containerID, 10*time.Second); err != nil {
			slog.Warn("graceful stop before remove failed, force-removing anyway",
				"container_id", containerID, "error", err)
		}
	}

	_, err := d.run(ctx, "rm", "--force", containerID)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// Inspect returns structured state and port mappings for a container.
func (d *Driver) Inspect(ctx context.Context, containerID string) (*runtime.ContainerInfo, error) {
	out, err := d.run(ctx, "inspect", "--format", "json", containerID)
	if err != nil {
		return nil, err
	}
	info, err := parseInspect([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("%s inspect %s: %w", d.binary, containerID, err)
	}
	return info, nil
}

// Logs returns up to tail lines of timestamped combined container output.
func (d *Driver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	args := []string{"logs", "--timestamps"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, containerID)

	// Container output is split across stdout and stderr, so logs need a
	// combined capture instead of the stdout-only run helper.
	if !d.available {
		return "", runtime.ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s logs: %s", d.binary, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Stats returns a normalized one-shot resource usage snapshot.
func (d *Driver) Stats(ctx context.Context, containerID string) (*runtime.ContainerStats, error) {
	out, err := d.run(ctx, "stats", "--no-stream", "--format", "{{json .}}", containerID)
	if err != nil {
		return nil, err
	}
	stats, err := parseStats([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("%s stats %s: %w", d.binary, containerID, err)
	}
	return stats, nil
}

// List returns summaries of all Banken-managed containers, running or not.
func (d *Driver) List(ctx context.Context) ([]runtime.ContainerSummary, error) {
	out, err := d.run(ctx, "ps", "--all",
		"--filter", "label="+runtime.LabelManagedBy+"="+runtime.ManagedByValue,
		"--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	summaries, err := parsePSLines(out)
	if err != nil {
		return nil, fmt.Errorf("%s ps: %w", d.binary, err)
	}
	return summaries, nil
}

// isNotFound matches the "no such container" diagnostics of both podman and
// docker.
func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no container with name or id")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Compile-time driver conformance check.
var _ runtime.Runtime = (*Driver)(nil)

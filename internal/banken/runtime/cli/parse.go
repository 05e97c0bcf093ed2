package cli

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Banken/internal/banken/runtime"
)

// inspectEntry is the subset of `inspect --format json` output Banken needs.
// Both podman and docker emit a one-element array for a single container.
type inspectEntry struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status     string `json:"Status"`
		Running    bool   `json:"Running"`
		ExitCode   int    `json:"ExitCode"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
		Error      string `json:"Error"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

// parseInspect decodes inspect JSON into a ContainerInfo.
func parseInspect(data []byte) (*runtime.ContainerInfo, error) {
	var entries []inspectEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// docker with --format json emits a bare object rather than an array.
		var single inspectEntry
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("decode inspect output: %w", err)
		}
		entries = []inspectEntry{single}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("inspect output is empty")
	}
	e := entries[0]

	ports := make(map[int]int)
	for portProto, bindings := range e.NetworkSettings.Ports {
		containerPort, ok := parsePortProto(portProto)
		if !ok {
			continue
		}
		for _, b := range bindings {
			if hostPort, err := strconv.Atoi(b.HostPort); err == nil && hostPort > 0 {
				ports[containerPort] = hostPort
				break
			}
		}
	}

	started, _ := time.Parse(time.RFC3339Nano, e.State.StartedAt)
	finished, _ := time.Parse(time.RFC3339Nano, e.State.FinishedAt)

	return &runtime.ContainerInfo{
		ID:         e.ID,
		Name:       strings.TrimPrefix(e.Name, "/"),
		State:      runtime.ParseState(e.State.Status),
		Running:    e.State.Running,
		Ports:      ports,
		StartedAt:  started,
		FinishedAt: finished,
		ExitCode:   e.State.ExitCode,
		Error:      e.State.Error,
		Labels:     e.Config.Labels,
	}, nil
}

// parsePortProto extracts the numeric port from a "8000/tcp" key.
// Non-tcp bindings are ignored.
func parsePortProto(s string) (int, bool) {
	port, proto, found := strings.Cut(s, "/")
	if found && proto != "tcp" {
		return 0, false
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// psEntry is one line of `ps --format {{json .}}` output. podman and docker
// disagree on field shapes (Names as string vs array, Labels as string vs
// map, Ports as string vs struct list), so the ambiguous fields decode
// through tolerant wrappers.
type psEntry struct {
	ID     string     `json:"ID"`
	IDAlt  string     `json:"Id"`
	Names  flexNames  `json:"Names"`
	State  string     `json:"State"`
	Status string     `json:"Status"`
	Ports  flexPorts  `json:"Ports"`
	Labels flexLabels `json:"Labels"`
}

// flexNames accepts "name", "/name" or ["name", ...].
type flexNames string

func (f *flexNames) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexNames(strings.TrimPrefix(s, "/"))
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	if len(list) > 0 {
		*f = flexNames(strings.TrimPrefix(list[0], "/"))
	}
	return nil
}

// flexLabels accepts "k=v,k=v" or {"k": "v"}.
type flexLabels map[string]string

func (f *flexLabels) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err == nil {
		*f = m
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = parseLabelList(s)
	return nil
}

// parseLabelList parses docker's "k=v,k=v" label column format.
func parseLabelList(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if k, v, found := strings.Cut(strings.TrimSpace(pair), "="); found && k != "" {
			labels[k] = v
		}
	}
	return labels
}

// flexPorts accepts "0.0.0.0:9000->8000/tcp, :::9000->8000/tcp" or podman's
// structured [{"host_port": 9000, "container_port": 8000, ...}] form.
type flexPorts map[int]int

func (f *flexPorts) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = parsePortList(s)
		return nil
	}
	var list []struct {
		HostPort      int    `json:"host_port"`
		ContainerPort int    `json:"container_port"`
		Protocol      string `json:"protocol"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	ports := make(map[int]int)
	for _, p := range list {
		if p.Protocol != "" && p.Protocol != "tcp" {
			continue
		}
		if p.HostPort > 0 && p.ContainerPort > 0 {
			ports[p.ContainerPort] = p.HostPort
		}
	}
	*f = ports
	return nil
}

// portMappingRE matches one ":hostPort->containerPort/" mapping inside a ps
// Ports column like "0.0.0.0:9000->8000/tcp".
var portMappingRE = regexp.MustCompile(`:(\d+)->(\d+)/`)

// parsePortList extracts container→host port pairs from the textual ps
// Ports column.
func parsePortList(s string) map[int]int {
	ports := make(map[int]int)
	for _, m := range portMappingRE.FindAllStringSubmatch(s, -1) {
		hostPort, err1 := strconv.Atoi(m[1])
		containerPort, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil {
			ports[containerPort] = hostPort
		}
	}
	return ports
}

// parsePSLines decodes line-delimited `ps --format {{json .}}` output.
func parsePSLines(out string) ([]runtime.ContainerSummary, error) {
	var summaries []runtime.ContainerSummary
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e psEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("decode ps line %q: %w", line, err)
		}
		id := e.ID
		if id == "" {
			id = e.IDAlt
		}
		state := e.State
		if state == "" {
			// docker sometimes only fills Status ("Up 2 minutes",
			// "Exited (0) 5 seconds ago").
			state = stateFromStatus(e.Status)
		}
		summaries = append(summaries, runtime.ContainerSummary{
			ID:        id,
			Name:      string(e.Names),
			State:     runtime.ParseState(state),
			AgentID:   e.Labels[runtime.LabelAgentID],
			AgentName: e.Labels[runtime.LabelAgentName],
			Ports:     map[int]int(e.Ports),
		})
	}
	return summaries, nil
}

// stateFromStatus maps a human-readable Status column onto a state keyword.
func stateFromStatus(status string) string {
	switch {
	case strings.HasPrefix(status, "Up"):
		return "running"
	case strings.HasPrefix(status, "Exited"):
		return "exited"
	case strings.HasPrefix(status, "Created"):
		return "created"
	case strings.HasPrefix(status, "Paused"):
		return "paused"
	default:
		return status
	}
}

// statsEntry is the docker-compatible `stats --format {{json .}}` shape,
// which podman also understands.
type statsEntry struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
}

// parseStats normalizes the textual stats columns into numeric fields.
func parseStats(data []byte) (*runtime.ContainerStats, error) {
	text := strings.TrimSpace(string(data))
	if line, _, found := strings.Cut(text, "\n"); found {
		text = line
	}

	var e statsEntry
	if err := json.Unmarshal([]byte(text), &e); err != nil {
		// podman without a Go template emits a JSON array.
		var list []statsEntry
		if err2 := json.Unmarshal(data, &list); err2 != nil || len(list) == 0 {
			return nil, fmt.Errorf("decode stats output: %w", err)
		}
		e = list[0]
	}

	memUsage, memLimit := parseBytePair(e.MemUsage)
	netRx, netTx := parseBytePair(e.NetIO)

	return &runtime.ContainerStats{
		CPUPercent:     parsePercent(e.CPUPerc),
		MemoryUsage:    memUsage,
		MemoryLimit:    memLimit,
		NetworkRxBytes: netRx,
		NetworkTxBytes: netTx,
	}, nil
}

// parsePercent parses "1.52%" into 1.52. Missing values ("--", "") are zero.
func parsePercent(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseBytePair parses "772KiB / 3.84GiB" style columns into two byte counts.
func parseBytePair(s string) (uint64, uint64) {
	first, second, found := strings.Cut(s, "/")
	if !found {
		return parseByteSize(s), 0
	}
	return parseByteSize(first), parseByteSize(second)
}

var byteSizeRE = regexp.MustCompile(`^([0-9.]+)\s*([A-Za-z]*)$`)

// byteUnits maps stats column units onto byte multipliers. Decimal prefixes
// (kB, MB, ...) are powers of 1000, binary prefixes (KiB, MiB, ...) powers
// of 1024, matching how the runtimes render them.
var byteUnits = map[string]float64{
	"":    1,
	"b":   1,
	"kb":  1e3,
	"mb":  1e6,
	"gb":  1e9,
	"tb":  1e12,
	"kib": 1 << 10,
	"mib": 1 << 20,
	"gib": 1 << 30,
	"tib": 1 << 40,
}

// parseByteSize parses "3.84GiB" into bytes, returning zero for anything it
// cannot understand ("--", "N/A").
func parseByteSize(s string) uint64 {
	m := byteSizeRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	mult, ok := byteUnits[strings.ToLower(m[2])]
	if !ok {
		return 0
	}
	return uint64(value * mult)
}

package runtime

import (
	"strings"
	"testing"
)

func TestParseState(t *testing.T) {
	cases := []struct {
		input string
		want  ContainerState
	}{
		{"running", StateRunning},
		{"Running", StateRunning},
		{"restarting", StateRunning},
		{"stopped", StateStopped},
		{"dead", StateStopped},
		{"exited", StateExited},
		{"created", StateCreated},
		{"paused", StatePaused},
		{"removing", StateRemoving},
		{"", StateUnknown},
		{"bogus", StateUnknown},
	}
	for _, tc := range cases {
		if got := ParseState(tc.input); got != tc.want {
			t.Errorf("ParseState(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestContainerNameFor(t *testing.T) {
	name := ContainerNameFor("My RAG Agent!")
	if !strings.HasPrefix(name, "banken-agent-myragagent-") {
		t.Errorf("name = %q, want sanitized prefix", name)
	}
	if len(name) != len("banken-agent-myragagent-")+6 {
		t.Errorf("name = %q, want 6-char suffix", name)
	}

	// Two derivations must differ so delete-then-recreate never collides.
	if ContainerNameFor("same") == ContainerNameFor("same") {
		t.Error("expected unique suffixes for repeated calls")
	}

	// A name with no usable characters still yields something valid.
	if got := ContainerNameFor("!!!"); !strings.HasPrefix(got, "banken-agent-agent-") {
		t.Errorf("fallback name = %q", got)
	}
}

func TestHostPortFor(t *testing.T) {
	info := &ContainerInfo{Ports: map[int]int{8000: 9004}}
	if got := info.HostPortFor(8000); got != 9004 {
		t.Errorf("HostPortFor(8000) = %d, want 9004", got)
	}
	if got := info.HostPortFor(9090); got != 0 {
		t.Errorf("HostPortFor(9090) = %d, want 0", got)
	}
	var nilInfo *ContainerInfo
	if got := nilInfo.HostPortFor(8000); got != 0 {
		t.Errorf("nil HostPortFor = %d, want 0", got)
	}
}

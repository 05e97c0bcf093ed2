package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Banken/internal/banken/runtime"
)

func TestNew_MissingBinary(t *testing.T) {
	d := New("banken-no-such-runtime-binary", time.Second)
	if d.Available() {
		t.Fatal("driver should report unavailable for a missing binary")
	}

	_, err := d.Create(context.Background(), runtime.ContainerSpec{Name: "x", Image: "img"})
	if !errors.Is(err, runtime.ErrUnavailable) {
		t.Errorf("Create error = %v, want ErrUnavailable", err)
	}
	if err := d.Start(context.Background(), "abc"); !errors.Is(err, runtime.ErrUnavailable) {
		t.Errorf("Start error = %v, want ErrUnavailable", err)
	}
	if _, err := d.List(context.Background()); !errors.Is(err, runtime.ErrUnavailable) {
		t.Errorf("List error = %v, want ErrUnavailable", err)
	}
}

// stubRuntime writes a shell script that records its arguments and prints
// the given stdout, then prepends its directory to PATH.
func stubRuntime(t *testing.T, stdout string) (binary string, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args.log")
	binary = "banken-test-runtime"

	script := "#!/bin/sh\necho \"$@\" >> \"" + argsFile + "\"\nprintf '%s' \"" + stdout + "\"\n"
	if err := os.WriteFile(filepath.Join(dir, binary), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return binary, argsFile
}

func recordedArgs(t *testing.T, argsFile string) []string {
	t.Helper()
	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestCreate_BuildsCommandLine(t *testing.T) {
	binary, argsFile := stubRuntime(t, "cid-12345\n")
	d := New(binary, 5*time.Second)

	id, err := d.Create(context.Background(), runtime.ContainerSpec{
		Name:          "banken-agent-demo-abc123",
		Image:         "banken/agent:latest",
		Env:           map[string]string{"B_VAR": "2", "A_VAR": "1"},
		Network:       "banken",
		HostPort:      9003,
		MemoryLimit:   "512m",
		CPULimit:      0.5,
		RestartPolicy: "unless-stopped",
		Mounts: []runtime.Mount{
			{HostPath: "/kb/agent-1", ContainerPath: "/app/data/kb", ReadOnly: true},
		},
		Labels: map[string]string{runtime.LabelAgentID: "agent-1"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "cid-12345" {
		t.Errorf("id = %q, want trimmed stdout", id)
	}

	lines := recordedArgs(t, argsFile)
	if len(lines) != 1 {
		t.Fatalf("expected one invocation, got %d", len(lines))
	}
	cmdline := lines[0]

	for _, want := range []string{
		"create --name banken-agent-demo-abc123",
		"-e A_VAR=1 -e B_VAR=2", // sorted env
		"--network banken",
		"-p 9003:8000/tcp",
		"-v /kb/agent-1:/app/data/kb:ro",
		"--memory 512m",
		"--cpus 0.5",
		"--restart unless-stopped",
		"--label banken.agent-id=agent-1",
		"--label banken.managed-by=banken",
	} {
		if !strings.Contains(cmdline, want) {
			t.Errorf("command line missing %q:\n%s", want, cmdline)
		}
	}
	if !strings.HasSuffix(cmdline, "banken/agent:latest") {
		t.Errorf("image must be the final argument:\n%s", cmdline)
	}
}

func TestStop_PassesGracePeriod(t *testing.T) {
	binary, argsFile := stubRuntime(t, "")
	d := New(binary, 5*time.Second)

	if err := d.Stop(context.Background(), "cid-1", 20*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	lines := recordedArgs(t, argsFile)
	if want := "stop --time 20 cid-1"; lines[0] != want {
		t.Errorf("args = %q, want %q", lines[0], want)
	}
}

func TestRun_KillsHangingBinary(t *testing.T) {
	dir := t.TempDir()
	binary := "banken-test-hanging-runtime"
	script := "#!/bin/sh\nexec sleep 30\n"
	if err := os.WriteFile(filepath.Join(dir, binary), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	d := New(binary, 100*time.Millisecond)
	begin := time.Now()
	err := d.Start(context.Background(), "cid-1")
	elapsed := time.Since(begin)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout diagnostic", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("call took %s, deadline not enforced", elapsed)
	}
}

package cli

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/carapace-gateway/carapace/internal/domain/policy"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
)

func shPath(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestDispatch_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	sh := shPath(t)
	d := NewDispatcher()

	req := &wire.CliRequest{ID: "req-1", Argv: []string{"client-argv0", "-c", "echo hello"}}
	pol := &policy.CliPolicy{Binary: sh, TimeoutSecs: 5}

	resp, err := d.Dispatch(context.Background(), req, pol)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", resp.ExitCode)
	}
	if got := strings.TrimSpace(string(resp.Stdout)); got != "hello" {
		t.Errorf("Stdout = %q, want hello", got)
	}
	if resp.Truncated {
		t.Error("Truncated = true, want false")
	}
}

func TestDispatch_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	sh := shPath(t)
	d := &Dispatcher{GracePeriod: 100 * time.Millisecond}

	req := &wire.CliRequest{ID: "req-2", Argv: []string{"x", "-c", "sleep 5"}}
	pol := &policy.CliPolicy{Binary: sh, TimeoutSecs: 1}

	start := time.Now()
	resp, err := d.Dispatch(context.Background(), req, pol)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if resp.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", resp.ExitCode)
	}
	if !strings.Contains(string(resp.Stderr), "timed out") {
		t.Errorf("Stderr = %q, want timeout marker", resp.Stderr)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Dispatch took %v, want well under the 5s sleep", elapsed)
	}
}

func TestDispatch_StdoutTruncated(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	sh := shPath(t)
	d := &Dispatcher{CaptureCap: 16}

	req := &wire.CliRequest{ID: "req-3", Argv: []string{"x", "-c", "yes x | head -c 1000"}}
	pol := &policy.CliPolicy{Binary: sh, TimeoutSecs: 5}

	resp, err := d.Dispatch(context.Background(), req, pol)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if !resp.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(resp.Stdout) != 16 {
		t.Errorf("Stdout len = %d, want 16", len(resp.Stdout))
	}
}

func TestDispatch_CwdRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	sh := shPath(t)
	d := NewDispatcher()

	req := &wire.CliRequest{ID: "req-4", Argv: []string{"x", "-c", "pwd"}, Cwd: "/etc"}
	pol := &policy.CliPolicy{Binary: sh, TimeoutSecs: 5, CwdAllow: []string{"/tmp"}}

	if _, err := d.Dispatch(context.Background(), req, pol); err == nil {
		t.Error("Dispatch() error = nil, want cwd rejection")
	}
}

func TestDispatch_SpawnFailure(t *testing.T) {
	d := NewDispatcher()
	req := &wire.CliRequest{ID: "req-5", Argv: []string{"x"}}
	pol := &policy.CliPolicy{Binary: "/no/such/binary-carapace-test", TimeoutSecs: 5}

	if _, err := d.Dispatch(context.Background(), req, pol); err == nil {
		t.Error("Dispatch() error = nil, want spawn failure")
	}
}

func TestMergeEnv_PolicyWinsOverRequest(t *testing.T) {
	env := mergeEnv(map[string]string{"A": "request", "B": "keep"}, map[string]string{"A": "policy"})
	got := make(map[string]string)
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		got[parts[0]] = parts[1]
	}
	if got["A"] != "policy" {
		t.Errorf("A = %q, want policy", got["A"])
	}
	if got["B"] != "keep" {
		t.Errorf("B = %q, want keep", got["B"])
	}
}

func TestMergeEnv_NeverIncludesAmbientEnv(t *testing.T) {
	env := mergeEnv(map[string]string{"A": "1"}, nil)
	if len(env) != 1 {
		t.Fatalf("mergeEnv produced %d vars, want exactly 1 (no ambient env leakage)", len(env))
	}
}

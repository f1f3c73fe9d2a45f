// Package cli dispatches an approved CliRequest to a subprocess: it merges
// environments, validates the working directory, spawns the policy binary
// with no shell, collects capped stdout/stderr, and enforces the policy
// timeout with a signal-then-force-kill escalation.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/carapace-gateway/carapace/internal/domain/policy"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
)

// DefaultCaptureCap is the per-stream capture cap applied when the
// Dispatcher's CaptureCap is zero. A policy's MaxOutputSize response filter
// does not change the capture cap; it truncates the captured stdout later.
const DefaultCaptureCap = 8 * 1024 * 1024 // 8 MiB

// DefaultGracePeriod is how long the dispatcher waits after sending the
// termination signal before force-killing a timed-out subprocess.
const DefaultGracePeriod = 5 * time.Second

// timedOutMarker is appended to stderr when a subprocess is killed for
// exceeding its timeout.
const timedOutMarker = "\n*** carapace: process timed out ***\n"

// Dispatcher executes CliRequests against their CliPolicy.
type Dispatcher struct {
	// CaptureCap bounds stdout/stderr buffering per stream. Zero uses
	// DefaultCaptureCap.
	CaptureCap int
	// GracePeriod is the delay between the termination signal and a force
	// kill on timeout. Zero uses DefaultGracePeriod.
	GracePeriod time.Duration
}

// NewDispatcher builds a Dispatcher with default caps.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{CaptureCap: DefaultCaptureCap, GracePeriod: DefaultGracePeriod}
}

// Dispatch runs req against pol and blocks until the subprocess exits, the
// policy timeout elapses, or ctx is cancelled. A spawn failure (missing
// binary, cwd rejected) is reported as (nil, dispatch_error-shaped error);
// the caller wraps it into an ErrorMessage. A policy timeout is NOT an
// error: it is reported in the returned CliResponse per spec (exit_code -1,
// synthetic stderr marker).
func (d *Dispatcher) Dispatch(ctx context.Context, req *wire.CliRequest, pol *policy.CliPolicy) (*wire.CliResponse, error) {
	cwd, err := resolveCwd(req.Cwd, pol.CwdAllow)
	if err != nil {
		return nil, err
	}

	argv := make([]string, len(req.Argv))
	copy(argv, req.Argv)
	if len(argv) > 0 {
		argv[0] = filepath.Base(pol.Binary)
	} else {
		argv = []string{filepath.Base(pol.Binary)}
	}

	env := mergeEnv(req.Env, pol.EnvInject)

	timeout := time.Duration(pol.TimeoutSecs) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, pol.Binary, argv[1:]...)
	cmd.Args = argv // exec.CommandContext re-derives Args[0] from Path; restore the basename form.
	cmd.Dir = cwd
	cmd.Env = env
	setProcessGroup(cmd)

	captureCap := d.CaptureCap
	if captureCap <= 0 {
		captureCap = DefaultCaptureCap
	}
	gracePeriod := d.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	stdout := newCappedBuffer(captureCap)
	stderr := newCappedBuffer(captureCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("cli dispatch: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cli dispatch: spawn %s: %w", pol.Binary, err)
	}

	go func() {
		if len(req.Stdin) > 0 {
			_, _ = stdin.Write(req.Stdin)
		}
		_ = stdin.Close()
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		exitCode := exitCodeOf(err)
		return &wire.CliResponse{
			ID:        req.ID,
			ExitCode:  exitCode,
			Stdout:    stdout.Bytes(),
			Stderr:    stderr.Bytes(),
			Truncated: stdout.truncated || stderr.truncated,
		}, nil
	case <-runCtx.Done():
		killProcessGroup(cmd)
		select {
		case <-waitErr:
		case <-time.After(gracePeriod):
			forceKillProcessGroup(cmd)
			<-waitErr
		}
		stderr.appendAfterKill([]byte(timedOutMarker))
		return &wire.CliResponse{
			ID:        req.ID,
			ExitCode:  -1,
			Stdout:    stdout.Bytes(),
			Stderr:    stderr.Bytes(),
			Truncated: stdout.truncated || stderr.truncated,
		}, nil
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// resolveCwd validates req's working directory against the policy's
// cwd_allow prefixes. An absent request cwd defers to the server's own
// working directory. An empty allow-list permits any cwd the request names.
func resolveCwd(reqCwd string, allow []string) (string, error) {
	if reqCwd == "" {
		return "", nil
	}
	if len(allow) == 0 {
		return reqCwd, nil
	}
	clean := filepath.Clean(reqCwd)
	for _, root := range allow {
		if clean == filepath.Clean(root) || strings.HasPrefix(clean, filepath.Clean(root)+string(filepath.Separator)) {
			return reqCwd, nil
		}
	}
	return "", fmt.Errorf("cli dispatch: cwd %q is not under any allowed root", reqCwd)
}

// mergeEnv starts from the request's own env and overwrites entry by entry
// with policy.env_inject, which always wins. Ambient server env is never
// consulted: a request's only source of environment is itself plus the
// policy's explicit injections.
func mergeEnv(reqEnv, inject map[string]string) []string {
	merged := make(map[string]string, len(reqEnv)+len(inject))
	for k, v := range reqEnv {
		merged[k] = v
	}
	for k, v := range inject {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// cappedBuffer collects up to limit bytes and reports truncation, while
// still permitting the writer to drain beyond the cap without blocking or
// erroring (spec: "continue draining to EOF").
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.buf.Len() >= c.limit {
		c.truncated = true
		return len(p), nil
	}
	room := c.limit - c.buf.Len()
	if len(p) > room {
		c.truncated = true
		c.buf.Write(p[:room])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte { return c.buf.Bytes() }

// appendAfterKill appends directly, bypassing the cap: the timeout marker
// must always be visible even on an already-full stream.
func (c *cappedBuffer) appendAfterKill(p []byte) {
	c.buf.Write(p)
}

var _ io.Writer = (*cappedBuffer)(nil)

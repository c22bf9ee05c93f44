// Package procexec runs external commands with a timeout-and-kill
// escalation wrapper (SIGTERM, then SIGKILL after a grace period),
// classifying the result per spec §4.5/§5. Every bounded external
// command (mergerfs, findmnt, the unmount helpers, the readiness probe)
// goes through it, so the supervisor's cancellation token and
// per-command timeout budget are applied uniformly; the event reader's
// long-lived inotifywait child is managed separately by internal/events.
package procexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Result classifies how a command invocation concluded, per spec §4.5.
type Result int

const (
	Succeeded Result = iota
	FailedRetryable
	FailedFatal
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "Succeeded"
	case FailedRetryable:
		return "FailedRetryable"
	case FailedFatal:
		return "FailedFatal"
	case TimedOut:
		return "TimedOut"
	}
	return "Unknown"
}

// Outcome is the full result of one Run call.
type Outcome struct {
	Result   Result
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs commands with a timeout and a SIGTERM→SIGKILL escalation.
type Runner struct {
	Timeout   time.Duration
	KillGrace time.Duration
}

// New returns a Runner with the given per-command timeout and the
// grace period between SIGTERM and SIGKILL.
func New(timeout, killGrace time.Duration) *Runner {
	return &Runner{Timeout: timeout, KillGrace: killGrace}
}

// Run executes name with args under ctx, applying r.Timeout as a hard
// deadline. On timeout it sends SIGTERM, waits r.KillGrace, then sends
// SIGKILL. The classification in Outcome.Result is the contract
// callers (the mount command service and the scan orchestrator's
// circuit breaker) key their retry/circuit-breaker decisions on.
func (r *Runner) Run(ctx context.Context, name string, args ...string) Outcome {
	cctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	startErr := cmd.Start()
	if startErr != nil {
		return Outcome{Result: FailedFatal, Stderr: startErr.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return classify(err, cmd, stdout.String(), stderr.String())
	case <-cctx.Done():
		r.escalate(cmd)
		<-done // reap
		return Outcome{Result: TimedOut, Stdout: stdout.String(), Stderr: stderr.String()}
	}
}

// escalate sends SIGTERM to the command's process group, waits the full
// KillGrace, then sends SIGKILL to the group.
func (r *Runner) escalate(cmd *exec.Cmd) {
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)

	t := time.NewTimer(r.KillGrace)
	defer t.Stop()
	<-t.C

	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// Output runs name with args and returns stdout, satisfying the small
// Runner interfaces (e.g. internal/mount/snapshot.Runner) that only
// need a command's captured output, not the full Outcome classification.
// A FailedRetryable (non-zero exit) result still returns its stdout
// alongside an *OutputError carrying the exit code, so callers like
// findmnt parsing (which treats exit code 1 as "nothing mounted") can
// distinguish it from a hard failure.
func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out := r.Run(ctx, name, args...)
	switch out.Result {
	case Succeeded:
		return []byte(out.Stdout), nil
	case FailedRetryable:
		return []byte(out.Stdout), &OutputError{ExitCode: out.ExitCode, Stderr: out.Stderr}
	default:
		return nil, fmt.Errorf("%s %v: %s", name, args, out.Stderr)
	}
}

// OutputError is returned by Runner.Output for a command that ran and
// exited non-zero.
type OutputError struct {
	ExitCode int
	Stderr   string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("exit code %d: %s", e.ExitCode, e.Stderr)
}

func classify(err error, cmd *exec.Cmd, stdout, stderr string) Outcome {
	if err == nil {
		return Outcome{Result: Succeeded, Stdout: stdout, Stderr: stderr, ExitCode: 0}
	}
	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		return Outcome{Result: FailedRetryable, Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	}
	return Outcome{Result: FailedFatal, Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
}

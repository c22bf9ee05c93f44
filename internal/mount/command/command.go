// Package command implements the Mount Command Service of spec §4.5:
// applies one Mount/Remount/Unmount reconciler action at a time via
// external commands, with a timeout+kill-escalation wrapper, a
// readiness probe, and fallback unmount strategies.
package command

import (
	"context"
	"strings"

	"github.com/ssm/suwayomi-merge/internal/mount/reconciler"
	"github.com/ssm/suwayomi-merge/internal/mount/snapshot"
	"github.com/ssm/suwayomi-merge/internal/procexec"
)

// Runner is the subset of *procexec.Runner this service needs; tests
// supply a hand-written fake implementing it rather than a mocking
// framework.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) procexec.Outcome
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Service applies reconciler actions.
type Service struct {
	Runner              Runner
	MountOptions        string
	HighPriorityCleanup bool
}

// New creates a Service with the given base mount options (the
// "threads=1" default is appended automatically if absent, per spec §4.5).
func New(runner Runner, mountOptions string) *Service {
	return &Service{Runner: runner, MountOptions: mountOptions}
}

// Apply applies one action and returns its classification.
func (s *Service) Apply(ctx context.Context, action reconciler.Action) procexec.Result {
	switch action.Kind {
	case reconciler.Mount:
		return s.mount(ctx, action)
	case reconciler.Unmount:
		return s.unmount(ctx, action.Mountpoint)
	case reconciler.Remount:
		return s.remount(ctx, action)
	}
	return procexec.FailedFatal
}

func (s *Service) mount(ctx context.Context, action reconciler.Action) procexec.Result {
	opts := s.optionsWithDefaults(action.DesiredIdentity)
	out := s.Runner.Run(ctx, "mergerfs", "-o", opts, action.BranchSpec, action.Mountpoint)
	if out.Result != procexec.Succeeded {
		return out.Result
	}
	if !s.probeReady(ctx, action.Mountpoint) {
		return procexec.FailedRetryable
	}
	return procexec.Succeeded
}

// optionsWithDefaults appends fsname=<identity>, and threads=1 when the
// base options don't already set a threads= token.
func (s *Service) optionsWithDefaults(identity string) string {
	opts := s.MountOptions
	if opts != "" {
		opts += ","
	}
	opts += "fsname=" + identity
	if !strings.Contains(s.MountOptions, "threads=") {
		opts += ",threads=1"
	}
	return opts
}

// unmountStrategies are tried in order; the first that succeeds wins.
var unmountStrategies = []struct {
	name string
	args func(mp string) []string
}{
	{"fusermount3", func(mp string) []string { return []string{"-u", mp} }},
	{"fusermount", func(mp string) []string { return []string{"-u", mp} }},
	{"umount", func(mp string) []string { return []string{mp} }},
}

func (s *Service) unmount(ctx context.Context, mountpoint string) procexec.Result {
	var last procexec.Result = procexec.FailedRetryable
	for _, strat := range unmountStrategies {
		name, args := strat.name, strat.args(mountpoint)
		if s.HighPriorityCleanup {
			name, args = wrapPriority(strat.name, args)
		}
		out := s.Runner.Run(ctx, name, args...)
		if out.Result == procexec.Succeeded && !transportNotConnected(out.Stderr) {
			return procexec.Succeeded
		}
		if out.Result != procexec.Succeeded {
			last = out.Result
		} else {
			// Succeeded exit code but the transport-endpoint message means
			// the mount wasn't actually usable; keep trying the next strategy.
			last = procexec.FailedRetryable
		}
	}
	return last
}

// wrapPriority wraps a command with ionice/nice for high-priority
// cleanup, per spec §4.5.
func wrapPriority(name string, args []string) (string, []string) {
	wrapped := append([]string{"-c", "2", "-n", "19", "nice", "-n", "19", name}, args...)
	return "ionice", wrapped
}

func transportNotConnected(stderr string) bool {
	return strings.Contains(stderr, "Transport endpoint is not connected")
}

func (s *Service) remount(ctx context.Context, action reconciler.Action) procexec.Result {
	unmountResult := s.unmount(ctx, action.Mountpoint)
	if unmountResult == procexec.FailedRetryable {
		return procexec.FailedRetryable
	}
	if unmountResult != procexec.Succeeded {
		return unmountResult
	}

	if !s.verifyAbsent(ctx, action.Mountpoint) {
		return procexec.FailedRetryable
	}

	return s.mount(ctx, action)
}

func (s *Service) verifyAbsent(ctx context.Context, mountpoint string) bool {
	entries, err := snapshot.Take(ctx, s.Runner)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Target == mountpoint {
			return false
		}
	}
	return true
}

// probeReady runs `ls -A <mountpoint>` under the command timeout;
// success iff the command exits 0 within budget, per spec §4.5.
func (s *Service) probeReady(ctx context.Context, mountpoint string) bool {
	out := s.Runner.Run(ctx, "ls", "-A", mountpoint)
	return out.Result == procexec.Succeeded
}

// ClassifyForCircuitBreaker reports whether a result should count
// toward the consecutive-failure circuit breaker of spec §4.6/§7.
func ClassifyForCircuitBreaker(r procexec.Result) bool {
	return r != procexec.Succeeded
}

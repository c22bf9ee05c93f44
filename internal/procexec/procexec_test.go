package procexec

import (
	"context"
	"testing"
	"time"
)

func TestRunSucceeds(t *testing.T) {
	t.Parallel()
	r := New(2*time.Second, 500*time.Millisecond)
	out := r.Run(context.Background(), "true")
	if out.Result != Succeeded {
		t.Fatalf("Result = %v, want Succeeded", out.Result)
	}
}

func TestRunFailedRetryable(t *testing.T) {
	t.Parallel()
	r := New(2*time.Second, 500*time.Millisecond)
	out := r.Run(context.Background(), "false")
	if out.Result != FailedRetryable {
		t.Fatalf("Result = %v, want FailedRetryable", out.Result)
	}
}

func TestRunTimesOut(t *testing.T) {
	t.Parallel()
	r := New(100*time.Millisecond, 100*time.Millisecond)
	out := r.Run(context.Background(), "sleep", "5")
	if out.Result != TimedOut {
		t.Fatalf("Result = %v, want TimedOut", out.Result)
	}
}

func TestRunMissingCommandIsFatal(t *testing.T) {
	t.Parallel()
	r := New(2*time.Second, 500*time.Millisecond)
	out := r.Run(context.Background(), "this-command-does-not-exist-xyz")
	if out.Result != FailedFatal {
		t.Fatalf("Result = %v, want FailedFatal", out.Result)
	}
}

func TestOutputCapturesStdout(t *testing.T) {
	t.Parallel()
	r := New(2*time.Second, 500*time.Millisecond)
	out, err := r.Output(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("Output() = %q, want %q", out, "hello\n")
	}
}

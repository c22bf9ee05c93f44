package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeWorker struct {
	startCalled bool
	stopCalled  bool
	running     bool
}

func (f *fakeWorker) Start(ctx context.Context) { f.startCalled = true; f.running = true }
func (f *fakeWorker) Stop()                     { f.stopCalled = true; f.running = false }
func (f *fakeWorker) Running() bool             { return f.running }

type fakeRescan struct {
	reasons []string
}

func (f *fakeRescan) RequestScan(reason string) { f.reasons = append(f.reasons, reason) }

func TestAcquireWritesPIDAndRejectsSecondInstance(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s1 := &Supervisor{StateDir: dir}
	if err := s1.Acquire(); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer s1.Release()

	if _, err := os.Stat(filepath.Join(dir, "daemon.pid")); err != nil {
		t.Errorf("expected pid file to exist: %v", err)
	}

	s2 := &Supervisor{StateDir: dir}
	if err := s2.Acquire(); err == nil {
		t.Error("second Acquire() succeeded, want AlreadyRunning error")
	}
}

func TestReleaseRemovesPIDFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := &Supervisor{StateDir: dir}
	if err := s.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	s.Release()
	if _, err := os.Stat(filepath.Join(dir, "daemon.pid")); !os.IsNotExist(err) {
		t.Errorf("expected pid file removed, stat err = %v", err)
	}

	// A fresh instance can now acquire the lock.
	s2 := &Supervisor{StateDir: dir}
	if err := s2.Acquire(); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	s2.Release()
}

func TestRunStartsAndStopsWorkersOnCancel(t *testing.T) {
	t.Parallel()
	w1, w2 := &fakeWorker{}, &fakeWorker{}
	s := &Supervisor{
		StateDir:            t.TempDir(),
		Workers:             []Worker{w1, w2},
		ShutdownHardTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if !w1.startCalled || !w2.startCalled {
		t.Error("expected both workers to be started")
	}
	if !w1.stopCalled || !w2.stopCalled {
		t.Error("expected both workers to be stopped")
	}
}

func TestRescanMarkerRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := &Supervisor{StateDir: dir}
	if err := s.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer s.Release()

	rescan := &fakeRescan{}
	s.Rescan = rescan

	if err := RequestRescan(dir); err != nil {
		t.Fatalf("RequestRescan() error = %v", err)
	}

	s.consumeRescanMarker()

	if len(rescan.reasons) != 1 || rescan.reasons[0] != "manual" {
		t.Errorf("reasons = %v, want [manual]", rescan.reasons)
	}
	if _, err := os.Stat(filepath.Join(dir, "rescan_request")); !os.IsNotExist(err) {
		t.Errorf("expected marker file consumed, stat err = %v", err)
	}
}

func TestRequestRescanFailsWithNoDaemonRunning(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := RequestRescan(dir); err == nil {
		t.Error("expected error when no daemon holds the supervisor lock")
	}
}

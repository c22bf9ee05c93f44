// Package supervisor implements the Supervisor of spec §4.10: it takes
// an exclusive advisory lock for the daemon's lifetime, starts the
// worker set (event reader, rename queue, scan trigger coalescer),
// handles SIGINT/SIGTERM with a cooperative-then-forced shutdown, and
// owns the PID file's lifecycle.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/ssm/suwayomi-merge/internal/errtag"
)

// Worker is any background component the Supervisor starts and stops,
// using the same Start(ctx)/Stop()/Running() shape uniformly across
// internal/events.Reader, internal/rename.Queue, and
// internal/trigger.Coalescer.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// RescanPoller is satisfied by internal/trigger.Coalescer; it is held
// separately from the Worker set and called when Run's marker-file poll
// finds a request, so the rescan CLI subcommand's
// file-marker IPC (spec has no custom-signal channel available, per
// §6's "only SIGINT/SIGTERM handled") can reach a running daemon.
type RescanPoller interface {
	RequestScan(reason string)
}

// Supervisor owns the daemon's single-instance lock, worker lifecycle,
// and PID file, per spec §4.10.
type Supervisor struct {
	// StateDir is the directory holding supervisor.lock, daemon.pid, and
	// the rescan-request marker file.
	StateDir string

	// ShutdownHardTimeout bounds how long cooperative worker shutdown is
	// given before the Supervisor logs a timeout diagnostic and returns
	// anyway (spec §4.10's forced-termination deadline).
	ShutdownHardTimeout time.Duration

	// RescanPollInterval controls how often the rescan-request marker
	// file is polled for.
	RescanPollInterval time.Duration

	Workers []Worker
	Rescan  RescanPoller

	lock *flock.Flock
}

func (s *Supervisor) lockPath() string { return filepath.Join(s.StateDir, "supervisor.lock") }
func (s *Supervisor) pidPath() string  { return filepath.Join(s.StateDir, "daemon.pid") }
func (s *Supervisor) rescanMarkerPath() string {
	return filepath.Join(s.StateDir, "rescan_request")
}

// Acquire takes the exclusive single-instance lock, returning
// errtag.AlreadyRunning if another instance holds it.
func (s *Supervisor) Acquire() error {
	if err := os.MkdirAll(s.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", errtag.IoUnavailable)
	}
	lock := flock.New(s.lockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring supervisor lock: %w", errtag.IoUnavailable)
	}
	if !ok {
		return fmt.Errorf("daemon already running: %w", errtag.AlreadyRunning)
	}
	s.lock = lock
	return s.writePID()
}

func (s *Supervisor) writePID() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(s.pidPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", errtag.IoUnavailable)
	}
	return nil
}

// Release deletes the PID file and drops the single-instance lock. It
// is safe to call on every exit path, including after a failed Acquire.
func (s *Supervisor) Release() {
	_ = os.Remove(s.pidPath())
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}

// Run starts every registered worker, blocks until ctx is cancelled
// (normally by a SIGINT/SIGTERM handler installed by the caller), then
// stops every worker cooperatively within ShutdownHardTimeout. It also
// polls for the rescan-request marker file for the IPC-free `rescan`
// CLI subcommand. Run returns a non-nil error only for a shutdown that
// exceeded its hard deadline.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, w := range s.Workers {
		w.Start(ctx)
	}

	rescanCtx, stopRescan := context.WithCancel(ctx)
	var rescanWG sync.WaitGroup
	if s.Rescan != nil {
		rescanWG.Add(1)
		go func() {
			defer rescanWG.Done()
			s.pollRescanMarker(rescanCtx)
		}()
	}

	<-ctx.Done()

	stopRescan()
	rescanWG.Wait()

	return s.shutdown()
}

// shutdown stops every worker, allowing at most ShutdownHardTimeout
// before giving up and logging a timeout diagnostic, per spec §4.10.
func (s *Supervisor) shutdown() error {
	var g errgroup.Group
	for _, w := range s.Workers {
		w := w
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.ShutdownHardTimeout):
		log.Printf("event=supervisor.shutdown_timeout deadline=%s", s.ShutdownHardTimeout)
		return fmt.Errorf("worker shutdown exceeded %s: %w", s.ShutdownHardTimeout, errtag.Fatal)
	}
}

// pollRescanMarker watches for the marker file the `rescan` CLI
// subcommand writes and, on seeing one, removes it and requests a scan.
func (s *Supervisor) pollRescanMarker(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.consumeRescanMarker()
		}
	}
}

func (s *Supervisor) pollInterval() time.Duration {
	if s.RescanPollInterval > 0 {
		return s.RescanPollInterval
	}
	return time.Second
}

func (s *Supervisor) consumeRescanMarker() {
	path := s.rescanMarkerPath()
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		return
	}
	if s.Rescan != nil {
		s.Rescan.RequestScan("manual")
	}
}

// RequestRescan implements the `rescan` CLI subcommand's side: it writes
// the marker file a running Supervisor polls for, or reports
// errtag.IoUnavailable wrapping "no daemon running" if the
// supervisor.lock is free (nothing holds it, so nothing would ever
// consume the marker).
func RequestRescan(stateDir string) error {
	lock := flock.New(filepath.Join(stateDir, "supervisor.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("probing supervisor lock: %w", errtag.IoUnavailable)
	}
	if ok {
		_ = lock.Unlock()
		return fmt.Errorf("no daemon running: %w", errtag.IoUnavailable)
	}
	marker := filepath.Join(stateDir, "rescan_request")
	if err := os.WriteFile(marker, []byte(strconv.FormatInt(time.Now().Unix(), 10)), 0o644); err != nil {
		return fmt.Errorf("writing rescan marker: %w", errtag.IoUnavailable)
	}
	return nil
}

// NotifyContext wraps the standard signal.Notify-based shutdown
// pattern (a sigChan fed to signal.Notify) as a context cancelled on
// SIGINT or SIGTERM, the only two signals this daemon handles specially.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

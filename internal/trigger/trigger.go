// Package trigger implements the Scan Trigger Coalescer of spec §4.9: a
// single-owner state machine that collapses bursts of scan requests into
// at most one running scan at a time, enforces a minimum interval
// between passes, and serializes passes behind a per-pass advisory lock.
package trigger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/time/rate"
)

// State is the Coalescer's single-owner state, per spec §4.9.
type State int

const (
	Idle State = iota
	Scheduled
	Running
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	}
	return "idle"
}

// ScanFunc runs one scan pass for the given reason. It returns nothing,
// so the coalescer never needs to know about internal/scan.PassSummary;
// every pass counts toward the minimum-interval pacing.
type ScanFunc func(ctx context.Context, reason string)

// Coalescer uses the same Start/Stop/Running ticker-worker lifecycle as
// the daemon's other background workers, generalized to a
// request-driven (rather than purely periodic) scan trigger, plus
// golang.org/x/time/rate for minimum-interval pacing.
type Coalescer struct {
	Scan ScanFunc

	// LockPath is the advisory file lock acquired around each scan pass,
	// per spec §4.9's "acquiring the scan lock". The coalescer's own
	// state machine already prevents concurrent scans in-process; this
	// lock is an additional discipline honoring the literal wording and
	// would also guard against a second process sharing the same state
	// directory (the daemon's supervisor lock notwithstanding).
	LockPath string

	// LockRetry is the backoff between failed lock-acquisition attempts.
	LockRetry time.Duration

	// MinInterval is the minimum spacing enforced between the start of
	// one scan pass and the next, via a golang.org/x/time/rate limiter.
	MinInterval time.Duration

	mu        sync.Mutex
	state     State
	pending   bool
	reason    string
	lastStart time.Time
	limiter   *rate.Limiter
	limOnce   sync.Once

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	workCh  chan struct{}
}

// New creates a Coalescer. scan is invoked synchronously on the
// Coalescer's own background goroutine — one scan pass runs at a time by
// construction.
func New(scan ScanFunc, lockPath string, lockRetry, minInterval time.Duration) *Coalescer {
	return &Coalescer{
		Scan:        scan,
		LockPath:    lockPath,
		LockRetry:   lockRetry,
		MinInterval: minInterval,
		workCh:      make(chan struct{}, 1),
	}
}

func (c *Coalescer) rateLimiter() *rate.Limiter {
	c.limOnce.Do(func() {
		interval := c.MinInterval
		if interval <= 0 {
			interval = time.Nanosecond
		}
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	})
	return c.limiter
}

// Start launches the Coalescer's background worker goroutine.
func (c *Coalescer) Start(ctx context.Context) {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.runMu.Unlock()

	go c.run(ctx)
}

func (c *Coalescer) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	stopCh, doneCh := c.stopCh, c.doneCh
	c.runMu.Unlock()

	close(stopCh)
	<-doneCh
}

func (c *Coalescer) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// RequestScan implements spec §4.9's request semantics: if idle, starts
// a scan (respecting MinInterval); if a scan is already running, marks
// pending with the given reason (last reason wins) so exactly one more
// pass follows once the current one completes and MinInterval allows.
func (c *Coalescer) RequestScan(reason string) {
	c.mu.Lock()
	switch c.state {
	case Idle:
		c.state = Scheduled
		c.reason = reason
		c.mu.Unlock()
		c.signalWork()
		return
	case Running, Scheduled:
		c.pending = true
		c.reason = reason
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
}

func (c *Coalescer) signalWork() {
	select {
	case c.workCh <- struct{}{}:
	default:
	}
}

func (c *Coalescer) run(ctx context.Context) {
	defer func() {
		c.runMu.Lock()
		c.running = false
		c.runMu.Unlock()
		close(c.doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.workCh:
			c.runPass(ctx)
		}
	}
}

// runPass acquires the scan lock (retrying on failure per
// LockRetry), runs one scan, and then either starts the next pending
// pass immediately or schedules it once MinInterval elapses.
func (c *Coalescer) runPass(ctx context.Context) {
	c.mu.Lock()
	reason := c.reason
	c.state = Running
	c.mu.Unlock()

	if err := c.rateLimiter().Wait(ctx); err != nil {
		return
	}

	lock, err := c.acquireLock(ctx)
	if err != nil {
		log.Printf("event=trigger.lock_abandoned error=%v", err)
		c.finishPass(ctx)
		return
	}
	defer func() {
		if lock != nil {
			_ = lock.Unlock()
		}
	}()

	c.mu.Lock()
	c.lastStart = time.Now()
	c.mu.Unlock()

	c.Scan(ctx, reason)
	c.finishPass(ctx)
}

// acquireLock retries acquiring the per-pass flock at LockRetry
// intervals until it succeeds or ctx is cancelled, per spec §4.9's
// "retry after lockRetrySeconds" wording.
func (c *Coalescer) acquireLock(ctx context.Context) (*flock.Flock, error) {
	if c.LockPath == "" {
		return nil, nil
	}
	lock := flock.New(c.LockPath)
	for {
		ok, err := lock.TryLock()
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.LockRetry):
		}
	}
}

func (c *Coalescer) finishPass(ctx context.Context) {
	c.mu.Lock()
	if !c.pending {
		c.state = Idle
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.state = Scheduled
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	default:
	}
	c.signalWork()
}

// State reports the coalescer's current state, for status reporting.
func (c *Coalescer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

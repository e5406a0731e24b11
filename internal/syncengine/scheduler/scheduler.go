// Package scheduler runs the background loop that drives the
// cycle engine forward, one cycle at a time, with adaptive sleep and
// stop conditions. The ensure_started/ensure_stopped lifecycle and the
// ticker-driven loop follow global-monitor's Runner
// (telemetry/global-monitor/internal/gm/runner.go), swapping its fixed
// probe interval for the adaptive delay described in §4.9.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/triantos/wealthfolio/internal/syncengine/cycle"
)

const (
	// DefaultForegroundInterval is FOREGROUND_INTERVAL_SECS (§4.9).
	DefaultForegroundInterval = 45 * time.Second
	// DefaultIntervalJitter is INTERVAL_JITTER_SECS (§4.9).
	DefaultIntervalJitter = 5 * time.Second
	// DefaultSnapshotInterval is SNAPSHOT_INTERVAL_SECS (§4.9/§4.7).
	DefaultSnapshotInterval = 24 * time.Hour
	// DefaultSnapshotEventThreshold is SNAPSHOT_EVENT_THRESHOLD (§4.7).
	DefaultSnapshotEventThreshold = 1000

	drainSleepCap    = 2 * time.Second
	drainSleepJitter = 250 * time.Millisecond
	minAdaptiveSleep = 1 * time.Second

	maxConsecutiveNotReady = 5
)

// OutboxInspector reports whether there's pending outbox work, used to
// shorten the sleep between cycles when there's a backlog to drain.
type OutboxInspector func(ctx context.Context) (pending bool, err error)

// SnapshotPolicyEvaluator is invoked after every "ok" cycle outcome to
// decide whether to (re)generate a snapshot, per §4.7's policy. It is
// expected to be best-effort: failures are logged, never fatal.
type SnapshotPolicyEvaluator func(ctx context.Context, result cycle.Result) error

// RevocationChecker reports whether the local identity indicates the
// device has been revoked (device_id present, root_key absent) — one
// of the two stop conditions in §4.9.
type RevocationChecker func() (revoked bool, err error)

// BootstrapFunc is invoked whenever a cycle result reports
// NeedsBootstrap, whether that's a device that has never bootstrapped
// (StatusNotReady) or one that has fallen behind the relay's GC
// watermark (StatusStaleCursor). It is expected to be best-effort:
// failures are logged and the loop keeps retrying on the next cycle.
type BootstrapFunc func(ctx context.Context, result cycle.Result) error

var (
	ErrLoggerRequired  = errors.New("scheduler: logger is required")
	ErrCycleRequired   = errors.New("scheduler: cycle engine is required")
	ErrClockRequired   = errors.New("scheduler: clock is required")
	ErrOutboxRequired  = errors.New("scheduler: outbox inspector is required")
	ErrRevokedRequired = errors.New("scheduler: revocation checker is required")
)

// Config configures a Scheduler.
type Config struct {
	Logger             *slog.Logger
	Cycle              *cycle.Engine
	Clock              clockwork.Clock
	OutboxHasPending   OutboxInspector
	EvaluateSnapshot   SnapshotPolicyEvaluator // optional
	Bootstrap          BootstrapFunc // optional
	IsRevoked          RevocationChecker
	ForegroundInterval time.Duration // defaults to DefaultForegroundInterval
	IntervalJitter     time.Duration // defaults to DefaultIntervalJitter
}

func (c Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Cycle == nil {
		return ErrCycleRequired
	}
	if c.Clock == nil {
		return ErrClockRequired
	}
	if c.OutboxHasPending == nil {
		return ErrOutboxRequired
	}
	if c.IsRevoked == nil {
		return ErrRevokedRequired
	}
	return nil
}

// Scheduler runs at most one cycle at a time in a background
// goroutine, per §4.9.
type Scheduler struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ForegroundInterval <= 0 {
		cfg.ForegroundInterval = DefaultForegroundInterval
	}
	if cfg.IntervalJitter <= 0 {
		cfg.IntervalJitter = DefaultIntervalJitter
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// EnsureStarted spawns the background loop if it isn't already
// running. It is a no-op if called while a previous run is still
// active; a finished task is replaced on the next call, per §4.9.
func (s *Scheduler) EnsureStarted(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		s.loop(loopCtx)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
}

// EnsureStopped aborts the background loop and waits for the
// in-flight iteration to unwind. An in-flight cycle rolls back because
// its transactions are not yet committed when cancellation lands
// between steps.
func (s *Scheduler) EnsureStopped() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// Running reports whether the background loop is currently active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	consecutiveNotReady := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if revoked, err := s.cfg.IsRevoked(); err != nil {
			s.log.Warn("scheduler: failed to check revocation status", "error", err)
		} else if revoked {
			s.log.Info("scheduler: device revoked, stopping background loop")
			return
		}

		result := s.cfg.Cycle.Run(ctx)

		if result.NeedsBootstrap && s.cfg.Bootstrap != nil {
			if err := s.cfg.Bootstrap(ctx, result); err != nil {
				s.log.Warn("scheduler: bootstrap failed", "error", err)
			} else {
				consecutiveNotReady = 0
			}
		}

		switch result.Status {
		case cycle.StatusNotReady, cycle.StatusConfigError:
			consecutiveNotReady++
			if consecutiveNotReady >= maxConsecutiveNotReady {
				s.log.Info("scheduler: stopping after consecutive not-ready cycles", "count", consecutiveNotReady)
				return
			}
		default:
			consecutiveNotReady = 0
		}

		if result.Status == cycle.StatusOK && s.cfg.EvaluateSnapshot != nil {
			if err := s.cfg.EvaluateSnapshot(ctx, result); err != nil {
				s.log.Warn("scheduler: snapshot policy evaluation failed", "error", err)
			}
		}

		sleep := s.nextSleep(ctx, result)
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(sleep):
		}
	}
}

// nextSleep implements §4.9's adaptive delay: prefer a retry hint from
// the cycle result, then a short drain delay if the outbox has pending
// work, falling back to the foreground interval plus jitter.
func (s *Scheduler) nextSleep(ctx context.Context, result cycle.Result) time.Duration {
	if result.RetryAfter > 0 {
		d := result.RetryAfter + s.jitter(s.cfg.IntervalJitter)
		if d < minAdaptiveSleep {
			d = minAdaptiveSleep
		}
		return d
	}

	if pending, err := s.cfg.OutboxHasPending(ctx); err != nil {
		s.log.Warn("scheduler: failed to inspect outbox backlog", "error", err)
	} else if pending {
		return drainSleepCap + s.jitter(drainSleepJitter)
	}

	return s.cfg.ForegroundInterval + s.jitter(s.cfg.IntervalJitter)
}

func (s *Scheduler) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

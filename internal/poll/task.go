// Package poll runs a function on a recurring timer until it reports a
// terminal result, its policy runs out, or its owner stops it.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrAlreadyRunning is returned by owners that allow a single outstanding task
	ErrAlreadyRunning = errors.New("poll task already running")
	// ErrMaxWait means the task gave up after Policy.MaxWait
	ErrMaxWait = errors.New("poll: maximum wait exceeded")
	// ErrMaxAttempts means the task gave up after Policy.MaxAttempts ticks
	ErrMaxAttempts = errors.New("poll: maximum attempts exceeded")
)

// Policy describes the timing of a task. Zero MaxWait and MaxAttempts mean
// no limit; Backoff below 1 is treated as 1 (fixed period).
type Policy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Backoff     float64
	MaxWait     time.Duration
	MaxAttempts int
}

// Every is a fixed-period policy with no limits
func Every(d time.Duration) Policy {
	return Policy{Interval: d}
}

func (p Policy) next(cur time.Duration) time.Duration {
	if p.Backoff <= 1 {
		return cur
	}
	n := time.Duration(float64(cur) * p.Backoff)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

// TickFunc is called once per period. Returning true ends the task.
type TickFunc func(ctx context.Context) (done bool)

// Task is an owned, cancellable polling loop. The first tick fires one
// Interval after Start.
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches a task. The task stops when ctx is cancelled, when fn
// returns true, when the policy runs out, or when Stop is called.
func Start(ctx context.Context, clock clockwork.Clock, policy Policy, logger *slog.Logger, fn TickFunc) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:     uuid.New().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go t.run(ctx, clock, policy, logger.With("task_id", t.id), fn)
	return t
}

func (t *Task) run(ctx context.Context, clock clockwork.Clock, policy Policy, logger *slog.Logger, fn TickFunc) {
	defer close(t.done)
	defer t.cancel()

	start := clock.Now()
	interval := policy.Interval
	attempts := 0

	logger.Debug("poll task started", "interval", interval)

	for {
		timer := clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("poll task stopped")
			return
		case <-timer.Chan():
		}

		if fn(ctx) {
			logger.Debug("poll task finished", "attempts", attempts+1)
			return
		}
		attempts++

		if policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts {
			t.setErr(ErrMaxAttempts)
			logger.Warn("poll task gave up", "reason", ErrMaxAttempts, "attempts", attempts)
			return
		}
		if policy.MaxWait > 0 && clock.Since(start) >= policy.MaxWait {
			t.setErr(ErrMaxWait)
			logger.Warn("poll task gave up", "reason", ErrMaxWait, "attempts", attempts)
			return
		}

		interval = policy.next(interval)
	}
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// ID identifies the task in logs
func (t *Task) ID() string {
	return t.id
}

// Stop cancels the task and waits for its loop to exit. After Stop
// returns no further tick runs. Stop is safe to call more than once and
// from any goroutine except the tick function itself.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Done is closed once the loop has exited
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Active reports whether the loop is still running
func (t *Task) Active() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Err reports why the task gave up: ErrMaxWait, ErrMaxAttempts, or nil if
// it is still running, finished, or was stopped.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

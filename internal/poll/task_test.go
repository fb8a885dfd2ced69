package poll

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// step waits for the task to arm its timer, advances the clock by d and
// waits for the resulting tick.
func step(t *testing.T, clock *clockwork.FakeClock, d time.Duration, ticks <-chan time.Time) time.Time {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("task never armed its timer: %v", err)
	}
	clock.Advance(d)
	select {
	case at := <-ticks:
		return at
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not fire")
		return time.Time{}
	}
}

func noTick(t *testing.T, ticks <-chan time.Time) {
	t.Helper()
	select {
	case <-ticks:
		t.Fatal("unexpected tick")
	case <-time.After(50 * time.Millisecond):
	}
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestTask_TicksEveryInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan time.Time, 10)
	start := clock.Now()

	task := Start(context.Background(), clock, Every(30*time.Second), discard, func(ctx context.Context) bool {
		ticks <- clock.Now()
		return false
	})
	defer task.Stop()

	for i := 1; i <= 3; i++ {
		at := step(t, clock, 30*time.Second, ticks)
		if want := start.Add(time.Duration(i) * 30 * time.Second); !at.Equal(want) {
			t.Errorf("tick %d at %v, want %v", i, at, want)
		}
	}
	if !task.Active() {
		t.Error("task should still be active")
	}
}

func TestTask_NoTickBeforeInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan time.Time, 10)

	task := Start(context.Background(), clock, Every(5*time.Second), discard, func(ctx context.Context) bool {
		ticks <- clock.Now()
		return false
	})
	defer task.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(4 * time.Second)
	noTick(t, ticks)

	clock.Advance(time.Second)
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not fire at the interval")
	}
}

func TestTask_StopsWhenDone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan time.Time, 10)
	n := 0

	task := Start(context.Background(), clock, Every(time.Second), discard, func(ctx context.Context) bool {
		n++
		ticks <- clock.Now()
		return n == 2
	})

	step(t, clock, time.Second, ticks)
	step(t, clock, time.Second, ticks)
	waitDone(t, task)

	if task.Active() {
		t.Error("task should not be active")
	}
	if task.Err() != nil {
		t.Errorf("Err = %v, want nil", task.Err())
	}

	clock.Advance(10 * time.Second)
	noTick(t, ticks)
}

func TestTask_StopPreventsFurtherTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan time.Time, 10)

	task := Start(context.Background(), clock, Every(time.Second), discard, func(ctx context.Context) bool {
		ticks <- clock.Now()
		return false
	})

	step(t, clock, time.Second, ticks)
	task.Stop()
	task.Stop()

	if task.Active() {
		t.Error("task should not be active after Stop")
	}
	clock.Advance(time.Minute)
	noTick(t, ticks)
}

func TestTask_ParentContextCancels(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	task := Start(ctx, clock, Every(time.Second), discard, func(ctx context.Context) bool {
		return false
	})
	cancel()
	waitDone(t, task)
}

func TestTask_MaxAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan time.Time, 10)

	task := Start(context.Background(), clock, Policy{Interval: time.Second, MaxAttempts: 3}, discard, func(ctx context.Context) bool {
		ticks <- clock.Now()
		return false
	})

	for i := 0; i < 3; i++ {
		step(t, clock, time.Second, ticks)
	}
	waitDone(t, task)

	if task.Err() != ErrMaxAttempts {
		t.Errorf("Err = %v, want ErrMaxAttempts", task.Err())
	}
}

func TestTask_MaxWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan time.Time, 10)

	task := Start(context.Background(), clock, Policy{Interval: time.Second, MaxWait: 3 * time.Second}, discard, func(ctx context.Context) bool {
		ticks <- clock.Now()
		return false
	})

	for i := 0; i < 3; i++ {
		step(t, clock, time.Second, ticks)
	}
	waitDone(t, task)

	if task.Err() != ErrMaxWait {
		t.Errorf("Err = %v, want ErrMaxWait", task.Err())
	}
}

func TestTask_Backoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan time.Time, 10)
	start := clock.Now()

	policy := Policy{Interval: time.Second, Backoff: 2, MaxInterval: 4 * time.Second}
	task := Start(context.Background(), clock, policy, discard, func(ctx context.Context) bool {
		ticks <- clock.Now()
		return false
	})
	defer task.Stop()

	// Waits grow 1s, 2s, 4s and then stay capped at 4s
	offsets := []time.Duration{1, 3, 7, 11}
	waits := []time.Duration{1, 2, 4, 4}
	for i, wait := range waits {
		at := step(t, clock, wait*time.Second, ticks)
		if want := start.Add(offsets[i] * time.Second); !at.Equal(want) {
			t.Errorf("tick %d at +%v, want +%v", i+1, at.Sub(start), want.Sub(start))
		}
	}
}

func TestPolicyNext(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		cur    time.Duration
		want   time.Duration
	}{
		{"fixed", Every(5 * time.Second), 5 * time.Second, 5 * time.Second},
		{"backoff below one is fixed", Policy{Backoff: 0.5}, time.Second, time.Second},
		{"grows", Policy{Backoff: 1.5}, 2 * time.Second, 3 * time.Second},
		{"capped", Policy{Backoff: 3, MaxInterval: 10 * time.Second}, 5 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.next(tt.cur); got != tt.want {
				t.Errorf("next(%v) = %v, want %v", tt.cur, got, tt.want)
			}
		})
	}
}

package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// Eventually fails the test if cond does not become true within two seconds
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// AdvanceArmed waits until n timers are armed on clock, then advances it by d
func AdvanceArmed(t *testing.T, clock *clockwork.FakeClock, n int, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d armed timers: %v", n, err)
	}
	clock.Advance(d)
}

// Recorder is a publisher that keeps every snapshot it receives
type Recorder struct {
	mu     sync.Mutex
	topics []string
	values []any
}

func (r *Recorder) Publish(topic string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.values = append(r.values, v)
}

// Len returns how many snapshots were published
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// Last returns the most recent snapshot and its topic
func (r *Recorder) Last() (topic string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return "", nil
	}
	return r.topics[len(r.topics)-1], r.values[len(r.values)-1]
}

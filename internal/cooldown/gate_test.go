package cooldown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestGate(window time.Duration) (*Gate, *time.Time) {
	g := NewGate(window)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGateWindows(t *testing.T) {
	testCases := []struct {
		name   string
		window time.Duration
		gap    time.Duration
		second bool
	}{
		{name: "inside window", window: 5 * time.Second, gap: 4999 * time.Millisecond, second: false},
		{name: "exactly window", window: 5 * time.Second, gap: 5 * time.Second, second: true},
		{name: "after window", window: 5 * time.Second, gap: 6 * time.Second, second: true},
		{name: "short window", window: 100 * time.Millisecond, gap: 50 * time.Millisecond, second: false},
		{name: "no gap", window: time.Second, gap: 0, second: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g, now := newTestGate(tc.window)
			assert.True(t, g.TryConsume("Steve"))
			*now = now.Add(tc.gap)
			assert.Equal(t, tc.second, g.TryConsume("Steve"))
		})
	}
}

func TestGateRejectionDoesNotExtendCooldown(t *testing.T) {
	g, now := newTestGate(5 * time.Second)

	assert.True(t, g.TryConsume("Steve"))
	*now = now.Add(3 * time.Second)
	assert.False(t, g.TryConsume("Steve"))
	assert.Equal(t, 2*time.Second, g.Remaining("Steve"))
	*now = now.Add(2 * time.Second)
	assert.True(t, g.TryConsume("Steve"))
}

func TestGateIsPerActor(t *testing.T) {
	g, _ := newTestGate(5 * time.Second)

	assert.True(t, g.TryConsume("Steve"))
	assert.True(t, g.TryConsume("Alex"))
	assert.False(t, g.TryConsume("Steve"))
	assert.Equal(t, time.Duration(0), g.Remaining("Notch"))
}

func TestGateConcurrentAttemptsAdmitOne(t *testing.T) {
	g := NewGate(time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryConsume("Steve") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	bus.Subscribe("collector", func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.RI)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	bus.Publish(Event{Kind: ResourceCreated, RI: "a"})
	bus.Publish(Event{Kind: ResourceUpdated, RI: "b"})
	bus.Publish(Event{Kind: ResourceDeleted, RI: "c"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got, "per-subscriber order matches publish order")
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)

	var a, b atomic.Int32
	bus.Subscribe("first", func(_ context.Context, ev Event) { a.Add(1) })
	bus.Subscribe("second", func(_ context.Context, ev Event) { b.Add(1) })

	bus.Publish(Event{Kind: ResourceCreated, RI: "x"})
	bus.Publish(Event{Kind: ResourceCreated, RI: "y"})

	bus.Close() // drains queues before returning
	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(2), b.Load())
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)
	bus.Subscribe("noop", func(_ context.Context, ev Event) {})
	bus.Close()

	// Must not panic or block.
	bus.Publish(Event{Kind: ResourceCreated, RI: "late"})
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "created", ResourceCreated.String())
	assert.Equal(t, "updated", ResourceUpdated.String())
	assert.Equal(t, "deleted", ResourceDeleted.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestSchedulerEvery(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	var runs atomic.Int32
	s.Every("tick", 10*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
	})

	require.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)

	s.Close()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after close")
}

func TestSchedulerAfter(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Close()

	done := make(chan struct{})
	s.After("once", 5*time.Millisecond, func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred job did not run")
	}
}

func TestSchedulerZeroInterval(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Close()

	s.Every("bad", 0, func(ctx context.Context) {
		t.Error("job with zero interval must not run")
	})
	time.Sleep(20 * time.Millisecond)
}

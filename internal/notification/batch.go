package notification

import (
	"context"
	"sync"
	"time"

	"github.com/piwi3910/cseweave/internal/observability"
	"github.com/piwi3910/cseweave/internal/resource"
)

// defaultBatchCapacity bounds duration-only batches that never hit a
// count trigger.
const defaultBatchCapacity = 512

// batchPolicy reads the subscription's bn attribute. num is the count
// trigger, dur the time trigger in milliseconds; either may be absent.
func batchPolicy(sub *resource.Resource) (num int, dur time.Duration, ok bool) {
	bn, isMap := sub.Attributes["bn"].(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	if v, isNum := bn["num"].(float64); isNum && v > 0 {
		num = int(v)
	}
	if v, isNum := bn["dur"].(float64); isNum && v > 0 {
		dur = time.Duration(v) * time.Millisecond
	}
	return num, dur, num > 0 || dur > 0
}

// batcher accumulates notifications for one subscription until either
// the count or the duration trigger fires, then ships them as one
// m2m:agn aggregate.
type batcher struct {
	engine *Engine
	subRI  string
	num    int
	dur    time.Duration

	mu      sync.Mutex
	pending []any
	targets []string
	timer   *time.Timer
	stopped bool
}

// enqueueBatch routes a delivery into the subscription's batcher,
// creating it on first use.
func (e *Engine) enqueueBatch(subRI string, del delivery, num int, dur time.Duration) {
	e.mu.Lock()
	b, ok := e.batches[subRI]
	if !ok {
		b = &batcher{engine: e, subRI: subRI, num: num, dur: dur}
		e.batches[subRI] = b
	}
	e.mu.Unlock()
	b.add(del)
}

// dropBatcher discards any buffered notifications for a subscription
// that no longer exists.
func (e *Engine) dropBatcher(subRI string) {
	e.mu.Lock()
	b, ok := e.batches[subRI]
	if ok {
		delete(e.batches, subRI)
	}
	e.mu.Unlock()
	if ok {
		b.discard()
	}
}

func (b *batcher) capacity() int {
	if b.num > 0 {
		return 8 * b.num
	}
	return defaultBatchCapacity
}

func (b *batcher) add(del delivery) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, del.payload["m2m:sgn"])
	b.targets = del.targets

	// Oldest entries give way when the buffer overflows.
	for len(b.pending) > b.capacity() {
		b.pending = b.pending[1:]
		observability.BatchNotificationsDropped.Inc()
	}

	if b.num > 0 && len(b.pending) >= b.num {
		out := b.take()
		targets := b.targets
		b.mu.Unlock()
		b.engine.submitBatch(b.subRI, targets, out)
		return
	}
	if b.timer == nil && b.dur > 0 {
		b.timer = time.AfterFunc(b.dur, b.flush)
	}
	b.mu.Unlock()
}

// flush is the duration-trigger path.
func (b *batcher) flush() {
	b.mu.Lock()
	if b.stopped || len(b.pending) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	out := b.take()
	targets := b.targets
	b.mu.Unlock()
	b.engine.submitBatch(b.subRI, targets, out)
}

// take drains the buffer and resets the timer. Caller holds b.mu.
func (b *batcher) take() []any {
	out := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return out
}

// stop flushes whatever is buffered and refuses further input. Used on
// engine shutdown so accepted notifications still go out.
func (b *batcher) stop() {
	b.mu.Lock()
	out := b.take()
	targets := b.targets
	b.stopped = true
	b.mu.Unlock()
	if len(out) > 0 {
		b.engine.deliver(context.Background(), delivery{
			subRI:   b.subRI,
			targets: targets,
			payload: aggregate(out),
		})
	}
}

// discard drops buffered notifications without delivering them.
func (b *batcher) discard() {
	b.mu.Lock()
	b.take()
	b.stopped = true
	b.mu.Unlock()
}

func aggregate(entries []any) map[string]any {
	return map[string]any{"m2m:agn": map[string]any{"m2m:sgn": entries}}
}

// submitBatch sends an aggregate through the normal delivery path.
func (e *Engine) submitBatch(subRI string, targets []string, entries []any) {
	del := delivery{subRI: subRI, targets: targets, payload: aggregate(entries)}
	if e.cfg.Notifications.AsyncSubscriptionNotifications && len(e.workers) > 0 {
		e.enqueue(del)
		return
	}
	e.deliver(e.ctx, del)
}

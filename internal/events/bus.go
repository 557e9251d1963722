// Package events provides the in-process pub/sub bus that carries
// post-commit resource change events to the notification and announcement
// workers, plus the timer scheduler used by background jobs.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
)

// Kind classifies a resource change.
type Kind int

const (
	// ResourceCreated fires after a resource is committed.
	ResourceCreated Kind = iota + 1

	// ResourceUpdated fires after an update commits; Modified lists the
	// changed attributes.
	ResourceUpdated

	// ResourceDeleted fires after a delete commits; Resource carries the
	// final state the subscribers may observe.
	ResourceDeleted
)

// String returns the event kind name.
func (k Kind) String() string {
	switch k {
	case ResourceCreated:
		return "created"
	case ResourceUpdated:
		return "updated"
	case ResourceDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one post-commit resource change. Events are emitted only after
// the storage transaction commits, so consumers never observe phantom
// changes.
type Event struct {
	// Kind is the change classification.
	Kind Kind

	// RI is the changed resource's identifier.
	RI string

	// PI is the parent identifier at the time of the change.
	PI string

	// SRN is the structured name of the changed resource.
	SRN string

	// Type is the resource type.
	Type onem2m.ResourceType

	// Resource is the post-change snapshot (final state for deletes).
	Resource *resource.Resource

	// Modified lists the attributes an update changed; nil for creates
	// and deletes.
	Modified map[string]any

	// Originator is the request originator that caused the change.
	Originator string
}

// Handler consumes events. Handlers run on the subscriber's own worker
// goroutine; a slow handler delays only its own queue.
type Handler func(ctx context.Context, ev Event)

type subscriber struct {
	name string
	ch   chan Event
}

// Bus is the in-process event bus. Publish enqueues synchronously into
// each subscriber's queue; each subscriber drains its queue on a dedicated
// worker, so per-subscriber ordering matches publish (commit) order.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   []*subscriber
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queueSize int
}

// NewBus creates a bus whose per-subscriber queues hold queueSize events.
func NewBus(logger *zap.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:    logger.Named("events"),
		ctx:       ctx,
		cancel:    cancel,
		queueSize: queueSize,
	}
}

// Subscribe registers a named consumer and starts its worker. Events
// published after Subscribe returns are guaranteed to reach the handler in
// order.
func (b *Bus) Subscribe(name string, h Handler) {
	sub := &subscriber{name: name, ch: make(chan Event, b.queueSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			h(b.ctx, ev)
		}
	}()
}

// Publish enqueues ev for every subscriber. It blocks while a subscriber's
// queue is full rather than dropping, so committed changes are never lost;
// backpressure propagates to the dispatcher worker.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-b.ctx.Done():
			return
		}
	}
}

// Close stops accepting events, drains the queues, and waits for all
// workers to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	b.wg.Wait()
	b.cancel()
	b.logger.Debug("event bus closed")
}

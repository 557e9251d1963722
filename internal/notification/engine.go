// Package notification implements the subscription engine: event
// matching, m2m:sgn construction, verification probes, batching, and
// ordered asynchronous delivery.
package notification

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/observability"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/security"
	"github.com/piwi3910/cseweave/internal/storage"
)

// Sender delivers one notification payload to an absolute target URI.
// The HTTP binding provides the canonical implementation.
type Sender interface {
	Send(ctx context.Context, target string, pc map[string]any) (*onem2m.Response, error)
}

// Engine consumes post-commit events and turns them into notifications
// for matching subscriptions.
//
// Delivery ordering: work is keyed onto a fixed worker by subscription
// identifier, so notifications for one subscription always leave in
// commit order even when the pool delivers in parallel.
type Engine struct {
	cfg     *config.Config
	store   storage.Store
	checker *security.Checker
	sender  Sender
	logger  *zap.Logger

	workers []chan delivery
	wg      sync.WaitGroup

	mu      sync.Mutex
	batches map[string]*batcher

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// delivery is one queued notification for one subscription.
type delivery struct {
	subRI   string
	targets []string
	payload map[string]any
}

// NewEngine creates the subscription engine. Start must be called before
// it processes anything.
func NewEngine(cfg *config.Config, store storage.Store, checker *security.Checker, sender Sender, logger *zap.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		store:   store,
		checker: checker,
		sender:  sender,
		logger:  logger.Named("notification"),
		batches: make(map[string]*batcher),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the delivery workers and subscribes to the event bus.
func (e *Engine) Start(bus *events.Bus) {
	n := e.cfg.Notifications.WorkerCount
	if n < 1 {
		n = 1
	}
	queue := e.cfg.Notifications.QueueSize
	if queue < 1 {
		queue = 64
	}
	e.workers = make([]chan delivery, n)
	for i := range e.workers {
		ch := make(chan delivery, queue)
		e.workers[i] = ch
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for del := range ch {
				observability.NotificationQueueDepth.Dec()
				e.deliver(e.ctx, del)
			}
		}()
	}
	bus.Subscribe("notification", e.HandleEvent)
}

// Close flushes pending batches, stops the workers, and waits for
// in-flight deliveries. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		pending := make([]*batcher, 0, len(e.batches))
		for ri, b := range e.batches {
			pending = append(pending, b)
			delete(e.batches, ri)
		}
		e.mu.Unlock()
		for _, b := range pending {
			b.stop()
		}

		for _, ch := range e.workers {
			close(ch)
		}
		e.wg.Wait()
		e.cancel()
	})
}

// HandleEvent matches one post-commit event against the subscription
// index and queues the resulting notifications.
func (e *Engine) HandleEvent(ctx context.Context, ev events.Event) {
	if ev.Type == onem2m.TypeSubscription && ev.Kind == events.ResourceDeleted {
		e.dropBatcher(ev.RI)
	}

	for _, m := range e.match(ctx, ev) {
		e.dispatch(ctx, m)
	}
}

// matched pairs a subscription with the event type it fired on.
type matched struct {
	sub *resource.Resource
	net onem2m.NotificationEventType
	ev  events.Event
}

// match finds the subscriptions the event fires. Create and delete of a
// resource fire the direct-child event types on the parent's
// subscriptions; update and delete fire the resource event types on the
// resource's own subscriptions.
func (e *Engine) match(ctx context.Context, ev events.Event) []matched {
	var out []matched

	appendMatches := func(parent string, net onem2m.NotificationEventType) {
		subs, err := e.store.SubscriptionsByParent(ctx, parent)
		if err != nil {
			e.logger.Warn("subscription lookup failed",
				zap.String("parent", parent), zap.Error(err))
			return
		}
		for _, sub := range subs {
			if ev.Type == onem2m.TypeSubscription && sub.RI() == ev.RI {
				continue
			}
			if !subscriptionWants(sub, net) {
				continue
			}
			if !e.attributeFilterMatches(sub, ev) {
				continue
			}
			if !e.originatorAllowed(ctx, sub, ev.Originator) {
				continue
			}
			out = append(out, matched{sub: sub, net: net, ev: ev})
		}
	}

	switch ev.Kind {
	case events.ResourceCreated:
		appendMatches(ev.PI, onem2m.NETCreateDirectChild)
	case events.ResourceUpdated:
		appendMatches(ev.RI, onem2m.NETResourceUpdate)
	case events.ResourceDeleted:
		appendMatches(ev.RI, onem2m.NETResourceDelete)
		appendMatches(ev.PI, onem2m.NETDeleteDirectChild)
	}
	return out
}

// subscriptionWants checks the enc.net list; an absent criterion defaults
// to update-of-resource.
func subscriptionWants(sub *resource.Resource, net onem2m.NotificationEventType) bool {
	enc, ok := sub.Attributes["enc"].(map[string]any)
	if !ok {
		return net == onem2m.NETResourceUpdate
	}
	raw, ok := enc["net"].([]any)
	if !ok {
		return net == onem2m.NETResourceUpdate
	}
	for _, v := range raw {
		if n, ok := v.(float64); ok && onem2m.NotificationEventType(n) == net {
			return true
		}
	}
	return false
}

// attributeFilterMatches applies enc.atr: when present, at least one of
// the named attributes must be among the modified set.
func (e *Engine) attributeFilterMatches(sub *resource.Resource, ev events.Event) bool {
	enc, ok := sub.Attributes["enc"].(map[string]any)
	if !ok {
		return true
	}
	raw, ok := enc["atr"].([]any)
	if !ok || len(raw) == 0 {
		return true
	}
	if ev.Kind != events.ResourceUpdated {
		return true
	}
	for _, v := range raw {
		name, ok := v.(string)
		if !ok {
			continue
		}
		if _, changed := ev.Modified[name]; changed {
			return true
		}
	}
	return false
}

// originatorAllowed enforces the subscription's own acpi against the
// originator of the change.
func (e *Engine) originatorAllowed(ctx context.Context, sub *resource.Resource, originator string) bool {
	if len(sub.ACPI()) == 0 || originator == "" {
		return true
	}
	err := e.store.View(ctx, func(tx storage.Tx) error {
		return e.checker.Authorize(ctx, tx, originator, onem2m.OpNotify, sub)
	})
	return err == nil
}

// dispatch builds the m2m:sgn and routes it to batching or direct
// delivery.
func (e *Engine) dispatch(ctx context.Context, m matched) {
	payload := e.buildSGN(m)
	targets := m.sub.StringList("nu")
	if len(targets) == 0 {
		return
	}
	del := delivery{subRI: m.sub.RI(), targets: targets, payload: payload}

	if num, dur, ok := batchPolicy(m.sub); ok {
		e.enqueueBatch(m.sub.RI(), del, num, dur)
		return
	}

	if e.cfg.Notifications.AsyncSubscriptionNotifications && len(e.workers) > 0 {
		e.enqueue(del)
		return
	}
	e.deliver(ctx, del)
}

// enqueue hands a delivery to the sticky worker for its subscription.
func (e *Engine) enqueue(del delivery) {
	h := fnv.New32a()
	h.Write([]byte(del.subRI))
	ch := e.workers[int(h.Sum32())%len(e.workers)]
	select {
	case ch <- del:
		observability.NotificationQueueDepth.Inc()
	case <-e.ctx.Done():
	}
}

// buildSGN constructs the notification content per the subscription's
// nct: 1 full attributes (default), 2 modified attributes, 3 resource
// identifier only.
func (e *Engine) buildSGN(m matched) map[string]any {
	sgn := map[string]any{
		"sur": m.sub.RI(),
		"nev": map[string]any{
			"net": float64(m.net),
		},
	}
	nev := sgn["nev"].(map[string]any)

	nct, _ := m.sub.Int("nct")
	switch nct {
	case 2:
		if m.ev.Modified != nil {
			nev["rep"] = map[string]any{m.ev.Type.ShortName(): m.ev.Modified}
		} else if m.ev.Resource != nil {
			nev["rep"] = m.ev.Resource.Representation()
		}
	case 3:
		nev["rep"] = map[string]any{"m2m:uri": m.ev.RI}
	default:
		if m.ev.Resource != nil {
			nev["rep"] = m.ev.Resource.Representation()
		}
	}
	return map[string]any{"m2m:sgn": sgn}
}

// deliver sends one notification (or flushed batch) to every target of
// the subscription, then settles the expiration counter.
func (e *Engine) deliver(ctx context.Context, del delivery) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Notifications.DeliveryTimeout)
	defer cancel()

	delivered := false
	for _, nu := range del.targets {
		start := time.Now()
		err := e.sendTo(ctx, nu, del.payload)
		observability.NotificationLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			observability.NotificationsTotal.WithLabelValues("failed").Inc()
			e.logger.Warn("notification delivery failed",
				zap.String("sub", del.subRI),
				zap.String("target", nu),
				zap.Error(err))
			continue
		}
		observability.NotificationsTotal.WithLabelValues("delivered").Inc()
		delivered = true
	}
	if delivered {
		e.settleExpirationCounter(ctx, del.subRI)
	}
}

// sendTo resolves the notification target and sends. Absolute URIs go out
// directly; anything else is treated as the address of a local AE whose
// poa supplies the URI.
func (e *Engine) sendTo(ctx context.Context, nu string, payload map[string]any) error {
	target := nu
	if !strings.HasPrefix(nu, "http://") && !strings.HasPrefix(nu, "https://") {
		resolved, err := e.resolvePOA(ctx, nu)
		if err != nil {
			return err
		}
		target = resolved
	}
	resp, err := e.sender.Send(ctx, target, payload)
	if err != nil {
		return err
	}
	if !resp.RSC.IsSuccess() {
		return onem2m.Errorf(resp.RSC, "notification target answered %d", resp.RSC)
	}
	return nil
}

// resolvePOA maps a local resource address to its first point of access.
func (e *Engine) resolvePOA(ctx context.Context, addr string) (string, error) {
	var res *resource.Resource
	err := e.store.View(ctx, func(tx storage.Tx) error {
		var err error
		res, err = tx.Resource(ctx, addr)
		if errors.Is(err, storage.ErrNotFound) {
			res, err = tx.ResourceBySRN(ctx, addr)
		}
		return err
	})
	if err != nil {
		return "", onem2m.WrapError(onem2m.RSCNotFound, err, "notification target %s not found", addr)
	}
	poa := res.StringList("poa")
	if len(poa) == 0 {
		return "", onem2m.Errorf(onem2m.RSCTargetNotReachable, "target %s has no point of access", addr)
	}
	return poa[0], nil
}

// settleExpirationCounter decrements the subscription's exc and deletes
// the subscription when it reaches zero.
func (e *Engine) settleExpirationCounter(ctx context.Context, subRI string) {
	var expired bool
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		sub, err := tx.Resource(ctx, subRI)
		if err != nil {
			return err
		}
		exc, ok := sub.Int("exc")
		if !ok {
			return nil
		}
		exc--
		if exc <= 0 {
			expired = true
			return tx.Delete(ctx, subRI)
		}
		sub.Set("exc", float64(exc))
		return tx.Update(ctx, sub)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("expiration counter update failed",
			zap.String("sub", subRI), zap.Error(err))
	}
	if expired {
		e.dropBatcher(subRI)
		e.logger.Info("subscription exhausted its expiration counter",
			zap.String("sub", subRI))
	}
}

// VerifySubscription probes every notification target with an empty
// vrq notification; any failure rejects the subscription.
func (e *Engine) VerifySubscription(ctx context.Context, sub *resource.Resource) error {
	payload := map[string]any{"m2m:sgn": map[string]any{
		"vrq": true,
		"sur": sub.RI(),
	}}
	for _, nu := range sub.StringList("nu") {
		if err := e.sendTo(ctx, nu, payload); err != nil {
			return onem2m.WrapError(onem2m.RSCSubscriptionVerificationFailed, err,
				"verification of target %s failed", nu)
		}
	}
	return nil
}

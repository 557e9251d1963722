// Package announce mirrors resources carrying an at (announceTo) list to
// remote CSEs as their announced variants, and keeps the mirrors in step
// with the originals.
package announce

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/observability"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// Requester re-enters the request pipeline. Announcement primitives go
// through it so transit forwarding carries them to the target CSE.
type Requester interface {
	Process(ctx context.Context, req *onem2m.Request) *onem2m.Response
}

// Announcer tracks which resources are announced where. Failed
// announcements stay pending and are retried on the check interval; a
// newly registered remote CSE triggers a retry after the configured
// settle delay.
type Announcer struct {
	cfg       *config.Config
	store     storage.Store
	registry  *resource.Registry
	requester Requester
	logger    *zap.Logger
	sched     *events.Scheduler

	mu sync.Mutex
	// announced maps original ri to target CSE-ID to the announced
	// resource's address.
	announced map[string]map[string]string
	// pending maps original ri to the targets still awaiting a mirror.
	pending map[string]map[string]struct{}
}

// NewAnnouncer creates the announcement manager.
func NewAnnouncer(cfg *config.Config, store storage.Store, registry *resource.Registry, requester Requester, logger *zap.Logger) *Announcer {
	return &Announcer{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		requester: requester,
		logger:    logger.Named("announce"),
		announced: make(map[string]map[string]string),
		pending:   make(map[string]map[string]struct{}),
	}
}

// Start subscribes to the event bus and schedules the pending retry.
func (a *Announcer) Start(bus *events.Bus, sched *events.Scheduler) {
	a.sched = sched
	bus.Subscribe("announce", a.HandleEvent)
	sched.Every("announce-retry", a.cfg.Announcements.CheckInterval, a.retryPending)
}

// HandleEvent reacts to post-commit changes: announce on create, refresh
// on update, withdraw on delete.
func (a *Announcer) HandleEvent(ctx context.Context, ev events.Event) {
	if ev.Kind == events.ResourceCreated && ev.Type == onem2m.TypeRemoteCSE && a.sched != nil {
		// Give the fresh peer a moment before pushing announcements.
		a.sched.After("announce-after-registration",
			a.cfg.Announcements.DelayAfterRegistration, a.retryPending)
	}

	if ev.Resource == nil {
		return
	}

	switch ev.Kind {
	case events.ResourceCreated, events.ResourceUpdated:
		a.reconcile(ctx, ev.Resource)
	case events.ResourceDeleted:
		a.withdraw(ctx, ev.RI)
	}
}

// reconcile brings the mirrors of one resource in line with its at list.
func (a *Announcer) reconcile(ctx context.Context, res *resource.Resource) {
	if _, ok := res.Type.AnnouncedVariant(); !ok {
		return
	}
	wanted := a.targets(res)

	a.mu.Lock()
	current := a.announced[res.RI()]
	var toCreate, toUpdate, toDelete []string
	for _, target := range wanted {
		if addr, ok := current[target]; ok && addr != "" {
			toUpdate = append(toUpdate, target)
		} else {
			toCreate = append(toCreate, target)
		}
	}
	for target := range current {
		if !contains(wanted, target) {
			toDelete = append(toDelete, target)
		}
	}
	a.mu.Unlock()

	for _, target := range toCreate {
		a.announceTo(ctx, res, target)
	}
	for _, target := range toUpdate {
		a.updateMirror(ctx, res, target)
	}
	for _, target := range toDelete {
		a.withdrawFrom(ctx, res.RI(), target)
	}
}

// targets filters the at list down to the announceable targets.
func (a *Announcer) targets(res *resource.Resource) []string {
	var out []string
	for _, at := range res.StringList("at") {
		if at == a.cfg.CSE.CSEID && !a.cfg.Announcements.AllowAnnouncementsToHostingCSE {
			continue
		}
		out = append(out, at)
	}
	return out
}

// announceTo creates the announced variant at one target CSE.
func (a *Announcer) announceTo(ctx context.Context, res *resource.Resource, target string) {
	base, err := a.targetBase(ctx, target)
	if err != nil {
		a.markPending(res.RI(), target)
		observability.AnnouncementsTotal.WithLabelValues("deferred").Inc()
		a.logger.Debug("announcement target not resolvable yet",
			zap.String("ri", res.RI()), zap.String("target", target), zap.Error(err))
		return
	}

	anncType, _ := res.Type.AnnouncedVariant()
	attrs := a.announcedAttributes(res)
	rn := res.RN() + "_annc"
	attrs["rn"] = rn

	resp := a.requester.Process(ctx, &onem2m.Request{
		Op:   onem2m.OpCreate,
		To:   base,
		From: a.cfg.CSE.CSEID,
		RQI:  "annc-" + res.RI() + "-" + strings.TrimPrefix(target, "/"),
		RVI:  a.cfg.CSE.ReleaseVersion,
		Ty:   anncType,
		PC:   map[string]any{anncType.ShortName(): attrs},
	})

	switch resp.RSC {
	case onem2m.RSCCreated, onem2m.RSCAlreadyExists, onem2m.RSCConflict:
		a.recordAnnounced(res.RI(), target, base+"/"+rn)
		observability.AnnouncementsTotal.WithLabelValues("announced").Inc()
		a.logger.Info("resource announced",
			zap.String("ri", res.RI()), zap.String("target", target))
	default:
		a.markPending(res.RI(), target)
		observability.AnnouncementsTotal.WithLabelValues("failed").Inc()
		a.logger.Warn("announcement rejected",
			zap.String("ri", res.RI()),
			zap.String("target", target),
			zap.Int("rsc", int(resp.RSC)))
	}
}

// updateMirror pushes the current announced attributes to an existing
// mirror.
func (a *Announcer) updateMirror(ctx context.Context, res *resource.Resource, target string) {
	a.mu.Lock()
	addr := a.announced[res.RI()][target]
	a.mu.Unlock()
	if addr == "" {
		return
	}

	anncType, _ := res.Type.AnnouncedVariant()
	attrs := a.announcedAttributes(res)
	// Identity and link are fixed at creation.
	delete(attrs, "lnk")

	resp := a.requester.Process(ctx, &onem2m.Request{
		Op:   onem2m.OpUpdate,
		To:   addr,
		From: a.cfg.CSE.CSEID,
		RQI:  "annc-upd-" + res.RI(),
		RVI:  a.cfg.CSE.ReleaseVersion,
		PC:   map[string]any{anncType.ShortName(): attrs},
	})
	if resp.RSC != onem2m.RSCUpdated {
		observability.AnnouncementsTotal.WithLabelValues("failed").Inc()
		a.logger.Warn("announced mirror update failed",
			zap.String("addr", addr), zap.Int("rsc", int(resp.RSC)))
		return
	}
	observability.AnnouncementsTotal.WithLabelValues("updated").Inc()
}

// withdraw removes every mirror of a deleted resource.
func (a *Announcer) withdraw(ctx context.Context, ri string) {
	a.mu.Lock()
	targets := make([]string, 0, len(a.announced[ri]))
	for target := range a.announced[ri] {
		targets = append(targets, target)
	}
	delete(a.pending, ri)
	a.mu.Unlock()

	for _, target := range targets {
		a.withdrawFrom(ctx, ri, target)
	}
}

func (a *Announcer) withdrawFrom(ctx context.Context, ri, target string) {
	a.mu.Lock()
	addr := a.announced[ri][target]
	delete(a.announced[ri], target)
	if len(a.announced[ri]) == 0 {
		delete(a.announced, ri)
	}
	a.mu.Unlock()
	if addr == "" {
		return
	}

	resp := a.requester.Process(ctx, &onem2m.Request{
		Op:   onem2m.OpDelete,
		To:   addr,
		From: a.cfg.CSE.CSEID,
		RQI:  "annc-del-" + ri,
		RVI:  a.cfg.CSE.ReleaseVersion,
	})
	if resp.RSC != onem2m.RSCDeleted && resp.RSC != onem2m.RSCNotFound {
		observability.AnnouncementsTotal.WithLabelValues("failed").Inc()
		a.logger.Warn("announced mirror removal failed",
			zap.String("addr", addr), zap.Int("rsc", int(resp.RSC)))
		return
	}
	observability.AnnouncementsTotal.WithLabelValues("withdrawn").Inc()
}

// retryPending re-attempts deferred announcements, dropping entries whose
// original no longer exists.
func (a *Announcer) retryPending(ctx context.Context) {
	a.mu.Lock()
	work := make(map[string][]string, len(a.pending))
	for ri, targets := range a.pending {
		for target := range targets {
			work[ri] = append(work[ri], target)
		}
	}
	a.pending = make(map[string]map[string]struct{})
	a.mu.Unlock()

	for ri, targets := range work {
		res, err := storage.GetResource(ctx, a.store, ri)
		if err != nil {
			continue
		}
		for _, target := range targets {
			a.announceTo(ctx, res, target)
		}
	}
}

// announcedAttributes assembles the mirror content: the mandatory link
// plus every attribute the type policy marks as announced, with optional
// ones gated on the aa list.
func (a *Announcer) announcedAttributes(res *resource.Resource) map[string]any {
	attrs := map[string]any{
		"lnk": a.cfg.CSE.CSEID + "/" + res.RI(),
	}
	tp, err := a.registry.Policy(res.Type)
	if err != nil {
		return attrs
	}
	aa := res.StringList("aa")
	for name, pol := range tp.Attributes {
		v, present := res.Attributes[name]
		if !present {
			continue
		}
		switch pol.Announce {
		case resource.MandatoryAnnounced:
			attrs[name] = v
		case resource.OptionalAnnounced:
			if contains(aa, name) {
				attrs[name] = v
			}
		}
	}
	// Identity attributes never cross; the mirror gets its own.
	for _, reserved := range []string{"ri", "pi", "ct", "lt", "rn", "st"} {
		delete(attrs, reserved)
	}
	return attrs
}

func (a *Announcer) recordAnnounced(ri, target, addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.announced[ri] == nil {
		a.announced[ri] = make(map[string]string)
	}
	a.announced[ri][target] = addr
	if p := a.pending[ri]; p != nil {
		delete(p, target)
		if len(p) == 0 {
			delete(a.pending, ri)
		}
	}
}

func (a *Announcer) markPending(ri, target string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending[ri] == nil {
		a.pending[ri] = make(map[string]struct{})
	}
	a.pending[ri][target] = struct{}{}
}

// targetBase resolves the announcement target CSE-ID to the SP-relative
// address of its CSEBase, using the registered <remoteCSE> mirror.
func (a *Announcer) targetBase(ctx context.Context, target string) (string, error) {
	if target == a.cfg.CSE.CSEID {
		return a.cfg.CSE.ResourceName, nil
	}
	if target == a.cfg.Registrar.CSEID && a.cfg.Registrar.ResourceName != "" {
		return a.cfg.Registrar.CSEID + "/" + a.cfg.Registrar.ResourceName, nil
	}
	csrs, err := a.store.ResourcesByType(ctx, onem2m.TypeRemoteCSE)
	if err != nil {
		return "", err
	}
	for _, csr := range csrs {
		if csr.Attributes["csi"] == target {
			if cb, ok := csr.Attributes["cb"].(string); ok && cb != "" {
				return cb, nil
			}
		}
	}
	return "", onem2m.Errorf(onem2m.RSCRemoteEntityNotReachable,
		"announcement target %s is not registered", target)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// doCreate inserts a new child under the resolved parent. The parent's ri
// is locked for the duration so sibling-name checks and container quota
// accounting cannot race.
func (d *Dispatcher) doCreate(ctx context.Context, req *onem2m.Request, addr onem2m.Address) (*onem2m.Response, error) {
	if req.Ty <= 0 {
		return nil, onem2m.ErrBadRequest("CREATE requires a resource type")
	}
	if req.PC == nil {
		return nil, onem2m.ErrBadRequest("CREATE requires primitive content")
	}

	var parent *target
	if err := d.store.View(ctx, func(tx storage.Tx) error {
		var err error
		parent, err = d.resolveTarget(ctx, tx, addr.Path)
		return err
	}); err != nil {
		return nil, err
	}
	if parent.virtual != "" {
		return nil, onem2m.Errorf(onem2m.RSCOperationNotAllowed,
			"cannot create under virtual resource %s", parent.virtual)
	}

	if err := d.registry.AdmitsChild(parent.res.Type, req.Ty); err != nil {
		return nil, err
	}

	res, err := resource.FromContent(req.Ty, req.PC)
	if err != nil {
		return nil, err
	}
	if err := d.registry.ValidateCreate(req.Ty, res.Attributes); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ri := resource.GenerateRI(req.Ty, d.cfg.CSE.IDLength)
	res.Stamp(ri, parent.res.RI(), now, d.cfg.CSE.MaxExpirationDelta)

	if req.Ty == onem2m.TypeSubscription {
		if !subscribable(parent.res.Type) {
			return nil, onem2m.Errorf(onem2m.RSCTargetNotSubscribable,
				"resource type %d cannot carry subscriptions", parent.res.Type)
		}
		// Target verification runs before the transaction so a rejected
		// subscription never exists, and outside any lock so a slow
		// target does not stall the tree.
		if d.verifier != nil && d.cfg.Notifications.EnableSubscriptionVerificationRequests {
			if err := d.verifier.VerifySubscription(ctx, res); err != nil {
				return nil, err
			}
		}
	}

	parentRI := parent.res.RI()
	d.locks.Lock(parentRI)
	defer d.locks.Unlock(parentRI)

	srn := parent.srn + "/" + res.RN()
	var evicted []*resource.Resource
	err = d.store.Update(ctx, func(tx storage.Tx) error {
		parentNow, err := tx.Resource(ctx, parentRI)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return onem2m.ErrNotFound(req.To)
			}
			return err
		}
		// AE and remote-CSE registration under the CSEBase is governed by
		// the registration rules, not by a policy on the CSEBase.
		registering := parentNow.Type == onem2m.TypeCSEBase &&
			(req.Ty == onem2m.TypeAE || req.Ty == onem2m.TypeRemoteCSE)
		if !registering {
			if err := d.checker.Authorize(ctx, tx, req.From, onem2m.OpCreate, parentNow); err != nil {
				return err
			}
		}
		if _, err := tx.ChildByName(ctx, parentRI, res.RN()); err == nil {
			return onem2m.Errorf(onem2m.RSCAlreadyExists,
				"resource name %s already exists under %s", res.RN(), parent.srn)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if i, ok := d.interceptors[req.Ty]; ok {
			if err := i.OnCreate(ctx, tx, req, res, parentNow); err != nil {
				return err
			}
			// Interceptors may rename (aei-derived rn); recompute.
			srn = parent.srn + "/" + res.RN()
		}

		// The creator keeps access to resources no policy governs.
		if _, ok := res.Attributes["cr"]; !ok && req.From != "" {
			res.Set("cr", req.From)
		}

		if res.Type == onem2m.TypeContentInstance && parentNow.Type == onem2m.TypeContainer {
			evicted, err = d.applyContainerQuota(ctx, tx, parentNow, res, now)
			if err != nil {
				return err
			}
		}

		return tx.Create(ctx, res, srn)
	})
	if err != nil {
		evicted = nil
		if errors.Is(err, storage.ErrDuplicateName) || errors.Is(err, storage.ErrDuplicateID) {
			return nil, onem2m.WrapError(onem2m.RSCConflict, err, "resource already exists")
		}
		return nil, err
	}

	for _, old := range evicted {
		d.publish(events.Event{
			Kind: events.ResourceDeleted, RI: old.RI(), PI: old.PI(),
			Type: old.Type, Resource: old, Originator: d.cfg.Security.AdminOriginator,
		})
	}
	d.publish(events.Event{
		Kind: events.ResourceCreated, RI: res.RI(), PI: parentRI, SRN: srn,
		Type: res.Type, Resource: res, Originator: req.From,
	})

	return onem2m.SuccessResponse(req, onem2m.RSCCreated,
		d.shapeSingle(req, res, srn), d.cfg.CSE.CSEID), nil
}

// subscribable reports whether a resource type may carry subscription
// children.
func subscribable(ty onem2m.ResourceType) bool {
	switch ty {
	case onem2m.TypeContentInstance, onem2m.TypeRequest, onem2m.TypeSubscription:
		return false
	}
	return true
}

// applyContainerQuota evicts the oldest content instances until mni and
// mbs hold with the new instance included, and refreshes the container's
// bookkeeping attributes. Returns the evicted instances for post-commit
// events.
func (d *Dispatcher) applyContainerQuota(ctx context.Context, tx storage.Tx, cnt *resource.Resource, newInst *resource.Resource, now time.Time) ([]*resource.Resource, error) {
	children, err := tx.Children(ctx, cnt.RI())
	if err != nil {
		return nil, err
	}
	var instances []*resource.Resource
	bytes := newInst.ContentSize()
	for _, c := range children {
		if c.Type == onem2m.TypeContentInstance {
			instances = append(instances, c)
			bytes += c.ContentSize()
		}
	}
	count := len(instances) + 1

	mni, hasMNI := cnt.Int("mni")
	mbs, hasMBS := cnt.Int("mbs")

	var evicted []*resource.Resource
	for len(instances) > 0 &&
		((hasMNI && count > mni) || (hasMBS && bytes > mbs)) {
		oldest := instances[0]
		instances = instances[1:]
		if err := tx.Delete(ctx, oldest.RI()); err != nil {
			return nil, err
		}
		evicted = append(evicted, oldest)
		count--
		bytes -= oldest.ContentSize()
	}
	if hasMBS && bytes > mbs {
		return nil, onem2m.Errorf(onem2m.RSCNotAcceptable,
			"content size %d exceeds container mbs %d", newInst.ContentSize(), mbs)
	}
	if hasMNI && count > mni {
		return nil, onem2m.Errorf(onem2m.RSCNotAcceptable, "container mni is 0")
	}

	st, _ := cnt.Int("st")
	st++
	cnt.Set("st", float64(st))
	cnt.Set("cni", float64(count))
	cnt.Set("cbs", float64(bytes))
	cnt.Touch(now)
	if err := tx.Update(ctx, cnt); err != nil {
		return nil, err
	}

	newInst.Set("cs", float64(newInst.ContentSize()))
	newInst.Set("st", float64(st))

	// mia caps instance lifetime; the expiration sweep removes aged
	// instances through their et.
	if mia, ok := cnt.Int("mia"); ok && mia > 0 {
		ceiling := onem2m.Timestamp(now.Add(time.Duration(mia) * time.Second))
		if et, has := newInst.Attributes["et"].(string); !has || et > ceiling {
			newInst.Set("et", ceiling)
		}
	}
	return evicted, nil
}

// doRetrieve reads the target and shapes it per rcn.
func (d *Dispatcher) doRetrieve(ctx context.Context, req *onem2m.Request, addr onem2m.Address) (*onem2m.Response, error) {
	var pc map[string]any
	err := d.store.View(ctx, func(tx storage.Tx) error {
		t, err := d.resolveTarget(ctx, tx, addr.Path)
		if err != nil {
			return err
		}
		res, err := d.resolveVirtual(ctx, tx, t)
		if err != nil {
			return err
		}
		if res.Expired(time.Now().UTC()) {
			return onem2m.ErrNotFound(req.To)
		}
		if err := d.checker.Authorize(ctx, tx, req.From, onem2m.OpRetrieve, res); err != nil {
			return err
		}
		pc, err = d.shapeRetrieve(ctx, tx, req, res)
		return err
	})
	if err != nil {
		return nil, err
	}
	return onem2m.SuccessResponse(req, onem2m.RSCOK, pc, d.cfg.CSE.CSEID), nil
}

// doUpdate merges update content into the target.
func (d *Dispatcher) doUpdate(ctx context.Context, req *onem2m.Request, addr onem2m.Address) (*onem2m.Response, error) {
	if req.PC == nil {
		return nil, onem2m.ErrBadRequest("UPDATE requires primitive content")
	}

	var t *target
	if err := d.store.View(ctx, func(tx storage.Tx) error {
		var err error
		t, err = d.resolveTarget(ctx, tx, addr.Path)
		return err
	}); err != nil {
		return nil, err
	}
	if t.virtual != "" {
		return nil, onem2m.Errorf(onem2m.RSCOperationNotAllowed,
			"cannot update virtual resource %s", t.virtual)
	}
	if t.res.Type == onem2m.TypeContentInstance {
		return nil, onem2m.Errorf(onem2m.RSCOperationNotAllowed, "content instances are immutable")
	}

	ri := t.res.RI()
	d.locks.Lock(ri)
	defer d.locks.Unlock(ri)

	now := time.Now().UTC()
	var (
		res      *resource.Resource
		modified map[string]any
	)
	err := d.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		res, err = tx.Resource(ctx, ri)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return onem2m.ErrNotFound(req.To)
			}
			return err
		}
		if err := d.checker.Authorize(ctx, tx, req.From, onem2m.OpUpdate, res); err != nil {
			return err
		}

		content, err := resource.FromContent(res.Type, req.PC)
		if err != nil {
			return err
		}
		if err := d.registry.ValidateUpdate(res.Type, content.Attributes); err != nil {
			return err
		}
		if et, ok := content.Attributes["et"].(string); ok {
			ceiling := onem2m.Timestamp(now.Add(d.cfg.CSE.MaxExpirationDelta))
			if et > ceiling {
				content.Attributes["et"] = ceiling
			}
		}

		modified = res.ApplyUpdate(content.Attributes, now)
		return tx.Update(ctx, res)
	})
	if err != nil {
		return nil, err
	}

	d.publish(events.Event{
		Kind: events.ResourceUpdated, RI: ri, PI: res.PI(), SRN: t.srn,
		Type: res.Type, Resource: res, Modified: modified, Originator: req.From,
	})

	var pc map[string]any
	switch req.RCN {
	case onem2m.RCNNothing:
	case onem2m.RCNModifiedAttributes:
		pc = map[string]any{res.Type.ShortName(): modified}
	default:
		pc = res.Representation()
	}
	return onem2m.SuccessResponse(req, onem2m.RSCUpdated, pc, d.cfg.CSE.CSEID), nil
}

// doDelete removes the target and its whole subtree.
func (d *Dispatcher) doDelete(ctx context.Context, req *onem2m.Request, addr onem2m.Address) (*onem2m.Response, error) {
	var t *target
	if err := d.store.View(ctx, func(tx storage.Tx) error {
		var err error
		t, err = d.resolveTarget(ctx, tx, addr.Path)
		return err
	}); err != nil {
		return nil, err
	}
	if t.res.Type == onem2m.TypeCSEBase && t.virtual == "" {
		return nil, onem2m.Errorf(onem2m.RSCOperationNotAllowed, "the CSEBase cannot be deleted")
	}

	ri := t.res.RI()
	d.locks.Lock(ri)
	defer d.locks.Unlock(ri)

	now := time.Now().UTC()
	var removed []*resource.Resource
	err := d.store.Update(ctx, func(tx storage.Tx) error {
		res, err := tx.Resource(ctx, ri)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return onem2m.ErrNotFound(req.To)
			}
			return err
		}
		if t.virtual == "la" || t.virtual == "ol" {
			res, err = d.resolveVirtual(ctx, tx, &target{res: res, srn: t.srn, virtual: t.virtual})
			if err != nil {
				return err
			}
		}
		if err := d.checker.Authorize(ctx, tx, req.From, onem2m.OpDelete, res); err != nil {
			return err
		}

		removed, err = d.collectSubtree(ctx, tx, res)
		if err != nil {
			return err
		}
		// Leaves first; the staged set commits atomically either way.
		for i := len(removed) - 1; i >= 0; i-- {
			if err := tx.Delete(ctx, removed[i].RI()); err != nil {
				return err
			}
		}

		if res.Type == onem2m.TypeContentInstance {
			return d.settleContainerAfterRemoval(ctx, tx, res, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, res := range removed {
		d.publish(events.Event{
			Kind: events.ResourceDeleted, RI: res.RI(), PI: res.PI(),
			Type: res.Type, Resource: res, Originator: req.From,
		})
	}

	var pc map[string]any
	if req.RCN == onem2m.RCNAttributes && len(removed) > 0 {
		pc = removed[0].Representation()
	}
	return onem2m.SuccessResponse(req, onem2m.RSCDeleted, pc, d.cfg.CSE.CSEID), nil
}

// collectSubtree returns res and all descendants, parents before children.
func (d *Dispatcher) collectSubtree(ctx context.Context, tx storage.Tx, res *resource.Resource) ([]*resource.Resource, error) {
	out := []*resource.Resource{res}
	for i := 0; i < len(out); i++ {
		children, err := tx.Children(ctx, out[i].RI())
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

// settleContainerAfterRemoval recomputes cni/cbs on the parent container
// after a content instance was deleted directly.
func (d *Dispatcher) settleContainerAfterRemoval(ctx context.Context, tx storage.Tx, cin *resource.Resource, now time.Time) error {
	cnt, err := tx.Resource(ctx, cin.PI())
	if err != nil || cnt.Type != onem2m.TypeContainer {
		return err
	}
	cni, _ := cnt.Int("cni")
	cbs, _ := cnt.Int("cbs")
	if cni > 0 {
		cnt.Set("cni", float64(cni-1))
	}
	if cbs >= cin.ContentSize() {
		cnt.Set("cbs", float64(cbs-cin.ContentSize()))
	}
	st, _ := cnt.Int("st")
	cnt.Set("st", float64(st+1))
	cnt.Touch(now)
	return tx.Update(ctx, cnt)
}

// doNotify delivers a NOTIFY primitive to a local AE's point of access, or
// absorbs it when this CSE itself is the target.
func (d *Dispatcher) doNotify(ctx context.Context, req *onem2m.Request, addr onem2m.Address) (*onem2m.Response, error) {
	var t *target
	if err := d.store.View(ctx, func(tx storage.Tx) error {
		var err error
		t, err = d.resolveTarget(ctx, tx, addr.Path)
		if err != nil {
			return err
		}
		return d.checker.Authorize(ctx, tx, req.From, onem2m.OpNotify, t.res)
	}); err != nil {
		return nil, err
	}

	switch t.res.Type {
	case onem2m.TypeCSEBase:
		// Notifications addressed to the CSE itself (async response
		// callbacks, announcement acks) terminate here.
		return onem2m.SuccessResponse(req, onem2m.RSCOK, nil, d.cfg.CSE.CSEID), nil
	case onem2m.TypeAE:
		poa := t.res.StringList("poa")
		if len(poa) == 0 || d.notifier == nil {
			return nil, onem2m.Errorf(onem2m.RSCTargetNotReachable,
				"AE %s has no point of access", t.res.RI())
		}
		resp, err := d.notifier.Notify(ctx, poa[0], req.PC)
		if err != nil {
			return nil, onem2m.WrapError(onem2m.RSCTargetNotReachable, err,
				"notification to %s failed", poa[0])
		}
		resp.RQI = req.RQI
		return resp, nil
	default:
		return nil, onem2m.Errorf(onem2m.RSCOperationNotAllowed,
			"resource type %d does not accept NOTIFY", t.res.Type)
	}
}

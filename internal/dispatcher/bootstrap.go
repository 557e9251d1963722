package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// EnsureCSEBase creates the CSEBase resource on first start and records
// its identifier for target resolution. Idempotent across restarts.
func (d *Dispatcher) EnsureCSEBase(ctx context.Context) error {
	rn := d.cfg.CSE.ResourceName

	var existing *resource.Resource
	err := d.store.View(ctx, func(tx storage.Tx) error {
		var err error
		existing, err = tx.ResourceBySRN(ctx, rn)
		return err
	})
	if err == nil {
		d.cseBaseRI = existing.RI()
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	cseType, _ := onem2m.ParseCSEType(d.cfg.CSE.Type)
	cb := resource.New(onem2m.TypeCSEBase)
	cb.Set("rn", rn)
	cb.Set("csi", d.cfg.CSE.CSEID)
	cb.Set("cst", float64(cseType))
	cb.Set("srv", toAnyList(d.cfg.CSE.SupportedReleaseVersions))
	cb.Set("poa", toAnyList(d.cfg.CSE.PointOfAccess))
	cb.Set("srt", supportedResourceTypes())

	ri := resource.GenerateRI(onem2m.TypeCSEBase, d.cfg.CSE.IDLength)
	now := time.Now().UTC()
	cb.Stamp(ri, "", now, d.cfg.CSE.MaxExpirationDelta)
	// The root never expires.
	delete(cb.Attributes, "et")

	if err := d.store.Update(ctx, func(tx storage.Tx) error {
		return tx.Create(ctx, cb, rn)
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateName) {
			// Another instance won the race; adopt its CSEBase.
			return d.EnsureCSEBase(ctx)
		}
		return err
	}

	d.cseBaseRI = ri
	d.logger.Info("CSEBase created",
		zap.String("ri", ri),
		zap.String("rn", rn),
		zap.String("csi", d.cfg.CSE.CSEID))
	return nil
}

// CSEBaseRI returns the root resource identifier.
func (d *Dispatcher) CSEBaseRI() string { return d.cseBaseRI }

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func supportedResourceTypes() []any {
	types := []onem2m.ResourceType{
		onem2m.TypeACP, onem2m.TypeAE, onem2m.TypeContainer,
		onem2m.TypeContentInstance, onem2m.TypeCSEBase, onem2m.TypeGroup,
		onem2m.TypeNode, onem2m.TypePollingChannel, onem2m.TypeRemoteCSE,
		onem2m.TypeRequest, onem2m.TypeSubscription, onem2m.TypeFlexContainer,
		onem2m.TypeTimeSeries, onem2m.TypeAction,
	}
	out := make([]any, len(types))
	for i, t := range types {
		out[i] = float64(t)
	}
	return out
}

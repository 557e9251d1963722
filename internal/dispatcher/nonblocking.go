package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// Request-resource status values (m2m:requestStatus).
const (
	requestStatusPending   = "PENDING"
	requestStatusCompleted = "COMPLETED"
	requestStatusFailed    = "FAILED"
)

// nonBlockingSync stores a <request> resource, returns its reference with
// 1001, and finishes the operation on a background worker that writes the
// outcome into the stored resource.
func (d *Dispatcher) nonBlockingSync(ctx context.Context, req *onem2m.Request, addr onem2m.Address) *onem2m.Response {
	reqRes, srn, err := d.storeRequestResource(ctx, req)
	if err != nil {
		return onem2m.ErrorResponse(req, err, d.cfg.CSE.CSEID)
	}

	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CSE.RequestExpirationDelta)
		defer cancel()
		resp := d.execute(bg, req, addr)
		d.writeRequestResult(context.WithoutCancel(ctx), reqRes.RI(), resp)
	}()

	return onem2m.SuccessResponse(req, onem2m.RSCAcceptedNonBlockingSync,
		map[string]any{"m2m:uri": srn}, d.cfg.CSE.CSEID)
}

// nonBlockingAsync returns 1002 immediately and, once the operation
// finishes, notifies each response target URI with the final response.
func (d *Dispatcher) nonBlockingAsync(ctx context.Context, req *onem2m.Request, addr onem2m.Address) *onem2m.Response {
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CSE.RequestExpirationDelta)
		defer cancel()
		resp := d.execute(bg, req, addr)
		if d.notifier == nil {
			return
		}
		payload := map[string]any{"m2m:rsp": map[string]any{
			"rsc": float64(resp.RSC),
			"rqi": resp.RQI,
			"pc":  resp.PC,
			"fr":  resp.From,
			"to":  resp.To,
		}}
		for _, rtu := range req.RTU {
			if _, err := d.notifier.Notify(bg, rtu, payload); err != nil {
				d.logger.Warn("async response callback failed",
					zap.String("rtu", rtu), zap.Error(err))
			}
		}
	}()

	return onem2m.SuccessResponse(req, onem2m.RSCAcceptedNonBlockingAsync, nil, d.cfg.CSE.CSEID)
}

// storeRequestResource persists a <request> resource under the CSEBase
// recording the accepted primitive. It is written as the CSE itself, not
// through the pipeline, so request bookkeeping never competes with the
// request it describes.
func (d *Dispatcher) storeRequestResource(ctx context.Context, req *onem2m.Request) (*resource.Resource, string, error) {
	now := time.Now().UTC()
	res := resource.New(onem2m.TypeRequest)
	res.Set("op", float64(req.Op))
	res.Set("tg", req.To)
	res.Set("org", req.From)
	res.Set("rid", req.RQI)
	res.Set("rs", requestStatusPending)
	if req.From != "" {
		// The requester polls its own <request> resource.
		res.Set("cr", req.From)
	}
	res.Set("mi", map[string]any{
		"rcn": float64(req.RCN),
		"rt":  float64(req.RT),
		"rvi": req.RVI,
	})
	res.Set("et", onem2m.Timestamp(now.Add(requestResourceRetention)))

	ri := resource.GenerateRI(onem2m.TypeRequest, d.cfg.CSE.IDLength)
	res.Stamp(ri, d.cseBaseRI, now, d.cfg.CSE.MaxExpirationDelta)
	srn := d.cfg.CSE.ResourceName + "/" + res.RN()

	err := d.store.Update(ctx, func(tx storage.Tx) error {
		return tx.Create(ctx, res, srn)
	})
	if err != nil {
		return nil, "", onem2m.WrapError(onem2m.RSCInternalServerError, err,
			"failed to store request resource")
	}
	return res, srn, nil
}

// writeRequestResult records the final outcome in the <request> resource.
func (d *Dispatcher) writeRequestResult(ctx context.Context, ri string, resp *onem2m.Response) {
	d.locks.Lock(ri)
	defer d.locks.Unlock(ri)

	err := d.store.Update(ctx, func(tx storage.Tx) error {
		res, err := tx.Resource(ctx, ri)
		if err != nil {
			return err
		}
		status := requestStatusCompleted
		if !resp.RSC.IsSuccess() {
			status = requestStatusFailed
		}
		res.Set("rs", status)
		res.Set("ors", map[string]any{
			"rsc": float64(resp.RSC),
			"rqi": resp.RQI,
			"pc":  resp.PC,
		})
		res.Touch(time.Now().UTC())
		return tx.Update(ctx, res)
	})
	if err != nil {
		d.logger.Warn("failed to record non-blocking result",
			zap.String("request_ri", ri), zap.Error(err))
	}
}

// Package dispatcher implements the protocol-agnostic request pipeline:
// deadline checks, target resolution, transit forwarding, access control,
// validation, transactional execution, post-commit event emission, and
// result shaping. Every binding adapter funnels into Process.
package dispatcher

import (
	"context"
	"strconv"
	"strings"
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

// maxTransitHops bounds forwarding chains; a request that crossed this
// many CSEs is treated as looping.
const maxTransitHops = 16

// requestResourceRetention is how long a stored <request> resource stays
// retrievable before the expiration sweeper purges it.
const requestResourceRetention = 5 * time.Minute

// Dispatcher routes canonical requests through the processing pipeline.
type Dispatcher struct {
	cfg      *config.Config
	store    storage.Store
	registry *resource.Registry
	checker  *security.Checker
	bus      *events.Bus
	logger   *zap.Logger

	locks *lockMap

	forwarder    Forwarder
	fanout       Fanout
	verifier     Verifier
	notifier     Notifier
	hook         Hook
	interceptors map[onem2m.ResourceType]Interceptor

	cseBaseRI string
}

// New creates a dispatcher. Collaborators that would create import cycles
// (forwarder, fanout, verifier, notifier) are attached afterwards with the
// Set methods; a nil collaborator disables the corresponding feature.
func New(cfg *config.Config, store storage.Store, registry *resource.Registry, checker *security.Checker, bus *events.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		checker:      checker,
		bus:          bus,
		logger:       logger.Named("dispatcher"),
		locks:        newLockMap(),
		interceptors: make(map[onem2m.ResourceType]Interceptor),
	}
}

// SetForwarder attaches the transit forwarder.
func (d *Dispatcher) SetForwarder(f Forwarder) { d.forwarder = f }

// SetFanout attaches the group fan-out handler.
func (d *Dispatcher) SetFanout(f Fanout) { d.fanout = f }

// SetVerifier attaches the subscription verification prober.
func (d *Dispatcher) SetVerifier(v Verifier) { d.verifier = v }

// SetNotifier attaches the outbound NOTIFY sender.
func (d *Dispatcher) SetNotifier(n Notifier) { d.notifier = n }

// SetHook attaches the upper-tester hook.
func (d *Dispatcher) SetHook(h Hook) { d.hook = h }

// RegisterInterceptor attaches a per-type CREATE interceptor.
func (d *Dispatcher) RegisterInterceptor(ty onem2m.ResourceType, i Interceptor) {
	d.interceptors[ty] = i
}

// SetCSEBaseRI records the bootstrap CSEBase identifier so empty target
// paths resolve without a storage lookup.
func (d *Dispatcher) SetCSEBaseRI(ri string) { d.cseBaseRI = ri }

// Process runs one request through the full pipeline and always returns a
// response; every failure is converted to its RSC.
func (d *Dispatcher) Process(ctx context.Context, req *onem2m.Request) *onem2m.Response {
	start := time.Now()
	resp := d.process(ctx, req)
	observability.RequestsTotal.WithLabelValues(
		req.Op.String(), strconv.Itoa(int(resp.RSC)), string(req.Origin)).Inc()
	observability.RequestDuration.WithLabelValues(req.Op.String()).Observe(time.Since(start).Seconds())
	if err := d.store.IncrStat(context.WithoutCancel(ctx), "ops."+strings.ToLower(req.Op.String()), 1); err != nil {
		d.logger.Debug("statistics write failed", zap.Error(err))
	}
	return resp
}

func (d *Dispatcher) process(ctx context.Context, req *onem2m.Request) *onem2m.Response {
	if d.hook != nil {
		replaced, keep := d.hook.OnRequest(req)
		if !keep {
			return onem2m.ErrorResponse(req,
				onem2m.Errorf(onem2m.RSCInternalServerError, "request dropped by hook"), d.cfg.CSE.CSEID)
		}
		if replaced != nil {
			req = replaced
		}
	}

	// Discovery shares RETRIEVE on the wire; split it here so the rest of
	// the pipeline can treat it as its own operation.
	if req.Op == onem2m.OpRetrieve && req.FC.IsDiscovery() {
		req.Op = onem2m.OpDiscovery
	}

	now := time.Now().UTC()
	if req.RQET != "" && onem2m.TimestampPast(req.RQET, now) {
		return onem2m.ErrorResponse(req,
			onem2m.Errorf(onem2m.RSCRequestTimeout, "request expired at %s", req.RQET), d.cfg.CSE.CSEID)
	}

	ctx, cancel := d.withDeadline(ctx, req, now)
	defer cancel()

	addr := onem2m.ParseAddress(req.To)
	if addr.SPID != "" && addr.SPID != d.cfg.CSE.ServiceProviderID {
		return onem2m.ErrorResponse(req,
			onem2m.Errorf(onem2m.RSCNotFound, "unknown service provider %s", addr.SPID), d.cfg.CSE.CSEID)
	}
	if !addr.Local(d.cfg.CSE.CSEID) {
		return d.transit(ctx, req, addr)
	}

	if !d.cfg.SupportsRelease(req.RVI) {
		return onem2m.ErrorResponse(req,
			onem2m.Errorf(onem2m.RSCReleaseVersionNotSupported, "release %s not supported", req.RVI), d.cfg.CSE.CSEID)
	}

	if req.PC == nil && len(req.RawPC) > 0 {
		ser := onem2m.SerializerFor(req.ContentType)
		pc, err := ser.Decode(req.RawPC)
		if err != nil {
			return onem2m.ErrorResponse(req,
				onem2m.WrapError(onem2m.RSCBadRequest, err, "malformed primitive content"), d.cfg.CSE.CSEID)
		}
		req.PC = pc
	}

	switch d.effectiveResponseType(req) {
	case onem2m.RTNonBlockingSync:
		return d.nonBlockingSync(ctx, req, addr)
	case onem2m.RTNonBlockingAsync:
		return d.nonBlockingAsync(ctx, req, addr)
	case onem2m.RTNoResponse:
		go func() {
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CSE.RequestExpirationDelta)
			defer cancel()
			d.execute(bg, req, addr)
		}()
		return onem2m.SuccessResponse(req, onem2m.RSCAccepted, nil, d.cfg.CSE.CSEID)
	default:
		return d.execute(ctx, req, addr)
	}
}

// effectiveResponseType resolves flexBlocking per configuration; zero
// means blocking.
func (d *Dispatcher) effectiveResponseType(req *onem2m.Request) onem2m.ResponseType {
	rt := req.RT
	if rt == onem2m.RTFlexBlocking {
		if d.cfg.CSE.FlexBlockingPreference == "nonblocking" {
			return onem2m.RTNonBlockingSync
		}
		return onem2m.RTBlocking
	}
	if rt == 0 {
		return onem2m.RTBlocking
	}
	return rt
}

// withDeadline derives the request deadline from rqet, capped by the
// configured request expiration delta.
func (d *Dispatcher) withDeadline(ctx context.Context, req *onem2m.Request, now time.Time) (context.Context, context.CancelFunc) {
	deadline := now.Add(d.cfg.CSE.RequestExpirationDelta)
	if req.RQET != "" {
		if t, err := onem2m.ParseTimestamp(req.RQET); err == nil && t.Before(deadline) {
			deadline = t
		}
	}
	return context.WithDeadline(ctx, deadline)
}

// transit forwards a request addressed to another CSE and relays its
// response, keeping the original rqi.
func (d *Dispatcher) transit(ctx context.Context, req *onem2m.Request, addr onem2m.Address) *onem2m.Response {
	if !d.cfg.CSE.EnableRemoteCSE || d.forwarder == nil {
		return onem2m.ErrorResponse(req,
			onem2m.Errorf(onem2m.RSCNotFound, "target CSE /%s unknown", addr.CSI), d.cfg.CSE.CSEID)
	}
	if req.Hops >= maxTransitHops {
		return onem2m.ErrorResponse(req,
			onem2m.Errorf(onem2m.RSCBadRequest, "hop limit exceeded"), d.cfg.CSE.CSEID)
	}
	for _, csi := range req.Trail {
		if csi == d.cfg.CSE.CSEID {
			return onem2m.ErrorResponse(req,
				onem2m.Errorf(onem2m.RSCBadRequest, "forwarding loop through %s", csi), d.cfg.CSE.CSEID)
		}
	}
	if !d.forwarder.KnownPeer(ctx, addr.CSI) {
		return onem2m.ErrorResponse(req,
			onem2m.Errorf(onem2m.RSCNotFound, "target CSE /%s not registered", addr.CSI), d.cfg.CSE.CSEID)
	}

	fwd := *req
	fwd.Hops = req.Hops + 1
	fwd.Trail = append(append([]string{}, req.Trail...), d.cfg.CSE.CSEID)

	resp, err := d.forwarder.Forward(ctx, addr.CSI, &fwd)
	if err != nil {
		observability.ForwardedRequestsTotal.WithLabelValues(addr.CSI, "error").Inc()
		return onem2m.ErrorResponse(req,
			onem2m.WrapError(onem2m.RSCTargetNotReachable, err, "forwarding to /%s failed", addr.CSI), d.cfg.CSE.CSEID)
	}
	observability.ForwardedRequestsTotal.WithLabelValues(addr.CSI, "ok").Inc()
	resp.RQI = req.RQI
	return resp
}

// execute runs the operation against local storage and shapes the result.
func (d *Dispatcher) execute(ctx context.Context, req *onem2m.Request, addr onem2m.Address) *onem2m.Response {
	if base, suffix, ok := splitFanout(addr.Path); ok {
		return d.executeFanout(ctx, req, base, suffix)
	}

	var (
		resp *onem2m.Response
		err  error
	)
	switch req.Op {
	case onem2m.OpCreate:
		resp, err = d.doCreate(ctx, req, addr)
	case onem2m.OpRetrieve:
		resp, err = d.doRetrieve(ctx, req, addr)
	case onem2m.OpDiscovery:
		resp, err = d.doDiscovery(ctx, req, addr)
	case onem2m.OpUpdate:
		resp, err = d.doUpdate(ctx, req, addr)
	case onem2m.OpDelete:
		resp, err = d.doDelete(ctx, req, addr)
	case onem2m.OpNotify:
		resp, err = d.doNotify(ctx, req, addr)
	default:
		err = onem2m.Errorf(onem2m.RSCBadRequest, "unknown operation %d", req.Op)
	}
	if err != nil {
		d.logger.Debug("request failed",
			zap.String("op", req.Op.String()),
			zap.String("to", req.To),
			zap.String("from", req.From),
			zap.Error(err))
		return onem2m.ErrorResponse(req, err, d.cfg.CSE.CSEID)
	}
	return resp
}

// splitFanout finds a fopt segment in the path and separates the group
// address from the member sub-path beneath it.
func splitFanout(path string) (base, suffix string, ok bool) {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if s == "fopt" {
			return strings.Join(segs[:i+1], "/"), strings.Join(segs[i+1:], "/"), true
		}
	}
	return "", "", false
}

// executeFanout authorizes the operation on the group and hands the
// request to the group manager for member dispatch.
func (d *Dispatcher) executeFanout(ctx context.Context, req *onem2m.Request, base, suffix string) *onem2m.Response {
	var grp *resource.Resource
	err := d.store.View(ctx, func(tx storage.Tx) error {
		t, err := d.resolveTarget(ctx, tx, base)
		if err != nil {
			return err
		}
		if t.virtual != "fopt" || t.res.Type != onem2m.TypeGroup {
			return onem2m.Errorf(onem2m.RSCOperationNotAllowed,
				"fan-out point only exists under groups")
		}
		if err := d.checker.Authorize(ctx, tx, req.From, req.Op, t.res); err != nil {
			return err
		}
		grp = t.res
		return nil
	})
	if err != nil {
		return onem2m.ErrorResponse(req, err, d.cfg.CSE.CSEID)
	}
	if d.fanout == nil {
		return onem2m.ErrorResponse(req,
			onem2m.Errorf(onem2m.RSCNotImplemented, "group fan-out is not enabled"), d.cfg.CSE.CSEID)
	}
	resp, err := d.fanout.Fanout(ctx, grp, suffix, req)
	if err != nil {
		return onem2m.ErrorResponse(req, err, d.cfg.CSE.CSEID)
	}
	return resp
}

// publish emits a post-commit event to the bus and the hook.
func (d *Dispatcher) publish(ev events.Event) {
	d.bus.Publish(ev)
	if d.hook != nil {
		d.hook.OnEvent(ev.Kind.String(), map[string]any{
			"ri": ev.RI,
			"pi": ev.PI,
			"ty": int(ev.Type),
		})
	}
}

package registration

import (
	"context"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/onem2m"
)

// Requester re-enters the local request pipeline; the dispatcher
// satisfies it. Used to maintain the local <remoteCSE> mirror of the
// registrar.
type Requester interface {
	Process(ctx context.Context, req *onem2m.Request) *onem2m.Response
}

// StartRegistrar begins maintaining this CSE's registration at its
// configured registrar: an initial registration with exponential
// backoff, then a liveness probe every check interval. A CSE without a
// registrar address is an IN at the top of the tree; nothing to do.
func (m *Manager) StartRegistrar(sched *events.Scheduler, requester Requester) {
	if m.cfg.Registrar.Address == "" {
		return
	}

	sched.After("registrar-initial", 0, func(ctx context.Context) {
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		err := backoff.Retry(func() error {
			return m.register(ctx, requester)
		}, backoff.WithMaxRetries(policy, 5))
		if err != nil {
			m.logger.Warn("initial registration failed, retrying on the check interval",
				zap.String("registrar", m.cfg.Registrar.CSEID), zap.Error(err))
		}
	})

	sched.Every("registrar-check", m.cfg.Registrar.CheckInterval, func(ctx context.Context) {
		if m.Registered() {
			m.probeRegistrar(ctx, requester)
			return
		}
		if err := m.register(ctx, requester); err != nil {
			m.logger.Debug("registration attempt failed", zap.Error(err))
		}
	})
}

// register creates our <remoteCSE> at the registrar and mirrors the
// registrar as a <remoteCSE> under the local CSEBase.
func (m *Manager) register(ctx context.Context, requester Requester) error {
	ctx, cancel := context.WithTimeout(ctx, m.registrarRequestTimeout())
	defer cancel()

	ownRN := strings.TrimPrefix(m.cfg.CSE.CSEID, "/")
	req := &onem2m.Request{
		Op:   onem2m.OpCreate,
		To:   m.cfg.Registrar.ResourceName,
		From: m.cfg.CSE.CSEID,
		RQI:  "reg-" + ownRN,
		RVI:  m.cfg.CSE.ReleaseVersion,
		Ty:   onem2m.TypeRemoteCSE,
		PC: map[string]any{"m2m:csr": map[string]any{
			"rn":  ownRN,
			"csi": m.cfg.CSE.CSEID,
			"cb":  m.cfg.CSE.CSEID + "/" + m.cfg.CSE.ResourceName,
			"rr":  true,
			"srv": toAnyList(m.cfg.CSE.SupportedReleaseVersions),
			"poa": toAnyList(m.cfg.CSE.PointOfAccess),
		}},
	}

	resp, err := m.transport.Do(ctx, m.cfg.Registrar.Address, req)
	if err != nil {
		return err
	}
	switch resp.RSC {
	case onem2m.RSCCreated, onem2m.RSCConflict, onem2m.RSCAlreadyRegistered, onem2m.RSCAlreadyExists:
	default:
		return onem2m.Errorf(resp.RSC, "registrar rejected registration")
	}

	m.ensureLocalCSR(ctx, requester)
	m.setRegistered(true)
	m.logger.Info("registered with registrar",
		zap.String("csi", m.cfg.Registrar.CSEID),
		zap.String("poa", m.cfg.Registrar.Address))
	return nil
}

// ensureLocalCSR mirrors the registrar under the local CSEBase so that
// transit addressing and announcements can resolve it.
func (m *Manager) ensureLocalCSR(ctx context.Context, requester Requester) {
	rn := strings.TrimPrefix(m.cfg.Registrar.CSEID, "/")
	resp := requester.Process(ctx, &onem2m.Request{
		Op:   onem2m.OpCreate,
		To:   m.cfg.CSE.ResourceName,
		From: m.cfg.Security.AdminOriginator,
		RQI:  "reg-mirror-" + rn,
		RVI:  m.cfg.CSE.ReleaseVersion,
		Ty:   onem2m.TypeRemoteCSE,
		PC: map[string]any{"m2m:csr": map[string]any{
			"rn":  rn,
			"csi": m.cfg.Registrar.CSEID,
			"cb":  m.cfg.Registrar.CSEID + "/" + m.cfg.Registrar.ResourceName,
			"rr":  true,
			"poa": []any{m.cfg.Registrar.Address},
		}},
	})
	switch resp.RSC {
	case onem2m.RSCCreated, onem2m.RSCAlreadyExists, onem2m.RSCAlreadyRegistered:
	default:
		m.logger.Warn("could not mirror registrar locally",
			zap.Int("rsc", int(resp.RSC)), zap.Any("pc", resp.PC))
	}
}

// probeRegistrar retrieves the registrar's CSEBase; three consecutive
// failures invalidate the registration and drop the local mirror.
func (m *Manager) probeRegistrar(ctx context.Context, requester Requester) {
	ctx, cancel := context.WithTimeout(ctx, m.registrarRequestTimeout())
	defer cancel()

	_, err := m.transport.Do(ctx, m.cfg.Registrar.Address, &onem2m.Request{
		Op:   onem2m.OpRetrieve,
		To:   m.cfg.Registrar.ResourceName,
		From: m.cfg.CSE.CSEID,
		RQI:  "reg-probe",
		RVI:  m.cfg.CSE.ReleaseVersion,
	})
	if !m.noteProbe(err == nil) {
		return
	}

	m.logger.Warn("registrar considered down after repeated probe failures",
		zap.String("csi", m.cfg.Registrar.CSEID), zap.Error(err))
	m.setRegistered(false)
	m.dropLocalCSR(ctx, requester)
}

// dropLocalCSR removes the registrar mirror once the peer is down.
func (m *Manager) dropLocalCSR(ctx context.Context, requester Requester) {
	rn := strings.TrimPrefix(m.cfg.Registrar.CSEID, "/")
	resp := requester.Process(ctx, &onem2m.Request{
		Op:   onem2m.OpDelete,
		To:   m.cfg.CSE.ResourceName + "/" + rn,
		From: m.cfg.Security.AdminOriginator,
		RQI:  "reg-drop-" + rn,
		RVI:  m.cfg.CSE.ReleaseVersion,
	})
	if resp.RSC != onem2m.RSCDeleted && resp.RSC != onem2m.RSCNotFound {
		m.logger.Warn("could not remove registrar mirror",
			zap.Int("rsc", int(resp.RSC)))
	}
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

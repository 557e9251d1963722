// Package registration handles AE and remote-CSE registration: AE-ID
// assignment, <remoteCSE> bookkeeping, request forwarding to registered
// peers, and the registrar client that keeps this CSE registered with
// its own registrar.
package registration

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// Transport carries one primitive to a peer's point of access. The HTTP
// binding provides the implementation.
type Transport interface {
	Do(ctx context.Context, poa string, req *onem2m.Request) (*onem2m.Response, error)
}

// Manager owns registration state on both sides: AEs and remote CSEs
// registering here, and this CSE's registration at its registrar.
type Manager struct {
	cfg       *config.Config
	store     storage.Store
	transport Transport
	logger    *zap.Logger

	// breaker fast-fails forwarding to an unreachable registrar instead
	// of letting every transit request run into the timeout.
	breaker *gobreaker.CircuitBreaker

	mu              sync.Mutex
	registered      bool
	probeFailures   int
	registrarPoints []string
}

// NewManager creates the registration manager.
func NewManager(cfg *config.Config, store storage.Store, transport Transport, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    logger.Named("registration"),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "registrar",
		Timeout: cfg.Registrar.CheckInterval,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.logger.Warn("registrar circuit state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return m
}

// OnCreateAE assigns the AE-ID and guards against duplicate
// registrations. Wired as the dispatcher's create interceptor for AEs.
//
// AE-ID assignment follows the originator: an empty originator or the
// bare "C" asks the CSE to allocate one; an originator already carrying
// a C- or S- prefixed identifier keeps it, provided no other AE holds
// it.
func (m *Manager) OnCreateAE(ctx context.Context, tx storage.Tx, req *onem2m.Request, res *resource.Resource, _ *resource.Resource) error {
	aei := strings.TrimSpace(req.From)

	switch {
	case aei == "" || aei == "C" || aei == "S":
		aei = "C" + res.RI()
	case strings.HasPrefix(aei, "C") || strings.HasPrefix(aei, "S"):
		taken, err := m.aeIDTaken(ctx, tx, aei)
		if err != nil {
			return err
		}
		if taken {
			return onem2m.Errorf(onem2m.RSCAlreadyRegistered,
				"originator %s has already registered an AE", aei)
		}
	default:
		return onem2m.Errorf(onem2m.RSCAppRuleValidationFailed,
			"originator %s is not a valid AE-ID stem", aei)
	}

	res.Set("aei", aei)
	// The originator of the create becomes the assigned AE-ID.
	req.From = aei
	return nil
}

// aeIDTaken scans through the create transaction; reading through the
// store here would re-enter it while the dispatcher holds the write lock.
func (m *Manager) aeIDTaken(ctx context.Context, tx storage.Tx, aei string) (bool, error) {
	aes, err := tx.ResourcesByType(ctx, onem2m.TypeAE)
	if err != nil {
		return false, onem2m.WrapError(onem2m.RSCInternalServerError, err, "AE index scan failed")
	}
	for _, ae := range aes {
		if ae.Attributes["aei"] == aei {
			return true, nil
		}
	}
	return false, nil
}

// OnCreateCSR validates a <remoteCSE> registration: the csi must be
// present and not already registered. Wired as the create interceptor
// for remoteCSE resources.
func (m *Manager) OnCreateCSR(ctx context.Context, tx storage.Tx, req *onem2m.Request, res *resource.Resource, _ *resource.Resource) error {
	csi, _ := res.Attributes["csi"].(string)
	if !strings.HasPrefix(csi, "/") {
		return onem2m.Errorf(onem2m.RSCBadRequest, "csi must be SP-relative: %q", csi)
	}
	if csi == m.cfg.CSE.CSEID {
		return onem2m.Errorf(onem2m.RSCConflict, "csi %s is the hosting CSE", csi)
	}

	csrs, err := tx.ResourcesByType(ctx, onem2m.TypeRemoteCSE)
	if err != nil {
		return onem2m.WrapError(onem2m.RSCInternalServerError, err, "remoteCSE index scan failed")
	}
	for _, csr := range csrs {
		if csr.Attributes["csi"] == csi {
			return onem2m.Errorf(onem2m.RSCAlreadyRegistered,
				"CSE %s is already registered", csi)
		}
	}

	m.logger.Info("remote CSE registering",
		zap.String("csi", csi), zap.String("originator", req.From))
	return nil
}

// KnownPeer reports whether csi (without leading slash) names the
// registrar or a registered remote CSE. Part of the dispatcher's
// forwarder contract.
func (m *Manager) KnownPeer(ctx context.Context, csi string) bool {
	full := "/" + csi
	if full == m.cfg.Registrar.CSEID && m.Registered() {
		return true
	}
	csrs, err := m.store.ResourcesByType(ctx, onem2m.TypeRemoteCSE)
	if err != nil {
		return false
	}
	for _, csr := range csrs {
		if csr.Attributes["csi"] == full {
			return true
		}
	}
	return false
}

// Forward relays req to the peer's point of access.
func (m *Manager) Forward(ctx context.Context, csi string, req *onem2m.Request) (*onem2m.Response, error) {
	poa, err := m.peerPOA(ctx, "/"+csi)
	if err != nil {
		return nil, err
	}

	if "/"+csi == m.cfg.Registrar.CSEID {
		// Registrar traffic goes through the breaker so a dead uplink
		// fails fast.
		out, err := m.breaker.Execute(func() (any, error) {
			return m.transport.Do(ctx, poa, req)
		})
		if err != nil {
			return nil, onem2m.WrapError(onem2m.RSCTargetNotReachable, err,
				"registrar %s unreachable", m.cfg.Registrar.CSEID)
		}
		return out.(*onem2m.Response), nil
	}
	return m.transport.Do(ctx, poa, req)
}

// peerPOA picks the point of access for a peer CSE-ID.
func (m *Manager) peerPOA(ctx context.Context, csi string) (string, error) {
	if csi == m.cfg.Registrar.CSEID && m.cfg.Registrar.Address != "" {
		return m.cfg.Registrar.Address, nil
	}
	csrs, err := m.store.ResourcesByType(ctx, onem2m.TypeRemoteCSE)
	if err != nil {
		return "", onem2m.WrapError(onem2m.RSCInternalServerError, err, "remoteCSE index scan failed")
	}
	for _, csr := range csrs {
		if csr.Attributes["csi"] != csi {
			continue
		}
		if poa := csr.StringList("poa"); len(poa) > 0 {
			return poa[0], nil
		}
	}
	return "", onem2m.Errorf(onem2m.RSCTargetNotReachable, "no point of access for %s", csi)
}

// Registered reports whether this CSE currently holds a registration at
// its registrar.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

func (m *Manager) setRegistered(v bool) {
	m.mu.Lock()
	m.registered = v
	if v {
		m.probeFailures = 0
	}
	m.mu.Unlock()
}

// noteProbe records a liveness probe outcome and reports whether the
// peer should be considered down.
func (m *Manager) noteProbe(ok bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.probeFailures = 0
		return false
	}
	m.probeFailures++
	return m.probeFailures >= 3
}

// registrarRequestTimeout bounds one registrar primitive.
func (m *Manager) registrarRequestTimeout() time.Duration {
	if m.cfg.CSE.RequestExpirationDelta > 0 {
		return m.cfg.CSE.RequestExpirationDelta
	}
	return 10 * time.Second
}

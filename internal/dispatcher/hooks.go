package dispatcher

import (
	"context"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// Forwarder relays a request to a remote CSE picked by its CSE-ID. The
// registration manager implements it; the dispatcher consults it for
// transit requests.
type Forwarder interface {
	// KnownPeer reports whether csi (without leading slash) names a
	// registered remote CSE.
	KnownPeer(ctx context.Context, csi string) bool

	// Forward sends req to the peer and returns its response.
	Forward(ctx context.Context, csi string, req *onem2m.Request) (*onem2m.Response, error)
}

// Fanout handles a request addressed to a group's fan-out point. suffix is
// the address remainder beneath fopt, applied to every member. The group
// manager implements it.
type Fanout interface {
	Fanout(ctx context.Context, group *resource.Resource, suffix string, req *onem2m.Request) (*onem2m.Response, error)
}

// Verifier probes subscription notification targets before a subscription
// is created. The notification engine implements it.
type Verifier interface {
	// VerifySubscription returns a domain error when any target rejects
	// the verification request.
	VerifySubscription(ctx context.Context, sub *resource.Resource) error
}

// Notifier delivers a NOTIFY primitive to an absolute URI. Used for the
// NOTIFY operation against local AEs and for non-blocking async response
// callbacks.
type Notifier interface {
	Notify(ctx context.Context, target string, pc map[string]any) (*onem2m.Response, error)
}

// Interceptor customizes CREATE handling for one resource type before the
// resource is persisted. The registration manager intercepts AE and
// remoteCSE creates; the group manager intercepts group creates for member
// validation.
type Interceptor interface {
	OnCreate(ctx context.Context, tx storage.Tx, req *onem2m.Request, res *resource.Resource, parent *resource.Resource) error
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(ctx context.Context, tx storage.Tx, req *onem2m.Request, res *resource.Resource, parent *resource.Resource) error

// OnCreate implements Interceptor.
func (f InterceptorFunc) OnCreate(ctx context.Context, tx storage.Tx, req *onem2m.Request, res *resource.Resource, parent *resource.Resource) error {
	return f(ctx, tx, req, res, parent)
}

// Hook is the upper-tester/scripting extension point. A registered hook
// sees every request before the pipeline and every post-commit event; it
// may rewrite the request or swallow it entirely.
type Hook interface {
	// OnRequest may return a replacement request. Returning false drops
	// the request; the dispatcher answers 5000.
	OnRequest(req *onem2m.Request) (*onem2m.Request, bool)

	// OnEvent observes post-commit events by kind name.
	OnEvent(kind string, payload map[string]any)
}

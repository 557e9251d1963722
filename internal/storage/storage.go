// Package storage provides the persistence layer of the CSE: the resource
// tree, the structured-name index, the parent/child index, the subscription
// index, and operation statistics.
//
// Three backends are provided: Redis (document store), Postgres
// (relational), and an in-memory volatile store. All backends expose the
// same transactional contract and are exercised by one shared conformance
// suite.
package storage

import (
	"context"
	"errors"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
)

// Common sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateName is returned when a sibling with the same resource
	// name already exists.
	ErrDuplicateName = errors.New("resource name already exists under parent")

	// ErrDuplicateID is returned when a resource identifier is already
	// taken.
	ErrDuplicateID = errors.New("resource identifier already exists")

	// ErrStorageUnavailable is returned when the backend cannot be
	// reached.
	ErrStorageUnavailable = errors.New("storage backend unavailable")
)

// Tx is the view a transaction body gets on the resource tables.
//
// Reads observe the pre-transaction snapshot; writes are applied atomically
// at commit. A transaction body must therefore compute its full write set
// from reads before staging it, and must not expect to read back its own
// writes.
type Tx interface {
	// Resource retrieves a resource by identifier.
	// Returns ErrNotFound if it does not exist.
	Resource(ctx context.Context, ri string) (*resource.Resource, error)

	// ResourceBySRN retrieves a resource by structured name.
	ResourceBySRN(ctx context.Context, srn string) (*resource.Resource, error)

	// SRN returns the structured name of a resource.
	SRN(ctx context.Context, ri string) (string, error)

	// ChildIDs returns the identifiers of the direct children of pi, in
	// creation order.
	ChildIDs(ctx context.Context, pi string) ([]string, error)

	// Children returns the direct children of pi, in creation order.
	Children(ctx context.Context, pi string) ([]*resource.Resource, error)

	// ChildByName resolves a direct child by resource name.
	ChildByName(ctx context.Context, pi, rn string) (*resource.Resource, error)

	// ResourcesByType returns all resources of the given type. Create
	// interceptors use it for uniqueness scans; it must not re-enter the
	// store, which would self-deadlock on backends that lock for the
	// whole transaction.
	ResourcesByType(ctx context.Context, ty onem2m.ResourceType) ([]*resource.Resource, error)

	// Create stages the insertion of a new resource with the given
	// structured name. Fails at commit with ErrDuplicateID or
	// ErrDuplicateName on identifier or sibling-name collisions.
	Create(ctx context.Context, res *resource.Resource, srn string) error

	// Update stages the replacement of an existing resource's attributes.
	Update(ctx context.Context, res *resource.Resource) error

	// Delete stages the removal of a resource and its index entries.
	// The caller is responsible for deleting descendants first.
	Delete(ctx context.Context, ri string) error
}

// Store is the persistence interface the CSE core uses.
// Implementations must be safe for concurrent use.
//
// Example usage:
//
//	store := storage.NewMemoryStore()
//	defer store.Close()
//
//	err := store.Update(ctx, func(tx storage.Tx) error {
//	    return tx.Create(ctx, res, "cse-in/myAE")
//	})
type Store interface {
	// View runs fn with read-only snapshot access.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn as a transaction. If fn returns an error nothing is
	// persisted; otherwise all staged writes commit atomically.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// SubscriptionsByParent returns all subscription resources whose
	// parent is pi.
	SubscriptionsByParent(ctx context.Context, pi string) ([]*resource.Resource, error)

	// Subscriptions returns every subscription resource; used to warm
	// the notification engine's index at startup.
	Subscriptions(ctx context.Context) ([]*resource.Resource, error)

	// ExpiredResources returns up to limit resources whose et lies at or
	// before now (basic-form timestamp).
	ExpiredResources(ctx context.Context, now string, limit int) ([]*resource.Resource, error)

	// ResourcesByType returns all resources of the given type; used by
	// the announcement manager and registration manager at startup.
	ResourcesByType(ctx context.Context, ty onem2m.ResourceType) ([]*resource.Resource, error)

	// IncrStat adds delta to a named operation counter.
	IncrStat(ctx context.Context, key string, delta int64) error

	// Stats returns all operation counters.
	Stats(ctx context.Context) (map[string]int64, error)

	// Ping checks whether the backend is reachable.
	// Returns ErrStorageUnavailable when it is not.
	Ping(ctx context.Context) error

	// Close releases backend resources. The store must not be used
	// afterwards.
	Close() error
}

// GetResource is a convenience wrapper for a single-resource read.
func GetResource(ctx context.Context, s Store, ri string) (*resource.Resource, error) {
	var res *resource.Resource
	err := s.View(ctx, func(tx Tx) error {
		var err error
		res, err = tx.Resource(ctx, ri)
		return err
	})
	return res, err
}

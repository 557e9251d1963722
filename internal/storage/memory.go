package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
)

// MemoryStore is the volatile in-memory backend. It is the default for
// tests and for running a CSE without external services.
//
// Update transactions hold the write lock for their whole duration, which
// makes them trivially serializable; View transactions share the read
// lock, giving snapshot-read semantics relative to writers.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*resource.Resource
	srnToRI   map[string]string
	riToSRN   map[string]string
	children  map[string][]string
	stats     map[string]int64
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*resource.Resource),
		srnToRI:   make(map[string]string),
		riToSRN:   make(map[string]string),
		children:  make(map[string][]string),
		stats:     make(map[string]int64),
	}
}

type memOpKind int

const (
	memOpCreate memOpKind = iota
	memOpUpdate
	memOpDelete
)

type memOp struct {
	kind memOpKind
	res  *resource.Resource
	srn  string
	ri   string
}

// memTx implements Tx over the locked store. Writes are staged and applied
// at commit so a failing transaction body leaves no trace.
type memTx struct {
	s   *MemoryStore
	ops []memOp
}

// View runs fn under the read lock.
func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageUnavailable
	}
	return fn(&memTx{s: m})
}

// Update runs fn under the write lock and commits its staged writes.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageUnavailable
	}

	tx := &memTx{s: m}
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx.ops)
}

// commit validates and applies the staged write set. Validation runs
// before any mutation so a conflicting set is rejected whole.
func (m *MemoryStore) commit(ops []memOp) error {
	for _, op := range ops {
		switch op.kind {
		case memOpCreate:
			ri := op.res.RI()
			if _, exists := m.resources[ri]; exists {
				return fmt.Errorf("%w: %s", ErrDuplicateID, ri)
			}
			if _, exists := m.srnToRI[op.srn]; exists {
				return fmt.Errorf("%w: %s", ErrDuplicateName, op.srn)
			}
		case memOpUpdate:
			if _, exists := m.resources[op.res.RI()]; !exists {
				return fmt.Errorf("%w: %s", ErrNotFound, op.res.RI())
			}
		case memOpDelete:
			if _, exists := m.resources[op.ri]; !exists {
				return fmt.Errorf("%w: %s", ErrNotFound, op.ri)
			}
		}
	}

	for _, op := range ops {
		switch op.kind {
		case memOpCreate:
			ri := op.res.RI()
			pi := op.res.PI()
			m.resources[ri] = op.res.Clone()
			m.srnToRI[op.srn] = ri
			m.riToSRN[ri] = op.srn
			m.children[pi] = append(m.children[pi], ri)
		case memOpUpdate:
			m.resources[op.res.RI()] = op.res.Clone()
		case memOpDelete:
			res := m.resources[op.ri]
			pi := res.PI()
			delete(m.resources, op.ri)
			if srn, ok := m.riToSRN[op.ri]; ok {
				delete(m.srnToRI, srn)
				delete(m.riToSRN, op.ri)
			}
			siblings := m.children[pi]
			for i, id := range siblings {
				if id == op.ri {
					m.children[pi] = append(siblings[:i], siblings[i+1:]...)
					break
				}
			}
			delete(m.children, op.ri)
		}
	}
	return nil
}

func (t *memTx) Resource(_ context.Context, ri string) (*resource.Resource, error) {
	res, ok := t.s.resources[ri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ri)
	}
	return res.Clone(), nil
}

func (t *memTx) ResourceBySRN(ctx context.Context, srn string) (*resource.Resource, error) {
	ri, ok := t.s.srnToRI[srn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, srn)
	}
	return t.Resource(ctx, ri)
}

func (t *memTx) SRN(_ context.Context, ri string) (string, error) {
	srn, ok := t.s.riToSRN[ri]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ri)
	}
	return srn, nil
}

func (t *memTx) ChildIDs(_ context.Context, pi string) ([]string, error) {
	ids := t.s.children[pi]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (t *memTx) Children(ctx context.Context, pi string) ([]*resource.Resource, error) {
	ids, err := t.ChildIDs(ctx, pi)
	if err != nil {
		return nil, err
	}
	out := make([]*resource.Resource, 0, len(ids))
	for _, ri := range ids {
		res, err := t.Resource(ctx, ri)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (t *memTx) ChildByName(ctx context.Context, pi, rn string) (*resource.Resource, error) {
	for _, ri := range t.s.children[pi] {
		res, ok := t.s.resources[ri]
		if ok && res.RN() == rn {
			return res.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, pi, rn)
}

func (t *memTx) ResourcesByType(_ context.Context, ty onem2m.ResourceType) ([]*resource.Resource, error) {
	var out []*resource.Resource
	for _, res := range t.s.resources {
		if res.Type == ty {
			out = append(out, res.Clone())
		}
	}
	return out, nil
}

func (t *memTx) Create(_ context.Context, res *resource.Resource, srn string) error {
	t.ops = append(t.ops, memOp{kind: memOpCreate, res: res.Clone(), srn: srn})
	return nil
}

func (t *memTx) Update(_ context.Context, res *resource.Resource) error {
	t.ops = append(t.ops, memOp{kind: memOpUpdate, res: res.Clone()})
	return nil
}

func (t *memTx) Delete(_ context.Context, ri string) error {
	t.ops = append(t.ops, memOp{kind: memOpDelete, ri: ri})
	return nil
}

// SubscriptionsByParent scans the direct children of pi for subscriptions.
func (m *MemoryStore) SubscriptionsByParent(ctx context.Context, pi string) ([]*resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*resource.Resource
	for _, ri := range m.children[pi] {
		res, ok := m.resources[ri]
		if ok && res.Type == onem2m.TypeSubscription {
			out = append(out, res.Clone())
		}
	}
	return out, nil
}

// Subscriptions returns every stored subscription resource.
func (m *MemoryStore) Subscriptions(ctx context.Context) ([]*resource.Resource, error) {
	return m.ResourcesByType(ctx, onem2m.TypeSubscription)
}

// ResourcesByType scans the full table; acceptable for the volatile
// backend's scale.
func (m *MemoryStore) ResourcesByType(ctx context.Context, ty onem2m.ResourceType) ([]*resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*resource.Resource
	for _, res := range m.resources {
		if res.Type == ty {
			out = append(out, res.Clone())
		}
	}
	return out, nil
}

// ExpiredResources returns resources whose et is at or before now.
func (m *MemoryStore) ExpiredResources(ctx context.Context, now string, limit int) ([]*resource.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*resource.Resource
	for _, res := range m.resources {
		if et := res.ET(); et != "" && et <= now {
			out = append(out, res.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// IncrStat adds delta to a named counter.
func (m *MemoryStore) IncrStat(ctx context.Context, key string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[key] += delta
	return nil
}

// Stats returns a copy of all counters.
func (m *MemoryStore) Stats(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out, nil
}

// Ping reports availability; the memory store is available until closed.
func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageUnavailable
	}
	return nil
}

// Close marks the store unusable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

package dispatcher

import "sync"

// lockMap serializes writers per resource identifier. Mutexes are
// lazily allocated and kept for the process lifetime; the map is bounded
// by the number of distinct resources touched by writes.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for ri, allocating it on first use.
func (l *lockMap) Lock(ri string) {
	l.mu.Lock()
	m, ok := l.locks[ri]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ri] = m
	}
	l.mu.Unlock()
	m.Lock()
}

// Unlock releases the mutex for ri.
func (l *lockMap) Unlock(ri string) {
	l.mu.Lock()
	m := l.locks[ri]
	l.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}

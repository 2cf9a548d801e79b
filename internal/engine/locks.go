package engine

import "sync"

// choreLocks serializes evaluations per chore id. Approvals block on the
// lock; the boundary scanner try-locks and defers the chore to the next tick
// when an approval is in flight. Entries are reference counted so the map
// does not grow with every chore ever touched.
type choreLocks struct {
	mu    sync.Mutex
	entry map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newChoreLocks() *choreLocks {
	return &choreLocks{entry: make(map[string]*lockEntry)}
}

func (l *choreLocks) acquire(choreID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entry[choreID]
	if !ok {
		e = &lockEntry{}
		l.entry[choreID] = e
	}
	e.refs++
	return e
}

func (l *choreLocks) release(choreID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entry, choreID)
	}
}

// Lock blocks until the chore's lock is held.
func (l *choreLocks) Lock(choreID string) {
	e := l.acquire(choreID)
	e.mu.Lock()
}

// TryLock acquires the chore's lock without blocking. It reports false when
// another evaluation holds the lock.
func (l *choreLocks) TryLock(choreID string) bool {
	e := l.acquire(choreID)
	if !e.mu.TryLock() {
		l.release(choreID, e)
		return false
	}
	return true
}

// Unlock releases a lock held via Lock or a successful TryLock.
func (l *choreLocks) Unlock(choreID string) {
	l.mu.Lock()
	e, ok := l.entry[choreID]
	l.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Unlock()
	l.release(choreID, e)
}

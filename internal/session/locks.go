package session

import "sync"

// LockMap is a map of per-key mutexes. Entries are created on first use and
// removed once no goroutine is holding or waiting on them, so the map does
// not grow with the number of clients ever seen. The store keeps one
// instance for its own mutations; the broker keeps a separate instance for
// promotion serialization (the two are always taken broker-first, so the
// ordering is deadlock-free).
type LockMap struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockMap returns an empty lock map.
func NewLockMap() *LockMap {
	return &LockMap{locks: make(map[string]*keyLock)}
}

// Acquire locks the mutex for key and returns its release func.
func (lm *LockMap) Acquire(key string) func() {
	lm.mu.Lock()
	l, ok := lm.locks[key]
	if !ok {
		l = &keyLock{}
		lm.locks[key] = l
	}
	l.refs++
	lm.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		lm.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(lm.locks, key)
		}
		lm.mu.Unlock()
	}
}

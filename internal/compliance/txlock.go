package compliance

import "sync"

// txLocks serializes recomputes of the same transaction. Entries are dropped
// once no caller holds or waits for them.
type txLocks struct {
	mu    sync.Mutex
	locks map[string]*txLock
}

type txLock struct {
	sync.Mutex
	refs int
}

// lock blocks until the caller owns key and returns the matching unlock.
func (l *txLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*txLock)
	}
	tl, ok := l.locks[key]
	if !ok {
		tl = &txLock{}
		l.locks[key] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()

		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// size returns the number of keys currently held or awaited.
func (l *txLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

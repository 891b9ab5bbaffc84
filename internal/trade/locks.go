package trade

import "sync"

// accountLocks serializes all mutating operations per account. Cross-
// account operations proceed in parallel. Process-local only: a
// multi-instance deployment must push this serialization into the
// transactional store (row locking), not rely on process memory.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for one account and returns its unlock func.
func (l *accountLocks) Lock(accountID string) func() {
	l.mu.Lock()
	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

package hybrid

import "sync"

// sessionLock is one session's write mutex plus its reference count in the
// table. The count keeps a lock alive while any writer holds or awaits it,
// so a session's writers always contend on the same mutex.
type sessionLock struct {
	sync.Mutex
	refs int
}

// sessionLocks hands out per-session write mutexes. Locks are created on
// demand and removed once the last holder releases, so the table stays
// proportional to the number of sessions writing right now.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session's mutex is held and returns it.
func (t *sessionLocks) acquire(sessionID string) *sessionLock {
	t.mu.Lock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		t.locks[sessionID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return l
}

// release unlocks the session's mutex and drops it from the table when no
// other writer references it.
func (t *sessionLocks) release(sessionID string, l *sessionLock) {
	l.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs <= 0 {
		delete(t.locks, sessionID)
	}
}

// size reports the number of live locks. Diagnostics only.
func (t *sessionLocks) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

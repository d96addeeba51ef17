// ABOUTME: Refcounted per-session locks serializing concurrent turns for the same session
// ABOUTME: No lock spans multiple sessions, preserving cross-session throughput

package conversation

import "sync"

// sessionLock is one session's execution lock with a reference count so
// the entry can be dropped once nobody holds or waits on it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks is a keyed mutex: Acquire blocks until the caller holds
// the session's lock. Entries are created on demand and removed when the
// last holder releases.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the per-session lock is held.
func (s *sessionLocks) Acquire(sessionID string) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
}

// Release unlocks the per-session lock and drops the entry when unused.
func (s *sessionLocks) Release(sessionID string) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		s.mu.Unlock()
		panic("conversation: release of unheld session lock")
	}
	l.refs--
	if l.refs == 0 {
		delete(s.locks, sessionID)
	}
	s.mu.Unlock()

	l.mu.Unlock()
}

// Len returns the number of tracked locks.
func (s *sessionLocks) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

package sessions

import (
	"sync"
	"time"
)

// Locker hands out the exclusive execution lease for a session. Exactly one
// loop instance may hold a session's lease at a time; a crashed holder's
// lease is reclaimable after its TTL expires.
type Locker interface {
	// TryAcquire returns a lease or ErrSessionLocked when one is already
	// held and unexpired.
	TryAcquire(sessionID string) (*Lease, error)
}

// Lease is an exclusive, TTL-bounded ownership token for one session.
type Lease struct {
	locker    *LeaseLocker
	sessionID string
	token     uint64
	once      sync.Once
}

// SessionID returns the leased session.
func (l *Lease) SessionID() string {
	return l.sessionID
}

// Release returns the lease. Safe to call more than once; the release always
// happens on loop exit regardless of how the run ended.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.locker.release(l.sessionID, l.token)
	})
}

// Extend pushes the lease expiry out by another TTL. Returns false when the
// lease has already expired and been reclaimed.
func (l *Lease) Extend() bool {
	return l.locker.extend(l.sessionID, l.token)
}

// TTL returns the lease duration. Holders extend at some fraction of this.
func (l *Lease) TTL() time.Duration {
	return l.locker.ttl
}

type leaseState struct {
	token   uint64
	expires time.Time
}

// LeaseLocker is the in-process lease implementation. The runtime runs one
// logical executor per session within a single process; lease state shared
// across processes would live in the store instead.
type LeaseLocker struct {
	mu     sync.Mutex
	leases map[string]leaseState
	ttl    time.Duration
	next   uint64
	now    func() time.Time
}

// DefaultLeaseTTL bounds how long a crashed holder blocks a session.
const DefaultLeaseTTL = 2 * time.Minute

// NewLeaseLocker creates a locker with the given TTL. Non-positive TTLs use
// DefaultLeaseTTL.
func NewLeaseLocker(ttl time.Duration) *LeaseLocker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LeaseLocker{
		leases: make(map[string]leaseState),
		ttl:    ttl,
		now:    time.Now,
	}
}

// TryAcquire implements Locker.
func (l *LeaseLocker) TryAcquire(sessionID string) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if state, ok := l.leases[sessionID]; ok && now.Before(state.expires) {
		return nil, ErrSessionLocked
	}

	l.next++
	l.leases[sessionID] = leaseState{token: l.next, expires: now.Add(l.ttl)}
	return &Lease{locker: l, sessionID: sessionID, token: l.next}, nil
}

// Held reports whether an unexpired lease exists for the session.
func (l *LeaseLocker) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.leases[sessionID]
	return ok && l.now().Before(state.expires)
}

func (l *LeaseLocker) release(sessionID string, token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.leases[sessionID]; ok && state.token == token {
		delete(l.leases, sessionID)
	}
}

func (l *LeaseLocker) extend(sessionID string, token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.leases[sessionID]
	if !ok || state.token != token || !l.now().Before(state.expires) {
		return false
	}
	state.expires = l.now().Add(l.ttl)
	l.leases[sessionID] = state
	return true
}

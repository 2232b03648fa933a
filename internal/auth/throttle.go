package auth

import (
	"sync"
	"time"
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// lockExpired reports whether the key was locked and the lock has passed.
// The next failure then starts a fresh window.
func (s *attemptState) lockExpired(now time.Time) bool {
	return !s.lockedUntil.IsZero() && !now.Before(s.lockedUntil)
}

// Throttle locks out a client key after too many failed sign-ins.
type Throttle struct {
	window      time.Duration
	lockFor     time.Duration
	maxAttempts int
	now         func() time.Time

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewThrottle allows maxAttempts failures per window before locking the key
// for lockFor.
func NewThrottle(maxAttempts int, window, lockFor time.Duration) *Throttle {
	return &Throttle{
		window:      window,
		lockFor:     lockFor,
		maxAttempts: maxAttempts,
		now:         time.Now,
		attempts:    make(map[string]*attemptState),
	}
}

// NewDefaultThrottle allows 5 failures in 15 minutes, then locks for 10.
func NewDefaultThrottle() *Throttle {
	return NewThrottle(5, 15*time.Minute, 10*time.Minute)
}

// Locked returns how long key stays locked, or zero.
func (t *Throttle) Locked(key string) time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	state, ok := t.attempts[key]
	if !ok {
		return 0
	}
	now := t.now()
	if !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// Failure records a failed attempt and returns the attempts left.
func (t *Throttle) Failure(key string) int {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := t.now()
	state, ok := t.attempts[key]
	if !ok || now.Sub(state.firstAttempt) > t.window || state.lockExpired(now) {
		state = &attemptState{firstAttempt: now}
		t.attempts[key] = state
	}

	state.count++
	if state.count >= t.maxAttempts {
		state.lockedUntil = now.Add(t.lockFor)
		state.count = t.maxAttempts
	}

	remaining := t.maxAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset forgets all failures for key.
func (t *Throttle) Reset(key string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.attempts, key)
}

// Prune drops entries whose window and lock have both passed.
func (t *Throttle) Prune() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := t.now()
	pruned := 0
	for key, state := range t.attempts {
		if now.Sub(state.firstAttempt) > t.window && !now.Before(state.lockedUntil) {
			delete(t.attempts, key)
			pruned++
		}
	}
	return pruned
}

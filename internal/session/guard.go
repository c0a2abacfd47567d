package session

import (
	"sync"
	"time"

	apperrors "trade_gateway/internal/errors"
)

// Attempt is a pending login attempt for one account.
type Attempt struct {
	Broker         string
	ExternalUserID string
	// State is the anti-forgery token issued for redirect flows, empty
	// for brokers without a state echo.
	State     string
	StartedAt time.Time
}

// Guard enforces at most one in-flight login attempt per account. Attempts
// older than the timeout are treated as abandoned and replaced, so a user
// who closed the broker tab is never locked out.
type Guard struct {
	mu       sync.Mutex
	attempts map[string]*Attempt
	timeout  time.Duration
	now      func() time.Time
}

// NewGuard creates a guard with the given attempt timeout.
func NewGuard(timeout time.Duration) *Guard {
	return &Guard{
		attempts: make(map[string]*Attempt),
		timeout:  timeout,
		now:      time.Now,
	}
}

// Begin reserves the login slot for an account. Returns ErrLoginInProgress
// while a fresh attempt exists.
func (g *Guard) Begin(brokerName, externalUserID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := cacheKey(brokerName, externalUserID)
	if att, ok := g.attempts[key]; ok {
		if g.now().Sub(att.StartedAt) < g.timeout {
			return apperrors.New(apperrors.ErrLoginInProgress,
				"a login for this account is already in progress, retry shortly")
		}
		// Stale attempt, replace it
	}

	g.attempts[key] = &Attempt{
		Broker:         brokerName,
		ExternalUserID: externalUserID,
		StartedAt:      g.now(),
	}
	return nil
}

// SetState records the issued state on the pending attempt.
func (g *Guard) SetState(brokerName, externalUserID, state string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if att, ok := g.attempts[cacheKey(brokerName, externalUserID)]; ok {
		att.State = state
	}
}

// Pending returns the fresh attempt for an account, or nil.
func (g *Guard) Pending(brokerName, externalUserID string) *Attempt {
	g.mu.Lock()
	defer g.mu.Unlock()

	att, ok := g.attempts[cacheKey(brokerName, externalUserID)]
	if !ok || g.now().Sub(att.StartedAt) >= g.timeout {
		return nil
	}
	return att
}

// Clear releases the login slot for an account.
func (g *Guard) Clear(brokerName, externalUserID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, cacheKey(brokerName, externalUserID))
}

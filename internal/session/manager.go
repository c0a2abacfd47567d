package session

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"trade_gateway/internal/broker"
	apperrors "trade_gateway/internal/errors"
	"trade_gateway/internal/models"
	"trade_gateway/internal/repository"
)

// Lifecycle states reported by Status.
const (
	StateRegistered   = "registered"
	StatePendingLogin = "pending_login"
	StateActive       = "active"
	StateStale        = "stale"
	StateDisconnected = "disconnected"
)

// Status is the lifecycle view of one broker account.
type Status struct {
	Broker          string     `json:"broker"`
	ExternalUserID  string     `json:"external_user_id"`
	State           string     `json:"state"`
	Connected       bool       `json:"connected"`
	HandleMissing   bool       `json:"handle_missing,omitempty"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

// Manager owns the broker session lifecycle. It coordinates drivers, the
// credential store, the durable session rows, the in-memory cache, and the
// login-attempt guard.
type Manager struct {
	registry *broker.Registry
	creds    *repository.CredentialRepository
	sessions *repository.SessionRepository
	cache    *Cache
	guard    *Guard
	ttl      time.Duration
	now      func() time.Time

	// keyMu serializes cache-miss work per account so concurrent callers
	// trigger at most one upstream relogin.
	mu    sync.Mutex
	keyMu map[string]*sync.Mutex
}

// NewManager creates a session manager.
func NewManager(registry *broker.Registry, creds *repository.CredentialRepository,
	sessions *repository.SessionRepository, ttl, attemptTimeout time.Duration) *Manager {
	return &Manager{
		registry: registry,
		creds:    creds,
		sessions: sessions,
		cache:    NewCache(),
		guard:    NewGuard(attemptTimeout),
		ttl:      ttl,
		now:      time.Now,
		keyMu:    make(map[string]*sync.Mutex),
	}
}

// lockKey returns the per-account mutex, creating it on first use.
func (m *Manager) lockKey(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.keyMu[key]
	if !ok {
		mu = &sync.Mutex{}
		m.keyMu[key] = mu
	}
	return mu
}

// RegisterCredential validates and stores a credential. Re-registration
// replaces the previous one for the same account.
func (m *Manager) RegisterCredential(cred *models.Credential) error {
	drv, err := m.registry.Get(cred.Broker)
	if err != nil {
		return apperrors.UnknownBroker(cred.Broker)
	}
	if err := drv.ValidateCredential(cred); err != nil {
		return err
	}
	if err := m.creds.Upsert(cred); err != nil {
		return apperrors.Internal("storing credential", err)
	}
	log.Printf("[Session] registered credential for %s/%s", cred.Broker, cred.ExternalUserID)
	return nil
}

// StartLogin begins a login attempt. Redirect brokers get a Handoff with a
// RedirectURL; synchronous brokers complete inline and the returned Handoff
// carries the finished session.
func (m *Manager) StartLogin(ctx context.Context, brokerName, externalUserID string) (*broker.Handoff, error) {
	drv, err := m.registry.Get(brokerName)
	if err != nil {
		return nil, apperrors.UnknownBroker(brokerName)
	}
	cred, err := m.creds.Get(brokerName, externalUserID)
	if err != nil {
		return nil, apperrors.Internal("loading credential", err)
	}
	if cred == nil {
		return nil, apperrors.NotFound("credential")
	}

	// Reserve the login slot before touching the upstream so concurrent
	// starts collapse to one attempt
	if err := m.guard.Begin(brokerName, externalUserID); err != nil {
		return nil, err
	}

	handoff, err := drv.BeginLogin(ctx, cred)
	if err != nil {
		m.guard.Clear(brokerName, externalUserID)
		return nil, err
	}

	if handoff.Session != nil {
		// Synchronous login, no callback leg
		m.guard.Clear(brokerName, externalUserID)
		if err := m.adopt(handoff.Session); err != nil {
			return nil, err
		}
		return handoff, nil
	}

	m.guard.SetState(brokerName, externalUserID, handoff.State)
	log.Printf("[Session] login started for %s/%s", brokerName, externalUserID)
	return handoff, nil
}

// CompleteLogin finishes a redirect login from callback parameters. The
// attempt is consumed whatever the outcome; a failed callback means the
// user starts over.
func (m *Manager) CompleteLogin(ctx context.Context, brokerName, externalUserID string, cb broker.Callback) (*broker.Session, error) {
	drv, err := m.registry.Get(brokerName)
	if err != nil {
		return nil, apperrors.UnknownBroker(brokerName)
	}
	cred, err := m.creds.Get(brokerName, externalUserID)
	if err != nil {
		return nil, apperrors.Internal("loading credential", err)
	}
	if cred == nil {
		return nil, apperrors.NotFound("credential")
	}

	// A callback is only meaningful while a login is in flight. Without
	// this check a drive-by callback URL could establish a session for
	// brokers that do not echo a state parameter.
	att := m.guard.Pending(brokerName, externalUserID)
	if att == nil {
		return nil, apperrors.New(apperrors.ErrSessionNotFound, "no login in progress for this account")
	}
	cb.IssuedState = att.State
	defer m.guard.Clear(brokerName, externalUserID)

	sess, err := drv.CompleteLogin(ctx, cred, cb)
	if err != nil {
		log.Printf("[Session] login failed for %s/%s: %v", brokerName, externalUserID, err)
		return nil, err
	}
	if err := m.adopt(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// adopt persists a fresh session and caches its live handle.
func (m *Manager) adopt(sess *broker.Session) error {
	connectedAt := sess.ConnectedAt
	row := &models.BrokerSession{
		Broker:          string(sess.Broker),
		ExternalUserID:  sess.ExternalUserID,
		ClientID:        sess.ClientID,
		AccessToken:     sess.AccessToken,
		RefreshToken:    sess.RefreshToken,
		FeedToken:       sess.FeedToken,
		Connected:       true,
		LastConnectedAt: &connectedAt,
	}
	if err := m.sessions.Save(row); err != nil {
		return apperrors.Internal("persisting session", err)
	}
	m.cache.Put(string(sess.Broker), sess.ExternalUserID, &Entry{Session: sess})
	log.Printf("[Session] %s/%s connected", sess.Broker, sess.ExternalUserID)
	return nil
}

// EnsureValid returns a session with a live handle, restoring or healing as
// needed. When the session cannot be re-established without the user, the
// error is ErrReauthRequired carrying the login path to send them to.
func (m *Manager) EnsureValid(ctx context.Context, brokerName, externalUserID string) (*broker.Session, error) {
	// Fast path: live handle already cached
	if e := m.cache.Get(brokerName, externalUserID); e != nil && !e.HandleMissing && e.Session.Handle != nil {
		return e.Session, nil
	}

	key := cacheKey(brokerName, externalUserID)
	mu := m.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have healed the session while we waited
	if e := m.cache.Get(brokerName, externalUserID); e != nil && !e.HandleMissing && e.Session.Handle != nil {
		return e.Session, nil
	}

	drv, err := m.registry.Get(brokerName)
	if err != nil {
		return nil, apperrors.UnknownBroker(brokerName)
	}
	cred, err := m.creds.Get(brokerName, externalUserID)
	if err != nil {
		return nil, apperrors.Internal("loading credential", err)
	}
	if cred == nil {
		return nil, apperrors.NotFound("credential")
	}

	row, err := m.sessions.Get(brokerName, externalUserID)
	if err != nil {
		return nil, apperrors.Internal("loading session", err)
	}

	if row != nil && row.Connected {
		if row.WithinTTL(m.now(), m.ttl) {
			h, err := drv.NewHandle(cred, row)
			if err == nil {
				sess := sessionFromRow(row, h)
				m.cache.Put(brokerName, externalUserID, &Entry{Session: sess})
				return sess, nil
			}
			if err != broker.ErrHandleRequired {
				return nil, apperrors.Internal("rebuilding session handle", err)
			}
			// Fall through: handle needs a fresh login
		} else {
			// The row outlived its restore window, retire it eagerly
			log.Printf("[Session] %s/%s session outside TTL, disconnecting", brokerName, externalUserID)
			if err := m.sessions.MarkDisconnected(brokerName, externalUserID); err != nil && err != repository.ErrNoSession {
				return nil, apperrors.Internal("expiring session", err)
			}
			m.cache.Invalidate(brokerName, externalUserID)
		}
	}

	// An explicit user disconnect sticks until the next StartLogin. Only
	// TTL expiry and token invalidation leave the account eligible for
	// automatic healing.
	if row != nil && row.UserDisconnected {
		return nil, apperrors.ReauthRequired(brokerName, m.loginPath(brokerName, externalUserID))
	}

	if drv.CanSelfHeal() {
		log.Printf("[Session] self-healing %s/%s", brokerName, externalUserID)
		handoff, err := drv.BeginLogin(ctx, cred)
		if err != nil {
			return nil, err
		}
		if handoff.Session == nil {
			return nil, apperrors.Internal("self-heal did not produce a session", nil)
		}
		if err := m.adopt(handoff.Session); err != nil {
			return nil, err
		}
		return handoff.Session, nil
	}

	return nil, apperrors.ReauthRequired(brokerName, m.loginPath(brokerName, externalUserID))
}

// Invalidate drops the cached session and marks the durable row
// disconnected. Used when a broker rejects a previously valid session.
func (m *Manager) Invalidate(brokerName, externalUserID string) {
	m.cache.Invalidate(brokerName, externalUserID)
	if err := m.sessions.MarkDisconnected(brokerName, externalUserID); err != nil && err != repository.ErrNoSession {
		log.Printf("[Session] marking %s/%s disconnected: %v", brokerName, externalUserID, err)
	}
}

// Disconnect explicitly ends a session. Tokens stay in the row, but the
// account is not healed automatically afterwards; reconnecting takes a
// fresh StartLogin.
func (m *Manager) Disconnect(brokerName, externalUserID string) error {
	if _, err := m.registry.Get(brokerName); err != nil {
		return apperrors.UnknownBroker(brokerName)
	}

	row, err := m.sessions.Get(brokerName, externalUserID)
	if err != nil {
		return apperrors.Internal("loading session", err)
	}
	if row == nil {
		return apperrors.New(apperrors.ErrSessionNotFound, "no session for this account")
	}

	if err := m.sessions.MarkUserDisconnected(brokerName, externalUserID); err != nil && err != repository.ErrNoSession {
		return apperrors.Internal("disconnecting session", err)
	}
	m.cache.Invalidate(brokerName, externalUserID)
	m.guard.Clear(brokerName, externalUserID)
	log.Printf("[Session] %s/%s disconnected", brokerName, externalUserID)
	return nil
}

// Status reports the lifecycle state of one account. A cache miss for a
// connected row is answered by a repository-backed restore; status never
// touches the broker upstream.
func (m *Manager) Status(brokerName, externalUserID string) (*Status, error) {
	drv, err := m.registry.Get(brokerName)
	if err != nil {
		return nil, apperrors.UnknownBroker(brokerName)
	}
	cred, err := m.creds.Get(brokerName, externalUserID)
	if err != nil {
		return nil, apperrors.Internal("loading credential", err)
	}
	if cred == nil {
		return nil, apperrors.NotFound("credential")
	}

	st := &Status{Broker: brokerName, ExternalUserID: externalUserID}

	if m.guard.Pending(brokerName, externalUserID) != nil {
		st.State = StatePendingLogin
		return st, nil
	}

	row, err := m.sessions.Get(brokerName, externalUserID)
	if err != nil {
		return nil, apperrors.Internal("loading session", err)
	}
	if row == nil {
		st.State = StateRegistered
		return st, nil
	}

	st.LastConnectedAt = row.LastConnectedAt
	if !row.Connected {
		st.State = StateDisconnected
		return st, nil
	}

	if !row.WithinTTL(m.now(), m.ttl) {
		// Lazy TTL eviction, same as the restore pass
		if err := m.sessions.MarkDisconnected(brokerName, externalUserID); err != nil && err != repository.ErrNoSession {
			return nil, apperrors.Internal("expiring session", err)
		}
		m.cache.Invalidate(brokerName, externalUserID)
		st.State = StateDisconnected
		return st, nil
	}

	st.Connected = true
	e := m.cache.Get(brokerName, externalUserID)
	if e == nil {
		// Cache miss after a restart: restore from the row without any
		// upstream call
		h, err := drv.NewHandle(cred, row)
		switch {
		case err == nil:
			e = &Entry{Session: sessionFromRow(row, h)}
		case err == broker.ErrHandleRequired:
			e = &Entry{Session: sessionFromRow(row, nil), HandleMissing: true}
		default:
			return nil, apperrors.Internal("rebuilding session handle", err)
		}
		m.cache.Put(brokerName, externalUserID, e)
	}

	if !e.HandleMissing && e.Session.Handle != nil {
		st.State = StateActive
	} else {
		st.State = StateStale
		st.HandleMissing = true
	}
	return st, nil
}

// Accounts lists all registered accounts with their connection state.
func (m *Manager) Accounts() ([]models.AccountSummary, error) {
	creds, err := m.creds.List()
	if err != nil {
		return nil, apperrors.Internal("listing credentials", err)
	}

	summaries := make([]models.AccountSummary, 0, len(creds))
	for _, cred := range creds {
		summary := models.AccountSummary{
			Broker:         cred.Broker,
			ExternalUserID: cred.ExternalUserID,
		}
		row, err := m.sessions.Get(cred.Broker, cred.ExternalUserID)
		if err != nil {
			return nil, apperrors.Internal("loading session", err)
		}
		if row != nil {
			summary.Connected = row.Connected
			summary.LastConnectedAt = row.LastConnectedAt
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Credential exposes the stored credential for an account. Needed by the
// TOTP display endpoints.
func (m *Manager) Credential(brokerName, externalUserID string) (*models.Credential, error) {
	cred, err := m.creds.Get(brokerName, externalUserID)
	if err != nil {
		return nil, apperrors.Internal("loading credential", err)
	}
	if cred == nil {
		return nil, apperrors.NotFound("credential")
	}
	return cred, nil
}

// Driver exposes the registered driver for a broker.
func (m *Manager) Driver(brokerName string) (broker.Driver, error) {
	drv, err := m.registry.Get(brokerName)
	if err != nil {
		return nil, apperrors.UnknownBroker(brokerName)
	}
	return drv, nil
}

// CacheSize returns the number of cached sessions, for health reporting.
func (m *Manager) CacheSize() int {
	return m.cache.Len()
}

// LoadAllActiveIntoCache restores connected sessions from the database into
// the cache. Rows outside the TTL window are disconnected eagerly; sessions
// whose handle cannot be rebuilt are cached as handle-missing and healed on
// first use. Returns the number of restored and expired sessions.
func (m *Manager) LoadAllActiveIntoCache() (restored, expired int, err error) {
	rows, err := m.sessions.GetAllConnected()
	if err != nil {
		return 0, 0, apperrors.Internal("loading sessions", err)
	}

	now := m.now()
	for _, row := range rows {
		if !row.WithinTTL(now, m.ttl) {
			if err := m.sessions.MarkDisconnected(row.Broker, row.ExternalUserID); err != nil && err != repository.ErrNoSession {
				return restored, expired, apperrors.Internal("expiring session", err)
			}
			m.cache.Invalidate(row.Broker, row.ExternalUserID)
			expired++
			continue
		}

		drv, err := m.registry.Get(row.Broker)
		if err != nil {
			// Row from a broker this build no longer supports
			log.Printf("[Session] skipping %s/%s: %v", row.Broker, row.ExternalUserID, err)
			continue
		}
		cred, err := m.creds.Get(row.Broker, row.ExternalUserID)
		if err != nil || cred == nil {
			log.Printf("[Session] skipping %s/%s: credential missing", row.Broker, row.ExternalUserID)
			continue
		}

		h, err := drv.NewHandle(cred, row)
		switch {
		case err == nil:
			m.cache.Put(row.Broker, row.ExternalUserID, &Entry{Session: sessionFromRow(row, h)})
		case err == broker.ErrHandleRequired:
			m.cache.Put(row.Broker, row.ExternalUserID, &Entry{Session: sessionFromRow(row, nil), HandleMissing: true})
		default:
			return restored, expired, apperrors.Internal("rebuilding session handle", err)
		}
		restored++
	}

	log.Printf("[Session] restore complete: %d restored, %d expired", restored, expired)
	return restored, expired, nil
}

// loginPath is the service-relative path that starts a fresh login.
func (m *Manager) loginPath(brokerName, externalUserID string) string {
	return fmt.Sprintf("/api/broker/login/%s?user_id=%s", brokerName, url.QueryEscape(externalUserID))
}

// sessionFromRow rebuilds the in-memory session from a durable row.
func sessionFromRow(row *models.BrokerSession, h broker.Handle) *broker.Session {
	sess := &broker.Session{
		Broker:         broker.Type(row.Broker),
		ExternalUserID: row.ExternalUserID,
		ClientID:       row.ClientID,
		AccessToken:    row.AccessToken,
		RefreshToken:   row.RefreshToken,
		FeedToken:      row.FeedToken,
		Handle:         h,
	}
	if row.LastConnectedAt != nil {
		sess.ConnectedAt = *row.LastConnectedAt
	}
	return sess
}

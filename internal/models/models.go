// Package models contains the domain models for the trade gateway.
package models

import "time"

// Credential holds the long-lived secrets a user registers for one broker
// account. Which fields are populated depends on the broker:
//
//   - kite: APIKey + APISecret
//   - dhan: either ClientID + AccessToken (direct mode), or APIKey +
//     APISecret acting as partner_id + partner_secret (consent flow)
//   - angel: APIKey + ClientID + LoginPassword + TOTPSeed
//
// Secret fields (APISecret, AccessToken, LoginPassword, TOTPSeed) are
// encrypted at rest; the repository handles the translation.
type Credential struct {
	ID             int64     `json:"id"`
	Broker         string    `json:"broker"`
	ExternalUserID string    `json:"external_user_id"`
	APIKey         string    `json:"api_key,omitempty"`
	APISecret      string    `json:"-"` // Never expose in JSON
	ClientID       string    `json:"client_id,omitempty"`
	AccessToken    string    `json:"-"`
	TOTPSeed       string    `json:"-"`
	LoginPassword  string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BrokerSession is the durable record of an authenticated broker session.
// Tokens survive a disconnect for troubleshooting; Connected is the single
// source of truth for whether the session is usable.
//
// UserDisconnected distinguishes an explicit disconnect from TTL expiry or
// token invalidation. Only the latter two may be healed automatically; a
// user-disconnected account stays down until the next login.
type BrokerSession struct {
	ID               int64      `json:"id"`
	Broker           string     `json:"broker"`
	ExternalUserID   string     `json:"external_user_id"`
	ClientID         string     `json:"client_id,omitempty"`
	AccessToken      string     `json:"-"`
	RefreshToken     string     `json:"-"`
	FeedToken        string     `json:"-"`
	Connected        bool       `json:"connected"`
	UserDisconnected bool       `json:"-"`
	LastConnectedAt  *time.Time `json:"last_connected_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// WithinTTL reports whether the session last connected no longer than ttl
// before now. Sessions that never connected are always outside the window.
func (s *BrokerSession) WithinTTL(now time.Time, ttl time.Duration) bool {
	if s.LastConnectedAt == nil {
		return false
	}
	return now.Sub(*s.LastConnectedAt) <= ttl
}

// AccountSummary is the list view of a registered broker account.
type AccountSummary struct {
	Broker          string     `json:"broker"`
	ExternalUserID  string     `json:"external_user_id"`
	Connected       bool       `json:"connected"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

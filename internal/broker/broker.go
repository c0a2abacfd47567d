// Package broker provides broker API integration functionality.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trade_gateway/internal/models"
)

// Type identifies a supported broker.
type Type string

const (
	Kite  Type = "kite"
	Dhan  Type = "dhan"
	Angel Type = "angel"
)

// ParseType validates a broker identifier from user input.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Kite, Dhan, Angel:
		return Type(s), nil
	}
	return "", fmt.Errorf("unsupported broker %q", s)
}

// ErrHandleRequired is returned by NewHandle when a persisted session cannot
// be turned into a live client without a fresh login. The angel handle wraps
// upstream client state that does not survive a restart.
var ErrHandleRequired = errors.New("live handle required, session must be re-established")

// Session is an authenticated broker session. Handle is the live API client
// when one exists; restored sessions may carry a nil Handle until the driver
// rebuilds one.
type Session struct {
	Broker         Type
	ExternalUserID string
	ClientID       string
	AccessToken    string
	RefreshToken   string
	FeedToken      string
	ConnectedAt    time.Time
	Handle         Handle
}

// Handle is a live broker API client bound to one session. Responses are
// passed through as raw JSON; this service does not interpret trade data.
type Handle interface {
	Orders(ctx context.Context) (json.RawMessage, error)
	Positions(ctx context.Context) (json.RawMessage, error)
	Trades(ctx context.Context) (json.RawMessage, error)
}

// Handoff is the result of starting a login. Exactly one of RedirectURL or
// Session is set: redirect flows hand the user to the broker, synchronous
// flows complete immediately.
type Handoff struct {
	// RedirectURL is where the user's browser must go to authorize.
	RedirectURL string
	// State is the anti-forgery token bound to this attempt, echoed back
	// on the callback for brokers that support it.
	State string
	// Session is set when the driver completed the login without a
	// browser round-trip.
	Session *Session
}

// Callback carries the parameters a broker redirect delivered, plus the
// state issued when the attempt started so drivers can verify the echo.
type Callback struct {
	// RequestToken is the kite one-time exchange token.
	RequestToken string
	// TokenID is the dhan consent token.
	TokenID string
	// State is the state echoed by the broker redirect.
	State string
	// IssuedState is the state recorded when the attempt started.
	IssuedState string
}

// Driver implements one broker's authentication protocol. Drivers classify
// their own upstream failures; callers never inspect broker error bodies.
type Driver interface {
	// Type returns the broker this driver serves.
	Type() Type

	// ValidateCredential checks that a credential carries the fields this
	// broker's protocol needs. No network calls.
	ValidateCredential(cred *models.Credential) error

	// BeginLogin starts a login attempt for the credential.
	BeginLogin(ctx context.Context, cred *models.Credential) (*Handoff, error)

	// CompleteLogin finishes a redirect-based login from callback data.
	CompleteLogin(ctx context.Context, cred *models.Credential, cb Callback) (*Session, error)

	// NewHandle builds a live API client from a persisted session without
	// contacting the broker. Returns ErrHandleRequired when the broker's
	// client state cannot be rebuilt from tokens alone.
	NewHandle(cred *models.Credential, sess *models.BrokerSession) (Handle, error)

	// IsAuthError reports whether err is the broker telling us the session
	// or tokens are no longer accepted, as opposed to a transport failure.
	IsAuthError(err error) bool

	// CanSelfHeal reports whether the driver can re-establish a session
	// without user interaction.
	CanSelfHeal() bool
}

// Registry maps broker identifiers to drivers.
type Registry struct {
	drivers map[Type]Driver
}

// NewRegistry creates a registry over the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[Type]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Type()] = d
	}
	return r
}

// Get returns the driver for a broker identifier.
func (r *Registry) Get(name string) (Driver, error) {
	t, err := ParseType(name)
	if err != nil {
		return nil, err
	}
	d, ok := r.drivers[t]
	if !ok {
		return nil, fmt.Errorf("no driver registered for %q", name)
	}
	return d, nil
}

// Types returns the registered broker identifiers.
func (r *Registry) Types() []Type {
	types := make([]Type, 0, len(r.drivers))
	for t := range r.drivers {
		types = append(types, t)
	}
	return types
}

// GenerateState creates a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

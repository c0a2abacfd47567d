// Package kite implements the Zerodha Kite Connect redirect-OAuth protocol.
//
// Login is a browser round-trip: the user is sent to the kite login page
// with the app's api_key and a CSRF state, and the callback delivers a
// one-time request_token. The token exchange requires a SHA-256 checksum
// over api_key + request_token + api_secret.
package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trade_gateway/internal/broker"
	apperrors "trade_gateway/internal/errors"
	"trade_gateway/internal/models"
)

// Driver implements broker.Driver for kite.
type Driver struct {
	loginURL   string
	apiURL     string
	httpClient *http.Client
}

// New creates a kite driver against the given login page and API base URLs.
func New(loginURL, apiURL string) *Driver {
	return &Driver{
		loginURL: loginURL,
		apiURL:   strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Type returns the broker identifier.
func (d *Driver) Type() broker.Type {
	return broker.Kite
}

// CanSelfHeal reports false: a dead kite session always needs the user to
// go through the redirect flow again.
func (d *Driver) CanSelfHeal() bool {
	return false
}

// ValidateCredential checks the fields the kite protocol needs.
func (d *Driver) ValidateCredential(cred *models.Credential) error {
	if cred.ExternalUserID == "" {
		return apperrors.ValidationField("external_user_id", "external_user_id is required")
	}
	if cred.APIKey == "" {
		return apperrors.InvalidCredential("kite requires api_key")
	}
	if cred.APISecret == "" {
		return apperrors.InvalidCredential("kite requires api_secret")
	}
	return nil
}

// BeginLogin issues a fresh CSRF state and builds the kite login URL the
// user's browser must visit.
func (d *Driver) BeginLogin(ctx context.Context, cred *models.Credential) (*broker.Handoff, error) {
	state, err := broker.GenerateState()
	if err != nil {
		return nil, apperrors.Internal("generating login state", err)
	}

	q := url.Values{}
	q.Set("api_key", cred.APIKey)
	q.Set("v", apiVersion)
	q.Set("state", state)

	return &broker.Handoff{
		RedirectURL: d.loginURL + "?" + q.Encode(),
		State:       state,
	}, nil
}

// CompleteLogin verifies the echoed state and exchanges the request token
// for an access token.
func (d *Driver) CompleteLogin(ctx context.Context, cred *models.Credential, cb broker.Callback) (*broker.Session, error) {
	if cb.IssuedState == "" || cb.State != cb.IssuedState {
		return nil, apperrors.New(apperrors.ErrStateMismatch,
			"callback state does not match the state issued at login start")
	}
	if cb.RequestToken == "" {
		return nil, apperrors.Validation("missing request_token in callback")
	}

	sum := sha256.Sum256([]byte(cred.APIKey + cb.RequestToken + cred.APISecret))
	checksum := hex.EncodeToString(sum[:])

	data := url.Values{}
	data.Set("api_key", cred.APIKey)
	data.Set("request_token", cb.RequestToken)
	data.Set("checksum", checksum)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.apiURL+"/session/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, apperrors.Internal("building token exchange request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", apiVersion)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Upstream("kite token exchange unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Upstream("reading kite token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := parseAPIError(resp.StatusCode, body)
		if apiErr.isAuthFailure() {
			return nil, apperrors.Wrap(apperrors.ErrAuthRejected, "kite rejected the request token", apiErr)
		}
		return nil, apperrors.Upstream("kite token exchange failed", apiErr)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, apperrors.Upstream("decoding kite token response", err)
	}
	if tr.Data.AccessToken == "" {
		return nil, apperrors.AuthRejected("kite returned no access token")
	}

	sess := &broker.Session{
		Broker:         broker.Kite,
		ExternalUserID: cred.ExternalUserID,
		ClientID:       tr.Data.UserID,
		AccessToken:    tr.Data.AccessToken,
		ConnectedAt:    time.Now(),
	}
	sess.Handle = d.handleFor(cred.APIKey, tr.Data.AccessToken)
	return sess, nil
}

// NewHandle rebuilds a live client from a persisted session. Kite handles
// are stateless, so this never needs a network call.
func (d *Driver) NewHandle(cred *models.Credential, sess *models.BrokerSession) (broker.Handle, error) {
	if sess.AccessToken == "" {
		return nil, broker.ErrHandleRequired
	}
	return d.handleFor(cred.APIKey, sess.AccessToken), nil
}

// IsAuthError reports whether err is kite telling us the token is dead.
func (d *Driver) IsAuthError(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.isAuthFailure()
	}
	return errors.Is(err, apperrors.ErrAuthRejected)
}

func (d *Driver) handleFor(apiKey, accessToken string) *Handle {
	return &Handle{
		apiURL:      d.apiURL,
		apiKey:      apiKey,
		accessToken: accessToken,
		httpClient:  d.httpClient,
	}
}

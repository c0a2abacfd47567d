// Package angel implements the Angel One SmartAPI password + TOTP protocol.
//
// Login is fully server-side: the driver computes the current TOTP code
// from the registered seed and posts it with the client code and password.
// No browser round-trip exists, so BeginLogin returns a completed session.
// The resulting handle wraps login-time client state and cannot be rebuilt
// from persisted tokens; a restart leaves the session restorable only via
// a fresh login, which the driver performs itself (CanSelfHeal).
package angel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"trade_gateway/internal/broker"
	apperrors "trade_gateway/internal/errors"
	"trade_gateway/internal/models"
)

const loginPath = "/rest/auth/angelbroking/user/v1/loginByPassword"

// Driver implements broker.Driver for angel.
type Driver struct {
	apiURL     string
	httpClient *http.Client
	now        func() time.Time
}

// New creates an angel driver against the given API base URL.
func New(apiURL string) *Driver {
	return &Driver{
		apiURL: strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

// Type returns the broker identifier.
func (d *Driver) Type() broker.Type {
	return broker.Angel
}

// CanSelfHeal reports true: the driver holds everything needed to log in
// again without the user.
func (d *Driver) CanSelfHeal() bool {
	return true
}

// ValidateCredential checks the fields the angel protocol needs.
func (d *Driver) ValidateCredential(cred *models.Credential) error {
	if cred.ExternalUserID == "" {
		return apperrors.ValidationField("external_user_id", "external_user_id is required")
	}
	if cred.APIKey == "" {
		return apperrors.InvalidCredential("angel requires api_key")
	}
	if cred.ClientID == "" {
		return apperrors.InvalidCredential("angel requires client_id")
	}
	if cred.LoginPassword == "" {
		return apperrors.InvalidCredential("angel requires login_password")
	}
	if cred.TOTPSeed == "" {
		return apperrors.InvalidCredential("angel requires totp_seed")
	}
	if _, err := CurrentCode(cred.TOTPSeed, d.now()); err != nil {
		return apperrors.InvalidCredential("angel totp_seed is not valid base32")
	}
	return nil
}

// BeginLogin performs the complete password + TOTP login and returns the
// finished session.
func (d *Driver) BeginLogin(ctx context.Context, cred *models.Credential) (*broker.Handoff, error) {
	sess, err := d.login(ctx, cred)
	if err != nil {
		return nil, err
	}
	return &broker.Handoff{Session: sess}, nil
}

// CompleteLogin is never reachable for angel; there is no redirect leg.
func (d *Driver) CompleteLogin(ctx context.Context, cred *models.Credential, cb broker.Callback) (*broker.Session, error) {
	return nil, apperrors.Validation("angel login completes synchronously, no callback expected")
}

// NewHandle always demands a fresh login: the SmartAPI client state bound
// at login time does not survive a restart.
func (d *Driver) NewHandle(cred *models.Credential, sess *models.BrokerSession) (broker.Handle, error) {
	return nil, broker.ErrHandleRequired
}

// IsAuthError reports whether err is angel telling us the session died.
func (d *Driver) IsAuthError(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.isAuthFailure()
	}
	return errors.Is(err, apperrors.ErrAuthRejected)
}

func (d *Driver) login(ctx context.Context, cred *models.Credential) (*broker.Session, error) {
	code, err := CurrentCode(cred.TOTPSeed, d.now())
	if err != nil {
		return nil, apperrors.InvalidCredential("angel totp_seed is not valid base32")
	}

	payload, err := json.Marshal(loginRequest{
		ClientCode: cred.ClientID,
		Password:   cred.LoginPassword,
		TOTP:       code,
	})
	if err != nil {
		return nil, apperrors.Internal("encoding login request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.apiURL+loginPath, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Internal("building login request", err)
	}
	setCommonHeaders(req, cred.APIKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Upstream("angel login unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Upstream("reading angel login response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Upstream("angel login failed", parseAPIError(resp.StatusCode, body))
	}

	var lr apiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, apperrors.Upstream("decoding angel login response", err)
	}
	if !lr.Status || lr.Data.JWTToken == "" {
		return nil, apperrors.Wrap(apperrors.ErrAuthRejected, "angel rejected the login",
			&apiError{StatusCode: resp.StatusCode, ErrorCode: lr.ErrorCode, Message: lr.Message})
	}

	sess := &broker.Session{
		Broker:         broker.Angel,
		ExternalUserID: cred.ExternalUserID,
		ClientID:       cred.ClientID,
		AccessToken:    lr.Data.JWTToken,
		RefreshToken:   lr.Data.RefreshToken,
		FeedToken:      lr.Data.FeedToken,
		ConnectedAt:    d.now(),
	}
	sess.Handle = &Handle{
		apiURL:     d.apiURL,
		apiKey:     cred.APIKey,
		jwtToken:   lr.Data.JWTToken,
		httpClient: d.httpClient,
	}
	return sess, nil
}

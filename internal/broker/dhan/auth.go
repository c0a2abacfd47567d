// Package dhan implements the Dhan partner-consent authentication protocol.
//
// Two credential shapes are accepted. A credential carrying client_id and a
// direct access token logs in without any upstream call. A credential
// carrying partner_id and partner_secret goes through the consent flow:
// generate-consent, a browser redirect to the consent-login page, and
// consume-consent with the tokenId delivered on the callback.
package dhan

import (
	"context"
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

// Driver implements broker.Driver for dhan.
type Driver struct {
	authURL    string
	apiURL     string
	httpClient *http.Client
}

// New creates a dhan driver against the given auth and API base URLs.
func New(authURL, apiURL string) *Driver {
	return &Driver{
		authURL: strings.TrimRight(authURL, "/"),
		apiURL:  strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Type returns the broker identifier.
func (d *Driver) Type() broker.Type {
	return broker.Dhan
}

// CanSelfHeal reports false: consent tokens are single use and direct
// tokens are issued outside this service, so a dead session always goes
// back to the user.
func (d *Driver) CanSelfHeal() bool {
	return false
}

// directMode reports whether the credential carries a ready-made token.
func directMode(cred *models.Credential) bool {
	return cred.ClientID != "" && cred.AccessToken != ""
}

// ValidateCredential accepts either credential shape and rejects mixtures
// that satisfy neither.
func (d *Driver) ValidateCredential(cred *models.Credential) error {
	if cred.ExternalUserID == "" {
		return apperrors.ValidationField("external_user_id", "external_user_id is required")
	}
	if directMode(cred) {
		return nil
	}
	if cred.APIKey != "" && cred.APISecret != "" {
		return nil
	}
	return apperrors.InvalidCredential(
		"dhan requires either client_id + access_token or partner_id + partner_secret")
}

// BeginLogin completes immediately in direct mode, otherwise requests a
// consent and hands the user to the consent-login page.
func (d *Driver) BeginLogin(ctx context.Context, cred *models.Credential) (*broker.Handoff, error) {
	if directMode(cred) {
		sess := &broker.Session{
			Broker:         broker.Dhan,
			ExternalUserID: cred.ExternalUserID,
			ClientID:       cred.ClientID,
			AccessToken:    cred.AccessToken,
			ConnectedAt:    time.Now(),
		}
		sess.Handle = d.handleFor(cred.AccessToken)
		return &broker.Handoff{Session: sess}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.authURL+"/partner/generate-consent", nil)
	if err != nil {
		return nil, apperrors.Internal("building generate-consent request", err)
	}
	d.setPartnerHeaders(req, cred)

	var cr consentResponse
	if err := d.doJSON(req, &cr); err != nil {
		return nil, err
	}
	if cr.ConsentID == "" {
		return nil, apperrors.AuthRejected("dhan returned no consentId")
	}

	q := url.Values{}
	q.Set("consentId", cr.ConsentID)
	return &broker.Handoff{
		RedirectURL: d.authURL + "/consent-login?" + q.Encode(),
	}, nil
}

// CompleteLogin consumes the tokenId delivered on the consent callback.
// Dhan has no state echo; the single-use tokenId is the only binding.
func (d *Driver) CompleteLogin(ctx context.Context, cred *models.Credential, cb broker.Callback) (*broker.Session, error) {
	if cb.TokenID == "" {
		return nil, apperrors.Validation("missing tokenId in callback")
	}

	q := url.Values{}
	q.Set("tokenId", cb.TokenID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.authURL+"/partner/consume-consent?"+q.Encode(), nil)
	if err != nil {
		return nil, apperrors.Internal("building consume-consent request", err)
	}
	d.setPartnerHeaders(req, cred)

	var cr consumeResponse
	if err := d.doJSON(req, &cr); err != nil {
		return nil, err
	}
	if cr.AccessToken == "" {
		return nil, apperrors.AuthRejected("dhan returned no access token for consent")
	}

	sess := &broker.Session{
		Broker:         broker.Dhan,
		ExternalUserID: cred.ExternalUserID,
		ClientID:       cr.ClientID,
		AccessToken:    cr.AccessToken,
		ConnectedAt:    time.Now(),
	}
	sess.Handle = d.handleFor(cr.AccessToken)
	return sess, nil
}

// NewHandle rebuilds a live client from a persisted session.
func (d *Driver) NewHandle(cred *models.Credential, sess *models.BrokerSession) (broker.Handle, error) {
	if sess.AccessToken == "" {
		return nil, broker.ErrHandleRequired
	}
	return d.handleFor(sess.AccessToken), nil
}

// IsAuthError reports whether err is dhan rejecting the token.
func (d *Driver) IsAuthError(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.isAuthFailure()
	}
	return errors.Is(err, apperrors.ErrAuthRejected)
}

func (d *Driver) handleFor(accessToken string) *Handle {
	return &Handle{
		apiURL:      d.apiURL,
		accessToken: accessToken,
		httpClient:  d.httpClient,
	}
}

// setPartnerHeaders attaches the partner credentials. APIKey and APISecret
// hold partner_id and partner_secret for consent-flow credentials.
func (d *Driver) setPartnerHeaders(req *http.Request, cred *models.Credential) {
	req.Header.Set("partner_id", cred.APIKey)
	req.Header.Set("partner_secret", cred.APISecret)
	req.Header.Set("Accept", "application/json")
}

// doJSON runs a partner API request and decodes the response, translating
// failures into the service error taxonomy.
func (d *Driver) doJSON(req *http.Request, v any) error {
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return apperrors.Upstream("dhan partner API unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Upstream("reading dhan partner response", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := parseAPIError(resp.StatusCode, body)
		if apiErr.isAuthFailure() {
			return apperrors.Wrap(apperrors.ErrAuthRejected, "dhan rejected partner credentials", apiErr)
		}
		return apperrors.Upstream("dhan partner API call failed", apiErr)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return apperrors.Upstream("decoding dhan partner response", err)
	}
	return nil
}

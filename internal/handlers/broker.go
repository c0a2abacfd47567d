package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"trade_gateway/internal/broker"
	apperrors "trade_gateway/internal/errors"
	"trade_gateway/internal/models"
	"trade_gateway/internal/session"
)

// BrokerHandler handles credential registration and the session lifecycle
// routes.
type BrokerHandler struct {
	mgr *session.Manager

	// callbackBase is the externally reachable base URL of this service,
	// used to build the redirect URI the user registers at the broker.
	callbackBase string
}

// NewBrokerHandler creates a new BrokerHandler.
func NewBrokerHandler(mgr *session.Manager, callbackBase string) *BrokerHandler {
	return &BrokerHandler{mgr: mgr, callbackBase: strings.TrimSuffix(callbackBase, "/")}
}

// callbackURL builds the redirect URI for one account. Brokers do not echo
// which account a callback belongs to, so user_id is baked into the URI the
// user registers on the broker's developer console.
func (h *BrokerHandler) callbackURL(brokerName, externalUserID string) string {
	return h.callbackBase + "/api/broker/callback/" + brokerName +
		"?user_id=" + url.QueryEscape(externalUserID)
}

// registerRequest is the credential payload. Secret fields are accepted on
// input only; models.Credential never serializes them back out.
type registerRequest struct {
	ExternalUserID string `json:"external_user_id"`
	APIKey         string `json:"api_key"`
	APISecret      string `json:"api_secret"`
	ClientID       string `json:"client_id"`
	AccessToken    string `json:"access_token"`
	LoginPassword  string `json:"login_password"`
	TOTPSeed       string `json:"totp_seed"`
}

// Register stores a credential for POST /api/broker/register/{broker}.
func (h *BrokerHandler) Register(w http.ResponseWriter, r *http.Request) {
	brokerName := chi.URLParam(r, "broker")

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ExternalUserID) == "" {
		writeError(w, apperrors.ValidationField("external_user_id", "external_user_id is required"))
		return
	}

	cred := &models.Credential{
		Broker:         brokerName,
		ExternalUserID: strings.TrimSpace(req.ExternalUserID),
		APIKey:         strings.TrimSpace(req.APIKey),
		APISecret:      strings.TrimSpace(req.APISecret),
		ClientID:       strings.TrimSpace(req.ClientID),
		AccessToken:    strings.TrimSpace(req.AccessToken),
		LoginPassword:  req.LoginPassword,
		TOTPSeed:       strings.TrimSpace(req.TOTPSeed),
	}
	if err := h.mgr.RegisterCredential(cred); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":           "registered",
		"broker":           brokerName,
		"external_user_id": cred.ExternalUserID,
		"callback_url":     h.callbackURL(brokerName, cred.ExternalUserID),
	})
}

// Login starts a login attempt for GET /api/broker/login/{broker}?user_id=.
// Redirect brokers answer with the URL to send the user's browser to;
// synchronous brokers complete inline and answer connected.
func (h *BrokerHandler) Login(w http.ResponseWriter, r *http.Request) {
	brokerName := chi.URLParam(r, "broker")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperrors.ValidationField("user_id", "user_id query parameter is required"))
		return
	}

	handoff, err := h.mgr.StartLogin(r.Context(), brokerName, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	if handoff.Session != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":           "connected",
			"broker":           brokerName,
			"external_user_id": userID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "pending",
		"broker":           brokerName,
		"external_user_id": userID,
		"redirect_url":     handoff.RedirectURL,
	})
}

// Callback finishes a redirect login for GET /api/broker/callback/{broker}.
// Kite sends request_token and echoes state; dhan sends tokenId. The
// account is identified by the user_id parameter baked into the redirect
// URL at registration time.
func (h *BrokerHandler) Callback(w http.ResponseWriter, r *http.Request) {
	brokerName := chi.URLParam(r, "broker")
	q := r.URL.Query()

	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, apperrors.ValidationField("user_id", "user_id query parameter is required"))
		return
	}

	cb := broker.Callback{
		RequestToken: q.Get("request_token"),
		TokenID:      q.Get("tokenId"),
		State:        q.Get("state"),
	}

	sess, err := h.mgr.CompleteLogin(r.Context(), brokerName, userID, cb)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "connected",
		"broker":           brokerName,
		"external_user_id": sess.ExternalUserID,
	})
}

// Status reports the session lifecycle state for
// GET /api/broker/status/{broker}/{user_id}.
func (h *BrokerHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.mgr.Status(chi.URLParam(r, "broker"), chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Disconnect ends a session for POST /api/broker/disconnect/{broker}/{user_id}.
func (h *BrokerHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	brokerName := chi.URLParam(r, "broker")
	userID := chi.URLParam(r, "user_id")

	if err := h.mgr.Disconnect(brokerName, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "disconnected",
		"broker":           brokerName,
		"external_user_id": userID,
	})
}

// Accounts lists all registered accounts for GET /api/broker/accounts.
func (h *BrokerHandler) Accounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.mgr.Accounts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

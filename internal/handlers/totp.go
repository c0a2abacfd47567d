package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"trade_gateway/internal/broker/angel"
	apperrors "trade_gateway/internal/errors"
	"trade_gateway/internal/session"
)

// TOTPHandler serves the current one-time code for angel accounts, so users
// can complete a manual login on the broker's own site without reaching for
// their authenticator app.
type TOTPHandler struct {
	mgr *session.Manager
	now func() time.Time
}

// NewTOTPHandler creates a new TOTPHandler.
func NewTOTPHandler(mgr *session.Manager) *TOTPHandler {
	return &TOTPHandler{mgr: mgr, now: time.Now}
}

// Code serves GET /api/broker/totp/angel/{user_id}.
func (h *TOTPHandler) Code(w http.ResponseWriter, r *http.Request) {
	cred, err := h.mgr.Credential("angel", chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if cred.TOTPSeed == "" {
		writeError(w, apperrors.NotFound("totp seed"))
		return
	}

	now := h.now()
	code, err := angel.CurrentCode(cred.TOTPSeed, now)
	if err != nil {
		writeError(w, apperrors.Validation("stored totp seed is not valid base32"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":              code,
		"seconds_remaining": angel.SecondsRemaining(now),
	})
}

// QRCode serves GET /api/broker/totp/angel/{user_id}/qr as a PNG of the
// otpauth enrollment URI.
func (h *TOTPHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	cred, err := h.mgr.Credential("angel", chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if cred.TOTPSeed == "" {
		writeError(w, apperrors.NotFound("totp seed"))
		return
	}

	uri := angel.ProvisioningURI(cred.TOTPSeed, cred.ClientID)
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		writeError(w, apperrors.Internal("generating QR code", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(png)
}

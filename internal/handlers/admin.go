package handlers

import (
	"net/http"

	apperrors "trade_gateway/internal/errors"
	"trade_gateway/internal/repository"
	"trade_gateway/internal/session"
)

// AdminHandler handles operational routes.
type AdminHandler struct {
	mgr      *session.Manager
	credRepo *repository.CredentialRepository
	sessRepo *repository.SessionRepository
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(mgr *session.Manager, credRepo *repository.CredentialRepository,
	sessRepo *repository.SessionRepository) *AdminHandler {
	return &AdminHandler{mgr: mgr, credRepo: credRepo, sessRepo: sessRepo}
}

// Resync re-runs session restoration from the database for
// POST /api/admin/resync. Useful after restoring a database backup or
// editing rows by hand.
func (h *AdminHandler) Resync(w http.ResponseWriter, r *http.Request) {
	restored, expired, err := h.mgr.LoadAllActiveIntoCache()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "resynced",
		"restored": restored,
		"expired":  expired,
	})
}

// Health reports service health and session counts for GET /health.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	credentials, err := h.credRepo.Count()
	if err != nil {
		writeError(w, apperrors.Internal("counting credentials", err))
		return
	}
	connected, err := h.sessRepo.CountConnected()
	if err != nil {
		writeError(w, apperrors.Internal("counting sessions", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"credentials": credentials,
		"connected":   connected,
		"cached":      h.mgr.CacheSize(),
	})
}

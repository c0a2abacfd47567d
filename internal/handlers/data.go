package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"trade_gateway/internal/facade"
)

// DataHandler serves broker data routes through the session facade.
type DataHandler struct {
	facade *facade.Facade
}

// NewDataHandler creates a new DataHandler.
func NewDataHandler(f *facade.Facade) *DataHandler {
	return &DataHandler{facade: f}
}

// Orders serves GET /api/broker/{broker}/{user_id}/orders.
func (h *DataHandler) Orders(w http.ResponseWriter, r *http.Request) {
	out, err := h.facade.Orders(r.Context(), chi.URLParam(r, "broker"), chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, out)
}

// Positions serves GET /api/broker/{broker}/{user_id}/positions.
func (h *DataHandler) Positions(w http.ResponseWriter, r *http.Request) {
	out, err := h.facade.Positions(r.Context(), chi.URLParam(r, "broker"), chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, out)
}

// Trades serves GET /api/broker/{broker}/{user_id}/trades.
func (h *DataHandler) Trades(w http.ResponseWriter, r *http.Request) {
	out, err := h.facade.Trades(r.Context(), chi.URLParam(r, "broker"), chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, out)
}

// writeRaw passes the broker's JSON through untouched.
func writeRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiVersion is sent as X-Kite-Version on every request.
const apiVersion = "3"

// apiError is a kite API failure with enough detail to classify it.
type apiError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *apiError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("kite API error %d (%s): %s", e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("kite API error %d: %s", e.StatusCode, e.Message)
}

// isAuthFailure reports whether the API told us the token is no longer
// accepted. Kite signals this with 403 / TokenException.
func (e *apiError) isAuthFailure() bool {
	return e.StatusCode == http.StatusForbidden || e.ErrorType == "TokenException"
}

// Handle is a live kite API client. It is fully reconstructible from the
// api key and access token, so restored sessions get a working handle
// without a fresh login.
type Handle struct {
	apiURL      string
	apiKey      string
	accessToken string
	httpClient  *http.Client
}

// Orders returns the order book.
func (h *Handle) Orders(ctx context.Context) (json.RawMessage, error) {
	return h.get(ctx, "/orders")
}

// Positions returns the net positions.
func (h *Handle) Positions(ctx context.Context) (json.RawMessage, error) {
	return h.get(ctx, "/portfolio/positions")
}

// Trades returns the trade book.
func (h *Handle) Trades(ctx context.Context) (json.RawMessage, error) {
	return h.get(ctx, "/trades")
}

func (h *Handle) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", h.apiKey, h.accessToken))
	req.Header.Set("X-Kite-Version", apiVersion)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kite request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading kite response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}

// parseAPIError extracts the kite error envelope from a failed response.
func parseAPIError(status int, body []byte) *apiError {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Message == "" {
		return &apiError{StatusCode: status, Message: string(body)}
	}
	return &apiError{StatusCode: status, ErrorType: er.ErrorType, Message: er.Message}
}

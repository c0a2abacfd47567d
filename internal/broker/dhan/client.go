package dhan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiError is a dhan API failure with enough detail to classify it.
type apiError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *apiError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("dhan API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("dhan API error %d: %s", e.StatusCode, e.Message)
}

// isAuthFailure reports whether the access token was rejected.
func (e *apiError) isAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Handle is a live dhan API client, reconstructible from the access token.
type Handle struct {
	apiURL      string
	accessToken string
	httpClient  *http.Client
}

// Orders returns the order book.
func (h *Handle) Orders(ctx context.Context) (json.RawMessage, error) {
	return h.get(ctx, "/orders")
}

// Positions returns the open positions.
func (h *Handle) Positions(ctx context.Context) (json.RawMessage, error) {
	return h.get(ctx, "/positions")
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
	req.Header.Set("access-token", h.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dhan request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading dhan response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}

// parseAPIError extracts the dhan error envelope from a failed response.
func parseAPIError(status int, body []byte) *apiError {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.ErrorMessage == "" {
		return &apiError{StatusCode: status, Message: string(body)}
	}
	return &apiError{StatusCode: status, ErrorCode: er.ErrorCode, Message: er.ErrorMessage}
}

package angel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	orderBookPath = "/rest/secure/angelbroking/order/v1/getOrderBook"
	positionPath  = "/rest/secure/angelbroking/order/v1/getPosition"
	tradeBookPath = "/rest/secure/angelbroking/order/v1/getTradeBook"
)

// apiError is a SmartAPI failure with enough detail to classify it.
type apiError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *apiError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("angel API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("angel API error %d: %s", e.StatusCode, e.Message)
}

// isAuthFailure reports whether the session token was rejected. SmartAPI
// signals this with errorcode AG8001 or an "Invalid Token" message, often
// on an HTTP 200.
func (e *apiError) isAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.ErrorCode == "AG8001" ||
		strings.Contains(e.Message, "Invalid Token")
}

// Handle is a live angel SmartAPI client. Unlike the other brokers it wraps
// session state established at login time; it cannot be rebuilt from a
// persisted token row alone.
type Handle struct {
	apiURL     string
	apiKey     string
	jwtToken   string
	httpClient *http.Client
}

// Orders returns the order book.
func (h *Handle) Orders(ctx context.Context) (json.RawMessage, error) {
	return h.get(ctx, orderBookPath)
}

// Positions returns the open positions.
func (h *Handle) Positions(ctx context.Context) (json.RawMessage, error) {
	return h.get(ctx, positionPath)
}

// Trades returns the trade book.
func (h *Handle) Trades(ctx context.Context) (json.RawMessage, error) {
	return h.get(ctx, tradeBookPath)
}

func (h *Handle) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req, h.apiKey)
	req.Header.Set("Authorization", "Bearer "+h.jwtToken)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("angel request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading angel response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	// SmartAPI reports token failures inside a 200 envelope
	var env struct {
		Status    bool   `json:"status"`
		Message   string `json:"message"`
		ErrorCode string `json:"errorcode"`
	}
	if err := json.Unmarshal(body, &env); err == nil && !env.Status && env.ErrorCode != "" {
		return nil, &apiError{StatusCode: resp.StatusCode, ErrorCode: env.ErrorCode, Message: env.Message}
	}
	return json.RawMessage(body), nil
}

// parseAPIError extracts the SmartAPI error envelope from a failed response.
func parseAPIError(status int, body []byte) *apiError {
	var env struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorcode"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Message == "" {
		return &apiError{StatusCode: status, Message: string(body)}
	}
	return &apiError{StatusCode: status, ErrorCode: env.ErrorCode, Message: env.Message}
}

// setCommonHeaders attaches the headers SmartAPI requires on every call.
func setCommonHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", "127.0.0.1")
	req.Header.Set("X-ClientPublicIP", "127.0.0.1")
	req.Header.Set("X-MACAddress", "00:00:00:00:00:00")
	req.Header.Set("X-PrivateKey", apiKey)
}

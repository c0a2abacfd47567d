package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"trade_gateway/internal/broker"
	apperrors "trade_gateway/internal/errors"
	"trade_gateway/internal/models"
)

func testCredential() *models.Credential {
	return &models.Credential{
		Broker:         "kite",
		ExternalUserID: "AB1234",
		APIKey:         "testapikey",
		APISecret:      "testapisecret",
	}
}

func TestDriver_ValidateCredential(t *testing.T) {
	d := New("https://kite.example/connect/login", "https://api.example")

	tests := []struct {
		name    string
		cred    *models.Credential
		wantErr bool
	}{
		{"valid", testCredential(), false},
		{"missing api_key", &models.Credential{ExternalUserID: "AB1234", APISecret: "s"}, true},
		{"missing api_secret", &models.Credential{ExternalUserID: "AB1234", APIKey: "k"}, true},
		{"missing external_user_id", &models.Credential{APIKey: "k", APISecret: "s"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.ValidateCredential(tt.cred)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCredential() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDriver_BeginLogin_BuildsRedirect(t *testing.T) {
	d := New("https://kite.example/connect/login", "https://api.example")

	handoff, err := d.BeginLogin(context.Background(), testCredential())
	if err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if handoff.Session != nil {
		t.Error("BeginLogin() should not complete synchronously")
	}
	if handoff.State == "" {
		t.Fatal("BeginLogin() returned empty state")
	}

	u, err := url.Parse(handoff.RedirectURL)
	if err != nil {
		t.Fatalf("parsing redirect URL: %v", err)
	}
	q := u.Query()
	if got := q.Get("api_key"); got != "testapikey" {
		t.Errorf("api_key = %q, want %q", got, "testapikey")
	}
	if got := q.Get("v"); got != "3" {
		t.Errorf("v = %q, want %q", got, "3")
	}
	if got := q.Get("state"); got != handoff.State {
		t.Errorf("state param = %q, want %q", got, handoff.State)
	}

	// Consecutive attempts must not reuse state
	handoff2, _ := d.BeginLogin(context.Background(), testCredential())
	if handoff2.State == handoff.State {
		t.Error("BeginLogin() reused state across attempts")
	}
}

func TestDriver_CompleteLogin_StateMismatch(t *testing.T) {
	d := New("https://kite.example/connect/login", "https://api.example")

	_, err := d.CompleteLogin(context.Background(), testCredential(), broker.Callback{
		RequestToken: "rt123",
		State:        "echoed-state",
		IssuedState:  "issued-state",
	})
	if !apperrors.IsStateMismatch(err) {
		t.Errorf("CompleteLogin() error = %v, want state mismatch", err)
	}

	// Missing issued state is also fatal, never a silent pass
	_, err = d.CompleteLogin(context.Background(), testCredential(), broker.Callback{
		RequestToken: "rt123",
		State:        "echoed-state",
	})
	if !apperrors.IsStateMismatch(err) {
		t.Errorf("CompleteLogin() with no issued state error = %v, want state mismatch", err)
	}
}

func TestDriver_CompleteLogin_ExchangesToken(t *testing.T) {
	cred := testCredential()
	const requestToken = "rt123"

	wantSum := sha256.Sum256([]byte(cred.APIKey + requestToken + cred.APISecret))
	wantChecksum := hex.EncodeToString(wantSum[:])

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		if got := r.FormValue("checksum"); got != wantChecksum {
			t.Errorf("checksum = %q, want %q", got, wantChecksum)
		}
		if got := r.FormValue("api_key"); got != cred.APIKey {
			t.Errorf("api_key = %q, want %q", got, cred.APIKey)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234","access_token":"at456"}}`))
	}))
	defer upstream.Close()

	d := New("https://kite.example/connect/login", upstream.URL)

	sess, err := d.CompleteLogin(context.Background(), cred, broker.Callback{
		RequestToken: requestToken,
		State:        "st",
		IssuedState:  "st",
	})
	if err != nil {
		t.Fatalf("CompleteLogin() error = %v", err)
	}
	if sess.AccessToken != "at456" {
		t.Errorf("AccessToken = %q, want %q", sess.AccessToken, "at456")
	}
	if sess.ClientID != "AB1234" {
		t.Errorf("ClientID = %q, want %q", sess.ClientID, "AB1234")
	}
	if sess.Handle == nil {
		t.Error("CompleteLogin() returned session without a live handle")
	}
	if sess.Broker != broker.Kite {
		t.Errorf("Broker = %q, want %q", sess.Broker, broker.Kite)
	}
}

func TestDriver_CompleteLogin_TokenRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","message":"Token is invalid or has expired.","error_type":"TokenException"}`))
	}))
	defer upstream.Close()

	d := New("https://kite.example/connect/login", upstream.URL)

	_, err := d.CompleteLogin(context.Background(), testCredential(), broker.Callback{
		RequestToken: "stale",
		State:        "st",
		IssuedState:  "st",
	})
	if err == nil {
		t.Fatal("CompleteLogin() with rejected token should error")
	}
	if apperrors.HTTPStatus(err) != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want 401", apperrors.HTTPStatus(err))
	}
}

func TestDriver_CompleteLogin_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // closed before use

	d := New("https://kite.example/connect/login", upstream.URL)

	_, err := d.CompleteLogin(context.Background(), testCredential(), broker.Callback{
		RequestToken: "rt",
		State:        "st",
		IssuedState:  "st",
	})
	if !apperrors.IsUpstream(err) {
		t.Errorf("CompleteLogin() error = %v, want upstream unavailable", err)
	}
}

func TestDriver_NewHandle_FromPersistedSession(t *testing.T) {
	d := New("https://kite.example/connect/login", "https://api.example")

	h, err := d.NewHandle(testCredential(), &models.BrokerSession{AccessToken: "at456"})
	if err != nil {
		t.Fatalf("NewHandle() error = %v", err)
	}
	if h == nil {
		t.Fatal("NewHandle() returned nil handle")
	}

	_, err = d.NewHandle(testCredential(), &models.BrokerSession{})
	if err != broker.ErrHandleRequired {
		t.Errorf("NewHandle() without token error = %v, want ErrHandleRequired", err)
	}
}

func TestHandle_Orders_SendsAuthHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token testapikey:at456" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Kite-Version"); got != "3" {
			t.Errorf("X-Kite-Version = %q, want 3", got)
		}
		w.Write([]byte(`{"status":"success","data":[]}`))
	}))
	defer upstream.Close()

	d := New("https://kite.example/connect/login", upstream.URL)
	h, err := d.NewHandle(testCredential(), &models.BrokerSession{AccessToken: "at456"})
	if err != nil {
		t.Fatalf("NewHandle() error = %v", err)
	}

	body, err := h.Orders(context.Background())
	if err != nil {
		t.Fatalf("Orders() error = %v", err)
	}
	if len(body) == 0 {
		t.Error("Orders() returned empty body")
	}
}

func TestDriver_IsAuthError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","message":"Invalid token","error_type":"TokenException"}`))
	}))
	defer upstream.Close()

	d := New("https://kite.example/connect/login", upstream.URL)
	h, _ := d.NewHandle(testCredential(), &models.BrokerSession{AccessToken: "dead"})

	_, err := h.Orders(context.Background())
	if err == nil {
		t.Fatal("Orders() with dead token should error")
	}
	if !d.IsAuthError(err) {
		t.Errorf("IsAuthError(%v) = false, want true", err)
	}

	if d.IsAuthError(context.DeadlineExceeded) {
		t.Error("IsAuthError() should not classify transport errors as auth failures")
	}
	if d.CanSelfHeal() {
		t.Error("CanSelfHeal() = true, want false")
	}
}

package facade

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"trade_gateway/internal/broker"
	"trade_gateway/internal/database"
	apperrors "trade_gateway/internal/errors"
	"trade_gateway/internal/models"
	"trade_gateway/internal/repository"
	"trade_gateway/internal/session"
)

// flakyHandle rejects the first rejectFirst calls as auth failures, shared
// across handle instances through the driver's counter.
type flakyHandle struct {
	drv *stubDriver
}

func (h *flakyHandle) do() (json.RawMessage, error) {
	h.drv.opCalls.Add(1)
	if h.drv.rejectRemaining.Add(-1) >= 0 {
		return nil, apperrors.New(apperrors.ErrAuthRejected, "token rejected")
	}
	if h.drv.opErr != nil {
		return nil, h.drv.opErr
	}
	return json.RawMessage(`[{"order_id":"1"}]`), nil
}

func (h *flakyHandle) Orders(ctx context.Context) (json.RawMessage, error)    { return h.do() }
func (h *flakyHandle) Positions(ctx context.Context) (json.RawMessage, error) { return h.do() }
func (h *flakyHandle) Trades(ctx context.Context) (json.RawMessage, error)    { return h.do() }

type stubDriver struct {
	typ             broker.Type
	selfHeal        bool
	beginCalls      atomic.Int32
	opCalls         atomic.Int32
	rejectRemaining atomic.Int32
	opErr           error
}

func (d *stubDriver) Type() broker.Type                                  { return d.typ }
func (d *stubDriver) CanSelfHeal() bool                                  { return d.selfHeal }
func (d *stubDriver) ValidateCredential(cred *models.Credential) error   { return nil }
func (d *stubDriver) IsAuthError(err error) bool                         { return errors.Is(err, apperrors.ErrAuthRejected) }

func (d *stubDriver) BeginLogin(ctx context.Context, cred *models.Credential) (*broker.Handoff, error) {
	d.beginCalls.Add(1)
	return &broker.Handoff{Session: &broker.Session{
		Broker:         d.typ,
		ExternalUserID: cred.ExternalUserID,
		AccessToken:    "fresh",
		ConnectedAt:    time.Now(),
		Handle:         &flakyHandle{drv: d},
	}}, nil
}

func (d *stubDriver) CompleteLogin(ctx context.Context, cred *models.Credential, cb broker.Callback) (*broker.Session, error) {
	return nil, apperrors.InvalidCredential("not a redirect broker")
}

func (d *stubDriver) NewHandle(cred *models.Credential, sess *models.BrokerSession) (broker.Handle, error) {
	if !d.selfHeal {
		return &flakyHandle{drv: d}, nil
	}
	return nil, broker.ErrHandleRequired
}

func setupFacade(t *testing.T, drv broker.Driver) (*Facade, *session.Manager) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating database: %v", err)
	}
	if err := db.RunMigrations(); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	enc, err := broker.NewEncryptor("this-is-a-valid-32-character-key")
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}

	mgr := session.NewManager(
		broker.NewRegistry(drv),
		repository.NewCredentialRepository(db, enc),
		repository.NewSessionRepository(db),
		24*time.Hour, 5*time.Minute,
	)
	err = mgr.RegisterCredential(&models.Credential{
		Broker:         string(drv.Type()),
		ExternalUserID: "A123456",
		APIKey:         "key",
	})
	if err != nil {
		t.Fatalf("RegisterCredential() error = %v", err)
	}
	return New(mgr), mgr
}

func TestFacade_Orders_Success(t *testing.T) {
	drv := &stubDriver{typ: broker.Angel, selfHeal: true}
	f, _ := setupFacade(t, drv)

	out, err := f.Orders(context.Background(), "angel", "A123456")
	if err != nil {
		t.Fatalf("Orders() error = %v", err)
	}
	if string(out) != `[{"order_id":"1"}]` {
		t.Errorf("Orders() = %s", out)
	}
	if drv.opCalls.Load() != 1 {
		t.Errorf("upstream op calls = %d, want 1", drv.opCalls.Load())
	}
}

func TestFacade_RetriesOnceAfterTokenRejection(t *testing.T) {
	drv := &stubDriver{typ: broker.Angel, selfHeal: true}
	drv.rejectRemaining.Store(1)
	f, _ := setupFacade(t, drv)

	out, err := f.Positions(context.Background(), "angel", "A123456")
	if err != nil {
		t.Fatalf("Positions() error = %v", err)
	}
	if len(out) == 0 {
		t.Error("Positions() returned empty result")
	}
	if drv.opCalls.Load() != 2 {
		t.Errorf("upstream op calls = %d, want 2", drv.opCalls.Load())
	}
	if drv.beginCalls.Load() != 2 {
		t.Errorf("upstream logins = %d, want 2 (initial heal plus recovery)", drv.beginCalls.Load())
	}
}

func TestFacade_NeverRetriesTwice(t *testing.T) {
	drv := &stubDriver{typ: broker.Angel, selfHeal: true}
	drv.rejectRemaining.Store(10)
	f, _ := setupFacade(t, drv)

	_, err := f.Trades(context.Background(), "angel", "A123456")
	if err == nil {
		t.Fatal("Trades() error = nil, want auth rejection")
	}
	if !errors.Is(err, apperrors.ErrAuthRejected) {
		t.Errorf("Trades() error = %v, want ErrAuthRejected", err)
	}
	if drv.opCalls.Load() != 2 {
		t.Errorf("upstream op calls = %d, want exactly 2", drv.opCalls.Load())
	}
}

func TestFacade_NonAuthErrorNotRetried(t *testing.T) {
	drv := &stubDriver{typ: broker.Angel, selfHeal: true}
	drv.opErr = apperrors.Upstream("angel", errors.New("gateway timeout"))
	f, _ := setupFacade(t, drv)

	_, err := f.Orders(context.Background(), "angel", "A123456")
	if !apperrors.IsUpstream(err) {
		t.Fatalf("Orders() error = %v, want upstream error", err)
	}
	if drv.opCalls.Load() != 1 {
		t.Errorf("upstream op calls = %d, want 1 (no retry)", drv.opCalls.Load())
	}
	if drv.beginCalls.Load() != 1 {
		t.Errorf("upstream logins = %d, want 1 (no recovery)", drv.beginCalls.Load())
	}
}

func TestFacade_ReauthRequiredWhenRecoveryNeedsUser(t *testing.T) {
	// A broker that cannot self-heal: the rejection invalidates the session
	// and the caller is told to send the user back through login
	drv := &stubDriver{typ: broker.Kite, selfHeal: false}
	f, mgr := setupFacade(t, drv)

	// Establish a session through the manager's own adoption path
	if _, err := mgr.StartLogin(context.Background(), "kite", "A123456"); err != nil {
		t.Fatalf("StartLogin() error = %v", err)
	}

	drv.rejectRemaining.Store(10)
	_, err := f.Orders(context.Background(), "kite", "A123456")
	if !apperrors.IsReauthRequired(err) {
		t.Fatalf("Orders() error = %v, want reauth required", err)
	}
	if drv.opCalls.Load() != 1 {
		t.Errorf("upstream op calls = %d, want 1 (recovery blocked before retry)", drv.opCalls.Load())
	}

	// The failed session must not linger as connected
	st, err := mgr.Status("kite", "A123456")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Connected {
		t.Error("rejected session should be disconnected")
	}
}

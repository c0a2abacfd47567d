package repository

import (
	"path/filepath"
	"testing"

	"trade_gateway/internal/broker"
	"trade_gateway/internal/database"
	"trade_gateway/internal/models"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.RunMigrations(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func newTestEncryptor(t *testing.T) *broker.Encryptor {
	t.Helper()
	enc, err := broker.NewEncryptor("this-is-a-valid-32-character-key")
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return enc
}

func kiteCredential() *models.Credential {
	return &models.Credential{
		Broker:         "kite",
		ExternalUserID: "AB1234",
		APIKey:         "apikey",
		APISecret:      "apisecret",
	}
}

func angelCredential() *models.Credential {
	return &models.Credential{
		Broker:         "angel",
		ExternalUserID: "A123456",
		APIKey:         "smartkey",
		ClientID:       "A123456",
		LoginPassword:  "1234",
		TOTPSeed:       "JBSWY3DPEHPK3PXP",
	}
}

func TestCredentialRepository_UpsertAndGet_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepository(db, newTestEncryptor(t))

	if err := repo.Upsert(angelCredential()); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := repo.Get("angel", "A123456")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for stored credential")
	}
	if got.APIKey != "smartkey" {
		t.Errorf("APIKey = %q, want %q", got.APIKey, "smartkey")
	}
	if got.LoginPassword != "1234" {
		t.Errorf("LoginPassword = %q, want %q", got.LoginPassword, "1234")
	}
	if got.TOTPSeed != "JBSWY3DPEHPK3PXP" {
		t.Errorf("TOTPSeed = %q, want %q", got.TOTPSeed, "JBSWY3DPEHPK3PXP")
	}
	if got.APISecret != "" {
		t.Errorf("APISecret = %q, want empty for angel", got.APISecret)
	}
}

func TestCredentialRepository_SecretsEncryptedAtRest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepository(db, newTestEncryptor(t))

	if err := repo.Upsert(kiteCredential()); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	// Read the raw column: it must not contain the plaintext secret
	var raw []byte
	err := db.QueryRow(`SELECT api_secret_enc FROM credentials WHERE broker = ? AND external_user_id = ?`,
		"kite", "AB1234").Scan(&raw)
	if err != nil {
		t.Fatalf("raw query error = %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("api_secret_enc is empty")
	}
	if string(raw) == "apisecret" {
		t.Error("api_secret stored as plaintext")
	}
}

func TestCredentialRepository_Upsert_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepository(db, newTestEncryptor(t))

	if err := repo.Upsert(kiteCredential()); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}

	// Re-register with a rotated secret
	updated := kiteCredential()
	updated.APISecret = "rotated-secret"
	if err := repo.Upsert(updated); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	count, err := repo.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1 after re-registration", count)
	}

	got, err := repo.Get("kite", "AB1234")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.APISecret != "rotated-secret" {
		t.Errorf("APISecret = %q, want %q", got.APISecret, "rotated-secret")
	}
}

func TestCredentialRepository_Get_Missing_ReturnsNil(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepository(db, newTestEncryptor(t))

	got, err := repo.Get("kite", "NOBODY")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}

func TestCredentialRepository_List_MultipleBrokers(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepository(db, newTestEncryptor(t))

	if err := repo.Upsert(kiteCredential()); err != nil {
		t.Fatalf("Upsert(kite) error = %v", err)
	}
	if err := repo.Upsert(angelCredential()); err != nil {
		t.Fatalf("Upsert(angel) error = %v", err)
	}

	creds, err := repo.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("List() returned %d credentials, want 2", len(creds))
	}
	// Ordered by broker: angel before kite
	if creds[0].Broker != "angel" || creds[1].Broker != "kite" {
		t.Errorf("List() order = %s, %s", creds[0].Broker, creds[1].Broker)
	}
	if creds[0].LoginPassword != "1234" {
		t.Error("List() should decrypt secret fields")
	}
}

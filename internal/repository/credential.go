// Package repository provides database access for the trade gateway.
package repository

import (
	"database/sql"
	"fmt"

	"trade_gateway/internal/broker"
	"trade_gateway/internal/database"
	"trade_gateway/internal/models"
)

// CredentialRepository handles credential database operations. Secret
// fields are encrypted with an account-specific key before they touch the
// database and decrypted on the way out.
type CredentialRepository struct {
	db  *database.DB
	enc *broker.Encryptor
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(db *database.DB, enc *broker.Encryptor) *CredentialRepository {
	return &CredentialRepository{db: db, enc: enc}
}

// accountKey is the encryption key derivation scope for one broker account.
func accountKey(brokerName, externalUserID string) string {
	return brokerName + "/" + externalUserID
}

// Upsert stores a credential, replacing any previous registration for the
// same (broker, external_user_id). Registration is idempotent.
func (r *CredentialRepository) Upsert(cred *models.Credential) error {
	key := accountKey(cred.Broker, cred.ExternalUserID)

	secretEnc, secretNonce, err := r.sealField(cred.APISecret, key)
	if err != nil {
		return fmt.Errorf("encrypting api_secret: %w", err)
	}
	tokenEnc, tokenNonce, err := r.sealField(cred.AccessToken, key)
	if err != nil {
		return fmt.Errorf("encrypting access_token: %w", err)
	}
	seedEnc, seedNonce, err := r.sealField(cred.TOTPSeed, key)
	if err != nil {
		return fmt.Errorf("encrypting totp_seed: %w", err)
	}
	passEnc, passNonce, err := r.sealField(cred.LoginPassword, key)
	if err != nil {
		return fmt.Errorf("encrypting login_password: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO credentials (
			broker, external_user_id, api_key,
			api_secret_enc, api_secret_nonce,
			client_id,
			access_token_enc, access_token_nonce,
			totp_seed_enc, totp_seed_nonce,
			login_password_enc, login_password_nonce
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker, external_user_id) DO UPDATE SET
			api_key = excluded.api_key,
			api_secret_enc = excluded.api_secret_enc,
			api_secret_nonce = excluded.api_secret_nonce,
			client_id = excluded.client_id,
			access_token_enc = excluded.access_token_enc,
			access_token_nonce = excluded.access_token_nonce,
			totp_seed_enc = excluded.totp_seed_enc,
			totp_seed_nonce = excluded.totp_seed_nonce,
			login_password_enc = excluded.login_password_enc,
			login_password_nonce = excluded.login_password_nonce,
			updated_at = CURRENT_TIMESTAMP
	`, cred.Broker, cred.ExternalUserID, cred.APIKey,
		secretEnc, secretNonce,
		cred.ClientID,
		tokenEnc, tokenNonce,
		seedEnc, seedNonce,
		passEnc, passNonce)
	return err
}

// Get retrieves a credential for a broker account. Returns nil when no
// credential is registered.
func (r *CredentialRepository) Get(brokerName, externalUserID string) (*models.Credential, error) {
	row := r.db.QueryRow(`
		SELECT id, broker, external_user_id, api_key,
		       api_secret_enc, api_secret_nonce,
		       client_id,
		       access_token_enc, access_token_nonce,
		       totp_seed_enc, totp_seed_nonce,
		       login_password_enc, login_password_nonce,
		       created_at, updated_at
		FROM credentials
		WHERE broker = ? AND external_user_id = ?
	`, brokerName, externalUserID)

	return r.scanCredential(row)
}

// List returns all registered credentials with secret fields decrypted.
func (r *CredentialRepository) List() ([]*models.Credential, error) {
	rows, err := r.db.Query(`
		SELECT id, broker, external_user_id, api_key,
		       api_secret_enc, api_secret_nonce,
		       client_id,
		       access_token_enc, access_token_nonce,
		       totp_seed_enc, totp_seed_nonce,
		       login_password_enc, login_password_nonce,
		       created_at, updated_at
		FROM credentials
		ORDER BY broker, external_user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := make([]*models.Credential, 0)
	for rows.Next() {
		cred, err := r.scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// Count returns the number of registered credentials.
func (r *CredentialRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM credentials`).Scan(&n)
	return n, err
}

// sealField encrypts one secret field; empty values stay empty.
func (r *CredentialRepository) sealField(value, key string) (enc, nonce []byte, err error) {
	if value == "" {
		return nil, nil, nil
	}
	return r.enc.Encrypt(value, key)
}

// openField decrypts one secret field; absent values stay empty.
func (r *CredentialRepository) openField(enc, nonce []byte, key string) (string, error) {
	if len(enc) == 0 {
		return "", nil
	}
	return r.enc.Decrypt(enc, nonce, key)
}

type scannable interface {
	Scan(dest ...any) error
}

func (r *CredentialRepository) scanCredential(row *sql.Row) (*models.Credential, error) {
	cred, err := r.scanCredentialRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cred, err
}

func (r *CredentialRepository) scanCredentialRow(row scannable) (*models.Credential, error) {
	cred := &models.Credential{}
	var secretEnc, secretNonce, tokenEnc, tokenNonce []byte
	var seedEnc, seedNonce, passEnc, passNonce []byte

	err := row.Scan(
		&cred.ID,
		&cred.Broker,
		&cred.ExternalUserID,
		&cred.APIKey,
		&secretEnc, &secretNonce,
		&cred.ClientID,
		&tokenEnc, &tokenNonce,
		&seedEnc, &seedNonce,
		&passEnc, &passNonce,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	key := accountKey(cred.Broker, cred.ExternalUserID)
	if cred.APISecret, err = r.openField(secretEnc, secretNonce, key); err != nil {
		return nil, fmt.Errorf("decrypting api_secret: %w", err)
	}
	if cred.AccessToken, err = r.openField(tokenEnc, tokenNonce, key); err != nil {
		return nil, fmt.Errorf("decrypting access_token: %w", err)
	}
	if cred.TOTPSeed, err = r.openField(seedEnc, seedNonce, key); err != nil {
		return nil, fmt.Errorf("decrypting totp_seed: %w", err)
	}
	if cred.LoginPassword, err = r.openField(passEnc, passNonce, key); err != nil {
		return nil, fmt.Errorf("decrypting login_password: %w", err)
	}
	return cred, nil
}

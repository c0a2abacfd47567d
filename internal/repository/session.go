package repository

import (
	"database/sql"
	"errors"

	"trade_gateway/internal/database"
	"trade_gateway/internal/models"
)

// ErrNoSession indicates a session operation targeted a row that does not
// exist.
var ErrNoSession = errors.New("broker session not found")

// SessionRepository handles the durable broker session records. One row per
// (broker, external_user_id); logins replace it in place.
type SessionRepository struct {
	db *database.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Save upserts the session row for the account. Connected and
// LastConnectedAt are taken from the model; callers decide session state.
func (r *SessionRepository) Save(sess *models.BrokerSession) error {
	_, err := r.db.Exec(`
		INSERT INTO broker_sessions (
			broker, external_user_id, client_id,
			access_token, refresh_token, feed_token,
			connected, disconnected_by_user, last_connected_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker, external_user_id) DO UPDATE SET
			client_id = excluded.client_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			feed_token = excluded.feed_token,
			connected = excluded.connected,
			disconnected_by_user = excluded.disconnected_by_user,
			last_connected_at = excluded.last_connected_at,
			updated_at = CURRENT_TIMESTAMP
	`, sess.Broker, sess.ExternalUserID, sess.ClientID,
		sess.AccessToken, sess.RefreshToken, sess.FeedToken,
		boolToInt(sess.Connected), boolToInt(sess.UserDisconnected), sess.LastConnectedAt)
	return err
}

// Get retrieves the session for a broker account. Returns nil when no
// session row exists.
func (r *SessionRepository) Get(brokerName, externalUserID string) (*models.BrokerSession, error) {
	row := r.db.QueryRow(`
		SELECT id, broker, external_user_id, client_id,
		       access_token, refresh_token, feed_token,
		       connected, disconnected_by_user, last_connected_at,
		       created_at, updated_at
		FROM broker_sessions
		WHERE broker = ? AND external_user_id = ?
	`, brokerName, externalUserID)

	sess, err := r.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// GetAllConnected returns every session currently marked connected, for the
// restore-on-startup pass.
func (r *SessionRepository) GetAllConnected() ([]*models.BrokerSession, error) {
	rows, err := r.db.Query(`
		SELECT id, broker, external_user_id, client_id,
		       access_token, refresh_token, feed_token,
		       connected, disconnected_by_user, last_connected_at,
		       created_at, updated_at
		FROM broker_sessions
		WHERE connected = 1
		ORDER BY broker, external_user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]*models.BrokerSession, 0)
	for rows.Next() {
		sess, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// List returns all session rows regardless of state.
func (r *SessionRepository) List() ([]*models.BrokerSession, error) {
	rows, err := r.db.Query(`
		SELECT id, broker, external_user_id, client_id,
		       access_token, refresh_token, feed_token,
		       connected, disconnected_by_user, last_connected_at,
		       created_at, updated_at
		FROM broker_sessions
		ORDER BY broker, external_user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]*models.BrokerSession, 0)
	for rows.Next() {
		sess, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MarkDisconnected flips the session to disconnected without touching the
// stored tokens.
func (r *SessionRepository) MarkDisconnected(brokerName, externalUserID string) error {
	result, err := r.db.Exec(`
		UPDATE broker_sessions
		SET connected = 0, updated_at = CURRENT_TIMESTAMP
		WHERE broker = ? AND external_user_id = ?
	`, brokerName, externalUserID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoSession
	}
	return nil
}

// MarkUserDisconnected flips the session to disconnected and records that
// the user asked for it. Such a session is never reconnected automatically.
func (r *SessionRepository) MarkUserDisconnected(brokerName, externalUserID string) error {
	result, err := r.db.Exec(`
		UPDATE broker_sessions
		SET connected = 0, disconnected_by_user = 1, updated_at = CURRENT_TIMESTAMP
		WHERE broker = ? AND external_user_id = ?
	`, brokerName, externalUserID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoSession
	}
	return nil
}

// CountConnected returns the number of sessions marked connected.
func (r *SessionRepository) CountConnected() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM broker_sessions WHERE connected = 1`).Scan(&n)
	return n, err
}

func (r *SessionRepository) scanSession(row scannable) (*models.BrokerSession, error) {
	sess := &models.BrokerSession{}
	var connected, userDisconnected int
	var lastConnectedAt sql.NullTime

	err := row.Scan(
		&sess.ID,
		&sess.Broker,
		&sess.ExternalUserID,
		&sess.ClientID,
		&sess.AccessToken,
		&sess.RefreshToken,
		&sess.FeedToken,
		&connected,
		&userDisconnected,
		&lastConnectedAt,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Connected = connected == 1
	sess.UserDisconnected = userDisconnected == 1
	if lastConnectedAt.Valid {
		sess.LastConnectedAt = &lastConnectedAt.Time
	}
	return sess, nil
}

// boolToInt converts a bool to SQLite's integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package database

// SQL migrations for the trade gateway database.
// All migrations use IF NOT EXISTS to be idempotent.

const migrationCredentials = `
CREATE TABLE IF NOT EXISTS credentials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    broker TEXT NOT NULL,
    external_user_id TEXT NOT NULL,
    api_key TEXT DEFAULT '',
    api_secret_enc BLOB,
    api_secret_nonce BLOB,
    client_id TEXT DEFAULT '',
    access_token_enc BLOB,
    access_token_nonce BLOB,
    totp_seed_enc BLOB,
    totp_seed_nonce BLOB,
    login_password_enc BLOB,
    login_password_nonce BLOB,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(broker, external_user_id)
);
`

const migrationBrokerSessions = `
CREATE TABLE IF NOT EXISTS broker_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    broker TEXT NOT NULL,
    external_user_id TEXT NOT NULL,
    client_id TEXT DEFAULT '',
    access_token TEXT DEFAULT '',
    refresh_token TEXT DEFAULT '',
    feed_token TEXT DEFAULT '',
    connected INTEGER DEFAULT 0,
    disconnected_by_user INTEGER DEFAULT 0,
    last_connected_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(broker, external_user_id)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_credentials_broker ON credentials(broker);
CREATE INDEX IF NOT EXISTS idx_broker_sessions_connected ON broker_sessions(connected);
`

package postgres

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id                    TEXT PRIMARY KEY,
	identifier                 TEXT NOT NULL UNIQUE,
	tenant_id                  TEXT NOT NULL DEFAULT '0',
	password_hash              TEXT NOT NULL,

	failed_login_attempts      INTEGER NOT NULL DEFAULT 0,
	last_failed_login_at       TIMESTAMPTZ,
	locked_until               TIMESTAMPTZ,

	twofactor_enabled          BOOLEAN NOT NULL DEFAULT FALSE,
	twofactor_pending          BOOLEAN NOT NULL DEFAULT FALSE,
	twofactor_secret           BYTEA,
	twofactor_setup_started_at TIMESTAMPTZ,
	twofactor_attempts         INTEGER NOT NULL DEFAULT 0,
	twofactor_last_failed_at   TIMESTAMPTZ,
	twofactor_verified_at      TIMESTAMPTZ,
	totp_last_used_step        BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS twofactor_backup_codes (
	user_id     TEXT NOT NULL REFERENCES accounts(user_id) ON DELETE CASCADE,
	code_digest BYTEA NOT NULL,
	PRIMARY KEY (user_id, code_digest)
);

CREATE TABLE IF NOT EXISTS tokens (
	id                 TEXT PRIMARY KEY,
	family_id          TEXT NOT NULL,
	client_id          TEXT NOT NULL,
	user_id            TEXT,
	tenant_id          TEXT NOT NULL DEFAULT '0',
	scope              TEXT[] NOT NULL DEFAULT '{}',

	access_digest      BYTEA NOT NULL UNIQUE,
	access_expires_at  TIMESTAMPTZ NOT NULL,
	refresh_digest     BYTEA UNIQUE,
	refresh_expires_at TIMESTAMPTZ,

	revoked            BOOLEAN NOT NULL DEFAULT FALSE,
	revoked_at         TIMESTAMPTZ,
	replaced_by        TEXT,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tokens_family ON tokens (family_id) WHERE NOT revoked;
CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens (user_id) WHERE NOT revoked;
CREATE INDEX IF NOT EXISTS idx_accounts_pending_setup
	ON accounts (twofactor_setup_started_at) WHERE twofactor_pending;
`

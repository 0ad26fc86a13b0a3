package database

import "fmt"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS retention_records (
		key_hash   VARCHAR(32) NOT NULL,
		owner_id   BIGINT      NOT NULL,
		object_key TEXT        NOT NULL,
		image_url  TEXT        NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		legacy     BOOLEAN     NOT NULL DEFAULT false,
		PRIMARY KEY (key_hash, legacy)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retention_records_created_at ON retention_records (created_at) WHERE legacy = false`,
	`CREATE TABLE IF NOT EXISTS pending_logouts (
		owner_id      BIGINT      PRIMARY KEY,
		email         TEXT        NOT NULL DEFAULT '',
		logged_out_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS consents (
		owner_id      BIGINT      PRIMARY KEY,
		email         TEXT        NOT NULL DEFAULT '',
		consent_at    TIMESTAMPTZ,
		last_login_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS quota_counters (
		owner_id BIGINT     PRIMARY KEY,
		day      VARCHAR(10) NOT NULL,
		used     INTEGER     NOT NULL DEFAULT 0
	)`,
}

// EnsureSchema creates the state tables if they do not exist yet.
func (db *DB) EnsureSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

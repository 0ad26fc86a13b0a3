package database

import (
	"crypto/md5" //nolint:gosec // MD5 keys retention records, not secrets
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// HashKey derives the retention record identifier from an object key.
func HashKey(objectKey string) string {
	sum := md5.Sum([]byte(objectKey)) //nolint:gosec // record identifier only
	return hex.EncodeToString(sum[:])
}

// RecordUpload stores the retention record for a freshly uploaded object,
// plus a legacy-shaped duplicate kept for older cleanup jobs that still read
// the old format. Both rows share the key hash so DeleteRecord removes them
// together.
func (db *DB) RecordUpload(rec ImageRecord) error {
	if rec.KeyHash == "" {
		rec.KeyHash = HashKey(rec.ObjectKey)
	}

	query := `INSERT INTO retention_records (key_hash, owner_id, object_key, image_url, created_at, legacy)
	          VALUES ($1, $2, $3, $4, $5, false)
	          ON CONFLICT (key_hash, legacy) DO NOTHING`
	if _, err := db.Exec(query, rec.KeyHash, rec.OwnerID, rec.ObjectKey, rec.ImageURL, rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}

	legacy := `INSERT INTO retention_records (key_hash, owner_id, object_key, image_url, created_at, legacy)
	           VALUES ($1, $2, $3, $4, $5, true)
	           ON CONFLICT (key_hash, legacy) DO NOTHING`
	if _, err := db.Exec(legacy, rec.KeyHash, rec.OwnerID, rec.ObjectKey, rec.ImageURL, rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to record legacy upload marker: %w", err)
	}

	return nil
}

// ExpiredRecords returns every primary retention record older than the cutoff.
func (db *DB) ExpiredRecords(olderThan time.Time) ([]ImageRecord, error) {
	var records []ImageRecord
	query := `SELECT key_hash, owner_id, object_key, image_url, created_at, legacy
	          FROM retention_records WHERE legacy = false AND created_at < $1`

	if err := db.Select(&records, query, olderThan); err != nil {
		return nil, fmt.Errorf("failed to list expired records: %w", err)
	}
	return records, nil
}

// DeleteRecord removes the retention record and its legacy duplicate. Deleting
// a record that a concurrent sweep already removed is not an error.
func (db *DB) DeleteRecord(keyHash string) error {
	query := `DELETE FROM retention_records WHERE key_hash = $1`
	if _, err := db.Exec(query, keyHash); err != nil {
		return fmt.Errorf("failed to delete retention record: %w", err)
	}
	return nil
}

// MarkLogout upserts the pending-deletion marker for an owner.
func (db *DB) MarkLogout(ownerID int64, email string, at time.Time) error {
	query := `INSERT INTO pending_logouts (owner_id, email, logged_out_at)
	          VALUES ($1, $2, $3)
	          ON CONFLICT (owner_id) DO UPDATE SET logged_out_at = EXCLUDED.logged_out_at, email = EXCLUDED.email`
	if _, err := db.Exec(query, ownerID, email, at); err != nil {
		return fmt.Errorf("failed to mark logout: %w", err)
	}
	return nil
}

// ClearPendingLogout removes the pending-deletion marker, if any.
func (db *DB) ClearPendingLogout(ownerID int64) error {
	query := `DELETE FROM pending_logouts WHERE owner_id = $1`
	if _, err := db.Exec(query, ownerID); err != nil {
		return fmt.Errorf("failed to clear pending logout: %w", err)
	}
	return nil
}

// ExpiredLogouts returns markers older than the cutoff.
func (db *DB) ExpiredLogouts(olderThan time.Time) ([]PendingLogout, error) {
	var markers []PendingLogout
	query := `SELECT owner_id, email, logged_out_at FROM pending_logouts WHERE logged_out_at < $1`

	if err := db.Select(&markers, query, olderThan); err != nil {
		return nil, fmt.Errorf("failed to list expired logouts: %w", err)
	}
	return markers, nil
}

// Consent retrieves the consent registry entry for an owner, or nil when the
// owner has no entry yet.
func (db *DB) Consent(ownerID int64) (*ConsentRecord, error) {
	var rec ConsentRecord
	query := `SELECT owner_id, email, consent_at, last_login_at FROM consents WHERE owner_id = $1`

	err := db.Get(&rec, query, ownerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return &rec, nil
}

// RecordConsent stores the consent timestamp for an owner. The timestamp is
// immutable once set: later calls keep the original value.
func (db *DB) RecordConsent(ownerID int64, email string, at time.Time) error {
	query := `INSERT INTO consents (owner_id, email, consent_at)
	          VALUES ($1, $2, $3)
	          ON CONFLICT (owner_id) DO UPDATE SET
	            consent_at = COALESCE(consents.consent_at, EXCLUDED.consent_at),
	            email = EXCLUDED.email`
	if _, err := db.Exec(query, ownerID, email, at); err != nil {
		return fmt.Errorf("failed to record consent: %w", err)
	}
	return nil
}

// RecordLogin updates the last-login timestamp, creating the registry entry
// if the owner never consented.
func (db *DB) RecordLogin(ownerID int64, email string, at time.Time) error {
	query := `INSERT INTO consents (owner_id, email, last_login_at)
	          VALUES ($1, $2, $3)
	          ON CONFLICT (owner_id) DO UPDATE SET
	            last_login_at = EXCLUDED.last_login_at,
	            email = EXCLUDED.email`
	if _, err := db.Exec(query, ownerID, email, at); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// UsedOn returns the usage counter for one owner on one calendar day. A
// counter stored under a different day reads as zero: keying the lookup on
// the day is what resets quota at midnight.
func (db *DB) UsedOn(ownerID int64, day string) (int, error) {
	var used int
	query := `SELECT used FROM quota_counters WHERE owner_id = $1 AND day = $2`

	err := db.Get(&used, query, ownerID, day)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get quota counter: %w", err)
	}
	return used, nil
}

// Increment bumps the usage counter for the given day in a single statement,
// rolling the counter over when the stored day is stale.
func (db *DB) Increment(ownerID int64, day string) error {
	query := `INSERT INTO quota_counters (owner_id, day, used)
	          VALUES ($1, $2, 1)
	          ON CONFLICT (owner_id) DO UPDATE SET
	            used = CASE WHEN quota_counters.day = EXCLUDED.day THEN quota_counters.used + 1 ELSE 1 END,
	            day = EXCLUDED.day`
	if _, err := db.Exec(query, ownerID, day); err != nil {
		return fmt.Errorf("failed to increment quota counter: %w", err)
	}
	return nil
}

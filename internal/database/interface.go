package database

import "time"

// RetentionStore defines the persistence operations used to track stored
// images and pending-deletion markers.
type RetentionStore interface {
	RecordUpload(rec ImageRecord) error
	ExpiredRecords(olderThan time.Time) ([]ImageRecord, error)
	DeleteRecord(keyHash string) error
	MarkLogout(ownerID int64, email string, at time.Time) error
	ClearPendingLogout(ownerID int64) error
	ExpiredLogouts(olderThan time.Time) ([]PendingLogout, error)
}

// ConsentStore defines the consent registry operations.
type ConsentStore interface {
	Consent(ownerID int64) (*ConsentRecord, error)
	RecordConsent(ownerID int64, email string, at time.Time) error
	RecordLogin(ownerID int64, email string, at time.Time) error
}

// QuotaStore defines the per-day usage counter operations.
type QuotaStore interface {
	UsedOn(ownerID int64, day string) (int, error)
	Increment(ownerID int64, day string) error
}

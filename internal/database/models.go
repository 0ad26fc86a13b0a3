package database

import (
	"time"
)

// ImageRecord tracks one stored object so the retention sweeps know which
// objects exist and when they were uploaded. A record must outlive the object
// it describes: it is the only index of what is eligible for purge.
type ImageRecord struct {
	KeyHash   string    `db:"key_hash"`
	OwnerID   int64     `db:"owner_id"`
	ObjectKey string    `db:"object_key"`
	ImageURL  string    `db:"image_url"`
	CreatedAt time.Time `db:"created_at"`
	Legacy    bool      `db:"legacy"`
}

// PendingLogout marks an owner whose session has ended. If the marker
// survives past the inactivity window, every image in the owner's namespace
// is purged.
type PendingLogout struct {
	OwnerID     int64     `db:"owner_id"`
	Email       string    `db:"email"`
	LoggedOutAt time.Time `db:"logged_out_at"`
}

// ConsentRecord is the site-wide consent registry entry for one owner.
// ConsentAt is written once and never overwritten; LastLoginAt updates on
// every authentication.
type ConsentRecord struct {
	OwnerID     int64      `db:"owner_id"`
	Email       string     `db:"email"`
	ConsentAt   *time.Time `db:"consent_at"`
	LastLoginAt *time.Time `db:"last_login_at"`
}

// QuotaCounter tracks per-owner preview usage for one calendar day.
type QuotaCounter struct {
	OwnerID int64  `db:"owner_id"`
	Day     string `db:"day"`
	Used    int    `db:"used"`
}

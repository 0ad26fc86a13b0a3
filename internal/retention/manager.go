// Package retention enforces the image lifecycle rules: images of users who
// stay logged out beyond the inactivity window are removed, and no image
// outlives the absolute age ceiling regardless of activity.
package retention

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/database"
	"github.com/datadove/tryon-preview-engine/internal/storage"
)

// ObjectStore is the slice of storage.Session the sweeps need.
type ObjectStore interface {
	ListUserKeys(ctx context.Context, prefix string) []string
	Delete(ctx context.Context, ownerPrefix, key string) (bool, error)
}

// StoreOpener yields a fresh object store handle per sweep pass.
type StoreOpener func(ctx context.Context) (ObjectStore, error)

// Counters receives sweep removal counts. A nil Counters disables counting.
type Counters interface {
	IncSwept(reason string, n int)
}

// Manager runs the periodic retention sweeps.
type Manager struct {
	cfg      config.RetentionConfig
	siteHost string
	store    database.RetentionStore
	consents database.ConsentStore
	open     StoreOpener
	counters Counters
	logger   *logrus.Entry
}

// NewManager creates a retention manager. siteHost scopes sweeps to this
// site's folder in the shared bucket.
func NewManager(cfg config.RetentionConfig, siteHost string, store database.RetentionStore, consents database.ConsentStore, open StoreOpener, counters Counters) *Manager {
	return &Manager{
		cfg:      cfg,
		siteHost: siteHost,
		store:    store,
		consents: consents,
		open:     open,
		counters: counters,
		logger:   logrus.WithField("module", "retention"),
	}
}

// MarkLogout records that a user logged out. If they do not log back in
// before the inactivity window passes, the next sweep removes their images.
func (m *Manager) MarkLogout(ownerID int64, email string, at time.Time) error {
	return m.store.MarkLogout(ownerID, email, at)
}

// MarkLogin cancels any pending logout and refreshes the last-login stamp in
// the consent registry.
func (m *Manager) MarkLogin(ownerID int64, email string, at time.Time) error {
	if err := m.store.ClearPendingLogout(ownerID); err != nil {
		return err
	}
	return m.consents.RecordLogin(ownerID, email, at)
}

// Run sweeps on the configured interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.WithField("interval", m.cfg.SweepInterval.String()).Info("Retention sweeps started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Retention sweeps stopped")
			return
		case <-ticker.C:
			m.SweepInactive(ctx, time.Now())
			m.SweepExpired(ctx, time.Now())
		}
	}
}

// SweepInactive removes all images of users whose logout marker has outlived
// the inactivity window. Per-user failures are logged and skipped so one bad
// folder cannot stall the sweep.
func (m *Manager) SweepInactive(ctx context.Context, now time.Time) {
	pending, err := m.store.ExpiredLogouts(now.Add(-m.cfg.InactivityWindow))
	if err != nil {
		m.logger.WithError(err).Error("Failed to load pending logouts")
		return
	}
	if len(pending) == 0 {
		return
	}

	store, err := m.open(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Cannot open object store for inactivity sweep")
		return
	}

	for _, p := range pending {
		prefix := storage.UserPrefix(m.siteHost, p.OwnerID, p.Email)
		removed := 0
		for _, key := range store.ListUserKeys(ctx, prefix) {
			if _, err := store.Delete(ctx, prefix, key); err != nil {
				m.logger.WithError(err).WithField("key", key).Warn("Failed to delete image during inactivity sweep")
				continue
			}
			removed++
		}

		if m.counters != nil && removed > 0 {
			m.counters.IncSwept("inactivity", removed)
		}

		if err := m.store.ClearPendingLogout(p.OwnerID); err != nil {
			m.logger.WithError(err).WithField("owner_id", p.OwnerID).Warn("Failed to clear logout marker")
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"owner_id": p.OwnerID,
			"removed":  removed,
		}).Info("Swept images of inactive user")
	}
}

// SweepExpired deletes every image older than the absolute age ceiling,
// logged in or not.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) {
	records, err := m.store.ExpiredRecords(now.Add(-m.cfg.MaxAge))
	if err != nil {
		m.logger.WithError(err).Error("Failed to load expired image records")
		return
	}
	if len(records) == 0 {
		return
	}

	store, err := m.open(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Cannot open object store for age sweep")
		return
	}

	removed := 0
	for _, rec := range records {
		prefix := ownerPrefixOf(rec.ObjectKey)
		if _, err := store.Delete(ctx, prefix, rec.ObjectKey); err != nil {
			m.logger.WithError(err).WithField("key", rec.ObjectKey).Warn("Failed to delete expired image")
			continue
		}
		removed++
	}
	if m.counters != nil && removed > 0 {
		m.counters.IncSwept("expired", removed)
	}
	m.logger.WithFields(logrus.Fields{
		"expired": len(records),
		"removed": removed,
	}).Info("Age sweep finished")
}

// ownerPrefixOf trims the filename off an object key, leaving the user
// folder prefix.
func ownerPrefixOf(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx+1]
}

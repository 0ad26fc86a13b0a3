// Package access decides whether an identity may use the try-on feature and
// enforces the per-day quota and consent rules.
package access

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/database"
	"github.com/datadove/tryon-preview-engine/internal/fault"
)

// Identity is the end user on whose behalf previews are generated and images
// are stored. A zero ID means anonymous.
type Identity struct {
	ID    int64
	Email string
	Roles []string
	Tag   string
}

// Anonymous reports whether the identity is not an authenticated user.
func (i Identity) Anonymous() bool {
	return i.ID <= 0
}

// Policy evaluates the layered access rules and quota state.
type Policy struct {
	cfg      config.AccessConfig
	quotas   database.QuotaStore
	consents database.ConsentStore
	logger   *logrus.Entry
}

// NewPolicy creates a policy over the configured rules and state stores.
func NewPolicy(cfg config.AccessConfig, quotas database.QuotaStore, consents database.ConsentStore) *Policy {
	return &Policy{
		cfg:      cfg,
		quotas:   quotas,
		consents: consents,
		logger:   logrus.WithField("module", "access"),
	}
}

// CanUse evaluates the access rules in order; the first failing rule denies.
// Anonymous identities pass only when no allow-list, role set, or tag
// requirement is configured and logged-in-only is off.
func (p *Policy) CanUse(id Identity) bool {
	if id.Anonymous() {
		if p.cfg.LoggedInOnly {
			return false
		}
		return len(p.cfg.AllowedUserIDs) == 0 && len(p.cfg.AllowedRoles) == 0 && p.cfg.RequiredTag == ""
	}

	if len(p.cfg.AllowedUserIDs) > 0 && !containsID(p.cfg.AllowedUserIDs, id.ID) {
		return false
	}

	if len(p.cfg.AllowedRoles) > 0 && !intersects(id.Roles, p.cfg.AllowedRoles) {
		return false
	}

	if p.cfg.RequiredTag != "" && id.Tag != p.cfg.RequiredTag {
		return false
	}

	return true
}

// QuotaDay formats the calendar day used to key quota counters.
func QuotaDay(now time.Time) string {
	return now.Format("2006-01-02")
}

// CheckQuota denies with QuotaExceeded when the identity already used its
// daily limit. The gate runs before generation; the counter is incremented
// only after confirmed success, so concurrent requests may transiently pass
// the gate together. That overrun is accepted.
func (p *Policy) CheckQuota(id Identity, now time.Time) error {
	if p.cfg.DailyLimit <= 0 || id.Anonymous() {
		return nil
	}

	used, err := p.quotas.UsedOn(id.ID, QuotaDay(now))
	if err != nil {
		p.logger.WithError(err).WithField("owner_id", id.ID).Warn("Quota lookup failed, allowing request")
		return nil
	}
	if used >= p.cfg.DailyLimit {
		return fault.Newf(fault.QuotaExceeded, "owner %d used %d of %d", id.ID, used, p.cfg.DailyLimit)
	}
	return nil
}

// ConsumeQuota increments the identity's counter for today. Called once per
// confirmed successful generation.
func (p *Policy) ConsumeQuota(id Identity, now time.Time) error {
	if p.cfg.DailyLimit <= 0 || id.Anonymous() {
		return nil
	}
	return p.quotas.Increment(id.ID, QuotaDay(now))
}

// EnsureConsent enforces the one-time consent rule for authenticated users.
// A recorded consent timestamp is permanent; the first generation without one
// requires the caller to pass consentGiven.
func (p *Policy) EnsureConsent(id Identity, consentGiven bool, now time.Time) error {
	if !p.cfg.RequireConsent || id.Anonymous() {
		return nil
	}

	rec, err := p.consents.Consent(id.ID)
	if err != nil {
		return err
	}
	if rec != nil && rec.ConsentAt != nil {
		return nil
	}

	if !consentGiven {
		return fault.New(fault.ConsentRequired, nil)
	}
	return p.consents.RecordConsent(id.ID, id.Email, now)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

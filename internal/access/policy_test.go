package access

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/database"
	"github.com/datadove/tryon-preview-engine/internal/fault"
)

type fakeQuotaStore struct {
	used       map[string]int
	usedErr    error
	increments []string
}

func (f *fakeQuotaStore) UsedOn(ownerID int64, day string) (int, error) {
	if f.usedErr != nil {
		return 0, f.usedErr
	}
	return f.used[day], nil
}

func (f *fakeQuotaStore) Increment(ownerID int64, day string) error {
	f.increments = append(f.increments, day)
	return nil
}

type fakeConsentStore struct {
	record   *database.ConsentRecord
	recorded bool
	logins   int
}

func (f *fakeConsentStore) Consent(ownerID int64) (*database.ConsentRecord, error) {
	return f.record, nil
}

func (f *fakeConsentStore) RecordConsent(ownerID int64, email string, at time.Time) error {
	f.recorded = true
	return nil
}

func (f *fakeConsentStore) RecordLogin(ownerID int64, email string, at time.Time) error {
	f.logins++
	return nil
}

func TestCanUseRules(t *testing.T) {
	customer := Identity{ID: 7, Email: "a@b.test", Roles: []string{"customer"}}
	admin := Identity{ID: 9, Roles: []string{"administrator"}, Tag: "vip"}
	anon := Identity{}

	tests := []struct {
		name string
		cfg  config.AccessConfig
		id   Identity
		want bool
	}{
		{"open to everyone", config.AccessConfig{}, anon, true},
		{"logged in only blocks anonymous", config.AccessConfig{LoggedInOnly: true}, anon, false},
		{"logged in only passes users", config.AccessConfig{LoggedInOnly: true}, customer, true},
		{"anonymous blocked by role rule", config.AccessConfig{AllowedRoles: []string{"customer"}}, anon, false},
		{"anonymous blocked by tag rule", config.AccessConfig{RequiredTag: "vip"}, anon, false},
		{"allow list admits member", config.AccessConfig{AllowedUserIDs: []int64{7}}, customer, true},
		{"allow list rejects others", config.AccessConfig{AllowedUserIDs: []int64{1, 2}}, customer, false},
		{"allow list overrides role rule", config.AccessConfig{AllowedUserIDs: []int64{7}, AllowedRoles: []string{"administrator"}}, customer, false},
		{"role match", config.AccessConfig{AllowedRoles: []string{"administrator", "customer"}}, customer, true},
		{"role mismatch", config.AccessConfig{AllowedRoles: []string{"administrator"}}, customer, false},
		{"tag match", config.AccessConfig{AllowedRoles: []string{"administrator"}, RequiredTag: "vip"}, admin, true},
		{"tag mismatch", config.AccessConfig{RequiredTag: "vip"}, customer, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.cfg, &fakeQuotaStore{}, &fakeConsentStore{})
			assert.Equal(t, tt.want, p.CanUse(tt.id))
		})
	}
}

func TestCheckQuota(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	id := Identity{ID: 7}

	t.Run("no limit configured", func(t *testing.T) {
		p := NewPolicy(config.AccessConfig{}, &fakeQuotaStore{}, &fakeConsentStore{})
		assert.NoError(t, p.CheckQuota(id, now))
	})

	t.Run("under limit", func(t *testing.T) {
		quotas := &fakeQuotaStore{used: map[string]int{"2026-03-14": 2}}
		p := NewPolicy(config.AccessConfig{DailyLimit: 3}, quotas, &fakeConsentStore{})
		assert.NoError(t, p.CheckQuota(id, now))
	})

	t.Run("at limit", func(t *testing.T) {
		quotas := &fakeQuotaStore{used: map[string]int{"2026-03-14": 3}}
		p := NewPolicy(config.AccessConfig{DailyLimit: 3}, quotas, &fakeConsentStore{})
		err := p.CheckQuota(id, now)
		assert.True(t, fault.IsCategory(err, fault.QuotaExceeded))
	})

	t.Run("new day resets", func(t *testing.T) {
		quotas := &fakeQuotaStore{used: map[string]int{"2026-03-13": 3}}
		p := NewPolicy(config.AccessConfig{DailyLimit: 3}, quotas, &fakeConsentStore{})
		assert.NoError(t, p.CheckQuota(id, now))
	})

	t.Run("lookup failure allows", func(t *testing.T) {
		quotas := &fakeQuotaStore{usedErr: errors.New("connection refused")}
		p := NewPolicy(config.AccessConfig{DailyLimit: 3}, quotas, &fakeConsentStore{})
		assert.NoError(t, p.CheckQuota(id, now))
	})

	t.Run("anonymous never counted", func(t *testing.T) {
		quotas := &fakeQuotaStore{used: map[string]int{"2026-03-14": 99}}
		p := NewPolicy(config.AccessConfig{DailyLimit: 3}, quotas, &fakeConsentStore{})
		assert.NoError(t, p.CheckQuota(Identity{}, now))
	})
}

func TestConsumeQuota(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	quotas := &fakeQuotaStore{}
	p := NewPolicy(config.AccessConfig{DailyLimit: 3}, quotas, &fakeConsentStore{})

	require.NoError(t, p.ConsumeQuota(Identity{ID: 7}, now))
	assert.Equal(t, []string{"2026-03-14"}, quotas.increments)

	require.NoError(t, p.ConsumeQuota(Identity{}, now))
	assert.Len(t, quotas.increments, 1, "anonymous must not increment")
}

func TestEnsureConsent(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	id := Identity{ID: 7, Email: "a@b.test"}

	t.Run("not required", func(t *testing.T) {
		consents := &fakeConsentStore{}
		p := NewPolicy(config.AccessConfig{}, &fakeQuotaStore{}, consents)
		assert.NoError(t, p.EnsureConsent(id, false, now))
		assert.False(t, consents.recorded)
	})

	t.Run("missing consent rejected", func(t *testing.T) {
		p := NewPolicy(config.AccessConfig{RequireConsent: true}, &fakeQuotaStore{}, &fakeConsentStore{})
		err := p.EnsureConsent(id, false, now)
		assert.True(t, fault.IsCategory(err, fault.ConsentRequired))
	})

	t.Run("first consent recorded", func(t *testing.T) {
		consents := &fakeConsentStore{}
		p := NewPolicy(config.AccessConfig{RequireConsent: true}, &fakeQuotaStore{}, consents)
		require.NoError(t, p.EnsureConsent(id, true, now))
		assert.True(t, consents.recorded)
	})

	t.Run("prior consent is permanent", func(t *testing.T) {
		earlier := now.Add(-24 * time.Hour)
		consents := &fakeConsentStore{record: &database.ConsentRecord{OwnerID: 7, ConsentAt: &earlier}}
		p := NewPolicy(config.AccessConfig{RequireConsent: true}, &fakeQuotaStore{}, consents)
		require.NoError(t, p.EnsureConsent(id, false, now))
		assert.False(t, consents.recorded)
	})
}

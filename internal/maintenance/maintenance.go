// Package maintenance runs the background upkeep loops that keep tenant
// databases and license bookkeeping healthy between scheduling ticks:
// stale-slot cleanup, database optimization, and trial/subscription
// expiry notices.
package maintenance

import (
	"context"
	"time"

	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/tenant/store"
)

// Notifier delivers a license-expiry notice to a tenant.
type Notifier interface {
	NotifyLicenseExpiring(ctx context.Context, telegramUserID int64, daysLeft int) error
	NotifyLicenseExpired(ctx context.Context, telegramUserID int64) error
}

// Maintenance owns the periodic cleanup/optimize/notify loops.
type Maintenance struct {
	tenants  *store.Manager
	notifier Notifier
	log      *logger.Logger

	cleanupInterval time.Duration
	optimizeInterval time.Duration
	noticeInterval   time.Duration
}

// New builds a Maintenance runner.
func New(tenants *store.Manager, notifier Notifier, log *logger.Logger) *Maintenance {
	return &Maintenance{
		tenants:          tenants,
		notifier:         notifier,
		log:              log,
		cleanupInterval:  30 * time.Minute,
		optimizeInterval: 6 * time.Hour,
		noticeInterval:   24 * time.Hour,
	}
}

// Run drives all maintenance loops until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	cleanupTicker := time.NewTicker(m.cleanupInterval)
	optimizeTicker := time.NewTicker(m.optimizeInterval)
	noticeTicker := time.NewTicker(m.noticeInterval)
	defer cleanupTicker.Stop()
	defer optimizeTicker.Stop()
	defer noticeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			m.runCleanup(ctx)
		case <-optimizeTicker.C:
			m.runOptimize(ctx)
		case <-noticeTicker.C:
			m.runLicenseNotices(ctx)
		}
	}
}

func (m *Maintenance) runCleanup(ctx context.Context) {
	cutoff := time.Now().Add(-24 * time.Hour)
	for tenantID, s := range m.tenants.All() {
		n, err := s.DeletePastUnpublishedSlots(cutoff)
		if err != nil {
			m.log.WithTenant(tenantID).WithError(err).Error("cleanup past unpublished slots")
			continue
		}
		if n > 0 {
			m.log.WithTenant(tenantID).Info("cleaned up stale unpublished slots")
		}
	}
}

func (m *Maintenance) runOptimize(ctx context.Context) {
	for tenantID, s := range m.tenants.All() {
		if err := s.Optimize(); err != nil {
			m.log.WithTenant(tenantID).WithError(err).Error("optimize database")
		}
	}
}

// runLicenseNotices sends a warning within 3 days of trial/subscription
// expiry and an expiry notice once it has lapsed, repeated on every run after
// that; both are throttled to once per 24h per tenant via last_license_notice.
func (m *Maintenance) runLicenseNotices(ctx context.Context) {
	const warningWindow = 3 * 24 * time.Hour

	for tenantID, s := range m.tenants.All() {
		log := m.log.WithTenant(tenantID)

		info, err := s.GetInfo()
		if err != nil {
			log.WithError(err).Error("read tenant info for license notice")
			continue
		}

		expiry := info.TrialStartedAt.AddDate(0, 0, info.TrialDays)
		if info.SubscriptionUntil != nil {
			expiry = *info.SubscriptionUntil
		}

		now := time.Now()
		if info.LastLicenseNotice != nil && now.Sub(*info.LastLicenseNotice) < 24*time.Hour {
			continue
		}

		daysLeft := int(expiry.Sub(now).Hours() / 24)

		switch {
		case now.After(expiry):
			if err := m.notifier.NotifyLicenseExpired(ctx, tenantID); err != nil {
				log.WithError(err).Warn("notify license expired failed")
				continue
			}
		case expiry.Sub(now) <= warningWindow:
			if err := m.notifier.NotifyLicenseExpiring(ctx, tenantID, daysLeft); err != nil {
				log.WithError(err).Warn("notify license expiring failed")
				continue
			}
		default:
			continue
		}

		if err := s.SetLastLicenseNotice(now); err != nil {
			log.WithError(err).Error("record license notice timestamp")
		}
	}
}

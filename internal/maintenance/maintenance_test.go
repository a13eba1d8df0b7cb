package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/tenant/models"
	"github.com/kandev/tgsched/internal/tenant/store"
)

type fakeNotifier struct {
	expiringCalls int
	expiredCalls  int
}

func (f *fakeNotifier) NotifyLicenseExpiring(ctx context.Context, telegramUserID int64, daysLeft int) error {
	f.expiringCalls++
	return nil
}
func (f *fakeNotifier) NotifyLicenseExpired(ctx context.Context, telegramUserID int64) error {
	f.expiredCalls++
	return nil
}

func newTestManager(t *testing.T) (*store.Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	log, err := logger.New("error", "console")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	mgr := store.NewManager(dir, log)
	s, err := mgr.Get("tester", 1)
	if err != nil {
		t.Fatalf("open tenant store: %v", err)
	}
	return mgr, s
}

func TestRunCleanupDeletesStaleRandomSlots(t *testing.T) {
	mgr, s := newTestManager(t)
	t.Cleanup(func() { mgr.CloseAll() })

	past := time.Now().Add(-48 * time.Hour)
	slot := models.Slot{
		ChannelID:   1,
		ContentKind: models.ContentRandom,
		ScheduledAt: past,
		CredentialRef: "cred",
	}
	if err := s.AppendSlots([]models.Slot{slot}); err != nil {
		t.Fatalf("append slots: %v", err)
	}

	log, _ := logger.New("error", "console")
	m := New(mgr, &fakeNotifier{}, log)
	m.runCleanup(context.Background())

	due, err := s.ListDueSlots(time.Now())
	if err != nil {
		t.Fatalf("list due slots: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected stale slot to be deleted, still found %d", len(due))
	}
}

func TestRunCleanupKeepsSlotsOfActiveRandomStreams(t *testing.T) {
	mgr, s := newTestManager(t)
	t.Cleanup(func() { mgr.CloseAll() })

	if _, err := s.Exec(`INSERT INTO random_posts (id, donors_json, targets_json, credential_ref, active) VALUES (1, '[]', '[]', 'cred', 1)`); err != nil {
		t.Fatalf("seed random stream: %v", err)
	}
	var streamID int64 = 1

	past := time.Now().Add(-48 * time.Hour)
	slot := models.Slot{
		ChannelID:     1,
		ContentKind:   models.ContentRandom,
		ScheduledAt:   past,
		CredentialRef: "cred",
		StreamRef:     &streamID,
	}
	if err := s.AppendSlots([]models.Slot{slot}); err != nil {
		t.Fatalf("append slots: %v", err)
	}

	log, _ := logger.New("error", "console")
	m := New(mgr, &fakeNotifier{}, log)
	m.runCleanup(context.Background())

	due, err := s.ListDueSlots(time.Now())
	if err != nil {
		t.Fatalf("list due slots: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected the active stream's past slot to survive cleanup, found %d", len(due))
	}
}

func TestRunLicenseNoticesWarnsBeforeExpiry(t *testing.T) {
	mgr, s := newTestManager(t)
	t.Cleanup(func() { mgr.CloseAll() })

	trialStart := time.Now().AddDate(0, 0, -2)
	_, err := s.Exec(
		`INSERT INTO info (telegram_user_id, username, trial_started_at, trial_days) VALUES (1, 'tester', ?, 3)`,
		trialStart.UTC().Format(time.RFC3339),
	)
	if err != nil {
		t.Fatalf("seed info row: %v", err)
	}

	notifier := &fakeNotifier{}
	log, _ := logger.New("error", "console")
	m := New(mgr, notifier, log)
	m.runLicenseNotices(context.Background())

	if notifier.expiringCalls != 1 {
		t.Fatalf("expected 1 expiring notice, got %d", notifier.expiringCalls)
	}
}

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/content"
	"github.com/kandev/tgsched/internal/fetch"
	"github.com/kandev/tgsched/internal/publish"
	"github.com/kandev/tgsched/internal/session"
	"github.com/kandev/tgsched/internal/tenant/models"
	"github.com/kandev/tgsched/internal/tenant/store"
)

type fakeReader struct {
	messages []session.Message
}

func (f *fakeReader) ReadRecent(ctx context.Context, ref string, limit int) ([]session.Message, error) {
	return f.messages, nil
}
func (f *fakeReader) Close() error { return nil }

type fakeDialer struct {
	reader *fakeReader
}

func (d *fakeDialer) Dial(ctx context.Context, credentialRef string) (session.UpstreamReader, error) {
	return d.reader, nil
}

type countingPublisher struct {
	calls   int32
	fail    bool
	mu      sync.Mutex
	sources []int64
}

func (p *countingPublisher) Publish(ctx context.Context, channelID int64, candidate *fetch.Candidate) error {
	atomic.AddInt32(&p.calls, 1)
	p.mu.Lock()
	p.sources = append(p.sources, candidate.SourceID)
	p.mu.Unlock()
	if p.fail {
		return errors.New("publish failed")
	}
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("error", "console")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return l
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "telegram_tester_1.db"), testLogger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(t *testing.T, messages []session.Message, pub publish.Publisher) *Engine {
	t.Helper()
	return newEngineWithCaps(t, messages, pub, Caps{})
}

func newEngineWithCaps(t *testing.T, messages []session.Message, pub publish.Publisher, caps Caps) *Engine {
	t.Helper()
	log := testLogger(t)
	pool := session.NewPool(&fakeDialer{reader: &fakeReader{messages: messages}}, time.Minute, log)
	f := fetch.NewFetcher(pool, "main-cred")
	gate := publish.NewGate(pub, 4, 0, 0, log)
	return New(nil, f, gate, Intervals{}, caps, nil, log)
}

func TestRunRandomSlotPublishesAndCommits(t *testing.T) {
	s := newTestStore(t)
	pub := &countingPublisher{}
	e := newEngine(t, []session.Message{
		{ID: 1, Kind: "text", Text: "hello world", PostedAt: time.Now()},
	}, pub)

	slot := models.Slot{
		ChannelID:       5,
		ContentKind:     models.ContentRandom,
		ScheduledAt:     time.Now(),
		DonorsSnapshot:  []models.ChannelRef{models.HandleRef("donor")},
		TargetsSnapshot: []int64{5},
		FreshnessDays:   30,
		CredentialRef:   "cred",
	}
	if err := s.AppendSlots([]models.Slot{slot}); err != nil {
		t.Fatalf("append slots: %v", err)
	}
	due, err := s.ListDueSlots(time.Now().Add(time.Minute))
	if err != nil || len(due) != 1 {
		t.Fatalf("list due slots: %v / %d", err, len(due))
	}

	e.runRandomSlot(context.Background(), s, due[0], testLogger(t))

	if atomic.LoadInt32(&pub.calls) != 1 {
		t.Fatalf("expected exactly 1 publish call, got %d", pub.calls)
	}

	stillDue, err := s.ListDueSlots(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("list due slots after run: %v", err)
	}
	if len(stillDue) != 0 {
		t.Fatalf("expected slot to be committed and no longer pending")
	}
}

func TestRunRandomSlotAbsorbsWhenNoEligibleContent(t *testing.T) {
	s := newTestStore(t)
	pub := &countingPublisher{}
	e := newEngine(t, []session.Message{
		{ID: 1, Kind: "sticker", PostedAt: time.Now()},
	}, pub)

	slot := models.Slot{
		ChannelID:       5,
		ContentKind:     models.ContentRandom,
		ScheduledAt:     time.Now(),
		DonorsSnapshot:  []models.ChannelRef{models.HandleRef("donor")},
		TargetsSnapshot: []int64{5},
		FreshnessDays:   30,
		CredentialRef:   "cred",
	}
	if err := s.AppendSlots([]models.Slot{slot}); err != nil {
		t.Fatalf("append slots: %v", err)
	}
	due, _ := s.ListDueSlots(time.Now().Add(time.Minute))

	e.runRandomSlot(context.Background(), s, due[0], testLogger(t))

	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("expected no publish calls for an all-sticker donor")
	}
	stillDue, _ := s.ListDueSlots(time.Now().Add(time.Minute))
	if len(stillDue) != 0 {
		t.Fatalf("expected slot to be absorbed (committed) rather than left pending")
	}
}

func TestRunRandomSlotReleasesDedupOnPublishFailure(t *testing.T) {
	s := newTestStore(t)
	pub := &countingPublisher{fail: true}
	e := newEngine(t, []session.Message{
		{ID: 1, Kind: "text", Text: "hello world", PostedAt: time.Now()},
	}, pub)

	slot := models.Slot{
		ChannelID:       5,
		ContentKind:     models.ContentRandom,
		ScheduledAt:     time.Now(),
		DonorsSnapshot:  []models.ChannelRef{models.HandleRef("donor")},
		TargetsSnapshot: []int64{5},
		FreshnessDays:   30,
		CredentialRef:   "cred",
	}
	if err := s.AppendSlots([]models.Slot{slot}); err != nil {
		t.Fatalf("append slots: %v", err)
	}
	due, _ := s.ListDueSlots(time.Now().Add(time.Minute))

	e.runRandomSlot(context.Background(), s, due[0], testLogger(t))

	// The single publish attempt failed, so the dedup reservation must have
	// been released along with the slot, leaving the channel free to try the
	// same fingerprint again later.
	fp := content.Fingerprint("text", "", "hello world", nil)
	if err := s.ReserveDedup(5, fp); err != nil {
		t.Fatalf("expected dedup to be released after failed publishes: %v", err)
	}
}

func TestRunRandomSlotReleasesWhenDonorSnapshotEmpty(t *testing.T) {
	s := newTestStore(t)
	pub := &countingPublisher{}
	e := newEngine(t, nil, pub)

	slot := models.Slot{
		ChannelID:       5,
		ContentKind:     models.ContentRandom,
		ScheduledAt:     time.Now(),
		DonorsSnapshot:  nil,
		TargetsSnapshot: []int64{5},
		FreshnessDays:   30,
		CredentialRef:   "cred",
	}
	if err := s.AppendSlots([]models.Slot{slot}); err != nil {
		t.Fatalf("append slots: %v", err)
	}
	due, _ := s.ListDueSlots(time.Now().Add(time.Minute))

	e.runRandomSlot(context.Background(), s, due[0], testLogger(t))

	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("expected no publish calls with an empty donor snapshot")
	}
	stillPending, err := s.ListDueSlots(time.Now().Add(time.Minute))
	if err != nil || len(stillPending) != 1 {
		t.Fatalf("expected slot released back to pending, got %d due (%v)", len(stillPending), err)
	}
}

func TestRunRandomSlotAbsorbsOnDailyCap(t *testing.T) {
	s := newTestStore(t)
	pub := &countingPublisher{}
	e := newEngineWithCaps(t, []session.Message{
		{ID: 1, Kind: "text", Text: "hello world", PostedAt: time.Now()},
	}, pub, Caps{MaxPostsPerDay: 1})

	// Pre-existing dedup record today already meets the cap.
	if err := s.ReserveDedup(5, "already-published"); err != nil {
		t.Fatalf("seed dedup: %v", err)
	}

	slot := models.Slot{
		ChannelID:       5,
		ContentKind:     models.ContentRandom,
		ScheduledAt:     time.Now(),
		DonorsSnapshot:  []models.ChannelRef{models.HandleRef("donor")},
		TargetsSnapshot: []int64{5},
		FreshnessDays:   30,
		CredentialRef:   "cred",
	}
	if err := s.AppendSlots([]models.Slot{slot}); err != nil {
		t.Fatalf("append slots: %v", err)
	}
	due, _ := s.ListDueSlots(time.Now().Add(time.Minute))

	e.runRandomSlot(context.Background(), s, due[0], testLogger(t))

	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("expected the daily cap to absorb the slot without publishing")
	}
	stillDue, _ := s.ListDueSlots(time.Now().Add(time.Minute))
	if len(stillDue) != 0 {
		t.Fatalf("expected the capped slot to be committed (absorbed), not left pending")
	}
}

func TestRunRandomSlotReleasesOnSpacingCap(t *testing.T) {
	s := newTestStore(t)
	pub := &countingPublisher{}
	e := newEngineWithCaps(t, []session.Message{
		{ID: 1, Kind: "text", Text: "hello world", PostedAt: time.Now()},
	}, pub, Caps{MinSecondsBetweenPosts: 3600})

	if err := s.ReserveDedup(5, "just-published"); err != nil {
		t.Fatalf("seed dedup: %v", err)
	}

	slot := models.Slot{
		ChannelID:       5,
		ContentKind:     models.ContentRandom,
		ScheduledAt:     time.Now(),
		DonorsSnapshot:  []models.ChannelRef{models.HandleRef("donor")},
		TargetsSnapshot: []int64{5},
		FreshnessDays:   30,
		CredentialRef:   "cred",
	}
	if err := s.AppendSlots([]models.Slot{slot}); err != nil {
		t.Fatalf("append slots: %v", err)
	}
	due, _ := s.ListDueSlots(time.Now().Add(time.Minute))

	e.runRandomSlot(context.Background(), s, due[0], testLogger(t))

	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("expected the spacing cap to defer the publish")
	}
	stillDue, _ := s.ListDueSlots(time.Now().Add(time.Minute))
	if len(stillDue) != 1 {
		t.Fatalf("expected the slot released back to pending for retry next tick, got %d due", len(stillDue))
	}
}

func TestRunRepostStreamBaselinesWithoutPublishing(t *testing.T) {
	s := newTestStore(t)
	pub := &countingPublisher{}
	e := newEngine(t, []session.Message{
		{ID: 53, Kind: "text", Text: "m3", PostedAt: time.Now()},
		{ID: 52, Kind: "photo", PostedAt: time.Now()},
		{ID: 51, Kind: "text", Text: "m1", PostedAt: time.Now()},
	}, pub)

	rs := models.RepostStream{
		ID:                1,
		DonorRef:          models.HandleRef("donor"),
		Targets:           []int64{300},
		LastSeenMessageID: 0,
		CredentialRef:     "cred",
		Active:            true,
	}

	e.runRepostStream(context.Background(), s, rs, testLogger(t))

	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("expected baseline poll to publish nothing, got %d calls", pub.calls)
	}
}

func TestRunRepostStreamPublishesTailInOrder(t *testing.T) {
	s := newTestStore(t)
	pub := &countingPublisher{}
	e := newEngine(t, []session.Message{
		{ID: 53, Kind: "text", Text: "goodbye @d", PostedAt: time.Now()},
		{ID: 52, Kind: "photo", PostedAt: time.Now()},
		{ID: 51, Kind: "text", Text: "hello @d", PostedAt: time.Now()},
	}, pub)

	rs := models.RepostStream{
		ID:                1,
		DonorRef:          models.HandleRef("d"),
		Targets:           []int64{300},
		LastSeenMessageID: 50,
		CredentialRef:     "cred",
		Active:            true,
	}

	e.runRepostStream(context.Background(), s, rs, testLogger(t))

	if atomic.LoadInt32(&pub.calls) != 3 {
		t.Fatalf("expected 3 publishes (51, 52, 53), got %d", pub.calls)
	}
	want := []int64{51, 52, 53}
	for i, id := range want {
		if pub.sources[i] != id {
			t.Fatalf("expected publishes in order %v, got %v", want, pub.sources)
		}
	}
}

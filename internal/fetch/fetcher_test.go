package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/session"
	"github.com/kandev/tgsched/internal/tenant/models"
)

type fakeReader struct {
	messages []session.Message
}

func (f *fakeReader) ReadRecent(ctx context.Context, ref string, limit int) ([]session.Message, error) {
	if limit < len(f.messages) {
		return f.messages[:limit], nil
	}
	return f.messages, nil
}
func (f *fakeReader) Close() error { return nil }

type fakeDialer struct {
	reader      *fakeReader
	lastDialRef string
}

func (d *fakeDialer) Dial(ctx context.Context, credentialRef string) (session.UpstreamReader, error) {
	d.lastDialRef = credentialRef
	return d.reader, nil
}

func newFetcherWithMessages(t *testing.T, messages []session.Message) *Fetcher {
	t.Helper()
	log, err := logger.New("error", "console")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	pool := session.NewPool(&fakeDialer{reader: &fakeReader{messages: messages}}, time.Minute, log)
	return NewFetcher(pool, "main-cred")
}

func TestFetchRandomFiltersStaleMessages(t *testing.T) {
	now := time.Now()
	messages := []session.Message{
		{ID: 1, Kind: "text", Text: "fresh one", PostedAt: now},
		{ID: 2, Kind: "text", Text: "too old", PostedAt: now.AddDate(0, 0, -10)},
	}
	f := newFetcherWithMessages(t, messages)

	cand, err := f.FetchRandom(context.Background(), models.HandleRef("donor"), 3, false, "cred")
	if err != nil {
		t.Fatalf("fetch random: %v", err)
	}
	if cand == nil {
		t.Fatalf("expected a candidate")
	}
	if cand.SourceID != 1 {
		t.Fatalf("expected the fresh message to be picked, got source %d", cand.SourceID)
	}
}

func TestFetchRandomReturnsNilWhenNothingEligible(t *testing.T) {
	messages := []session.Message{
		{ID: 1, Kind: "sticker", PostedAt: time.Now()},
	}
	f := newFetcherWithMessages(t, messages)

	cand, err := f.FetchRandom(context.Background(), models.HandleRef("donor"), 3, false, "cred")
	if err != nil {
		t.Fatalf("fetch random: %v", err)
	}
	if cand != nil {
		t.Fatalf("expected no candidate for an all-sticker donor")
	}
}

func TestCoalesceAlbumsPrefersCaptionedSibling(t *testing.T) {
	now := time.Now()
	messages := []session.Message{
		{ID: 1, Kind: "photo", MediaGroupID: "g1", Caption: "", PostedAt: now},
		{ID: 2, Kind: "photo", MediaGroupID: "g1", Caption: "album caption", PostedAt: now},
		{ID: 3, Kind: "photo", MediaGroupID: "g1", Caption: "", PostedAt: now},
	}
	out := coalesceAlbums(messages)
	if len(out) != 1 {
		t.Fatalf("expected album to coalesce to 1 message, got %d", len(out))
	}
	if out[0].ID != 2 {
		t.Fatalf("expected captioned sibling (id 2) to win, got id %d", out[0].ID)
	}
}

func TestFetchRandomResolvesPublicSourceToMainCredential(t *testing.T) {
	log, err := logger.New("error", "console")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	dialer := &fakeDialer{reader: &fakeReader{messages: []session.Message{
		{ID: 1, Kind: "text", Text: "hi", PostedAt: time.Now()},
	}}}
	pool := session.NewPool(dialer, time.Minute, log)
	f := NewFetcher(pool, "main-cred")

	if _, err := f.FetchRandom(context.Background(), models.HandleRef("donor"), 3, true, "tenant-cred"); err != nil {
		t.Fatalf("fetch random: %v", err)
	}
	if dialer.lastDialRef != "main-cred" {
		t.Fatalf("expected a public donor to dial the main credential, got %q", dialer.lastDialRef)
	}
}

func TestFetchRandomUsesTenantCredentialWhenNotPublic(t *testing.T) {
	log, err := logger.New("error", "console")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	dialer := &fakeDialer{reader: &fakeReader{messages: []session.Message{
		{ID: 1, Kind: "text", Text: "hi", PostedAt: time.Now()},
	}}}
	pool := session.NewPool(dialer, time.Minute, log)
	f := NewFetcher(pool, "main-cred")

	if _, err := f.FetchRandom(context.Background(), models.HandleRef("donor"), 3, false, "tenant-cred"); err != nil {
		t.Fatalf("fetch random: %v", err)
	}
	if dialer.lastDialRef != "tenant-cred" {
		t.Fatalf("expected a non-public donor to dial the tenant's own credential, got %q", dialer.lastDialRef)
	}
}

func TestCoalesceAlbumsLeavesStandaloneMessagesAlone(t *testing.T) {
	messages := []session.Message{
		{ID: 1, Kind: "text"},
		{ID: 2, Kind: "text"},
	}
	out := coalesceAlbums(messages)
	if len(out) != 2 {
		t.Fatalf("expected 2 standalone messages, got %d", len(out))
	}
}

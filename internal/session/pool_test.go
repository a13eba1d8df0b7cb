package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/tgsched/internal/common/logger"
)

type fakeReader struct {
	closed bool
}

func (f *fakeReader) ReadRecent(ctx context.Context, ref string, limit int) ([]Message, error) {
	return nil, nil
}
func (f *fakeReader) Close() error { f.closed = true; return nil }

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	closed []string
}

func (d *fakeDialer) Dial(ctx context.Context, credentialRef string) (UpstreamReader, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return &fakeReader{}, nil
}

func newPoolForTest(t *testing.T, ttl time.Duration) (*Pool, *fakeDialer) {
	t.Helper()
	log, err := logger.New("error", "console")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	d := &fakeDialer{}
	return NewPool(d, ttl, log), d
}

func TestAcquireCachesSession(t *testing.T) {
	p, d := newPoolForTest(t, time.Minute)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "cred-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := p.Acquire(ctx, "cred-a"); err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if d.dials != 1 {
		t.Fatalf("expected 1 dial, got %d", d.dials)
	}
	if p.Size() != 1 {
		t.Fatalf("expected 1 cached session, got %d", p.Size())
	}
}

func TestAcquireEmptyCredentialFails(t *testing.T) {
	p, _ := newPoolForTest(t, time.Minute)
	if _, err := p.Acquire(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty credential")
	}
}

func TestGCEvictsIdleSessions(t *testing.T) {
	p, _ := newPoolForTest(t, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "cred-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	p.GC()

	if p.Size() != 0 {
		t.Fatalf("expected idle session to be evicted, size=%d", p.Size())
	}
}

func TestInvalidateForcesRedial(t *testing.T) {
	p, d := newPoolForTest(t, time.Minute)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "cred-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Invalidate("cred-a")
	if _, err := p.Acquire(ctx, "cred-a"); err != nil {
		t.Fatalf("acquire after invalidate: %v", err)
	}
	if d.dials != 2 {
		t.Fatalf("expected 2 dials after invalidate, got %d", d.dials)
	}
}

// Package session maintains a pool of cached upstream reader sessions keyed
// by credential reference, so repeated fetches against the same linked
// account reuse one connection instead of re-authenticating every tick.
package session

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/common/logger"
)

// Message is a minimal view of an upstream message, independent of whatever
// wire protocol a concrete UpstreamReader speaks to obtain it.
type Message struct {
	ID           int64
	MediaGroupID string
	Caption      string
	Text         string
	Kind         string
	MediaBytes   []byte
	PostedAt     time.Time
}

// UpstreamReader is the abstraction over a single authenticated upstream
// session capable of reading messages from a donor channel.
type UpstreamReader interface {
	// ReadRecent returns up to limit of the most recent messages from ref,
	// newest first.
	ReadRecent(ctx context.Context, ref string, limit int) ([]Message, error)
	// Close releases any resources (connections, file handles) held by the session.
	Close() error
}

// Dialer constructs a new UpstreamReader for a credential reference.
type Dialer interface {
	Dial(ctx context.Context, credentialRef string) (UpstreamReader, error)
}

type entry struct {
	reader   UpstreamReader
	lastUsed time.Time
}

// Pool caches one UpstreamReader per credential, evicting sessions idle
// longer than ttl on each GC pass.
type Pool struct {
	dialer Dialer
	ttl    time.Duration
	log    *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewPool builds a session pool that dials new sessions via dialer and
// evicts ones idle for longer than ttl.
func NewPool(dialer Dialer, ttl time.Duration, log *logger.Logger) *Pool {
	return &Pool{
		dialer:  dialer,
		ttl:     ttl,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the cached reader for credentialRef, dialing a fresh one
// if none is cached or the dial previously failed.
func (p *Pool) Acquire(ctx context.Context, credentialRef string) (UpstreamReader, error) {
	if credentialRef == "" {
		return nil, apperrors.CredentialMissing(credentialRef)
	}

	p.mu.Lock()
	if e, ok := p.entries[credentialRef]; ok {
		e.lastUsed = time.Now()
		reader := e.reader
		p.mu.Unlock()
		return reader, nil
	}
	p.mu.Unlock()

	reader, err := p.dialer.Dial(ctx, credentialRef)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("dial upstream session", err)
	}

	p.mu.Lock()
	p.entries[credentialRef] = &entry{reader: reader, lastUsed: time.Now()}
	p.mu.Unlock()

	return reader, nil
}

// Invalidate drops a cached session, forcing the next Acquire to redial.
// Callers do this after an upstream call fails in a way that suggests the
// session itself is stale (expired auth, disconnected transport).
func (p *Pool) Invalidate(credentialRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[credentialRef]; ok {
		e.reader.Close()
		delete(p.entries, credentialRef)
	}
}

// GC closes and evicts sessions that have been idle longer than the pool's ttl.
func (p *Pool) GC() {
	cutoff := time.Now().Add(-p.ttl)

	p.mu.Lock()
	defer p.mu.Unlock()
	for ref, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			e.reader.Close()
			delete(p.entries, ref)
			p.log.Debug("evicted idle session")
		}
	}
}

// Run starts a GC loop on the given interval, stopping when ctx is cancelled.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.CloseAll()
			return
		case <-ticker.C:
			p.GC()
		}
	}
}

// CloseAll closes every cached session, for use on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ref, e := range p.entries {
		e.reader.Close()
		delete(p.entries, ref)
	}
}

// Size reports the number of currently cached sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

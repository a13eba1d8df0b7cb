// Package fetch implements random donor-post sampling with album
// coalescing, freshness filtering, and link stripping.
package fetch

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/content"
	"github.com/kandev/tgsched/internal/session"
	"github.com/kandev/tgsched/internal/tenant/models"
)

// maxScanMessages bounds how many recent messages a single fetch will walk
// before giving up on finding a fresh, eligible candidate.
const maxScanMessages = 100

// randomAcceptableKinds are the content kinds fetch_random will consider,
// per spec §4.3 step 5: text, photo, or video only.
var randomAcceptableKinds = map[string]bool{
	"text":  true,
	"photo": true,
	"video": true,
}

// repostAcceptableKinds additionally covers the richer set of payload kinds
// a RepostStream mirrors verbatim (spec §4.6.3).
var repostAcceptableKinds = map[string]bool{
	"text":     true,
	"photo":    true,
	"video":    true,
	"document": true,
	"audio":    true,
	"voice":    true,
	"sticker":  true,
}

// Candidate is a donor message selected for republication, with its links
// already stripped and its fingerprint pre-computed.
type Candidate struct {
	Kind        string
	Caption     string
	Text        string
	MediaBytes  []byte
	MediaRef    string
	Fingerprint string
	SourceID    int64
	// ForwardRef carries a one-shot repost slot's "_{channel}_{message_id}"
	// reference; when set the Publisher forwards the original message
	// instead of reconstructing it from Text/Caption (spec §4.6.1).
	ForwardRef string
}

// Fetcher samples content from donor channels via a session pool.
type Fetcher struct {
	pool           *session.Pool
	mainCredential string
	rng            *rand.Rand
}

// NewFetcher builds a Fetcher drawing sessions from pool. mainCredential is
// the tenant-independent main upstream credential loaded from
// {SESSIONS_DIR}/session_string.txt, used whenever a donor is a public
// source instead of the tenant's own linked-account credential.
func NewFetcher(pool *session.Pool, mainCredential string) *Fetcher {
	return &Fetcher{pool: pool, mainCredential: mainCredential, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// resolveCredential selects the tenant-independent main credential for
// public donors, else the tenant's own linked-account credential ref (spec
// §4.3 step 1, §4.6.3 step 1).
func (f *Fetcher) resolveCredential(isPublic bool, credentialRef string) string {
	if isPublic {
		return f.mainCredential
	}
	return credentialRef
}

// FetchRandom reads up to maxScanMessages recent messages from donorRef,
// keeps only ones within freshnessDays and of an acceptable kind, coalesces
// album siblings sharing a media-group id (preferring the captioned one),
// and returns one uniformly-random survivor. Returns nil, nil if nothing
// eligible was found.
func (f *Fetcher) FetchRandom(ctx context.Context, donorRef models.ChannelRef, freshnessDays int, isPublic bool, credentialRef string) (*Candidate, error) {
	reader, err := f.pool.Acquire(ctx, f.resolveCredential(isPublic, credentialRef))
	if err != nil {
		return nil, err
	}

	messages, err := reader.ReadRecent(ctx, donorRef.String(), maxScanMessages)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("read donor messages", err)
	}

	cutoff := time.Now().AddDate(0, 0, -freshnessDays)
	eligible := make([]session.Message, 0, len(messages))
	for _, m := range messages {
		if m.PostedAt.Before(cutoff) {
			// Messages are newest-first; once we're past the freshness
			// window nothing older will qualify either.
			break
		}
		if !randomAcceptableKinds[m.Kind] {
			continue
		}
		eligible = append(eligible, m)
	}

	if len(eligible) == 0 {
		return nil, nil
	}

	eligible = coalesceAlbums(eligible)
	pick := eligible[f.rng.Intn(len(eligible))]

	cleanCaption := content.Clean(pick.Caption)
	cleanText := content.Clean(pick.Text)
	fp := content.Fingerprint(pick.Kind, cleanCaption, cleanText, pick.MediaBytes)

	return &Candidate{
		Kind:        pick.Kind,
		Caption:     cleanCaption,
		Text:        cleanText,
		MediaBytes:  pick.MediaBytes,
		Fingerprint: fp,
		SourceID:    pick.ID,
	}, nil
}

// Tip returns the id of the most recent message on donorRef, or 0 if the
// donor has no messages at all. Used to baseline a RepostStream on its
// first poll without republishing history (spec §4.6.3 step 2).
func (f *Fetcher) Tip(ctx context.Context, donorRef models.ChannelRef, isPublic bool, credentialRef string) (int64, error) {
	reader, err := f.pool.Acquire(ctx, f.resolveCredential(isPublic, credentialRef))
	if err != nil {
		return 0, err
	}

	messages, err := reader.ReadRecent(ctx, donorRef.String(), 1)
	if err != nil {
		return 0, apperrors.UpstreamUnavailable("read donor tip", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}
	return messages[0].ID, nil
}

// ReadNewSince returns every eligible donor message newer than
// lastSeenMessageID, oldest first, ready to mirror into a repost stream's
// targets. Unlike FetchRandom, every eligible message is returned rather
// than a single uniform sample.
func (f *Fetcher) ReadNewSince(ctx context.Context, donorRef models.ChannelRef, lastSeenMessageID int64, isPublic bool, credentialRef string) ([]*Candidate, error) {
	reader, err := f.pool.Acquire(ctx, f.resolveCredential(isPublic, credentialRef))
	if err != nil {
		return nil, err
	}

	messages, err := reader.ReadRecent(ctx, donorRef.String(), maxScanMessages)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("read donor messages", err)
	}

	eligible := make([]session.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID <= lastSeenMessageID {
			break
		}
		if !repostAcceptableKinds[m.Kind] {
			continue
		}
		eligible = append(eligible, m)
	}

	eligible = coalesceAlbums(eligible)

	candidates := make([]*Candidate, 0, len(eligible))
	for i := len(eligible) - 1; i >= 0; i-- {
		m := eligible[i]
		cleanCaption := content.Clean(m.Caption)
		cleanText := content.Clean(m.Text)
		fp := content.Fingerprint(m.Kind, cleanCaption, cleanText, m.MediaBytes)
		candidates = append(candidates, &Candidate{
			Kind:        m.Kind,
			Caption:     cleanCaption,
			Text:        cleanText,
			MediaBytes:  m.MediaBytes,
			Fingerprint: fp,
			SourceID:    m.ID,
		})
	}
	return candidates, nil
}

// coalesceAlbums collapses messages sharing a non-empty media-group id down
// to a single representative, preferring the sibling carrying the caption
// (Telegram attaches the album caption to exactly one message in the group).
func coalesceAlbums(messages []session.Message) []session.Message {
	out := make([]session.Message, 0, len(messages))
	byGroup := make(map[string]int) // media group id -> index in out

	for _, m := range messages {
		if m.MediaGroupID == "" {
			out = append(out, m)
			continue
		}
		if idx, ok := byGroup[m.MediaGroupID]; ok {
			if out[idx].Caption == "" && m.Caption != "" {
				out[idx] = m
			}
			continue
		}
		byGroup[m.MediaGroupID] = len(out)
		out = append(out, m)
	}
	return out
}

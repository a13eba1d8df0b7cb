// Package engine implements the Slot Engine: the tick-loop scheduler that
// walks every tenant's due slots and active streams, and decides what gets
// published where and when.
package engine

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/events"
	"github.com/kandev/tgsched/internal/fetch"
	"github.com/kandev/tgsched/internal/publish"
	"github.com/kandev/tgsched/internal/tenant/models"
	"github.com/kandev/tgsched/internal/tenant/store"
)

// maxRandomAttempts bounds how many times the random pass will resample a
// fresh donor post for a single slot before absorbing it unpublished.
const maxRandomAttempts = 5

// periodicFreshnessDays and periodicInterval are hard-coded per spec §9: the
// predecessor never made these configurable and this port keeps that.
const (
	periodicFreshnessDays = 7
	periodicInterval      = 6 * time.Hour
)

// backfillInterval is how often the backfill pass tops up future random
// slots once the tick loop is running; it also always runs once at startup.
const backfillInterval = 15 * time.Minute

// Intervals configures how often each scheduling pass runs.
type Intervals struct {
	PostCheck       time.Duration
	PeriodicCheck   time.Duration
	DonorCheck      time.Duration
	RandomPostCheck time.Duration
}

// Caps holds the random pass's per-channel safety caps (spec §4.6.2 step 6).
// Zero values disable the corresponding cap, matching the environment
// defaults of MIN_SECONDS_BETWEEN_POSTS_PER_CHANNEL / MAX_POSTS_PER_CHANNEL_PER_DAY.
type Caps struct {
	MinSecondsBetweenPosts int
	MaxPostsPerDay         int
}

// Engine is the tick-loop scheduler driving all tenants.
type Engine struct {
	tenants   *store.Manager
	fetcher   *fetch.Fetcher
	gate      *publish.Gate
	intervals Intervals
	caps      Caps
	bus       events.Bus
	log       *logger.Logger
	rng       *rand.Rand
}

// New builds an Engine. bus may be nil, in which case telemetry events are
// simply not emitted.
func New(tenants *store.Manager, fetcher *fetch.Fetcher, gate *publish.Gate, intervals Intervals, caps Caps, bus events.Bus, log *logger.Logger) *Engine {
	return &Engine{
		tenants:   tenants,
		fetcher:   fetcher,
		gate:      gate,
		intervals: intervals,
		caps:      caps,
		bus:       bus,
		log:       log,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) emit(eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(eventType, data); err != nil {
		e.log.WithError(err).Debug("emit event failed")
	}
}

// Run drives the tick loop until ctx is cancelled. Each pass has its own
// ticker and cadence; all passes run one at a time on this goroutine, so a
// slow pass delays the next one until it returns. The
// backfill pass additionally runs once immediately, matching spec §4.6.5:
// "Backfill runs both at startup and at most every 15 minutes."
func (e *Engine) Run(ctx context.Context) {
	postTicker := time.NewTicker(e.intervals.PostCheck)
	randomTicker := time.NewTicker(e.intervals.RandomPostCheck)
	repostTicker := time.NewTicker(e.intervals.DonorCheck)
	periodicTicker := time.NewTicker(e.intervals.PeriodicCheck)
	backfillTicker := time.NewTicker(backfillInterval)
	defer postTicker.Stop()
	defer randomTicker.Stop()
	defer repostTicker.Stop()
	defer periodicTicker.Stop()
	defer backfillTicker.Stop()

	e.forEachTenant(ctx, e.runBackfillPass)

	for {
		select {
		case <-ctx.Done():
			return
		case <-postTicker.C:
			e.forEachTenant(ctx, e.runOneShotPass)
		case <-randomTicker.C:
			e.forEachTenant(ctx, e.runRandomPass)
		case <-repostTicker.C:
			e.forEachTenant(ctx, e.runRepostPass)
		case <-periodicTicker.C:
			e.forEachTenant(ctx, e.runPeriodicPass)
		case <-backfillTicker.C:
			e.forEachTenant(ctx, e.runBackfillPass)
		}
	}
}

func (e *Engine) forEachTenant(ctx context.Context, pass func(context.Context, int64, *store.Store)) {
	for tenantID, s := range e.tenants.All() {
		if ctx.Err() != nil {
			return
		}
		pass(ctx, tenantID, s)
	}
}

// runOneShotPass publishes every due slot whose content is already embedded
// (text/media supplied directly by the tenant, not sampled from a donor).
func (e *Engine) runOneShotPass(ctx context.Context, tenantID int64, s *store.Store) {
	log := e.log.WithTenant(tenantID)

	due, err := s.ListDueSlots(time.Now())
	if err != nil {
		log.WithError(err).Error("list due slots")
		return
	}

	for _, slot := range due {
		if slot.ContentKind == models.ContentRandom {
			// Random-kind slots are driven by runRandomPass, which also
			// needs to sample a donor post before publishing.
			continue
		}
		e.publishEmbeddedSlot(ctx, s, slot, log)
	}
}

func (e *Engine) publishEmbeddedSlot(ctx context.Context, s *store.Store, slot models.Slot, log *logger.Logger) {
	if err := s.ReserveSlot(slot.ID); err != nil {
		if !apperrors.Is(err, apperrors.ErrCodeRaceLost) {
			log.WithError(err).Error("reserve slot")
		}
		return
	}

	candidate := &fetch.Candidate{
		Kind:    string(slot.ContentKind),
		Caption: slot.ContentPayload,
		Text:    slot.ContentPayload,
	}
	if slot.ContentKind == models.ContentRepost {
		// content is "_{source_channel_id}_{source_message_id}" and is
		// forwarded verbatim, per spec §4.6.1.
		candidate.ForwardRef = slot.ContentPayload
	}

	err := e.gate.Publish(ctx, slot.ChannelID, candidate)
	if err != nil {
		log.WithError(err).Warn("publish embedded slot failed, releasing for retry")
		if releaseErr := s.ReleaseSlot(slot.ID); releaseErr != nil {
			log.WithError(releaseErr).Error("release slot after failed publish")
		}
		e.emit(events.TypeSlotFailed, map[string]interface{}{"slot_id": slot.ID, "channel_id": slot.ChannelID})
		return
	}

	if err := s.CommitSlot(slot.ID); err != nil {
		log.WithError(err).Error("commit slot")
	}
	e.emit(events.TypeSlotPublished, map[string]interface{}{
		"slot_id": slot.ID, "channel_id": slot.ChannelID, "delay_seconds": time.Since(slot.ScheduledAt).Seconds(),
	})
}

// runRandomPass drives slots produced by random streams through the
// sample/fingerprint/dedup/publish protocol, retrying with a fresh donor
// sample up to maxRandomAttempts times before absorbing the slot unpublished.
func (e *Engine) runRandomPass(ctx context.Context, tenantID int64, s *store.Store) {
	log := e.log.WithTenant(tenantID)

	due, err := s.ListDueSlots(time.Now())
	if err != nil {
		log.WithError(err).Error("list due random slots")
		return
	}

	for _, slot := range due {
		if slot.ContentKind != models.ContentRandom {
			continue
		}
		e.runRandomSlot(ctx, s, slot, log)
	}
}

func (e *Engine) runRandomSlot(ctx context.Context, s *store.Store, slot models.Slot, log *logger.Logger) {
	// Defensive parse guard: the SQL predicate already excludes future slots,
	// but a slot whose scheduled_at somehow failed to parse defaults to the
	// zero time, which would always be "due" — skip anything not safely in
	// the past.
	if slot.ScheduledAt.IsZero() || slot.ScheduledAt.After(time.Now()) {
		return
	}

	if err := s.ReserveSlot(slot.ID); err != nil {
		if !apperrors.Is(err, apperrors.ErrCodeRaceLost) {
			log.WithError(err).Error("reserve random slot")
		}
		return
	}

	if len(slot.DonorsSnapshot) == 0 {
		log.Warn("random slot has no donor snapshot, releasing")
		_ = s.ReleaseSlot(slot.ID)
		return
	}

	// The caps are evaluated before this slot reserves a fingerprint of its
	// own, so only earlier publications to the channel count against them.
	blocked, reason := e.capBlocks(s, slot.ChannelID, log)
	if blocked && reason == "spacing_cap" {
		// Spacing cap: release the slot so it's retried next tick. No
		// candidate has been sampled yet, so no dedup reservation is held.
		if err := s.ReleaseSlot(slot.ID); err != nil {
			log.WithError(err).Error("release random slot on spacing cap")
		}
		return
	}

	var candidate *fetch.Candidate
	var fingerprint string

	for attempt := 0; attempt < maxRandomAttempts; attempt++ {
		donor := slot.DonorsSnapshot[e.rng.Intn(len(slot.DonorsSnapshot))]

		c, err := e.fetcher.FetchRandom(ctx, donor, slot.FreshnessDays, slot.IsPublicSource, slot.CredentialRef)
		if err != nil {
			log.WithError(err).Warn("fetch random candidate failed")
			continue
		}
		if c == nil {
			continue
		}

		if err := s.ReserveDedup(slot.ChannelID, c.Fingerprint); err != nil {
			// Already published to this channel; try another sample.
			continue
		}

		candidate = c
		fingerprint = c.Fingerprint
		break
	}

	if candidate == nil {
		// All retries exhausted (no donor content, or every sample
		// duplicated): absorb the slot to preserve cadence without drift.
		log.Warn("random slot absorbed after exhausting retries")
		if err := s.CommitSlot(slot.ID); err != nil {
			log.WithError(err).Error("absorb random slot")
		}
		e.emit(events.TypeSlotAbsorbed, map[string]interface{}{"slot_id": slot.ID, "channel_id": slot.ChannelID, "reason": "retries_exhausted"})
		return
	}

	if blocked {
		// Daily cap hit: commit the slot as absorbed. The dedup
		// reservation just taken is left in place per spec §4.6.2 step 6
		// — this deliberately spends the fingerprint even though nothing
		// was sent, since the cap existing at all means this channel
		// shouldn't receive more content today regardless of candidate.
		if err := s.CommitSlot(slot.ID); err != nil {
			log.WithError(err).Error("absorb random slot on daily cap")
		}
		e.emit(events.TypeSlotAbsorbed, map[string]interface{}{"slot_id": slot.ID, "channel_id": slot.ChannelID, "reason": "daily_cap"})
		return
	}

	if err := e.gate.Publish(ctx, slot.ChannelID, candidate); err != nil {
		log.WithError(err).Warn("publish random candidate failed, releasing slot and dedup")
		if releaseErr := s.ReleaseSlot(slot.ID); releaseErr != nil {
			log.WithError(releaseErr).Error("release random slot after failed publish")
		}
		if releaseErr := s.ReleaseDedup(slot.ChannelID, fingerprint); releaseErr != nil {
			log.WithError(releaseErr).Error("release dedup after failed publish")
		}
		e.emit(events.TypeSlotFailed, map[string]interface{}{"slot_id": slot.ID, "channel_id": slot.ChannelID})
		return
	}

	if err := s.CommitSlot(slot.ID); err != nil {
		log.WithError(err).Error("commit random slot")
	}
	if slot.StreamRef != nil {
		now := time.Now()
		if err := s.SetRandomStreamLastPost(*slot.StreamRef, now); err != nil {
			log.WithError(err).Error("set random stream last post")
		}
		future, err := s.FutureSlotTimesForStream(*slot.StreamRef, now)
		if err != nil {
			log.WithError(err).Error("list future slot times for stream")
		} else if err := s.UnionFutureTimes(*slot.StreamRef, future, now); err != nil {
			log.WithError(err).Error("recompute upcoming slot times")
		}
	}
	e.emit(events.TypeSlotPublished, map[string]interface{}{
		"slot_id": slot.ID, "channel_id": slot.ChannelID, "delay_seconds": time.Since(slot.ScheduledAt).Seconds(),
	})
}

// capBlocks evaluates the random pass's safety caps (spec §4.6.2 step 6)
// against the dedup table's published_at history for channelID. It returns
// blocked=true and a reason of "daily_cap" or "spacing_cap" if either
// configured cap is currently in effect.
func (e *Engine) capBlocks(s *store.Store, channelID int64, log *logger.Logger) (blocked bool, reason string) {
	if e.caps.MaxPostsPerDay > 0 {
		n, err := s.CountDedupSince(channelID, startOfDay(time.Now()))
		if err != nil {
			log.WithError(err).Error("count dedup for daily cap")
		} else if n >= e.caps.MaxPostsPerDay {
			return true, "daily_cap"
		}
	}
	if e.caps.MinSecondsBetweenPosts > 0 {
		last, err := s.LastDedupPublishedAt(channelID)
		if err != nil {
			log.WithError(err).Error("last dedup published at for spacing cap")
		} else if last != nil && time.Since(*last) < time.Duration(e.caps.MinSecondsBetweenPosts)*time.Second {
			return true, "spacing_cap"
		}
	}
	return false, ""
}

// runRepostPass mirrors every new donor message since a stream's
// last-seen-message-id into all of its targets, in chronological order.
func (e *Engine) runRepostPass(ctx context.Context, tenantID int64, s *store.Store) {
	log := e.log.WithTenant(tenantID)

	streams, err := s.ListActiveRepostStreams()
	if err != nil {
		log.WithError(err).Error("list repost streams")
		return
	}

	for _, rs := range streams {
		e.runRepostStream(ctx, s, rs, log)
	}
}

func (e *Engine) runRepostStream(ctx context.Context, s *store.Store, rs models.RepostStream, log *logger.Logger) {
	if rs.LastSeenMessageID == 0 {
		// Baseline step: adopt the donor's current tip without republishing
		// history (spec §4.6.3 step 2, invariant I4).
		tip, err := e.fetcher.Tip(ctx, rs.DonorRef, rs.IsPublicSource, rs.CredentialRef)
		if err != nil {
			log.WithError(err).Warn("baseline repost stream failed")
			return
		}
		if err := s.BumpLastSeen(rs.ID, tip); err != nil {
			log.WithError(err).Error("baseline repost stream")
			return
		}
		e.emit(events.TypeStreamBaselined, map[string]interface{}{"stream_id": rs.ID, "baselined_to": tip})
		return
	}

	messages, err := e.fetcher.ReadNewSince(ctx, rs.DonorRef, rs.LastSeenMessageID, rs.IsPublicSource, rs.CredentialRef)
	if err != nil {
		log.WithError(err).Warn("read repost donor failed")
		return
	}
	if len(messages) == 0 {
		return
	}

	var maxSeen int64 = rs.LastSeenMessageID
	for _, m := range messages {
		for _, target := range rs.Targets {
			if err := s.ReserveDedup(target, m.Fingerprint); err != nil {
				continue
			}
			if err := e.gate.Publish(ctx, target, m); err != nil {
				log.WithError(err).Warn("repost publish failed")
				_ = s.ReleaseDedup(target, m.Fingerprint)
				continue
			}
			e.emit(events.TypeSlotPublished, map[string]interface{}{"channel_id": target, "stream_id": rs.ID, "source_message_id": m.SourceID})
		}
		if m.SourceID > maxSeen {
			maxSeen = m.SourceID
		}
	}

	if maxSeen != rs.LastSeenMessageID {
		if err := s.BumpLastSeen(rs.ID, maxSeen); err != nil {
			log.WithError(err).Error("bump repost last seen")
		}
	}
}

// runPeriodicPass publishes one fresh random sample per periodic stream
// every fixed interval, independent of the configurable PeriodicCheck
// ticker cadence — the predecessor hard-codes this window and its freshness.
func (e *Engine) runPeriodicPass(ctx context.Context, tenantID int64, s *store.Store) {
	log := e.log.WithTenant(tenantID)

	streams, err := s.ListActivePeriodicStreams()
	if err != nil {
		log.WithError(err).Error("list periodic streams")
		return
	}

	now := time.Now()
	for _, ps := range streams {
		if ps.LastPostTime != nil && now.Sub(*ps.LastPostTime) < periodicInterval {
			continue
		}

		candidate, err := e.fetcher.FetchRandom(ctx, ps.DonorRef, periodicFreshnessDays, ps.IsPublicSource, ps.CredentialRef)
		if err != nil {
			log.WithError(err).Warn("fetch periodic candidate failed")
			continue
		}
		if candidate == nil {
			continue
		}

		published := false
		for _, target := range ps.Targets {
			if err := s.ReserveDedup(target, candidate.Fingerprint); err != nil {
				continue
			}
			if err := e.gate.Publish(ctx, target, candidate); err != nil {
				log.WithError(err).Warn("periodic publish failed")
				_ = s.ReleaseDedup(target, candidate.Fingerprint)
				continue
			}
			published = true
		}

		if published {
			if err := s.SetPeriodicStreamLastPost(ps.ID, now); err != nil {
				log.WithError(err).Error("set periodic last post")
			}
		}
	}
}

package store

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/tenant/models"
)

const timeLayout = time.RFC3339

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ReserveSlot atomically transitions a pending slot to reserved via a
// conditional UPDATE. Returns apperrors.RaceLost if another worker already
// claimed it.
func (s *Store) ReserveSlot(slotID int64) error {
	res, err := s.db.Exec(
		`UPDATE posts SET published = ?, last_attempt_at = ? WHERE id = ? AND published = ?`,
		models.Reserved, formatTime(time.Now()), slotID, models.Pending,
	)
	if err != nil {
		return apperrors.StorageCorrupt("reserve slot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.StorageCorrupt("reserve slot rows affected", err)
	}
	if n != 1 {
		return apperrors.RaceLost(fmt.Sprintf("slot %d already claimed", slotID))
	}
	return nil
}

// CommitSlot marks a reserved slot as done, regardless of whether it was
// actually published (absorption commits without publishing).
func (s *Store) CommitSlot(slotID int64) error {
	_, err := s.db.Exec(`UPDATE posts SET published = ? WHERE id = ?`, models.Done, slotID)
	if err != nil {
		return apperrors.StorageCorrupt("commit slot", err)
	}
	return nil
}

// ReleaseSlot reverts a reserved slot back to pending, for use when a
// publish attempt fails and should be retried on a later tick.
func (s *Store) ReleaseSlot(slotID int64) error {
	_, err := s.db.Exec(`UPDATE posts SET published = ? WHERE id = ? AND published = ?`,
		models.Pending, slotID, models.Reserved)
	if err != nil {
		return apperrors.StorageCorrupt("release slot", err)
	}
	return nil
}

// ReserveDedup attempts to claim a (channel, fingerprint) pair. Returns
// apperrors.DuplicateContent if the pair was already recorded.
func (s *Store) ReserveDedup(channelID int64, fingerprint string) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO published_dedup (channel_id, fingerprint, published_at) VALUES (?, ?, ?)`,
		channelID, fingerprint, formatTime(time.Now()),
	)
	if err != nil {
		return apperrors.StorageCorrupt("reserve dedup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.StorageCorrupt("reserve dedup rows affected", err)
	}
	if n == 0 {
		return apperrors.DuplicateContent(channelID, fingerprint)
	}
	return nil
}

// ReleaseDedup removes a previously reserved dedup record, for use when a
// publish attempt using it ultimately fails and must be retried with a
// fresh sample.
func (s *Store) ReleaseDedup(channelID int64, fingerprint string) error {
	_, err := s.db.Exec(`DELETE FROM published_dedup WHERE channel_id = ? AND fingerprint = ?`,
		channelID, fingerprint)
	if err != nil {
		return apperrors.StorageCorrupt("release dedup", err)
	}
	return nil
}

// ListDueSlots returns all pending slots scheduled at or before asOf.
func (s *Store) ListDueSlots(asOf time.Time) ([]models.Slot, error) {
	rows, err := s.db.Query(
		`SELECT id, channel_id, content_kind, content_payload, media_ref, scheduled_at,
		        published, stream_ref, donors_snapshot_json, targets_snapshot_json,
		        freshness_days, credential_ref, is_public_source
		 FROM posts WHERE published = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC`,
		models.Pending, formatTime(asOf),
	)
	if err != nil {
		return nil, apperrors.StorageCorrupt("list due slots", err)
	}
	defer rows.Close()

	var out []models.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, nil
}

// FutureSlotTimesForStream returns the scheduled_at of every still-pending
// slot belonging to streamID with a scheduled time after now, used to
// recompute a RandomStream's upcoming_slot_times after a successful publish
// (spec I3).
func (s *Store) FutureSlotTimesForStream(streamID int64, now time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(
		`SELECT scheduled_at FROM posts WHERE stream_ref = ? AND published = ? AND scheduled_at > ?`,
		streamID, models.Pending, formatTime(now),
	)
	if err != nil {
		return nil, apperrors.StorageCorrupt("list future slot times for stream", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, apperrors.StorageCorrupt("scan future slot time", err)
		}
		if t, err := time.Parse(timeLayout, raw); err == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSlot(row scannable) (models.Slot, error) {
	var slot models.Slot
	var scheduledAt string
	var streamRef *int64
	var donorsJSON, targetsJSON string
	var published int
	var isPublic int

	err := row.Scan(
		&slot.ID, &slot.ChannelID, &slot.ContentKind, &slot.ContentPayload, &slot.MediaRef,
		&scheduledAt, &published, &streamRef, &donorsJSON, &targetsJSON,
		&slot.FreshnessDays, &slot.CredentialRef, &isPublic,
	)
	if err != nil {
		return models.Slot{}, apperrors.StorageCorrupt("scan slot", err)
	}

	slot.Published = models.PublishState(published)
	slot.IsPublicSource = isPublic != 0
	slot.StreamRef = streamRef

	if t, perr := time.Parse(timeLayout, scheduledAt); perr == nil {
		slot.ScheduledAt = t
	}

	var targets []int64
	_ = json.Unmarshal([]byte(targetsJSON), &targets)
	slot.TargetsSnapshot = targets

	var rawDonors []json.RawMessage
	_ = json.Unmarshal([]byte(donorsJSON), &rawDonors)
	slot.DonorsSnapshot = decodeRefs(rawDonors)

	return slot, nil
}

func decodeRefs(raw []json.RawMessage) []models.ChannelRef {
	refs := make([]models.ChannelRef, 0, len(raw))
	for _, r := range raw {
		var asInt int64
		if err := json.Unmarshal(r, &asInt); err == nil {
			refs = append(refs, models.NumericRef(asInt))
			continue
		}
		var asStr string
		if err := json.Unmarshal(r, &asStr); err == nil {
			refs = append(refs, models.HandleRef(asStr))
		}
	}
	return refs
}

// AppendSlots inserts new pending slots, typically produced by the random
// pass's backfill step.
func (s *Store) AppendSlots(slots []models.Slot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.StorageBusy("begin append slots tx", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO posts (channel_id, content_kind, content_payload, media_ref, scheduled_at,
		                     published, stream_ref, donors_snapshot_json, targets_snapshot_json,
		                     freshness_days, credential_ref, is_public_source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback()
		return apperrors.StorageCorrupt("prepare append slots", err)
	}
	defer stmt.Close()

	for _, slot := range slots {
		donorStrs := make([]string, 0, len(slot.DonorsSnapshot))
		for _, d := range slot.DonorsSnapshot {
			donorStrs = append(donorStrs, d.String())
		}
		_, err := stmt.Exec(
			slot.ChannelID, slot.ContentKind, slot.ContentPayload, slot.MediaRef,
			formatTime(slot.ScheduledAt), models.Pending, slot.StreamRef,
			marshalJSON(donorStrs), marshalJSON(slot.TargetsSnapshot),
			slot.FreshnessDays, slot.CredentialRef, boolToInt(slot.IsPublicSource),
		)
		if err != nil {
			tx.Rollback()
			return apperrors.StorageCorrupt("insert slot", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.StorageBusy("commit append slots tx", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListActiveRandomStreams returns every active random stream for this tenant.
func (s *Store) ListActiveRandomStreams() ([]models.RandomStream, error) {
	rows, err := s.db.Query(
		`SELECT id, donors_json, targets_json, posts_per_day_per_target, freshness_days,
		        credential_ref, is_public_source, last_post_time, upcoming_slot_times_json
		 FROM random_posts WHERE active = 1`,
	)
	if err != nil {
		return nil, apperrors.StorageCorrupt("list random streams", err)
	}
	defer rows.Close()

	var out []models.RandomStream
	for rows.Next() {
		var rs models.RandomStream
		var donorsJSON, targetsJSON, upcomingJSON string
		var lastPost *string
		var isPublic int
		if err := rows.Scan(&rs.ID, &donorsJSON, &targetsJSON, &rs.PostsPerDayPerTarget,
			&rs.FreshnessDays, &rs.CredentialRef, &isPublic, &lastPost, &upcomingJSON); err != nil {
			return nil, apperrors.StorageCorrupt("scan random stream", err)
		}
		rs.IsPublicSource = isPublic != 0

		var rawDonors []json.RawMessage
		_ = json.Unmarshal([]byte(donorsJSON), &rawDonors)
		rs.Donors = decodeRefs(rawDonors)

		_ = json.Unmarshal([]byte(targetsJSON), &rs.Targets)

		if lastPost != nil {
			if t, err := time.Parse(timeLayout, *lastPost); err == nil {
				rs.LastPostTime = &t
			}
		}

		var upcomingStrs []string
		_ = json.Unmarshal([]byte(upcomingJSON), &upcomingStrs)
		for _, ts := range upcomingStrs {
			if t, err := time.Parse(timeLayout, ts); err == nil {
				rs.UpcomingSlotTimes = append(rs.UpcomingSlotTimes, t)
			}
		}

		out = append(out, rs)
	}
	return out, nil
}

// ListActiveRepostStreams returns every active repost stream for this tenant.
func (s *Store) ListActiveRepostStreams() ([]models.RepostStream, error) {
	rows, err := s.db.Query(
		`SELECT id, donor_ref, targets_json, last_seen_message_id, credential_ref,
		        is_public_source, freshness_days
		 FROM repost_streams WHERE active = 1`,
	)
	if err != nil {
		return nil, apperrors.StorageCorrupt("list repost streams", err)
	}
	defer rows.Close()

	var out []models.RepostStream
	for rows.Next() {
		var rs models.RepostStream
		var donorRef, targetsJSON string
		var isPublic int
		if err := rows.Scan(&rs.ID, &donorRef, &targetsJSON, &rs.LastSeenMessageID,
			&rs.CredentialRef, &isPublic, &rs.FreshnessDays); err != nil {
			return nil, apperrors.StorageCorrupt("scan repost stream", err)
		}
		rs.IsPublicSource = isPublic != 0
		rs.DonorRef = parseRefString(donorRef)
		_ = json.Unmarshal([]byte(targetsJSON), &rs.Targets)
		out = append(out, rs)
	}
	return out, nil
}

// ListActivePeriodicStreams returns every active periodic stream for this tenant.
func (s *Store) ListActivePeriodicStreams() ([]models.PeriodicStream, error) {
	rows, err := s.db.Query(
		`SELECT id, donor_ref, targets_json, last_post_time, credential_ref, is_public_source
		 FROM periodic_posts WHERE active = 1`,
	)
	if err != nil {
		return nil, apperrors.StorageCorrupt("list periodic streams", err)
	}
	defer rows.Close()

	var out []models.PeriodicStream
	for rows.Next() {
		var ps models.PeriodicStream
		var donorRef, targetsJSON string
		var lastPost *string
		var isPublic int
		if err := rows.Scan(&ps.ID, &donorRef, &targetsJSON, &lastPost, &ps.CredentialRef, &isPublic); err != nil {
			return nil, apperrors.StorageCorrupt("scan periodic stream", err)
		}
		ps.IsPublicSource = isPublic != 0
		ps.DonorRef = parseRefString(donorRef)
		_ = json.Unmarshal([]byte(targetsJSON), &ps.Targets)
		if lastPost != nil {
			if t, err := time.Parse(timeLayout, *lastPost); err == nil {
				ps.LastPostTime = &t
			}
		}
		out = append(out, ps)
	}
	return out, nil
}

func parseRefString(raw string) models.ChannelRef {
	var asInt int64
	if _, err := fmt.Sscanf(raw, "%d", &asInt); err == nil && fmt.Sprintf("%d", asInt) == raw {
		return models.NumericRef(asInt)
	}
	return models.HandleRef(raw)
}

// BumpLastSeen advances a repost stream's last-seen message id, so the next
// donor scan picks up only messages newer than what's already been mirrored.
func (s *Store) BumpLastSeen(streamID, messageID int64) error {
	_, err := s.db.Exec(`UPDATE repost_streams SET last_seen_message_id = ? WHERE id = ?`, messageID, streamID)
	if err != nil {
		return apperrors.StorageCorrupt("bump last seen", err)
	}
	return nil
}

// UnionFutureTimes merges newTimes into a random stream's upcoming-slot
// schedule, deduplicating and keeping only timestamps still in the future.
func (s *Store) UnionFutureTimes(streamID int64, newTimes []time.Time, now time.Time) error {
	row := s.db.QueryRow(`SELECT upcoming_slot_times_json FROM random_posts WHERE id = ?`, streamID)
	var existingJSON string
	if err := row.Scan(&existingJSON); err != nil {
		return apperrors.StorageCorrupt("read upcoming slot times", err)
	}

	var existingStrs []string
	_ = json.Unmarshal([]byte(existingJSON), &existingStrs)

	seen := make(map[string]bool, len(existingStrs)+len(newTimes))
	var merged []string
	for _, ts := range existingStrs {
		t, err := time.Parse(timeLayout, ts)
		if err != nil || !t.After(now) {
			continue
		}
		if !seen[ts] {
			seen[ts] = true
			merged = append(merged, ts)
		}
	}
	for _, t := range newTimes {
		if !t.After(now) {
			continue
		}
		ts := formatTime(t)
		if !seen[ts] {
			seen[ts] = true
			merged = append(merged, ts)
		}
	}

	encoded := marshalJSON(merged)
	_, err := s.db.Exec(`UPDATE random_posts SET upcoming_slot_times_json = ? WHERE id = ?`, encoded, streamID)
	if err != nil {
		return apperrors.StorageCorrupt("write upcoming slot times", err)
	}
	return nil
}

// SetRandomStreamLastPost records the timestamp of the most recent
// publication made by a random stream.
func (s *Store) SetRandomStreamLastPost(streamID int64, t time.Time) error {
	_, err := s.db.Exec(`UPDATE random_posts SET last_post_time = ? WHERE id = ?`, formatTime(t), streamID)
	if err != nil {
		return apperrors.StorageCorrupt("set random stream last post", err)
	}
	return nil
}

// SetPeriodicStreamLastPost records the timestamp of the most recent
// publication made by a periodic stream.
func (s *Store) SetPeriodicStreamLastPost(streamID int64, t time.Time) error {
	_, err := s.db.Exec(`UPDATE periodic_posts SET last_post_time = ? WHERE id = ?`, formatTime(t), streamID)
	if err != nil {
		return apperrors.StorageCorrupt("set periodic stream last post", err)
	}
	return nil
}

// CountPendingSlotsInWindow returns how many pending random slots already
// exist for (streamID, channelID) with scheduled_at in [start, end), so the
// backfill pass only tops up the gap to the stream's daily quota.
func (s *Store) CountPendingSlotsInWindow(streamID, channelID int64, start, end time.Time) (int, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*) FROM posts WHERE stream_ref = ? AND channel_id = ? AND content_kind = ?
		 AND published = ? AND scheduled_at >= ? AND scheduled_at < ?`,
		streamID, channelID, models.ContentRandom, models.Pending, formatTime(start), formatTime(end),
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperrors.StorageCorrupt("count pending slots in window", err)
	}
	return n, nil
}

// CountDedupSince returns how many dedup records were recorded for
// channelID at or after since, used by the random pass's daily publish cap
// (spec §4.6.2 step 6, evaluated against DedupRecord.published_at).
func (s *Store) CountDedupSince(channelID int64, since time.Time) (int, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*) FROM published_dedup WHERE channel_id = ? AND published_at >= ?`,
		channelID, formatTime(since),
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperrors.StorageCorrupt("count dedup since", err)
	}
	return n, nil
}

// LastDedupPublishedAt returns the most recent published_at timestamp
// recorded for channelID, or nil if nothing has ever published there.
// Backs the random pass's minimum-spacing cap.
func (s *Store) LastDedupPublishedAt(channelID int64) (*time.Time, error) {
	row := s.db.QueryRow(`SELECT MAX(published_at) FROM published_dedup WHERE channel_id = ?`, channelID)
	var raw *string
	if err := row.Scan(&raw); err != nil {
		return nil, apperrors.StorageCorrupt("last dedup published at", err)
	}
	if raw == nil {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, *raw)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}

// GetInfo returns the tenant's own identity/license row.
func (s *Store) GetInfo() (models.Info, error) {
	row := s.db.QueryRow(
		`SELECT telegram_user_id, username, trial_started_at, trial_days, subscription_until, last_license_notice FROM info LIMIT 1`,
	)
	var info models.Info
	var trialStarted string
	var subUntil, lastNotice *string
	if err := row.Scan(&info.TelegramUserID, &info.Username, &trialStarted, &info.TrialDays, &subUntil, &lastNotice); err != nil {
		return models.Info{}, apperrors.StorageCorrupt("read tenant info", err)
	}
	if t, err := time.Parse(timeLayout, trialStarted); err == nil {
		info.TrialStartedAt = t
	}
	if subUntil != nil {
		if t, err := time.Parse(timeLayout, *subUntil); err == nil {
			info.SubscriptionUntil = &t
		}
	}
	if lastNotice != nil {
		if t, err := time.Parse(timeLayout, *lastNotice); err == nil {
			info.LastLicenseNotice = &t
		}
	}
	return info, nil
}

// SetLastLicenseNotice records when a trial/subscription-expiry notice was
// last sent, so the maintenance loop's 24h throttle can check it cheaply.
func (s *Store) SetLastLicenseNotice(t time.Time) error {
	_, err := s.db.Exec(`UPDATE info SET last_license_notice = ?`, formatTime(t))
	if err != nil {
		return apperrors.StorageCorrupt("set last license notice", err)
	}
	return nil
}

// DeletePastUnpublishedSlots drops every pending slot whose scheduled time
// has already passed without being reserved, of any content kind, except
// 'random'-kind slots still tied to an active RandomStream (those are left
// for the backfill pass to reconcile rather than silently discarded).
func (s *Store) DeletePastUnpublishedSlots(before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM posts WHERE published = ? AND scheduled_at < ?
		 AND NOT (content_kind = ? AND stream_ref IS NOT NULL AND stream_ref IN (SELECT id FROM random_posts WHERE active = 1))`,
		models.Pending, formatTime(before), models.ContentRandom,
	)
	if err != nil {
		return 0, apperrors.StorageCorrupt("cleanup past unpublished slots", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Optimize runs SQLite's incremental optimizer, mirroring the predecessor's
// periodic optimize_database maintenance step.
func (s *Store) Optimize() error {
	if _, err := s.db.Exec(`PRAGMA optimize`); err != nil {
		return apperrors.StorageCorrupt("optimize database", err)
	}
	return nil
}

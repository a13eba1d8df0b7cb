package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/tenant/models"
	"github.com/kandev/tgsched/internal/tenant/store"
)

// minLeadTime is how far into the future the earliest generated slot must
// land, so a freshly-generated schedule never fires before the engine has a
// chance to pick it up.
const minLeadTime = 2 * time.Minute

// runBackfillPass tops up each active random stream's schedule so every
// target has PostsPerDayPerTarget slots queued for today and tomorrow.
func (e *Engine) runBackfillPass(ctx context.Context, tenantID int64, s *store.Store) {
	log := e.log.WithTenant(tenantID)

	streams, err := s.ListActiveRandomStreams()
	if err != nil {
		log.WithError(err).Error("list random streams for backfill")
		return
	}

	now := time.Now()
	for _, rs := range streams {
		e.backfillStream(s, rs, now, log)
	}
}

// lateNightCutoff is the point in a day after which a generated slot is
// pushed into tomorrow's first lateNightPushMinutes instead, so nothing
// lands in the last minute of the day.
var lateNightCutoff = struct{ hour, minute int }{23, 59}

const lateNightPushMinutes = 10

func (e *Engine) backfillStream(s *store.Store, rs models.RandomStream, now time.Time, log *logger.Logger) {
	for idx, target := range rs.Targets {
		// Concurrent targets of the same stream are offset by (index) minutes
		// so they don't all land on the same instant.
		targetOffset := time.Duration(idx) * time.Minute

		todayStart := startOfDay(now)
		windows := []struct {
			start, end  time.Time
			clampFuture bool
		}{
			{todayStart, todayStart.Add(24 * time.Hour), true},
			{todayStart.AddDate(0, 0, 1), todayStart.AddDate(0, 0, 1).Add(24 * time.Hour), false},
		}

		for _, win := range windows {
			existing, err := s.CountPendingSlotsInWindow(rs.ID, target, win.start, win.end)
			if err != nil {
				log.WithError(err).Error("count pending slots for backfill")
				continue
			}

			need := rs.PostsPerDayPerTarget - existing
			if need <= 0 {
				continue
			}

			windowStart := win.start
			if win.clampFuture && windowStart.Before(now) {
				windowStart = now.Add(minLeadTime)
			}
			windowStart = windowStart.Add(targetOffset)
			if !win.end.After(windowStart) {
				continue
			}

			times := generateSlotTimes(windowStart, win.end, need)
			if len(times) == 0 {
				continue
			}
			if win.clampFuture {
				times = pushLateNightSlots(times)
			}

			streamID := rs.ID
			slots := make([]models.Slot, 0, len(times))
			for _, t := range times {
				slots = append(slots, models.Slot{
					ChannelID:       target,
					ContentKind:     models.ContentRandom,
					ScheduledAt:     t,
					StreamRef:       &streamID,
					DonorsSnapshot:  rs.Donors,
					TargetsSnapshot: []int64{target},
					FreshnessDays:   rs.FreshnessDays,
					CredentialRef:   rs.CredentialRef,
					IsPublicSource:  rs.IsPublicSource,
				})
			}

			if err := s.AppendSlots(slots); err != nil {
				log.WithError(err).Error("append backfill slots")
				continue
			}
			if err := s.UnionFutureTimes(rs.ID, times, now); err != nil {
				log.WithError(err).Error("record backfill slot times")
			}
		}
	}
}

// pushLateNightSlots moves any slot landing in the day's last minute
// (23:59) into the first lateNightPushMinutes of the following day, per the
// backfill pass's end-of-day clamp.
func pushLateNightSlots(times []time.Time) []time.Time {
	out := make([]time.Time, len(times))
	for i, t := range times {
		if t.Hour() == lateNightCutoff.hour && t.Minute() == lateNightCutoff.minute {
			nextDay := startOfDay(t).AddDate(0, 0, 1)
			offset := time.Duration(t.Second()%(lateNightPushMinutes*60)) * time.Second
			t = nextDay.Add(offset)
		}
		out[i] = t
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// generateSlotTimes distributes need publication times across
// [windowStart, windowEnd). When the window is wide relative to need it
// samples uniformly at random; when the window is narrow it falls back to
// even step spacing so slots don't bunch up near the end of the day.
func generateSlotTimes(windowStart, windowEnd time.Time, need int) []time.Time {
	remaining := windowEnd.Sub(windowStart)
	if remaining <= 0 || need <= 0 {
		return nil
	}

	remainingMinutes := int(remaining.Minutes())
	times := make([]time.Time, 0, need)

	if remainingMinutes > need*2 {
		for i := 0; i < need; i++ {
			offset := time.Duration(rand.Int63n(int64(remaining))) //nolint:gosec
			times = append(times, windowStart.Add(offset))
		}
	} else {
		step := remaining / time.Duration(need+1)
		for i := 1; i <= need; i++ {
			times = append(times, windowStart.Add(step*time.Duration(i)))
		}
	}

	return times
}

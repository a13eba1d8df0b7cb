package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/fetch"
)

// Gate bounds how many publishes run concurrently, serializes publishes
// against the same channel, and enforces a minimum spacing and daily cap
// per channel.
type Gate struct {
	publisher Publisher
	log       *logger.Logger

	sem chan struct{}

	minSpacing time.Duration
	dailyCap   int

	mu           sync.Mutex
	channelLocks map[int64]*sync.Mutex
	limiters     map[int64]*rate.Limiter
	dayCounts    map[int64]*dayCounter
}

type dayCounter struct {
	day   string
	count int
}

// NewGate builds a Gate allowing maxConcurrent simultaneous publishes,
// spacing consecutive publishes to the same channel by at least minSpacing,
// and capping each channel to dailyCap publishes per day.
func NewGate(publisher Publisher, maxConcurrent int, minSpacing time.Duration, dailyCap int, log *logger.Logger) *Gate {
	return &Gate{
		publisher:    publisher,
		log:          log,
		sem:          make(chan struct{}, maxConcurrent),
		minSpacing:   minSpacing,
		dailyCap:     dailyCap,
		channelLocks: make(map[int64]*sync.Mutex),
		limiters:     make(map[int64]*rate.Limiter),
		dayCounts:    make(map[int64]*dayCounter),
	}
}

func (g *Gate) lockFor(channelID int64) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.channelLocks[channelID]
	if !ok {
		l = &sync.Mutex{}
		g.channelLocks[channelID] = l
	}
	return l
}

func (g *Gate) limiterFor(channelID int64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[channelID]
	if !ok {
		every := g.minSpacing
		if every <= 0 {
			every = time.Millisecond
		}
		l = rate.NewLimiter(rate.Every(every), 1)
		g.limiters[channelID] = l
	}
	return l
}

func (g *Gate) withinDailyCap(channelID int64) bool {
	if g.dailyCap <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	c, ok := g.dayCounts[channelID]
	if !ok || c.day != today {
		c = &dayCounter{day: today, count: 0}
		g.dayCounts[channelID] = c
	}
	return c.count < g.dailyCap
}

func (g *Gate) recordPublish(channelID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	today := time.Now().Format("2006-01-02")
	c, ok := g.dayCounts[channelID]
	if !ok || c.day != today {
		c = &dayCounter{day: today}
		g.dayCounts[channelID] = c
	}
	c.count++
}

// Publish acquires a global concurrency slot and the channel's own lock,
// waits out the channel's rate limiter, and delegates to the underlying
// Publisher. Returns apperrors.RateLimited if the channel has hit its daily
// publish cap.
func (g *Gate) Publish(ctx context.Context, channelID int64, candidate *fetch.Candidate) error {
	if !g.withinDailyCap(channelID) {
		return apperrors.RateLimited(fmt.Sprintf("channel %d hit its daily publish cap", channelID))
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return apperrors.Cancelled("publish cancelled waiting for concurrency slot")
	}
	defer func() { <-g.sem }()

	lock := g.lockFor(channelID)
	lock.Lock()
	defer lock.Unlock()

	limiter := g.limiterFor(channelID)
	if err := limiter.Wait(ctx); err != nil {
		return apperrors.Cancelled("publish cancelled waiting for rate limiter")
	}

	if err := g.publisher.Publish(ctx, channelID, candidate); err != nil {
		return err
	}

	g.recordPublish(channelID)
	return nil
}

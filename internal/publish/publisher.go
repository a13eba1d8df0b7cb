// Package publish implements the Publisher Gate: bounded concurrency,
// per-channel serialization, and rate limiting around the act of posting
// content to a Telegram channel.
package publish

import (
	"context"

	"github.com/kandev/tgsched/internal/fetch"
)

// Publisher sends a single piece of content to a channel.
type Publisher interface {
	Publish(ctx context.Context, channelID int64, candidate *fetch.Candidate) error
}

package main

import (
	"context"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/session"
)

// unimplementedDialer is the session.Dialer placeholder for the upstream
// reader transport: authenticating as a Telegram user account and reading
// donor channel history speaks a wire protocol outside this scheduler's
// scope. A real deployment swaps this for a client built against that
// protocol; the session pool, fetcher, and engine above are already wired
// against the session.UpstreamReader interface and don't change.
type unimplementedDialer struct{}

func (unimplementedDialer) Dial(ctx context.Context, credentialRef string) (session.UpstreamReader, error) {
	return nil, apperrors.UpstreamUnavailable("upstream reader transport not configured", nil)
}

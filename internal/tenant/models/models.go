// Package models defines the per-tenant entities persisted by the Tenant Store.
package models

import "time"

// ContentKind enumerates the kinds of content a Slot can carry.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentPhoto    ContentKind = "photo"
	ContentVideo    ContentKind = "video"
	ContentDocument ContentKind = "document"
	ContentAudio    ContentKind = "audio"
	ContentVoice    ContentKind = "voice"
	ContentSticker  ContentKind = "sticker"
	ContentRepost   ContentKind = "repost"
	ContentRandom   ContentKind = "random"
)

// PublishState is the tri-state lifecycle of a Slot.
type PublishState int

const (
	Pending  PublishState = 0
	Reserved PublishState = -1
	Done     PublishState = 1
)

// ChannelRefKind tags a ChannelRef as either a numeric id or a handle/name.
type ChannelRefKind int

const (
	RefNumeric ChannelRefKind = iota
	RefHandle
)

// ChannelRef is a tagged variant over the ways a donor or target channel can
// be named: a resolved numeric id, or an @username / bare name still to be
// resolved against the upstream reader.
type ChannelRef struct {
	Kind    ChannelRefKind
	Numeric int64
	Handle  string
}

// NumericRef builds a ChannelRef for an already-resolved channel id.
func NumericRef(id int64) ChannelRef {
	return ChannelRef{Kind: RefNumeric, Numeric: id}
}

// HandleRef builds a ChannelRef for an @username or bare donor name.
func HandleRef(handle string) ChannelRef {
	return ChannelRef{Kind: RefHandle, Handle: handle}
}

// String renders the ref the way it would be persisted in a JSON column.
func (r ChannelRef) String() string {
	if r.Kind == RefNumeric {
		return formatInt(r.Numeric)
	}
	return r.Handle
}

func formatInt(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// LinkedAccount is an upstream Telegram user account authenticated by the tenant.
type LinkedAccount struct {
	ID         int64
	Phone      string
	Credential string
	IsMain     bool
	Label      string
	CreatedAt  time.Time
}

// Channel is a published-to or read-from channel.
type Channel struct {
	ID        int64
	ChannelID int64
	Username  string
	Title     string
	IsDonor   bool
}

// RepostStream continuously republishes new donor messages into all targets.
type RepostStream struct {
	ID                int64
	DonorRef          ChannelRef
	Targets           []int64
	LastSeenMessageID int64
	CredentialRef     string
	IsPublicSource    bool
	FreshnessDays     int
	Active            bool
}

// RandomStream produces PostsPerDayPerTarget publications per target per
// day, sampled from the donor set.
type RandomStream struct {
	ID                  int64
	Donors              []ChannelRef
	Targets             []int64
	PostsPerDayPerTarget int
	FreshnessDays       int
	CredentialRef       string
	IsPublicSource      bool
	Active              bool
	LastPostTime        *time.Time
	UpcomingSlotTimes   []time.Time
}

// PeriodicStream publishes one random sample every 6 hours (fixed).
type PeriodicStream struct {
	ID             int64
	DonorRef       ChannelRef
	Targets        []int64
	LastPostTime   *time.Time
	CredentialRef  string
	IsPublicSource bool
	Active         bool
}

// Slot is a unit of scheduled publication work.
type Slot struct {
	ID              int64
	ChannelID       int64
	ContentKind     ContentKind
	ContentPayload  string
	MediaRef        string
	ScheduledAt     time.Time
	Published       PublishState
	LastAttemptAt   *time.Time
	StreamRef       *int64
	DonorsSnapshot  []ChannelRef
	TargetsSnapshot []int64
	FreshnessDays   int
	CredentialRef   string
	IsPublicSource  bool
}

// DedupRecord marks a fingerprint as already published to a channel.
type DedupRecord struct {
	ChannelID   int64
	Fingerprint string
	PublishedAt time.Time
}

// Info is the tenant's own identity and license bookkeeping row.
type Info struct {
	TelegramUserID    int64
	Username          string
	TrialStartedAt    time.Time
	TrialDays         int
	SubscriptionUntil *time.Time
	LastLicenseNotice *time.Time
}

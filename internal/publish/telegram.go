package publish

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/fetch"
)

// botSender is the subset of *tgbotapi.BotAPI the publisher needs, kept as
// an interface so tests can substitute a fake without hitting the network.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramPublisher publishes candidates to Telegram channels via the bot API.
type TelegramPublisher struct {
	bot botSender
}

// NewTelegramPublisher wraps an authenticated bot API client.
func NewTelegramPublisher(bot botSender) *TelegramPublisher {
	return &TelegramPublisher{bot: bot}
}

// Publish sends candidate to channelID, dispatching on content kind. Media
// kinds are sent as a file upload from the in-memory buffer already fetched
// by the Content Fetcher; text-only candidates are sent as a plain message.
func (p *TelegramPublisher) Publish(ctx context.Context, channelID int64, candidate *fetch.Candidate) error {
	var chattable tgbotapi.Chattable

	if candidate.ForwardRef != "" {
		fromChat, messageID, ok := parseForwardRef(candidate.ForwardRef)
		if !ok {
			return apperrors.InvalidPayload(fmt.Sprintf("malformed repost reference %q", candidate.ForwardRef))
		}
		_, err := p.bot.Send(tgbotapi.NewForward(channelID, fromChat, messageID))
		if err != nil {
			return classifySendError(err)
		}
		return nil
	}

	switch candidate.Kind {
	case "text":
		if strings.TrimSpace(candidate.Text) == "" {
			return apperrors.InvalidPayload("text candidate has no content")
		}
		chattable = tgbotapi.NewMessage(channelID, candidate.Text)
	case "photo":
		file := tgbotapi.FileBytes{Name: "photo.jpg", Bytes: candidate.MediaBytes}
		msg := tgbotapi.NewPhoto(channelID, file)
		msg.Caption = mediaCaption(candidate)
		chattable = msg
	case "video":
		file := tgbotapi.FileBytes{Name: "video.mp4", Bytes: candidate.MediaBytes}
		msg := tgbotapi.NewVideo(channelID, file)
		msg.Caption = mediaCaption(candidate)
		chattable = msg
	case "document":
		file := tgbotapi.FileBytes{Name: "document", Bytes: candidate.MediaBytes}
		msg := tgbotapi.NewDocument(channelID, file)
		msg.Caption = mediaCaption(candidate)
		chattable = msg
	case "audio":
		file := tgbotapi.FileBytes{Name: "audio.mp3", Bytes: candidate.MediaBytes}
		msg := tgbotapi.NewAudio(channelID, file)
		msg.Caption = mediaCaption(candidate)
		chattable = msg
	case "voice":
		file := tgbotapi.FileBytes{Name: "voice.ogg", Bytes: candidate.MediaBytes}
		chattable = tgbotapi.NewVoice(channelID, file)
	case "sticker":
		file := tgbotapi.FileBytes{Name: "sticker.webp", Bytes: candidate.MediaBytes}
		chattable = tgbotapi.NewSticker(channelID, file)
	default:
		return apperrors.InvalidPayload(fmt.Sprintf("unsupported content kind %q", candidate.Kind))
	}

	_, err := p.bot.Send(chattable)
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// parseForwardRef splits a one-shot repost slot's stored
// "_{source_channel_id}_{source_message_id}" reference into its parts.
func parseForwardRef(ref string) (fromChatID int64, messageID int, ok bool) {
	parts := strings.Split(strings.Trim(ref, "_"), "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	msgID, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return chatID, msgID, true
}

// mediaCaption returns the candidate's own caption, or its text truncated
// to 1024 runes if no caption was set. The 1024 cap applies only to this
// media-caption fallback, never to a plain text-kind message (spec §4.5).
func mediaCaption(candidate *fetch.Candidate) string {
	if candidate.Caption != "" {
		return candidate.Caption
	}
	return truncateRunes(candidate.Text, 1024)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// classifySendError distinguishes a transient flood-wait from the upstream
// API (RateLimited) from a rejection of the payload or target chat
// (InvalidPayload); any other failure is reported as UpstreamUnavailable.
// The Slot Engine handles every kind the same way: it releases the slot
// (and any dedup reservation) for a later tick.
func classifySendError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "too many requests") || strings.Contains(lower, "flood") || strings.Contains(lower, "retry after") {
		return apperrors.RateLimited(msg)
	}
	if strings.Contains(lower, "chat not found") || strings.Contains(lower, "bot was blocked") || strings.Contains(lower, "not enough rights") {
		return apperrors.InvalidPayload(msg)
	}
	return apperrors.UpstreamUnavailable("send telegram message", err)
}

package main

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botNotifier delivers license notices as direct messages from the bot to
// the affected tenant.
type botNotifier struct {
	bot      *tgbotapi.BotAPI
	adminIDs []int64
}

func newBotNotifier(bot *tgbotapi.BotAPI, adminIDs []int64) *botNotifier {
	return &botNotifier{bot: bot, adminIDs: adminIDs}
}

func (n *botNotifier) NotifyLicenseExpiring(ctx context.Context, telegramUserID int64, daysLeft int) error {
	msg := tgbotapi.NewMessage(telegramUserID, fmt.Sprintf(
		"Your subscription expires in %d day(s). Renew to avoid interruption.", daysLeft))
	_, err := n.bot.Send(msg)
	return err
}

func (n *botNotifier) NotifyLicenseExpired(ctx context.Context, telegramUserID int64) error {
	msg := tgbotapi.NewMessage(telegramUserID, "Your subscription has expired. Scheduling is paused until you renew.")
	_, err := n.bot.Send(msg)
	return err
}

package notifier

import (
	"context"

	tele "gopkg.in/telebot.v4"
)

// telegramSender delivers alerts through the Bot API. This is a regular bot
// token, unrelated to the user-account sessions the engine drives.
type telegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(token string) (Sender, error) {
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b}, nil
}

func (t *telegramSender) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text)
	return err
}

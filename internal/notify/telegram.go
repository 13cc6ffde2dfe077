package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telescope/internal/model"
	"telescope/internal/rules"
)

const sendTimeout = 10 * time.Second

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications to a fixed chat through the Bot API.
type Telegram struct {
	api     sender
	chatID  int64
	aliases map[string]string
}

// NewTelegram builds a Bot API notifier targeting chatID.
func NewTelegram(api sender, chatID int64, aliases map[string]string) *Telegram {
	return &Telegram{api: api, chatID: chatID, aliases: aliases}
}

// Send formats and delivers one match notification. Failures surface as
// errors so the processor's caller can apply its logging/retry policy;
// a delivery failure leaves the message reprocessable.
func (t *Telegram) Send(ctx context.Context, mc model.MessageContext, match rules.Match, snippet string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatHTML(mc, match, snippet, t.aliases))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	// The Bot API client has no context plumbing, so the send runs in a
	// goroutine bounded by our own deadline.
	done := make(chan error, 1)
	go func() {
		_, err := t.api.Send(msg)
		done <- err
	}()

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("bot api send: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("bot api send: timeout after %s", sendTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

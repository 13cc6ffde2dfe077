package telegram

import (
	"context"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telescope/internal/model"
)

type updatesAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handler consumes mapped message contexts. Satisfied by the pipeline
// processor.
type Handler interface {
	Handle(ctx context.Context, mc model.MessageContext) error
}

// Source feeds live Telegram updates into the processor via long
// polling. Missed updates are redelivered by the Bot API on reconnect
// through the same path, so restart gaps flow through the exact same
// pipeline semantics as everything else.
type Source struct {
	api      updatesAPI
	handler  Handler
	resolver ForumResolver
	log      *slog.Logger

	// skipBots drops private messages sent by bots so the watcher never
	// processes its own delivered alerts.
	skipBots bool
}

// NewSource builds a live update source.
func NewSource(api updatesAPI, handler Handler, resolver ForumResolver, skipBots bool, log *slog.Logger) *Source {
	return &Source{api: api, handler: handler, resolver: resolver, skipBots: skipBots, log: log}
}

// Run starts the long-polling loop, blocking until ctx is cancelled.
// Each update is handled in its own goroutine; per-key ordering is the
// processor's responsibility.
func (s *Source) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := s.api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.api.StopReceivingUpdates()
			return
		case update := <-updates:
			msg := inboundMessage(update)
			if msg == nil {
				continue
			}
			if s.skipBots && msg.Chat != nil && msg.Chat.IsPrivate() && msg.From != nil && msg.From.IsBot {
				continue
			}

			wg.Add(1)
			go func(msg *tgbotapi.Message) {
				defer wg.Done()
				mc := BuildContext(ctx, rawFromMessage(msg), s.resolver)
				if err := s.handler.Handle(ctx, mc); err != nil {
					s.log.Error("process message", "source_key", mc.SourceKey, "message_id", mc.MessageID, "error", err)
				}
			}(msg)
		}
	}
}

// inboundMessage extracts the message payload of an update, covering
// both group/private messages and channel posts.
func inboundMessage(update tgbotapi.Update) *tgbotapi.Message {
	if update.Message != nil {
		return update.Message
	}
	if update.ChannelPost != nil {
		return update.ChannelPost
	}
	return nil
}

// rawFromMessage maps a Bot API message onto the transport-agnostic
// shape. Captions count as text so matched media posts are not lost.
func rawFromMessage(msg *tgbotapi.Message) RawMessage {
	raw := RawMessage{
		MessageID: int64(msg.MessageID),
		Date:      msg.Time(),
		Text:      msg.Text,
	}
	if raw.Text == "" {
		raw.Text = msg.Caption
	}
	if msg.Chat != nil {
		raw.ChatID = msg.Chat.ID
		raw.ChatUsername = msg.Chat.UserName
	}
	if msg.ReplyToMessage != nil {
		raw.Reply = &Reply{MsgID: msg.ReplyToMessage.MessageID}
	}
	return raw
}

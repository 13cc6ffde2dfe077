package telegram

import (
	"context"
	"fmt"
	"io"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telescope/internal/sourcekey"
)

// Discover watches incoming updates and prints one line per newly seen
// chat with its normalized source key, ready to paste into the source
// allow-list. Runs until ctx is cancelled.
func Discover(ctx context.Context, api updatesAPI, out io.Writer) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := api.GetUpdatesChan(u)
	seen := make(map[string]struct{})
	index := 0

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return
		case update := <-updates:
			msg := inboundMessage(update)
			if msg == nil || msg.Chat == nil {
				continue
			}
			key := sourcekey.Normalize(msg.Chat.ID, msg.Chat.UserName)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			index++
			fmt.Fprintf(out, "%d. %s | %s | %s\n", index, chatType(msg.Chat), chatTitle(msg.Chat), key)
		}
	}
}

func chatType(chat *tgbotapi.Chat) string {
	switch {
	case chat.IsChannel():
		return "channel"
	case chat.IsGroup(), chat.IsSuperGroup():
		return "group"
	case chat.IsPrivate():
		return "user"
	}
	return "chat"
}

func chatTitle(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	name := chat.FirstName
	if chat.LastName != "" {
		if name != "" {
			name += " "
		}
		name += chat.LastName
	}
	if name != "" {
		return name
	}
	return fmt.Sprintf("%d", chat.ID)
}

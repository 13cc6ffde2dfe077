package telegram

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telescope/internal/model"
)

type fakeUpdatesAPI struct {
	updates chan tgbotapi.Update
	stopped bool
}

func (f *fakeUpdatesAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeUpdatesAPI) StopReceivingUpdates() { f.stopped = true }

type collectingHandler struct {
	mu       sync.Mutex
	contexts []model.MessageContext
	done     chan struct{}
	want     int
}

func (h *collectingHandler) Handle(_ context.Context, mc model.MessageContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contexts = append(h.contexts, mc)
	if len(h.contexts) == h.want {
		close(h.done)
	}
	return nil
}

func TestRunDispatchesUpdates(t *testing.T) {
	api := &fakeUpdatesAPI{updates: make(chan tgbotapi.Update, 4)}
	handler := &collectingHandler{done: make(chan struct{}), want: 2}
	source := NewSource(api, handler, nil, true, slog.New(slog.DiscardHandler))

	groupMsg := &tgbotapi.Message{
		MessageID: 10,
		Date:      1710500000,
		Text:      "hello",
		Chat:      &tgbotapi.Chat{ID: -100200, UserName: "mygroup", Type: "supergroup"},
	}
	channelPost := &tgbotapi.Message{
		MessageID: 11,
		Date:      1710500001,
		Caption:   "captioned media",
		Chat:      &tgbotapi.Chat{ID: -1000000200300, Type: "channel"},
	}
	botDM := &tgbotapi.Message{
		MessageID: 12,
		Date:      1710500002,
		Text:      "alert delivered",
		Chat:      &tgbotapi.Chat{ID: 555, Type: "private"},
		From:      &tgbotapi.User{IsBot: true},
	}

	api.updates <- tgbotapi.Update{Message: groupMsg}
	api.updates <- tgbotapi.Update{Message: botDM} // dropped by the bot guard
	api.updates <- tgbotapi.Update{ChannelPost: channelPost}
	api.updates <- tgbotapi.Update{} // no message payload at all

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		source.Run(ctx)
		close(runDone)
	}()

	select {
	case <-handler.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for updates to be handled")
	}
	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if !api.stopped {
		t.Error("polling not stopped on shutdown")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	keys := make(map[string]string, len(handler.contexts))
	for _, mc := range handler.contexts {
		keys[mc.SourceKey] = mc.Text
	}
	want := map[string]string{
		"@mygroup":               "hello",
		"chat_id:-1000000200300": "captioned media",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("handled contexts mismatch (-want +got):\n%s", diff)
	}
}

func TestRawFromMessage(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 42,
		Date:      1710500000,
		Text:      "body",
		Chat:      &tgbotapi.Chat{ID: -100200, UserName: "MyGroup"},
		ReplyToMessage: &tgbotapi.Message{
			MessageID: 7,
		},
	}

	raw := rawFromMessage(msg)
	if raw.MessageID != 42 || raw.ChatID != -100200 || raw.ChatUsername != "MyGroup" {
		t.Errorf("identity fields = %+v", raw)
	}
	if raw.Text != "body" {
		t.Errorf("text = %q", raw.Text)
	}
	if raw.Reply == nil || raw.Reply.MsgID != 7 || raw.Reply.ForumTopic {
		t.Errorf("reply = %+v, want plain reply with message id 7", raw.Reply)
	}
	if !raw.Date.Equal(time.Unix(1710500000, 0)) {
		t.Errorf("date = %v", raw.Date)
	}
}

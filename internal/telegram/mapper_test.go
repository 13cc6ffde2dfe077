package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"telescope/internal/model"
)

func TestResolveTopic(t *testing.T) {
	tests := []struct {
		name string
		raw  RawMessage
		want *int
	}{
		{
			name: "forum reply with thread root id",
			raw:  RawMessage{Reply: &Reply{ForumTopic: true, TopID: 555, MsgID: 777}},
			want: intPtr(555),
		},
		{
			name: "forum reply falls back to direct reply id",
			raw:  RawMessage{Reply: &Reply{ForumTopic: true, MsgID: 777}},
			want: intPtr(777),
		},
		{
			name: "plain reply carries no topic",
			raw:  RawMessage{Reply: &Reply{MsgID: 777}},
			want: nil,
		},
		{
			name: "no reply header",
			raw:  RawMessage{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveTopic(context.Background(), tt.raw, nil)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ResolveTopic() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveTopicForumChatWithoutMarker(t *testing.T) {
	// A message in a known forum chat that is not a thread reply stays
	// topic-less; no general topic is invented.
	resolver := ResolverFunc(func(context.Context, int64) (bool, error) { return true, nil })
	got := ResolveTopic(context.Background(), RawMessage{ChatID: -100200}, resolver)
	if got != nil {
		t.Errorf("ResolveTopic() = %d, want nil", *got)
	}
}

func TestBuildContext(t *testing.T) {
	date := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  RawMessage
		want model.MessageContext
	}{
		{
			name: "public group",
			raw: RawMessage{
				ChatID: -100200, ChatUsername: "MyGroup", MessageID: 321, Date: date, Text: "hi",
			},
			want: model.MessageContext{
				SourceKey:     "@mygroup",
				BaseSourceKey: "@mygroup",
				ChatID:        -100200,
				MessageID:     321,
				Date:          date,
				Text:          "hi",
				Permalink:     "https://t.me/MyGroup/321",
			},
		},
		{
			name: "public forum topic",
			raw: RawMessage{
				ChatID: -100200, ChatUsername: "MyGroup", MessageID: 321, Date: date, Text: "hi",
				Reply: &Reply{ForumTopic: true, TopID: 10},
			},
			want: model.MessageContext{
				SourceKey:      "@mygroup#topic:10",
				BaseSourceKey:  "@mygroup",
				TopicID:        intPtr(10),
				ChatID:         -100200,
				MessageID:      321,
				Date:           date,
				Text:           "hi",
				Permalink:      "https://t.me/MyGroup/321",
				TopicPermalink: "https://t.me/MyGroup/10",
			},
		},
		{
			name: "private supergroup link strips the channel prefix",
			raw: RawMessage{
				ChatID: -1000000200300, MessageID: 5, Date: date, Text: "hi",
			},
			want: model.MessageContext{
				SourceKey:     "chat_id:-1000000200300",
				BaseSourceKey: "chat_id:-1000000200300",
				ChatID:        -1000000200300,
				MessageID:     5,
				Date:          date,
				Text:          "hi",
				Permalink:     "https://t.me/c/200300/5",
			},
		},
		{
			name: "plain negative group id",
			raw: RawMessage{
				ChatID: -4242, MessageID: 5, Date: date, Text: "hi",
			},
			want: model.MessageContext{
				SourceKey:     "chat_id:-4242",
				BaseSourceKey: "chat_id:-4242",
				ChatID:        -4242,
				MessageID:     5,
				Date:          date,
				Text:          "hi",
				Permalink:     "https://t.me/c/4242/5",
			},
		},
		{
			name: "private chat has no permalink",
			raw: RawMessage{
				ChatID: 12345, MessageID: 5, Date: date, Text: "hi",
			},
			want: model.MessageContext{
				SourceKey:     "chat_id:12345",
				BaseSourceKey: "chat_id:12345",
				ChatID:        12345,
				MessageID:     5,
				Date:          date,
				Text:          "hi",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildContext(context.Background(), tt.raw, nil)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("BuildContext() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCachingResolver(t *testing.T) {
	t.Run("memoizes per chat", func(t *testing.T) {
		calls := 0
		r := NewCachingResolver(ResolverFunc(func(_ context.Context, chatID int64) (bool, error) {
			calls++
			return chatID == -1, nil
		}))

		for range 3 {
			isForum, err := r.IsForum(context.Background(), -1)
			if err != nil {
				t.Fatalf("is forum: %v", err)
			}
			if !isForum {
				t.Error("forum chat reported as non-forum")
			}
		}
		if _, err := r.IsForum(context.Background(), -2); err != nil {
			t.Fatalf("is forum: %v", err)
		}

		if calls != 2 {
			t.Errorf("resolver called %d times, want once per chat", calls)
		}
	})

	t.Run("failure degrades to non-forum and is cached", func(t *testing.T) {
		calls := 0
		r := NewCachingResolver(ResolverFunc(func(context.Context, int64) (bool, error) {
			calls++
			return false, errors.New("chat unavailable")
		}))

		for range 2 {
			isForum, err := r.IsForum(context.Background(), -1)
			if err != nil {
				t.Fatalf("is forum: %v", err)
			}
			if isForum {
				t.Error("failed lookup must degrade to non-forum")
			}
		}
		if calls != 1 {
			t.Errorf("resolver called %d times, want failure cached", calls)
		}
	})
}

func intPtr(v int) *int { return &v }

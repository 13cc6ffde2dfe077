// Package telegram adapts Telegram transport events to the core
// pipeline's message contexts.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"telescope/internal/model"
	"telescope/internal/sourcekey"
)

// Reply carries the reply header of a raw message. ForumTopic marks an
// explicit forum-thread reply; TopID is the thread's root message id.
type Reply struct {
	ForumTopic bool
	TopID      int
	MsgID      int
}

// RawMessage is the transport-agnostic shape of one inbound message,
// filled by whichever client produced it.
type RawMessage struct {
	ChatID       int64
	ChatUsername string
	MessageID    int64
	Date         time.Time
	Text         string
	Reply        *Reply
}

// ForumResolver reports whether a chat is forum-enabled. Lookups may
// hit the network and may fail.
type ForumResolver interface {
	IsForum(ctx context.Context, chatID int64) (bool, error)
}

// ResolverFunc adapts a function to the ForumResolver interface.
type ResolverFunc func(ctx context.Context, chatID int64) (bool, error)

// IsForum calls f.
func (f ResolverFunc) IsForum(ctx context.Context, chatID int64) (bool, error) {
	return f(ctx, chatID)
}

// CachingResolver memoizes ForumResolver lookups per chat id. A failed
// lookup degrades to "not a forum" and is cached, keeping the hot path
// free of repeated failing calls.
type CachingResolver struct {
	next ForumResolver

	mu    sync.Mutex
	cache map[int64]bool
}

// NewCachingResolver wraps next with a per-chat cache.
func NewCachingResolver(next ForumResolver) *CachingResolver {
	return &CachingResolver{next: next, cache: make(map[int64]bool)}
}

// IsForum returns the cached answer, consulting the wrapped resolver
// once per chat id.
func (c *CachingResolver) IsForum(ctx context.Context, chatID int64) (bool, error) {
	c.mu.Lock()
	cached, ok := c.cache[chatID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	isForum, err := c.next.IsForum(ctx, chatID)
	if err != nil {
		isForum = false
	}

	c.mu.Lock()
	c.cache[chatID] = isForum
	c.mu.Unlock()
	return isForum, nil
}

// ResolveTopic returns the forum topic id for a raw message, or nil.
//
// A topic is attributed only on an explicit forum-reply marker,
// preferring the thread root id over the direct reply id. A message in
// a confirmed forum chat without the marker stays topic-less: no
// synthetic "general" topic is inferred.
func ResolveTopic(ctx context.Context, raw RawMessage, resolver ForumResolver) *int {
	if raw.Reply != nil && raw.Reply.ForumTopic {
		if raw.Reply.TopID != 0 {
			id := raw.Reply.TopID
			return &id
		}
		if raw.Reply.MsgID != 0 {
			id := raw.Reply.MsgID
			return &id
		}
		return nil
	}
	if resolver != nil {
		// Consulted so the forum status is cached for the chat; the
		// answer does not change the topic-less outcome.
		_, _ = resolver.IsForum(ctx, raw.ChatID)
	}
	return nil
}

// BuildContext builds the pipeline's MessageContext from a raw message.
func BuildContext(ctx context.Context, raw RawMessage, resolver ForumResolver) model.MessageContext {
	baseKey := sourcekey.Normalize(raw.ChatID, raw.ChatUsername)
	topicID := ResolveTopic(ctx, raw, resolver)

	mc := model.MessageContext{
		SourceKey:     sourcekey.BuildEffectivePtr(baseKey, topicID),
		BaseSourceKey: baseKey,
		TopicID:       topicID,
		ChatID:        raw.ChatID,
		MessageID:     raw.MessageID,
		Date:          raw.Date,
		Text:          raw.Text,
	}

	if raw.ChatUsername != "" {
		mc.Permalink = fmt.Sprintf("https://t.me/%s/%d", raw.ChatUsername, raw.MessageID)
		if topicID != nil {
			mc.TopicPermalink = fmt.Sprintf("https://t.me/%s/%d", raw.ChatUsername, *topicID)
		}
		return mc
	}

	if part := privateLinkPart(raw.ChatID); part != "" {
		mc.Permalink = fmt.Sprintf("https://t.me/c/%s/%d", part, raw.MessageID)
		if topicID != nil {
			mc.TopicPermalink = fmt.Sprintf("https://t.me/c/%s/%d", part, *topicID)
		}
	}
	return mc
}

// privateLinkPart returns the id segment of a t.me/c/ link for private
// groups and channels, or "" when no permalink is possible.
func privateLinkPart(chatID int64) string {
	if chatID >= 0 {
		return ""
	}
	text := fmt.Sprintf("%d", chatID)
	if part, ok := strings.CutPrefix(text, "-100"); ok && part != "" {
		return strings.TrimLeft(part, "0")
	}
	return strings.TrimPrefix(text, "-")
}

// Package sourcekey normalizes chat and topic identities into the
// canonical string keys used for filtering and idempotency bookkeeping.
//
// A base key is either "@<lowercased-username>" or "chat_id:<id>". An
// effective key optionally appends "#topic:<id>" for forum sub-threads.
package sourcekey

import (
	"fmt"
	"strconv"
	"strings"
)

// TopicSuffix separates the base key from the topic id in effective keys.
const TopicSuffix = "#topic:"

const chatIDPrefix = "chat_id:"

// channelBias is the offset Telegram applies to channel/supergroup peer
// ids: peer id -100<id> corresponds to raw channel id <id>.
const channelBias = -1000000000000

// Normalize returns the base key for a chat. A public username wins
// because it is stable across peer-id encodings; the chat_id form is the
// universal fallback available for every chat.
func Normalize(chatID int64, username string) string {
	if username != "" {
		return "@" + strings.ToLower(username)
	}
	return fmt.Sprintf("%s%d", chatIDPrefix, chatID)
}

// BuildEffective returns the effective key for a base key and topic id.
func BuildEffective(baseKey string, topicID int) string {
	return fmt.Sprintf("%s%s%d", baseKey, TopicSuffix, topicID)
}

// BuildEffectivePtr is BuildEffective with an optional topic id; a nil
// topic yields the base key unchanged.
func BuildEffectivePtr(baseKey string, topicID *int) string {
	if topicID == nil {
		return baseKey
	}
	return BuildEffective(baseKey, *topicID)
}

// Split is the exact inverse of BuildEffectivePtr. Keys without a valid
// topic suffix come back whole with a nil topic id.
func Split(key string) (string, *int) {
	base, topicPart, found := strings.Cut(key, TopicSuffix)
	if !found || base == "" {
		return key, nil
	}
	topicID, err := strconv.Atoi(topicPart)
	if err != nil {
		return key, nil
	}
	return base, &topicID
}

// ExpandVariants returns every recognized encoding of a chat_id key:
// the raw id, its negation, and the -100-prefixed channel encoding (or
// its inverse). Username keys and malformed chat_id literals expand to
// themselves. Any topic suffix is preserved across all variants.
func ExpandVariants(key string) []string {
	base, topicID := Split(key)
	if !strings.HasPrefix(base, chatIDPrefix) {
		return []string{key}
	}

	rawID, err := strconv.ParseInt(strings.TrimPrefix(base, chatIDPrefix), 10, 64)
	if err != nil {
		return []string{key}
	}

	variants := []string{base}
	for _, id := range expandChatID(rawID) {
		candidate := fmt.Sprintf("%s%d", chatIDPrefix, id)
		if candidate != base {
			variants = append(variants, candidate)
		}
	}

	if topicID == nil {
		return variants
	}
	keys := make([]string, len(variants))
	for i, v := range variants {
		keys[i] = BuildEffective(v, *topicID)
	}
	return keys
}

func expandChatID(raw int64) []int64 {
	if raw < 0 {
		text := strconv.FormatInt(raw, 10)
		if channelPart, ok := strings.CutPrefix(text, "-100"); ok {
			if id, err := strconv.ParseInt(channelPart, 10, 64); err == nil {
				return []int64{id}
			}
			return nil
		}
		return []int64{-raw}
	}
	return []int64{-raw, channelBias - raw}
}

// Package model defines the domain types used across the application.
package model

import "time"

// MessageContext is the immutable per-message input to the processing
// pipeline. It is built once by a transport adapter and consumed read-only.
type MessageContext struct {
	SourceKey      string // effective key, includes the topic suffix when present
	BaseSourceKey  string
	TopicID        *int
	ChatID         int64
	MessageID      int64
	Date           time.Time
	Text           string
	Permalink      string
	TopicPermalink string
}

// MatchRecord is the persisted audit row for a single rule match.
type MatchRecord struct {
	RuleName    string
	Reason      string
	TextSnippet string
}

// DedupMode selects how content fingerprints are scoped.
type DedupMode string

// Supported dedup modes.
const (
	DedupOff       DedupMode = "off"
	DedupPerSource DedupMode = "per_source"
	DedupGlobal    DedupMode = "global"
)

// Valid reports whether m is a recognized dedup mode.
func (m DedupMode) Valid() bool {
	switch m {
	case DedupOff, DedupPerSource, DedupGlobal:
		return true
	}
	return false
}

// DedupConfig holds the deduplication settings, immutable for the
// process lifetime once loaded.
type DedupConfig struct {
	Mode        DedupMode
	OnlyOnMatch bool
	TTLDays     int
}

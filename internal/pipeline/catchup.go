package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"telescope/internal/model"
	"telescope/internal/rules"
	"telescope/internal/sourcekey"
)

// HistorySource fetches the most recent messages for a base source key,
// newest first.
type HistorySource interface {
	History(ctx context.Context, baseKey string, limit int) ([]model.MessageContext, error)
}

// CountingNotifier decorates a notifier and counts successful sends
// without altering its behavior. Used by the catch-up scan to report
// how many matches the backfill produced.
type CountingNotifier struct {
	next Notifier
	sent atomic.Int64
}

// NewCountingNotifier wraps next.
func NewCountingNotifier(next Notifier) *CountingNotifier {
	return &CountingNotifier{next: next}
}

// Send delegates to the wrapped notifier and counts on success.
func (c *CountingNotifier) Send(ctx context.Context, mc model.MessageContext, match rules.Match, snippet string) error {
	if err := c.next.Send(ctx, mc, match, snippet); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// Sent returns the number of successful sends so far.
func (c *CountingNotifier) Sent() int64 {
	return c.sent.Load()
}

// Stats summarizes one catch-up scan.
type Stats struct {
	SourcesScanned  int
	MessagesChecked int
	MatchesSent     int64
}

// Scanner replays recent per-source history through the same processor
// used for live traffic, so backfill and real time share one set of
// semantics (filters, idempotency, dedup).
type Scanner struct {
	storage   Storage
	processor *Processor
	counting  *CountingNotifier
	histories map[string]HistorySource // keyed by configured base key
	limit     int
	log       *slog.Logger
}

// NewScanner builds a scanner over the given per-source history fetchers.
func NewScanner(
	storage Storage,
	processor *Processor,
	counting *CountingNotifier,
	histories map[string]HistorySource,
	perSourceLimit int,
	log *slog.Logger,
) *Scanner {
	return &Scanner{
		storage:   storage,
		processor: processor,
		counting:  counting,
		histories: histories,
		limit:     perSourceLimit,
		log:       log,
	}
}

// Scan runs the catch-up pass: for every configured source whose base
// key is already tracked in storage, fetch recent history and replay it
// oldest-first. After replay the base-key watermark is forced to the
// highest message id observed even when nothing matched, so the same
// backlog is not reprocessed on the next restart. Failures for one
// source never abort the scan for the others.
func (s *Scanner) Scan(ctx context.Context) (Stats, error) {
	tracked, err := s.storage.ListSourceKeys(ctx)
	if err != nil {
		return Stats{}, err
	}
	trackedBases := make(map[string]struct{}, len(tracked))
	for _, key := range tracked {
		base, _ := sourcekey.Split(key)
		trackedBases[base] = struct{}{}
	}

	var stats Stats
	for baseKey, source := range s.histories {
		if !anyVariantTracked(baseKey, trackedBases) {
			continue
		}

		messages, err := source.History(ctx, baseKey, s.limit)
		if err != nil {
			s.log.Error("catch-up fetch failed", "source_key", baseKey, "error", err)
			continue
		}

		stats.SourcesScanned++
		var maxID int64
		for i := len(messages) - 1; i >= 0; i-- {
			mc := messages[i]
			stats.MessagesChecked++
			if mc.MessageID > maxID {
				maxID = mc.MessageID
			}
			if err := s.processor.Handle(ctx, mc); err != nil {
				s.log.Error("catch-up processing", "source_key", mc.SourceKey, "message_id", mc.MessageID, "error", err)
			}
		}

		if maxID > 0 {
			if err := s.storage.SetLastID(ctx, baseKey, maxID); err != nil {
				s.log.Error("catch-up watermark", "source_key", baseKey, "error", err)
			}
		}
	}

	stats.MatchesSent = s.counting.Sent()
	s.log.Info("catch-up scan complete",
		"sources", stats.SourcesScanned,
		"messages", stats.MessagesChecked,
		"matches", stats.MatchesSent,
	)
	return stats, nil
}

func anyVariantTracked(baseKey string, trackedBases map[string]struct{}) bool {
	for _, variant := range sourcekey.ExpandVariants(baseKey) {
		if _, ok := trackedBases[variant]; ok {
			return true
		}
	}
	return false
}

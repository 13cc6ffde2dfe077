// Package pipeline implements the ordered message processing state
// machine and the startup catch-up scanner.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"telescope/internal/dedup"
	"telescope/internal/model"
	"telescope/internal/rules"
	"telescope/internal/sourcekey"
)

// Storage is the persistence port consumed by the pipeline.
type Storage interface {
	// GetLastID returns the watermark for a source key, 0 when untracked.
	GetLastID(ctx context.Context, sourceKey string) (int64, error)
	SetLastID(ctx context.Context, sourceKey string, lastMessageID int64) error
	IsSeen(ctx context.Context, fingerprint string) (bool, error)
	MarkSeen(ctx context.Context, fingerprint string) error
	SaveMatch(ctx context.Context, mc model.MessageContext, match model.MatchRecord) error
	CleanupSeen(ctx context.Context, ttlDays int) (int64, error)
	ListSourceKeys(ctx context.Context) ([]string, error)
}

// Notifier is the delivery port consumed by the pipeline. Failures must
// surface as errors so the caller can decide on logging/retry policy.
type Notifier interface {
	Send(ctx context.Context, mc model.MessageContext, match rules.Match, snippet string) error
}

// DropReason says where the pipeline short-circuited for a message.
// Drops are normal control flow, not errors.
type DropReason int

// Pipeline short-circuit points, in evaluation order.
const (
	DropNone DropReason = iota
	DropEmptyText
	DropStale
	DropNoMatch
	DropDuplicate
)

// Outcome is the full set of side-effect intents for one message,
// computed by Plan and carried out by Processor.Handle.
type Outcome struct {
	Drop        DropReason
	Matches     []rules.Match
	Fingerprint string
	MarkSeen    bool
	Snippet     string
	AdvanceTo   int64 // 0 leaves the watermark untouched
}

// Plan runs the decision steps of the pipeline for one message against
// the current watermark. It performs no I/O itself; the seen callback
// injects the fingerprint lookup so the decision stays a function of its
// inputs and is testable without fakes.
//
// Ordering: empty-text filter, idempotency check, rule evaluation,
// optional content dedup. Unmatched traffic still advances the watermark
// so it is never re-evaluated.
func Plan(
	mc model.MessageContext,
	ruleSet []rules.Rule,
	dcfg model.DedupConfig,
	snippetChars int,
	lastID int64,
	seen func(fingerprint string) (bool, error),
) (Outcome, error) {
	if strings.TrimSpace(mc.Text) == "" {
		return Outcome{Drop: DropEmptyText}, nil
	}
	if mc.MessageID <= lastID {
		return Outcome{Drop: DropStale}, nil
	}

	matches := rules.Evaluate(mc.Text, ruleSet)
	if len(matches) == 0 {
		return Outcome{Drop: DropNoMatch, AdvanceTo: mc.MessageID}, nil
	}

	out := Outcome{Matches: matches, Snippet: clipSnippet(mc.Text, snippetChars), AdvanceTo: mc.MessageID}

	// Dedup is gated on an existing match so unmatched traffic never
	// pollutes the fingerprint table.
	fingerprint := dedup.Fingerprint(mc.SourceKey, dedup.NormalizeText(mc.Text), dcfg.Mode)
	if fingerprint != "" && dcfg.OnlyOnMatch {
		isSeen, err := seen(fingerprint)
		if err != nil {
			return Outcome{}, fmt.Errorf("check fingerprint: %w", err)
		}
		if isSeen {
			return Outcome{Drop: DropDuplicate, AdvanceTo: mc.MessageID}, nil
		}
		out.Fingerprint = fingerprint
		out.MarkSeen = true
	}
	return out, nil
}

// clipSnippet keeps the first n runes of the text, trimmed. The same
// snippet goes into the audit row and the notification.
func clipSnippet(text string, n int) string {
	runes := []rune(text)
	if len(runes) > n {
		runes = runes[:n]
	}
	return strings.TrimSpace(string(runes))
}

// Processor executes the pipeline: source filtering, the Plan decision,
// and the persist/notify/watermark side effects.
type Processor struct {
	rules    []rules.Rule
	storage  Storage
	notifier Notifier
	allowed  map[string]struct{}
	dcfg     model.DedupConfig
	snippet  int
	locks    keyedMutex
	log      *slog.Logger
}

// NewProcessor builds a processor. The allow-list is expanded once with
// chat-id equivalence variants so any runtime encoding matches a key
// configured in any other encoding.
func NewProcessor(
	ruleSet []rules.Rule,
	storage Storage,
	notifier Notifier,
	allowedKeys []string,
	dcfg model.DedupConfig,
	snippetChars int,
	log *slog.Logger,
) *Processor {
	allowed := make(map[string]struct{})
	for _, key := range allowedKeys {
		for _, variant := range sourcekey.ExpandVariants(key) {
			allowed[variant] = struct{}{}
		}
	}
	return &Processor{
		rules:    ruleSet,
		storage:  storage,
		notifier: notifier,
		allowed:  allowed,
		dcfg:     dcfg,
		snippet:  snippetChars,
		log:      log,
	}
}

// Allowed reports whether a message from this context passes the source
// filter. A base-key entry in the allow-list covers all topics of that
// chat; a topic entry covers only that topic.
func (p *Processor) Allowed(mc model.MessageContext) bool {
	if _, ok := p.allowed[mc.SourceKey]; ok {
		return true
	}
	_, ok := p.allowed[mc.BaseSourceKey]
	return ok
}

// Handle runs one message through the pipeline. Steps between the
// watermark read and its advance are serialized per effective source
// key, so concurrent handlers for different keys can run in parallel
// without duplicate notifications or lost idempotency updates.
//
// Side effects are ordered persist-before-notify per match; a failing
// match does not abort its siblings. On any persist/notify failure the
// watermark is left untouched so the message is reprocessed on the next
// run (at-least-once, bounded by dedup when enabled).
func (p *Processor) Handle(ctx context.Context, mc model.MessageContext) error {
	if !p.Allowed(mc) {
		return nil
	}

	unlock := p.locks.lock(mc.SourceKey)
	defer unlock()

	lastID, err := p.storage.GetLastID(ctx, mc.SourceKey)
	if err != nil {
		return fmt.Errorf("get watermark for %s: %w", mc.SourceKey, err)
	}

	out, err := Plan(mc, p.rules, p.dcfg, p.snippet, lastID, func(fp string) (bool, error) {
		return p.storage.IsSeen(ctx, fp)
	})
	if err != nil {
		return err
	}

	if out.Drop == DropDuplicate {
		p.log.Info("dedup skip", "source_key", mc.SourceKey, "message_id", mc.MessageID)
	}

	if out.MarkSeen {
		if err := p.storage.MarkSeen(ctx, out.Fingerprint); err != nil {
			return fmt.Errorf("mark fingerprint: %w", err)
		}
	}

	var errs []error
	for _, match := range out.Matches {
		record := model.MatchRecord{
			RuleName:    match.RuleName,
			Reason:      match.Reason,
			TextSnippet: out.Snippet,
		}
		if err := p.storage.SaveMatch(ctx, mc, record); err != nil {
			p.log.Error("save match", "source_key", mc.SourceKey, "message_id", mc.MessageID, "rule", match.RuleName, "error", err)
			errs = append(errs, fmt.Errorf("save match %s: %w", match.RuleName, err))
			continue
		}
		if err := p.notifier.Send(ctx, mc, match, out.Snippet); err != nil {
			p.log.Error("notify", "source_key", mc.SourceKey, "message_id", mc.MessageID, "rule", match.RuleName, "error", err)
			errs = append(errs, fmt.Errorf("notify %s: %w", match.RuleName, err))
			continue
		}
		p.log.Info("match saved", "source_key", mc.SourceKey, "message_id", mc.MessageID, "rule", match.RuleName)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if out.AdvanceTo > 0 {
		if err := p.storage.SetLastID(ctx, mc.SourceKey, out.AdvanceTo); err != nil {
			return fmt.Errorf("advance watermark for %s: %w", mc.SourceKey, err)
		}
	}
	return nil
}

// keyedMutex hands out one mutex per source key. Entries are never
// evicted; the key space is bounded by the configured sources.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Package feed watches RSS/Atom feeds as supplementary message sources,
// mapping items into the same pipeline used for chat traffic.
package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"

	"telescope/internal/model"
)

// Handler consumes mapped message contexts. Satisfied by the pipeline
// processor.
type Handler interface {
	Handle(ctx context.Context, mc model.MessageContext) error
}

// KeyPrefix marks feed-backed source keys.
const KeyPrefix = "feed:"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client HTTPClient
}

// NewFetcher creates a Fetcher with the given HTTP client.
func NewFetcher(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch downloads and parses the feed at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "telescope/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return parsed, nil
}

// Source is one watched feed.
type Source struct {
	name    string
	url     string
	fetcher *Fetcher
	log     *slog.Logger
}

// NewSource builds a feed source.
func NewSource(name, url string, fetcher *Fetcher, log *slog.Logger) *Source {
	return &Source{name: name, url: url, fetcher: fetcher, log: log}
}

// BaseKey returns the source key this feed publishes under.
func (s *Source) BaseKey() string {
	return KeyPrefix + s.name
}

// History implements the catch-up scanner's history port: a feed fetch
// is its own recent history. Returns up to limit contexts, newest first.
func (s *Source) History(ctx context.Context, _ string, limit int) ([]model.MessageContext, error) {
	contexts, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(contexts) > limit {
		contexts = contexts[:limit]
	}
	return contexts, nil
}

// Run polls the feed on the given interval and replays new items,
// oldest first, through the handler until ctx is cancelled. Watermarks
// keep repeats idempotent across polls and restarts.
func (s *Source) Run(ctx context.Context, interval time.Duration, handler Handler) {
	s.poll(ctx, handler)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, handler)
		}
	}
}

func (s *Source) poll(ctx context.Context, handler Handler) {
	contexts, err := s.fetch(ctx)
	if err != nil {
		s.log.Error("fetch feed", "source_key", s.BaseKey(), "url", s.url, "error", err)
		return
	}
	for i := len(contexts) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		if err := handler.Handle(ctx, contexts[i]); err != nil {
			s.log.Error("process feed item", "source_key", s.BaseKey(), "message_id", contexts[i].MessageID, "error", err)
		}
	}
}

// fetch returns the feed's items as message contexts, newest first.
// Items without a publish time are skipped: feed message ids derive
// from the publish time so the per-source monotonic-id invariant holds.
func (s *Source) fetch(ctx context.Context) ([]model.MessageContext, error) {
	parsed, err := s.fetcher.Fetch(ctx, s.url)
	if err != nil {
		return nil, err
	}

	key := s.BaseKey()
	var contexts []model.MessageContext
	for _, item := range parsed.Items {
		published := itemTime(item)
		if published == nil {
			s.log.Debug("skip undated feed item", "source_key", key, "title", item.Title)
			continue
		}
		text := item.Title
		if item.Description != "" {
			text += "\n\n" + item.Description
		}
		contexts = append(contexts, model.MessageContext{
			SourceKey:     key,
			BaseSourceKey: key,
			MessageID:     published.Unix(),
			Date:          *published,
			Text:          text,
			Permalink:     item.Link,
		})
	}

	sort.Slice(contexts, func(i, j int) bool { return contexts[i].MessageID > contexts[j].MessageID })
	return contexts, nil
}

func itemTime(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}

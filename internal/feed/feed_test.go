package feed

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"telescope/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func testSource(t *testing.T, transport *mockTransport) *Source {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	return NewSource("releases", "https://example.com/rss", NewFetcher(transport), log)
}

func TestFetch(t *testing.T) {
	xml := loadFixture(t, "../../testdata/sample.xml")

	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: xml, statusCode: 200},
			wantTitle: "Release Notes",
			wantItems: 4,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFetcher(tt.transport)
			feed, err := f.Fetch(context.Background(), "https://example.com/rss")

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.wantTitle, feed.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantItems, len(feed.Items)); diff != "" {
				t.Errorf("item count mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	xml := loadFixture(t, "../../testdata/sample.xml")
	source := testSource(t, &mockTransport{body: xml, statusCode: 200})

	contexts, err := source.History(context.Background(), source.BaseKey(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	// The undated draft item is dropped; the rest come newest first.
	var titles []string
	for _, mc := range contexts {
		title, _, _ := strings.Cut(mc.Text, "\n\n")
		titles = append(titles, title)
	}
	want := []string{"Service 2.4 Released", "Security Advisory 2024-07", "Service 2.3.1 Hotfix"}
	if diff := cmp.Diff(want, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}

	newest := contexts[0]
	if newest.SourceKey != "feed:releases" || newest.BaseSourceKey != "feed:releases" {
		t.Errorf("source key = %s/%s, want feed:releases", newest.SourceKey, newest.BaseSourceKey)
	}
	wantDate := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	if !newest.Date.Equal(wantDate) {
		t.Errorf("date = %v, want %v", newest.Date, wantDate)
	}
	if newest.MessageID != wantDate.Unix() {
		t.Errorf("message id = %d, want publish unix time %d", newest.MessageID, wantDate.Unix())
	}
	if newest.Permalink != "https://example.com/releases/2-4" {
		t.Errorf("permalink = %q", newest.Permalink)
	}
}

func TestHistoryLimit(t *testing.T) {
	xml := loadFixture(t, "../../testdata/sample.xml")
	source := testSource(t, &mockTransport{body: xml, statusCode: 200})

	contexts, err := source.History(context.Background(), source.BaseKey(), 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(contexts) != 2 {
		t.Fatalf("got %d contexts, want limit 2", len(contexts))
	}
	// The limit keeps the newest items.
	if contexts[0].MessageID < contexts[1].MessageID {
		t.Error("contexts not ordered newest first")
	}
}

type recordingHandler struct {
	ids []int64
	err error
}

func (h *recordingHandler) Handle(_ context.Context, mc model.MessageContext) error {
	h.ids = append(h.ids, mc.MessageID)
	return h.err
}

func TestPollReplaysOldestFirst(t *testing.T) {
	xml := loadFixture(t, "../../testdata/sample.xml")
	source := testSource(t, &mockTransport{body: xml, statusCode: 200})
	handler := &recordingHandler{}

	source.poll(context.Background(), handler)

	if len(handler.ids) != 3 {
		t.Fatalf("handled %d items, want 3", len(handler.ids))
	}
	for i := 1; i < len(handler.ids); i++ {
		if handler.ids[i] < handler.ids[i-1] {
			t.Fatalf("replay order not oldest first: %v", handler.ids)
		}
	}
}

func TestPollFetchFailure(t *testing.T) {
	source := testSource(t, &mockTransport{err: io.ErrUnexpectedEOF})
	handler := &recordingHandler{}

	// A failed fetch is logged and skipped; nothing reaches the handler.
	source.poll(context.Background(), handler)

	if len(handler.ids) != 0 {
		t.Errorf("handled %d items after a failed fetch, want 0", len(handler.ids))
	}
}

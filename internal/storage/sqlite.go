// Package storage implements the persistence port on SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"telescope/internal/model"
	"telescope/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite backs the pipeline's storage port with a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetLastID returns the watermark for a source key, 0 when untracked.
func (s *SQLite) GetLastID(ctx context.Context, sourceKey string) (int64, error) {
	var lastID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_id FROM sources_state WHERE source_key = ?`, sourceKey,
	).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last id: %w", err)
	}
	return lastID, nil
}

// SetLastID upserts the watermark for a source key.
func (s *SQLite) SetLastID(ctx context.Context, sourceKey string, lastMessageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources_state (source_key, last_message_id) VALUES (?, ?)
		 ON CONFLICT(source_key) DO UPDATE SET last_message_id = excluded.last_message_id`,
		sourceKey, lastMessageID,
	)
	if err != nil {
		return fmt.Errorf("set last id: %w", err)
	}
	return nil
}

// IsSeen checks whether a fingerprint has already been recorded.
func (s *SQLite) IsSeen(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen WHERE fingerprint = ?`, fingerprint,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return true, nil
}

// MarkSeen records a fingerprint if it does not exist yet.
func (s *SQLite) MarkSeen(ctx context.Context, fingerprint string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen (fingerprint, first_seen) VALUES (?, ?)`,
		fingerprint, now,
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// SaveMatch appends one rule match to the audit log.
func (s *SQLite) SaveMatch(ctx context.Context, mc model.MessageContext, match model.MatchRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO matches (source_key, chat_id, message_id, date, rule_name, reason, text_snippet, permalink)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mc.SourceKey, mc.ChatID, mc.MessageID, mc.Date.UTC().Format(timeLayout),
		match.RuleName, match.Reason, match.TextSnippet, nullable(mc.Permalink),
	)
	if err != nil {
		return fmt.Errorf("save match: %w", err)
	}
	return nil
}

// CleanupSeen deletes fingerprints first seen before now minus ttlDays
// and returns the number removed.
func (s *SQLite) CleanupSeen(ctx context.Context, ttlDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -ttlDays).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE first_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup seen: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rowcount: %w", err)
	}
	return removed, nil
}

// ListSourceKeys returns every source key with a watermark row.
func (s *SQLite) ListSourceKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_key FROM sources_state ORDER BY source_key`)
	if err != nil {
		return nil, fmt.Errorf("query source keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan source key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Match is one audit row as read back from the matches table.
type Match struct {
	ID        int64
	SourceKey string
	ChatID    int64
	MessageID int64
	Date      time.Time
	model.MatchRecord
	Permalink string
}

// RecentMatches returns the newest audit rows, most recent first. Used
// by operational tooling; the pipeline itself never reads matches back.
func (s *SQLite) RecentMatches(ctx context.Context, limit int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_key, chat_id, message_id, date, rule_name, reason, text_snippet, permalink
		 FROM matches ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []Match
	for rows.Next() {
		var m Match
		var dateStr string
		var permalink sql.NullString
		err := rows.Scan(&m.ID, &m.SourceKey, &m.ChatID, &m.MessageID, &dateStr,
			&m.RuleName, &m.Reason, &m.TextSnippet, &permalink)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Date, _ = time.Parse(timeLayout, dateStr)
		m.Permalink = permalink.String
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

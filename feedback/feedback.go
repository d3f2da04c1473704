// Package feedback stores bug reports sent by bot users and serves them to
// the operator over HTTP.
//
// Report text is user input that ends up in an HTML listing, so Submit runs
// it through a strict bluemonday policy before it reaches the database.
//
//	store, _ := feedback.New(feedback.Config{DB: db})
//	r.Mount("/feedback", store.Handler())
package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/vcfbot/idgen"
)

// MaxTextLen bounds the stored report text, in bytes.
const MaxTextLen = 5000

// Report statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

var (
	// ErrEmptyText is returned when a report has no text left after
	// sanitization.
	ErrEmptyText = errors.New("feedback: report text is empty")
	// ErrNotFound is returned by Resolve for an unknown or already resolved
	// report.
	ErrNotFound = errors.New("feedback: report not found or already resolved")
)

// UserIDFunc extracts a reporter identifier from an HTTP request.
// Return "" for an anonymous report.
type UserIDFunc func(r *http.Request) string

// Config holds the settings needed to create a Store.
type Config struct {
	DB       *sql.DB
	NewID    idgen.Generator // default: "bug_" + UUIDv7
	UserIDFn UserIDFunc      // nil = anonymous HTTP reports
	Logger   *slog.Logger
}

// BugReport is a single user report.
type BugReport struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Username   string `json:"username,omitempty"`
	Text       string `json:"text"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at"`
	ResolvedAt *int64 `json:"resolved_at,omitempty"`
}

// ListFilter selects reports. Zero fields do not filter.
type ListFilter struct {
	Status string
	Limit  int // default 50, max 500
	Offset int
}

// Store persists bug reports.
type Store struct {
	db       *sql.DB
	newID    idgen.Generator
	userIDFn UserIDFunc
	logger   *slog.Logger
	policy   *bluemonday.Policy
}

const schema = `
CREATE TABLE IF NOT EXISTS bug_reports (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    username    TEXT NOT NULL DEFAULT '',
    text        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'resolved')),
    created_at  INTEGER NOT NULL,
    resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_bug_reports_status ON bug_reports(status, created_at DESC);
`

// New creates a Store and applies the database schema.
func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("feedback: DB is required")
	}
	if cfg.NewID == nil {
		cfg.NewID = idgen.Prefixed("bug_", idgen.Default)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := cfg.DB.Exec(stmt); err != nil {
			return nil, fmt.Errorf("feedback schema: %w", err)
		}
	}
	return &Store{
		db:       cfg.DB,
		newID:    cfg.NewID,
		userIDFn: cfg.UserIDFn,
		logger:   cfg.Logger,
		policy:   bluemonday.StrictPolicy(),
	}, nil
}

// Sanitize strips every HTML element from text and returns plain text,
// trimmed and truncated to MaxTextLen on a rune boundary.
func (s *Store) Sanitize(text string) string {
	text = html.UnescapeString(s.policy.Sanitize(text))
	text = strings.TrimSpace(text)
	if len(text) > MaxTextLen {
		text = text[:MaxTextLen]
		for !utf8.ValidString(text) {
			text = text[:len(text)-1]
		}
	}
	return text
}

// Submit stores a new open report.
func (s *Store) Submit(ctx context.Context, userID, username, text string) (*BugReport, error) {
	text = s.Sanitize(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	r := &BugReport{
		ID:        s.newID(),
		UserID:    userID,
		Username:  username,
		Text:      text,
		Status:    StatusOpen,
		CreatedAt: time.Now().Unix(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bug_reports (id, user_id, username, text, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Username, r.Text, r.Status, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("feedback: insert: %w", err)
	}
	s.logger.Info("feedback: bug report submitted", "id", r.ID, "user", userID)
	return r, nil
}

// List returns reports matching f, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]BugReport, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	f.Limit = min(f.Limit, 500)

	q := `SELECT id, user_id, username, text, status, created_at, resolved_at FROM bug_reports`
	var args []any
	if f.Status != "" {
		q += " WHERE status = ?"
		args = append(args, f.Status)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("feedback: list: %w", err)
	}
	defer rows.Close()

	reports := []BugReport{}
	for rows.Next() {
		var r BugReport
		var resolved sql.NullInt64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.Text, &r.Status, &r.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("feedback: scan: %w", err)
		}
		if resolved.Valid {
			r.ResolvedAt = &resolved.Int64
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Resolve marks an open report resolved.
func (s *Store) Resolve(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bug_reports SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		StatusResolved, time.Now().Unix(), id, StatusOpen)
	if err != nil {
		return fmt.Errorf("feedback: resolve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup deletes resolved reports whose resolution is older than days.
// Open reports are never deleted. days <= 0 deletes nothing.
func (s *Store) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bug_reports WHERE status = ? AND resolved_at < ?`, StatusResolved, cutoff)
	if err != nil {
		return 0, fmt.Errorf("feedback: cleanup: %w", err)
	}
	return res.RowsAffected()
}

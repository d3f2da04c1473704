// Package access decides who may talk to the bot.
//
// The owner, fixed by configuration, always has access and alone may edit
// the allow-list. Everyone else needs a row in authorized_users. Allow-list
// changes are recorded as business events when an EventLogger is set.
//
// The package also issues and checks the bearer tokens guarding the admin
// HTTP API (see token.go).
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/vcfbot/dbopen"
	"github.com/hazyhaar/vcfbot/observability"
)

// Schema is the allow-list table.
const Schema = `
CREATE TABLE IF NOT EXISTS authorized_users (
    user_id  TEXT PRIMARY KEY,
    username TEXT NOT NULL DEFAULT '',
    added_by TEXT NOT NULL DEFAULT '',
    added_at INTEGER NOT NULL
);
`

var (
	ErrAlreadyAuthorized   = errors.New("access: user already authorized")
	ErrNotAuthorized       = errors.New("access: user not authorized")
	ErrOwnerImmutable      = errors.New("access: the owner cannot be removed")
	ErrInvalidUserID       = errors.New("access: user id must be numeric")
	ErrUsernameUnsupported = errors.New("access: usernames are not supported, use the numeric user id")
)

// User is one allow-list row.
type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	AddedBy  string `json:"added_by,omitempty"`
	AddedAt  int64  `json:"added_at"`
}

// Config holds the settings needed to create a Store.
type Config struct {
	DB      *sql.DB
	OwnerID string
	Events  *observability.EventLogger // optional
	Logger  *slog.Logger
}

// Store is the allow-list.
type Store struct {
	db     *sql.DB
	owner  string
	events *observability.EventLogger
	logger *slog.Logger
}

// New applies the schema and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("access: DB is required")
	}
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("access: OwnerID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if _, err := cfg.DB.Exec(Schema); err != nil {
		return nil, fmt.Errorf("access: schema: %w", err)
	}
	return &Store{db: cfg.DB, owner: cfg.OwnerID, events: cfg.Events, logger: cfg.Logger}, nil
}

// Owner returns the owner's user id.
func (s *Store) Owner() string { return s.owner }

// IsOwner reports whether userID is the owner.
func (s *Store) IsOwner(userID string) bool { return userID == s.owner }

// Allowed reports whether userID may use the bot.
func (s *Store) Allowed(ctx context.Context, userID string) (bool, error) {
	if s.IsOwner(userID) {
		return true, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM authorized_users WHERE user_id = ?`, userID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("access: lookup %s: %w", userID, err)
	}
	return true, nil
}

// Add grants access to userID on behalf of addedBy.
func (s *Store) Add(ctx context.Context, userID, username, addedBy string) error {
	if s.IsOwner(userID) {
		return ErrAlreadyAuthorized
	}
	res, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO authorized_users (user_id, username, added_by, added_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, username, addedBy, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("access: add %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrAlreadyAuthorized
	}
	s.record(ctx, addedBy, userID, "add")
	s.logger.Info("access: user added", "user", userID, "by", addedBy)
	return nil
}

// Remove revokes userID's access on behalf of removedBy.
func (s *Store) Remove(ctx context.Context, userID, removedBy string) error {
	if s.IsOwner(userID) {
		return ErrOwnerImmutable
	}
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM authorized_users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("access: remove %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotAuthorized
	}
	s.record(ctx, removedBy, userID, "remove")
	s.logger.Info("access: user removed", "user", userID, "by", removedBy)
	return nil
}

// List returns the allow-list, oldest first. The owner is not listed.
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username, added_by, added_at FROM authorized_users
		 ORDER BY added_at, user_id`)
	if err != nil {
		return nil, fmt.Errorf("access: list: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.Username, &u.AddedBy, &u.AddedAt); err != nil {
			return nil, fmt.Errorf("access: scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Count returns how many users have access, the owner included once.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM authorized_users WHERE user_id != ?`, s.owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("access: count: %w", err)
	}
	return n + 1, nil
}

func (s *Store) record(ctx context.Context, actor, target, action string) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   "access",
		ServiceName: "vcfbot",
		EntityType:  "user",
		EntityID:    target,
		UserID:      actor,
		Action:      action,
		Success:     true,
	})
}

// ParseUserID validates owner input naming a user. Telegram user ids are
// numeric; "@handle" input is refused because handles cannot be resolved
// to ids through the Bot API.
func ParseUserID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "@") {
		return "", ErrUsernameUnsupported
	}
	if input == "" || len(input) > 20 {
		return "", ErrInvalidUserID
	}
	for _, r := range input {
		if r < '0' || r > '9' {
			return "", ErrInvalidUserID
		}
	}
	return input, nil
}

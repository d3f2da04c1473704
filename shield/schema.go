package shield

import (
	"context"
	"database/sql"
)

// Schema holds the runtime switches read by the middleware:
//   - rate_limits: request budget per client IP for a path prefix
//   - maintenance: one row toggling maintenance mode for HTTP and the bot
//
// Default rules cover the admin API and the MCP endpoint. Statements are
// idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    prefix         TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (prefix, max_requests, window_seconds) VALUES
    ('/api/', 120, 60),
    ('/mcp', 300, 60),
    ('/feedback/', 30, 60);

CREATE TABLE IF NOT EXISTS maintenance (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    active     INTEGER NOT NULL DEFAULT 0,
    message    TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO maintenance (id, active, message) VALUES (1, 0, '');
`

// Init creates the shield tables.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

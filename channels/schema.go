package channels

import (
	"database/sql"

	"github.com/hazyhaar/vcfbot/dbopen"
)

// Schema defines the channels table that drives the connector lifecycle.
// Each row maps a channel name to a platform and its JSON configuration:
//
//   - "telegram": {"bot_token": "..."} or {"token_env": "VCFBOT_TELEGRAM_TOKEN"}
//   - "webhook":  {"listen_addr": ":8081", "path": "/inbound", "secret": "..."}
//
// auth_state is written by running channels (the bot identity resolved by
// getMe, the last acknowledged update offset) and never triggers a restart.
// Set enabled=0 to stop a channel without losing its config.
//
// Every write to the database bumps PRAGMA data_version, which the
// Dispatcher.Watch loop polls to trigger a reload.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
    name       TEXT PRIMARY KEY,
    platform   TEXT NOT NULL CHECK(platform IN ('telegram','webhook')),
    enabled    INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
    config     TEXT DEFAULT '{}',
    auth_state TEXT DEFAULT '{}',
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE INDEX IF NOT EXISTS idx_channels_platform ON channels(platform);

CREATE TRIGGER IF NOT EXISTS trg_channels_updated_at
AFTER UPDATE ON channels
FOR EACH ROW
BEGIN
    UPDATE channels SET updated_at = strftime('%s','now') WHERE name = NEW.name;
END;
`

// OpenDB opens the bot database at path with the channels schema applied.
func OpenDB(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
}

// Init creates the channels table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

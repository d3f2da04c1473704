package channels

import (
	"context"
	"database/sql"
	"time"
)

// Watch polls PRAGMA data_version at the given interval and reloads the
// channel set whenever another connection committed a write. It blocks until
// ctx is cancelled, then closes every channel and returns nil, so it can run
// as an errgroup member:
//
//	g.Go(func() error { return d.Watch(ctx, db, time.Second) })
//
// data_version is a per-connection counter, so polling happens on one pinned
// connection. A pool capped at a single connection (in-memory databases) is
// polled directly and only sees writes from other processes.
func (d *Dispatcher) Watch(ctx context.Context, db *sql.DB, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer d.Close()

	if err := d.Reload(ctx, db); err != nil {
		d.logger.Error("channels: initial reload failed", "error", err)
	}

	var poll interface {
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	} = db
	if db.Stats().MaxOpenConnections != 1 {
		conn, err := db.Conn(ctx)
		if err != nil {
			d.logger.Warn("channels: pin watch connection", "error", err)
		} else {
			defer conn.Close()
			poll = conn
		}
	}

	var lastVersion int64
	poll.QueryRowContext(ctx, "PRAGMA data_version").Scan(&lastVersion)

	d.logger.Info("channels: watcher started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("channels: watcher stopped")
			return nil
		case <-ticker.C:
			var ver int64
			if err := poll.QueryRowContext(ctx, "PRAGMA data_version").Scan(&ver); err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("channels: data_version poll failed", "error", err)
				}
				continue
			}
			if ver == lastVersion {
				continue
			}
			d.logger.Info("channels: change detected, reloading",
				"old_version", lastVersion, "new_version", ver)
			if err := d.Reload(ctx, db); err != nil {
				d.logger.Error("channels: reload failed", "error", err)
			}
			lastVersion = ver
		}
	}
}

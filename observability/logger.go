package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/vcfbot/idgen"
)

// BusinessEvent is a domain event worth keeping beside the audit trail,
// e.g. an allow-list change.
type BusinessEvent struct {
	EventType   string // "access"
	ServiceName string // "vcfbot"
	EntityType  string // "user"
	EntityID    string
	UserID      string // actor
	Action      string // "add", "remove"
	Details     string // optional JSON
	Success     bool
}

// EventLogger writes business events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the event ID generator.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates an EventLogger on db.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Failures are logged, not returned, so
// a broken event store never fails the operation being recorded.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			user_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), event.EventType, event.ServiceName, event.EntityType, event.EntityID,
		event.UserID, event.Action, event.Details, event.Success, time.Now().Unix())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "event_type", event.EventType)
	}
}

// RetentionConfig is the per-table retention in days. Zero keeps everything.
type RetentionConfig struct {
	AuditDays      int
	EventDays      int
	HeartbeatsDays int
}

// CleanupResult reports deleted rows per table.
type CleanupResult struct {
	Audit      int64 `json:"audit"`
	Events     int64 `json:"events"`
	Heartbeats int64 `json:"heartbeats"`
}

// Cleanup deletes rows older than the retention windows.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) (CleanupResult, error) {
	var res CleanupResult
	now := time.Now()
	targets := []struct {
		query string
		days  int
		n     *int64
	}{
		{"DELETE FROM audit_log WHERE timestamp < ?", cfg.AuditDays, &res.Audit},
		{"DELETE FROM business_event_logs WHERE created_at < ?", cfg.EventDays, &res.Events},
		{"DELETE FROM worker_heartbeats WHERE timestamp < ?", cfg.HeartbeatsDays, &res.Heartbeats},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days).Unix()
		r, err := db.ExecContext(ctx, t.query, cutoff)
		if err != nil {
			return res, fmt.Errorf("observability: cleanup: %w", err)
		}
		*t.n, _ = r.RowsAffected()
	}
	return res, nil
}

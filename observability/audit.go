// Package observability records what the bot did: one audit row per user
// operation, business events for allow-list changes, and process heartbeats
// for the health endpoint. Everything lives in the bot's SQLite database.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/vcfbot/idgen"
)

// Audit statuses.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusRejected = "rejected" // access denied or unexpected input
)

// AuditEntry is one user operation.
type AuditEntry struct {
	EntryID       string    `json:"entry_id"`
	Timestamp     time.Time `json:"timestamp"`
	ComponentName string    `json:"component"`
	OperationType string    `json:"operation"` // command name, e.g. "pecahfile"

	UserID    string `json:"user_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	FileName   string `json:"file_name,omitempty"`
	RecordsIn  int    `json:"records_in"`
	RecordsOut int    `json:"records_out"`
	Parameters string `json:"parameters,omitempty"` // JSON

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Status       string `json:"status"`
}

// AuditFilter selects audit entries. Zero fields do not filter.
type AuditFilter struct {
	UserID        string
	OperationType string
	Status        string
	Since         time.Time
	Limit         int // default 100
}

// OperationCount is the per-operation tally returned by OperationCounts.
type OperationCount struct {
	Operation string    `json:"operation"`
	Total     int       `json:"total"`
	Failed    int       `json:"failed"`
	Records   int       `json:"records"` // sum of records_out
	LastAt    time.Time `json:"last_at"`
}

// AuditLogger persists audit entries, asynchronously when asked to.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}
	flush  time.Duration

	// mu orders queue sends before Close stops the flush loop.
	mu     sync.RWMutex
	closed bool
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the entry ID generator.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditLogger sets the slog logger used for persistence failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// WithFlushInterval sets how often queued entries are written (default 2s).
func WithFlushInterval(d time.Duration) AuditOption {
	return func(a *AuditLogger) { a.flush = d }
}

// NewAuditLogger starts an audit logger with a queue of bufferSize entries.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		flush:  2 * time.Second,
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// NewAuditEntry builds an entry for a finished operation. params is
// marshalled to JSON; a non-nil err sets the error status and message.
func (a *AuditLogger) NewAuditEntry(component, operation string, params any, err error, duration time.Duration) *AuditEntry {
	e := &AuditEntry{
		EntryID:       a.newID(),
		Timestamp:     time.Now(),
		ComponentName: component,
		OperationType: operation,
		DurationMs:    duration.Milliseconds(),
		Status:        StatusSuccess,
	}
	if params != nil {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = StatusError
		e.ErrorMessage = err.Error()
	}
	return e
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, a.db, e)
}

// LogAsync queues an entry. When the queue is full, or the logger is
// closed, it is written synchronously instead.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.closed {
		select {
		case a.ch <- e:
			return
		default:
			a.logger.Warn("observability: audit queue full, writing synchronously", "op", e.OperationType)
		}
	}
	if err := a.insert(context.Background(), a.db, e); err != nil {
		a.logger.Error("observability: audit insert failed", "error", err)
	}
}

// Query returns entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.OperationType != "" {
		where = append(where, "operation_type = ?")
		args = append(args, f.OperationType)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.Unix())
	}
	q := `SELECT entry_id, timestamp, component_name, operation_type,
		COALESCE(user_id, ''), COALESCE(chat_id, ''), COALESCE(request_id, ''),
		COALESCE(file_name, ''), records_in, records_out, parameters,
		COALESCE(error_kind, ''), COALESCE(error_message, ''), COALESCE(duration_ms, 0), status
		FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.ComponentName, &e.OperationType,
			&e.UserID, &e.ChatID, &e.RequestID,
			&e.FileName, &e.RecordsIn, &e.RecordsOut, &e.Parameters,
			&e.ErrorKind, &e.ErrorMessage, &e.DurationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("observability: scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// OperationCounts groups a user's audit entries by operation, most used
// first. An empty userID counts every user.
func (a *AuditLogger) OperationCounts(ctx context.Context, userID string) ([]OperationCount, error) {
	q := `SELECT operation_type, COUNT(*),
		SUM(CASE WHEN status != 'success' THEN 1 ELSE 0 END),
		COALESCE(SUM(records_out), 0), MAX(timestamp)
		FROM audit_log`
	var args []any
	if userID != "" {
		q += " WHERE user_id = ?"
		args = append(args, userID)
	}
	q += " GROUP BY operation_type ORDER BY COUNT(*) DESC, operation_type"

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: operation counts: %w", err)
	}
	defer rows.Close()

	var out []OperationCount
	for rows.Next() {
		var c OperationCount
		var last int64
		if err := rows.Scan(&c.Operation, &c.Total, &c.Failed, &c.Records, &last); err != nil {
			return nil, fmt.Errorf("observability: scan operation count: %w", err)
		}
		c.LastAt = time.Unix(last, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close drains the queue and stops the flush goroutine. Later calls are
// no-ops.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.stop)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		e.Status = StatusSuccess
		if e.ErrorMessage != "" {
			e.Status = StatusError
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *AuditLogger) insert(ctx context.Context, x execer, e *AuditEntry) error {
	_, err := x.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, component_name, operation_type,
		 user_id, chat_id, request_id, file_name, records_in, records_out,
		 parameters, error_kind, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), e.ComponentName, e.OperationType,
		e.UserID, e.ChatID, e.RequestID, e.FileName, e.RecordsIn, e.RecordsOut,
		e.Parameters, e.ErrorKind, e.ErrorMessage, e.DurationMs, e.Status)
	return err
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.flush)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 64)

	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			a.logger.Error("observability: audit begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := a.insert(ctx, tx, e); err != nil {
				a.logger.Error("observability: audit insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			a.logger.Error("observability: audit commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					write()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				write()
			}
		case <-ticker.C:
			write()
		}
	}
}

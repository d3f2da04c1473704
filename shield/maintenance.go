package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultMaintenanceMessage is shown when the maintenance row carries no
// message.
const DefaultMaintenanceMessage = "Bot sedang dalam perbaikan. Silakan coba lagi nanti."

// MaintenanceMode caches the maintenance row. While active, the HTTP
// middleware answers 503 and the bot refuses commands from everyone but the
// owner.
type MaintenanceMode struct {
	db     *sql.DB
	logger *slog.Logger
	bypass []string

	mu      sync.RWMutex
	active  bool
	message string
}

// NewMaintenanceMode loads the current flag. Paths under any of bypass are
// served during maintenance.
func NewMaintenanceMode(db *sql.DB, logger *slog.Logger, bypass ...string) *MaintenanceMode {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MaintenanceMode{db: db, logger: logger, bypass: bypass}
	m.Reload(context.Background())
	return m
}

// Reload re-reads the flag. A missing row means maintenance is off.
func (m *MaintenanceMode) Reload(ctx context.Context) {
	var active int
	var message string
	err := m.db.QueryRowContext(ctx,
		`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil && err != sql.ErrNoRows {
		m.logger.Warn("maintenance: reload", "error", err)
		return
	}
	m.apply(active == 1, message)
}

func (m *MaintenanceMode) apply(active bool, message string) {
	m.mu.Lock()
	was := m.active
	m.active = active
	m.message = message
	m.mu.Unlock()

	switch {
	case active && !was:
		m.logger.Warn("maintenance: enabled", "message", message)
	case !active && was:
		m.logger.Info("maintenance: disabled")
	}
}

// Set stores the flag and applies it immediately.
func (m *MaintenanceMode) Set(ctx context.Context, active bool, message string) error {
	flag := 0
	if active {
		flag = 1
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO maintenance (id, active, message, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active = excluded.active,
		     message = excluded.message, updated_at = excluded.updated_at`,
		flag, message, time.Now().Unix())
	if err != nil {
		return err
	}
	m.apply(active, message)
	return nil
}

// Active reports whether maintenance mode is on.
func (m *MaintenanceMode) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Message returns the maintenance notice, or DefaultMaintenanceMessage.
func (m *MaintenanceMode) Message() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.message == "" {
		return DefaultMaintenanceMessage
	}
	return m.message
}

// Middleware answers 503 while maintenance is on, as JSON under /api/ and
// /mcp and as a short HTML page elsewhere.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Active() || hasAnyPrefix(r.URL.Path, m.bypass) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Retry-After", "300")
		msg := m.Message()
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/mcp") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": msg})
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`<!DOCTYPE html>
<html lang="id">
<head><meta charset="utf-8"><title>Maintenance</title></head>
<body><h1>Maintenance</h1><p>` + html.EscapeString(msg) + `</p></body>
</html>`))
	})
}

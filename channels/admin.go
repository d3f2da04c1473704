package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Admin edits the channels table. The Watch loop of a Dispatcher in another
// process picks its writes up; in-process, set OnChange to reload directly.
type Admin struct {
	db *sql.DB

	// OnChange, when set, runs after every successful mutation made through
	// Routes.
	OnChange func(ctx context.Context) error
}

// NewAdmin creates an Admin backed by the given database.
// The database must have the channels schema applied (via Init).
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

// ChannelRow represents a single row from the channels table. Config is
// omitted from JSON output since it carries bot tokens and secrets.
type ChannelRow struct {
	Name      string          `json:"name"`
	Platform  string          `json:"platform"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"-"`
	AuthState json.RawMessage `json:"auth_state,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

const selectRow = `SELECT name, platform, enabled, COALESCE(config, '{}'), COALESCE(auth_state, '{}'), updated_at FROM channels`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(s rowScanner) (ChannelRow, error) {
	var r ChannelRow
	var cfgStr, authStr string
	var enabled int
	if err := s.Scan(&r.Name, &r.Platform, &enabled, &cfgStr, &authStr, &r.UpdatedAt); err != nil {
		return r, err
	}
	r.Enabled = enabled == 1
	r.Config = json.RawMessage(cfgStr)
	r.AuthState = json.RawMessage(authStr)
	return r, nil
}

// ListChannels returns all channels from the SQLite table.
func (a *Admin) ListChannels(ctx context.Context) ([]ChannelRow, error) {
	rows, err := a.db.QueryContext(ctx, selectRow+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("admin: list channels: %w", err)
	}
	defer rows.Close()

	result := []ChannelRow{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("admin: scan channel: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetChannel returns a single channel by name, or ErrChannelNotFound.
func (a *Admin) GetChannel(ctx context.Context, name string) (*ChannelRow, error) {
	r, err := scanRow(a.db.QueryRowContext(ctx, selectRow+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrChannelNotFound{Channel: name}
	}
	if err != nil {
		return nil, fmt.Errorf("admin: get channel: %w", err)
	}
	return &r, nil
}

// UpsertChannel inserts or updates a channel. On conflict only platform,
// enabled and config change; auth_state is preserved.
func (a *Admin) UpsertChannel(ctx context.Context, name, platform string, enabled bool, config json.RawMessage) error {
	if platform != PlatformTelegram && platform != PlatformWebhook {
		return &ErrUnknownPlatform{Platform: platform}
	}
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	if !json.Valid(config) {
		return fmt.Errorf("admin: config of %q is not valid JSON", name)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO channels (name, platform, enabled, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		     platform = excluded.platform,
		     enabled  = excluded.enabled,
		     config   = excluded.config`,
		name, platform, boolInt(enabled), string(config))
	if err != nil {
		return fmt.Errorf("admin: upsert channel: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel from the channels table.
func (a *Admin) DeleteChannel(ctx context.Context, name string) error {
	return a.execOne(ctx, name, "delete channel", `DELETE FROM channels WHERE name = ?`, name)
}

// SetEnabled enables or disables a channel without deleting its config.
func (a *Admin) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return a.execOne(ctx, name, "set enabled",
		`UPDATE channels SET enabled = ? WHERE name = ?`, boolInt(enabled), name)
}

// UpdateAuthState stores the runtime state a channel wants to survive a
// restart. It does not trigger a reload.
func (a *Admin) UpdateAuthState(ctx context.Context, name string, authState json.RawMessage) error {
	if authState == nil {
		authState = json.RawMessage(`{}`)
	}
	return a.execOne(ctx, name, "update auth state",
		`UPDATE channels SET auth_state = ? WHERE name = ?`, string(authState), name)
}

func (a *Admin) execOne(ctx context.Context, name, op, query string, args ...any) error {
	result, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("admin: %s: %w", op, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &ErrChannelNotFound{Channel: name}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Routes exposes the table over HTTP:
//
//	GET    /            list
//	GET    /{name}      one channel
//	PUT    /{name}      upsert {"platform", "enabled", "config"}
//	POST   /{name}/enable, /{name}/disable
//	DELETE /{name}
func (a *Admin) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		rows, err := a.ListChannels(r.Context())
		writeResult(w, rows, err)
	})
	r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
		row, err := a.GetChannel(r.Context(), chi.URLParam(r, "name"))
		writeResult(w, row, err)
	})
	r.Put("/{name}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Platform string          `json:"platform"`
			Enabled  *bool           `json:"enabled"`
			Config   json.RawMessage `json:"config"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		enabled := req.Enabled == nil || *req.Enabled
		err := a.UpsertChannel(r.Context(), chi.URLParam(r, "name"), req.Platform, enabled, req.Config)
		a.afterChange(w, r, err)
	})
	r.Post("/{name}/enable", func(w http.ResponseWriter, r *http.Request) {
		a.afterChange(w, r, a.SetEnabled(r.Context(), chi.URLParam(r, "name"), true))
	})
	r.Post("/{name}/disable", func(w http.ResponseWriter, r *http.Request) {
		a.afterChange(w, r, a.SetEnabled(r.Context(), chi.URLParam(r, "name"), false))
	})
	r.Delete("/{name}", func(w http.ResponseWriter, r *http.Request) {
		a.afterChange(w, r, a.DeleteChannel(r.Context(), chi.URLParam(r, "name")))
	})
	return r
}

func (a *Admin) afterChange(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil && a.OnChange != nil {
		err = a.OnChange(r.Context())
	}
	writeResult(w, map[string]string{"status": "ok"}, err)
}

func writeResult(w http.ResponseWriter, v any, err error) {
	var notFound *ErrChannelNotFound
	var unknown *ErrUnknownPlatform
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

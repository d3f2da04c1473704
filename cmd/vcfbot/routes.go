package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vcfbot/access"
	"github.com/hazyhaar/vcfbot/kit"
	"github.com/hazyhaar/vcfbot/observability"
	"github.com/hazyhaar/vcfbot/vcard"
)

const version = "1.0.0"

// router serves /healthz, the MCP tools and the admin API.
func (s *server) router() http.Handler {
	r := chi.NewRouter()
	for _, mw := range s.stack {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealth)

	if s.cfg.HTTP.MCP {
		srv := mcp.NewServer(&mcp.Implementation{Name: "vcfbot", Version: version}, nil)
		vcard.RegisterMCP(srv)
		s.pipe.RegisterMCP(srv)
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
		r.Handle("/mcp", h)
		r.Handle("/mcp/*", h)
	}

	if s.cfg.HTTP.AdminSecret == "" {
		s.logger.Info("vcfbot: admin api disabled, no admin secret")
		return r
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(access.RequireToken([]byte(s.cfg.HTTP.AdminSecret)))
		r.Get("/users", s.handleUsers)
		r.Get("/stats", s.handleStats)
		r.Get("/stats/{user}", s.handleStats)
		r.Get("/audit", s.handleAudit)
		r.Get("/maintenance", s.handleMaintenance)
		r.Post("/maintenance", s.handleSetMaintenance)
		r.Mount("/channels", s.admin.Routes())
		r.Mount("/feedback", s.reports.Handler())
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hb, err := observability.LatestHeartbeat(r.Context(), s.db, heartbeatName, 3*heartbeatInterval)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	alive := hb != nil && hb.Alive
	code := http.StatusOK
	if !alive {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"alive":       alive,
		"heartbeat":   hb,
		"channels":    s.disp.Snapshot(),
		"connected":   s.disp.Healthy(),
		"maintenance": s.guards.Maintenance.Active(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner": s.users.Owner(),
		"users": users,
	})
}

// handleStats returns per-operation counts, for one user or everyone.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	counts, err := s.audit.OperationCounts(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "operations": counts})
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.audit.Query(r.Context(), observability.AuditFilter{
		UserID:        q.Get("user"),
		OperationType: q.Get("operation"),
		Status:        q.Get("status"),
		Limit:         queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleMaintenance(w http.ResponseWriter, _ *http.Request) {
	m := s.guards.Maintenance
	writeJSON(w, http.StatusOK, map[string]any{"active": m.Active(), "message": m.Message()})
}

func (s *server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active  bool   `json:"active"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.guards.Maintenance.Set(r.Context(), req.Active, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("vcfbot: maintenance changed", "active", req.Active, "by", kit.GetUserID(r.Context()))
	s.handleMaintenance(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envSet(key string) bool {
	return strings.TrimSpace(os.Getenv(key)) != ""
}

// Package shield is the HTTP middleware applied in front of the admin API,
// the feedback pages and the MCP endpoint.
//
//	r := chi.NewRouter()
//	stack, guards := shield.DefaultStack(db, logger, "/healthz")
//	for _, mw := range stack {
//		r.Use(mw)
//	}
//	go guards.Run(ctx)
//
// The maintenance flag and the rate-limit rules live in SQLite (see Schema)
// so they can be changed while the process runs.
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"
)

// DefaultMaxBody bounds request bodies of the admin API.
const DefaultMaxBody = 1 << 20

// Guards holds the DB-backed middleware of a stack so the caller can refresh
// them and the bot can consult the maintenance flag.
type Guards struct {
	Maintenance *MaintenanceMode
	RateLimit   *RateLimiter
}

// Run reloads both guards every interval until ctx is done. Stale rate-limit
// buckets are collected on every tick.
func (g *Guards) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			g.Maintenance.Reload(ctx)
			g.RateLimit.Reload(ctx)
			g.RateLimit.gc(time.Now())
		}
	}
}

// DefaultStack returns the middleware stack of the HTTP server, outermost
// first: Maintenance, HeadToGet, SecurityHeaders, MaxBody, Trace, RateLimit.
// Paths under any of bypass skip maintenance and rate limiting.
func DefaultStack(db *sql.DB, logger *slog.Logger, bypass ...string) ([]func(http.Handler) http.Handler, *Guards) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guards{
		Maintenance: NewMaintenanceMode(db, logger, bypass...),
		RateLimit:   NewRateLimiter(db, logger, bypass...),
	}
	return []func(http.Handler) http.Handler{
		g.Maintenance.Middleware,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody, "/mcp"),
		Trace(logger),
		g.RateLimit.Middleware,
	}, g
}

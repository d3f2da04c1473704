package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitRule is the request budget of one path prefix.
type RateLimitRule struct {
	Prefix      string
	MaxRequests int
	Window      time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces fixed-window budgets per client IP and path prefix.
// Rules come from the rate_limits table; the longest matching prefix
// applies. Requests matching no enabled rule pass.
type RateLimiter struct {
	db     *sql.DB
	logger *slog.Logger
	bypass []string

	mu      sync.Mutex
	rules   []RateLimitRule // sorted by descending prefix length
	buckets map[string]*bucket
}

// NewRateLimiter loads the rules from db. Paths under any of bypass are
// never limited.
func NewRateLimiter(db *sql.DB, logger *slog.Logger, bypass ...string) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		db:      db,
		logger:  logger,
		bypass:  bypass,
		buckets: make(map[string]*bucket),
	}
	rl.Reload(context.Background())
	return rl
}

// Reload re-reads the rules. On error the previous rules stay in force.
func (rl *RateLimiter) Reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx,
		`SELECT prefix, max_requests, window_seconds FROM rate_limits
		 WHERE enabled = 1 ORDER BY length(prefix) DESC, prefix`)
	if err != nil {
		rl.logger.Warn("ratelimit: reload rules", "error", err)
		return
	}
	defer rows.Close()

	var rules []RateLimitRule
	for rows.Next() {
		var r RateLimitRule
		var window int
		if err := rows.Scan(&r.Prefix, &r.MaxRequests, &window); err != nil {
			rl.logger.Warn("ratelimit: scan rule", "error", err)
			continue
		}
		r.Window = time.Duration(window) * time.Second
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		rl.logger.Warn("ratelimit: reload rules", "error", err)
		return
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
}

// Rules returns the rules in force.
func (rl *RateLimiter) Rules() []RateLimitRule {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]RateLimitRule(nil), rl.rules...)
}

// Allow consumes one request of ip's budget for path and reports whether
// it was within budget.
func (rl *RateLimiter) Allow(ip, path string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var rule *RateLimitRule
	for i := range rl.rules {
		if strings.HasPrefix(path, rl.rules[i].Prefix) {
			rule = &rl.rules[i]
			break
		}
	}
	if rule == nil {
		return true
	}

	key := ip + " " + rule.Prefix
	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rule.Window)}
		return rule.MaxRequests > 0
	}
	b.count++
	return b.count <= rule.MaxRequests
}

func (rl *RateLimiter) gc(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// Middleware answers 429 with a JSON error once the client's budget is
// spent.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasAnyPrefix(r.URL.Path, rl.bypass) {
			next.ServeHTTP(w, r)
			return
		}
		ip := ExtractIP(r)
		if rl.Allow(ip, r.URL.Path, time.Now()) {
			next.ServeHTTP(w, r)
			return
		}

		Logger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(60))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the first X-Forwarded-For hop, or the host part of
// RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

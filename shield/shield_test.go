package shield

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/vcfbot/dbopen"
	"github.com/hazyhaar/vcfbot/kit"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestMaintenance_OffByDefault(t *testing.T) {
	mm := NewMaintenanceMode(setupDB(t), nil)
	if mm.Active() {
		t.Fatal("maintenance active on a fresh schema")
	}
	if w := serve(mm.Middleware(okHandler()), "GET", "/feedback/reports.html"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestMaintenance_SetAndServe(t *testing.T) {
	db := setupDB(t)
	mm := NewMaintenanceMode(db, nil, "/healthz")
	ctx := context.Background()

	if err := mm.Set(ctx, true, "Update <b>v2</b>"); err != nil {
		t.Fatal(err)
	}
	h := mm.Middleware(okHandler())

	w := serve(h, "GET", "/feedback/reports.html")
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") != "300" {
		t.Fatalf("html: status = %d, headers = %v", w.Code, w.Header())
	}
	if !strings.Contains(w.Body.String(), "Update &lt;b&gt;v2&lt;/b&gt;") {
		t.Fatalf("message not escaped: %s", w.Body.String())
	}

	w = serve(h, "GET", "/api/channels")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Header().Get("Content-Type"), "json") {
		t.Fatalf("api: status = %d, type = %s", w.Code, w.Header().Get("Content-Type"))
	}

	if w := serve(h, "GET", "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("bypass path: status = %d", w.Code)
	}

	// A second instance sees the stored row.
	other := NewMaintenanceMode(db, nil)
	if !other.Active() || other.Message() != "Update <b>v2</b>" {
		t.Fatalf("reloaded = %v %q", other.Active(), other.Message())
	}

	if err := mm.Set(ctx, false, ""); err != nil {
		t.Fatal(err)
	}
	other.Reload(ctx)
	if other.Active() || other.Message() != DefaultMaintenanceMessage {
		t.Fatalf("after disable = %v %q", other.Active(), other.Message())
	}
}

func TestMaintenance_MissingTable(t *testing.T) {
	mm := NewMaintenanceMode(dbopen.OpenMemory(t), nil)
	if mm.Active() {
		t.Fatal("maintenance active without table")
	}
}

func TestRateLimiter_DefaultRules(t *testing.T) {
	rl := NewRateLimiter(setupDB(t), nil)
	var prefixes []string
	for _, r := range rl.Rules() {
		prefixes = append(prefixes, r.Prefix)
	}
	want := []string{"/feedback/", "/api/", "/mcp"}
	if diff := cmp.Diff(want, prefixes); diff != "" {
		t.Fatalf("rules mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	db.Exec(`INSERT INTO rate_limits (prefix, max_requests, window_seconds) VALUES ('/api/stats/', 2, 60)`)
	rl := NewRateLimiter(db, nil)
	now := time.Unix(1_700_000_000, 0)

	// Longest prefix wins: /api/stats/ has a budget of 2.
	for i, want := range []bool{true, true, false} {
		if got := rl.Allow("1.2.3.4", "/api/stats/42", now); got != want {
			t.Fatalf("request %d: allow = %v, want %v", i+1, got, want)
		}
	}
	if !rl.Allow("5.6.7.8", "/api/stats/42", now) {
		t.Fatal("other IP must have its own bucket")
	}
	if !rl.Allow("1.2.3.4", "/api/channels", now) {
		t.Fatal("other prefix must have its own bucket")
	}
	if !rl.Allow("1.2.3.4", "/healthz", now) {
		t.Fatal("unmatched path must pass")
	}
	if !rl.Allow("1.2.3.4", "/api/stats/42", now.Add(61*time.Second)) {
		t.Fatal("window did not reset")
	}

	rl.gc(now.Add(10 * time.Minute))
	rl.mu.Lock()
	n := len(rl.buckets)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("buckets after gc = %d", n)
	}

	db.Exec(`UPDATE rate_limits SET enabled = 0 WHERE prefix = '/api/stats/'`)
	rl.Reload(ctx)
	for _, r := range rl.Rules() {
		if r.Prefix == "/api/stats/" {
			t.Fatal("disabled rule still loaded")
		}
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	db := setupDB(t)
	db.Exec(`UPDATE rate_limits SET max_requests = 1 WHERE prefix = '/api/'`)
	rl := NewRateLimiter(db, nil, "/api/public")
	h := rl.Middleware(okHandler())

	if w := serve(h, "GET", "/api/channels"); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	w := serve(h, "GET", "/api/channels")
	if w.Code != http.StatusTooManyRequests || !strings.Contains(w.Body.String(), "rate limit exceeded") {
		t.Fatalf("second: %d %s", w.Code, w.Body.String())
	}
	for range 3 {
		if w := serve(h, "GET", "/api/public/x"); w.Code != http.StatusOK {
			t.Fatalf("bypass: %d", w.Code)
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		xff, remote, want string
	}{
		{"", "10.0.0.1:5555", "10.0.0.1"},
		{"203.0.113.9, 10.0.0.1", "10.0.0.1:5555", "203.0.113.9"},
		{" 198.51.100.2 ", "x", "198.51.100.2"},
		{"", "no-port", "no-port"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := ExtractIP(r); got != tt.want {
			t.Errorf("ExtractIP(%q, %q) = %q, want %q", tt.xff, tt.remote, got, tt.want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders(DefaultHeaders())(okHandler()), "GET", "/")
	for _, h := range []string{"Content-Security-Policy", "X-Frame-Options", "X-Content-Type-Options", "Referrer-Policy", "Cache-Control"} {
		if w.Header().Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}

	w = serve(SecurityHeaders(HeaderConfig{XFrameOptions: "DENY"})(okHandler()), "GET", "/")
	if w.Header().Get("Content-Security-Policy") != "" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("headers = %v", w.Header())
	}
}

func TestHeadToGet(t *testing.T) {
	var seen string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { seen = r.Method }))
	serve(h, http.MethodHead, "/healthz")
	if seen != http.MethodGet {
		t.Fatalf("method = %s", seen)
	}
}

func TestMaxBody(t *testing.T) {
	read := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		}
	})
	h := MaxBody(8, "/mcp")(read)

	req := func(path, body string) int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", path, strings.NewReader(body)))
		return w.Code
	}
	if code := req("/api/x", "small"); code != http.StatusOK {
		t.Fatalf("small body: %d", code)
	}
	if code := req("/api/x", strings.Repeat("x", 32)); code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body: %d", code)
	}
	if code := req("/mcp", strings.Repeat("x", 7)); code != http.StatusOK {
		t.Fatalf("skipped path: %d", code)
	}
}

func TestTrace(t *testing.T) {
	var traceID string
	var logger bool
	h := Trace(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
		logger = Logger(r.Context()) != slog.Default()
		if kit.GetRequestID(r.Context()) != "req-1" {
			t.Errorf("request id = %q", kit.GetRequestID(r.Context()))
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	r := httptest.NewRequest("GET", "/api/x", nil)
	r.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if len(traceID) != 16 || w.Header().Get("X-Trace-ID") != traceID {
		t.Fatalf("trace id = %q, header = %q", traceID, w.Header().Get("X-Trace-ID"))
	}
	if !logger {
		t.Fatal("per-request logger not installed")
	}
	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDefaultStack(t *testing.T) {
	db := setupDB(t)
	stack, guards := DefaultStack(db, nil, "/healthz")
	if len(stack) != 6 || guards.Maintenance == nil || guards.RateLimit == nil {
		t.Fatalf("stack = %d, guards = %+v", len(stack), guards)
	}
	var h http.Handler = okHandler()
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	w := serve(h, "GET", "/api/channels")
	if w.Code != http.StatusOK || w.Header().Get("X-Trace-ID") == "" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("status = %d, headers = %v", w.Code, w.Header())
	}

	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		guards.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !guards.Maintenance.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if w := serve(h, "GET", "/api/channels"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("maintenance: status = %d", w.Code)
	}
	if w := serve(h, "HEAD", "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz during maintenance: status = %d", w.Code)
	}
}

package shield

import (
	"net/http"
	"strings"
)

// MaxBody caps request bodies at maxBytes. Reads past the cap fail and the
// handler answers 400 or 413 on its own. Paths under any of skip are not
// capped; the MCP transport enforces its own limits.
func MaxBody(maxBytes int64, skip ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && !hasAnyPrefix(r.URL.Path, skip) {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

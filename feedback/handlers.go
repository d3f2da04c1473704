package feedback

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler returns the feedback routes, to be mounted under a prefix:
//
//	r.Mount("/feedback", store.Handler())
func (s *Store) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/reports", s.handleSubmit)
	r.Get("/reports", s.handleListJSON)
	r.Post("/reports/{id}/resolve", s.handleResolve)
	r.Get("/reports.html", s.handleListHTML)
	return r
}

func (s *Store) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 32*1024)

	var req struct {
		Text     string `json:"text"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID := ""
	if s.userIDFn != nil {
		userID = s.userIDFn(r)
	}
	rep, err := s.Submit(r.Context(), userID, req.Username, req.Text)
	if errors.Is(err, ErrEmptyText) {
		jsonErr(w, "text is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("feedback: submit", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rep)
}

func (s *Store) handleListJSON(w http.ResponseWriter, r *http.Request) {
	f := ListFilter{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	reports, err := s.List(r.Context(), f)
	if err != nil {
		s.logger.Error("feedback: list", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reports)
}

func (s *Store) handleResolve(w http.ResponseWriter, r *http.Request) {
	err := s.Resolve(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("feedback: resolve", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": StatusResolved})
}

// reportView is the template-friendly projection of a BugReport.
type reportView struct {
	Text      string
	Reporter  string
	Status    string
	CreatedAt string
}

var listHTMLTmpl = template.Must(template.New("list").Parse(`<!DOCTYPE html>
<html lang="id"><head><meta charset="UTF-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Laporan bug ({{.Count}})</title>
<style>
body{font-family:system-ui,sans-serif;max-width:800px;margin:2rem auto;padding:0 1rem;color:#222;background:#fafafa}
h1{font-size:1.4rem;border-bottom:2px solid #e0e0e0;padding-bottom:.5rem}
.report{background:#fff;border:1px solid #e0e0e0;border-radius:6px;padding:1rem;margin-bottom:1rem}
.resolved{opacity:.6}
.meta{font-size:.8rem;color:#666;margin-top:.5rem}
.empty{color:#999;font-style:italic}
</style></head><body>
<h1>Laporan bug ({{.Count}})</h1>
{{- if eq .Count 0}}
<p class="empty">Belum ada laporan.</p>
{{- end}}
{{- range .Reports}}
<div class="report {{.Status}}"><p>{{.Text}}</p><div class="meta">{{.Reporter}} &middot; {{.CreatedAt}} &middot; {{.Status}}</div></div>
{{- end}}
</body></html>`))

func (s *Store) handleListHTML(w http.ResponseWriter, r *http.Request) {
	reports, err := s.List(r.Context(), ListFilter{Status: r.URL.Query().Get("status"), Limit: 200})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]reportView, len(reports))
	for i, rep := range reports {
		who := rep.UserID
		if rep.Username != "" {
			who = "@" + rep.Username + " (" + rep.UserID + ")"
		}
		if who == "" {
			who = "anonim"
		}
		views[i] = reportView{
			Text:      rep.Text,
			Reporter:  who,
			Status:    rep.Status,
			CreatedAt: time.Unix(rep.CreatedAt, 0).UTC().Format("2006-01-02 15:04"),
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	listHTMLTmpl.Execute(w, struct {
		Count   int
		Reports []reportView
	}{len(views), views})
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

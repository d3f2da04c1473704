package access

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/hazyhaar/vcfbot/dbopen"
	"github.com/hazyhaar/vcfbot/kit"
	"github.com/hazyhaar/vcfbot/observability"
)

const owner = "7614202330"

func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{DB: db, OwnerID: owner, Events: observability.NewEventLogger(db)})
	if err != nil {
		t.Fatal(err)
	}
	return s, db
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{OwnerID: owner}); err == nil {
		t.Fatal("expected error without DB")
	}
	if _, err := New(Config{DB: dbopen.OpenMemory(t)}); err == nil {
		t.Fatal("expected error without owner")
	}
}

func TestAllowed(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if ok, err := s.Allowed(ctx, owner); err != nil || !ok {
		t.Fatalf("owner: %v %v", ok, err)
	}
	if ok, _ := s.Allowed(ctx, "42"); ok {
		t.Fatal("stranger allowed")
	}
	if err := s.Add(ctx, "42", "budi", owner); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Allowed(ctx, "42"); !ok {
		t.Fatal("added user denied")
	}
	if err := s.Remove(ctx, "42", owner); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Allowed(ctx, "42"); ok {
		t.Fatal("removed user still allowed")
	}
}

func TestAddRemoveErrors(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	s.Add(ctx, "42", "", owner)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"add twice", s.Add(ctx, "42", "", owner), ErrAlreadyAuthorized},
		{"add owner", s.Add(ctx, owner, "", owner), ErrAlreadyAuthorized},
		{"remove owner", s.Remove(ctx, owner, owner), ErrOwnerImmutable},
		{"remove missing", s.Remove(ctx, "99", owner), ErrNotAuthorized},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, tt.err, tt.want)
		}
	}
}

func TestListAndCount(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	users, err := s.List(ctx)
	if err != nil || len(users) != 0 || users == nil {
		t.Fatalf("empty list = %#v, %v", users, err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count with owner only = %d", n)
	}

	s.Add(ctx, "42", "budi", owner)
	s.Add(ctx, "43", "", owner)
	users, _ = s.List(ctx)
	want := []User{
		{UserID: "42", Username: "budi", AddedBy: owner},
		{UserID: "43", AddedBy: owner},
	}
	if diff := cmp.Diff(want, users, cmpopts.IgnoreFields(User{}, "AddedAt")); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if n, _ := s.Count(ctx); n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestCountOwnerInTableOnce(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()
	db.Exec(`INSERT INTO authorized_users (user_id, added_at) VALUES (?, 1)`, owner)
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestEventsRecorded(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()
	s.Add(ctx, "42", "", owner)
	s.Remove(ctx, "42", owner)
	s.Remove(ctx, "42", owner) // failed removal is not an event

	rows, err := db.Query(`SELECT action, entity_id, user_id FROM business_event_logs ORDER BY created_at, action`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var action, entity, actor string
		rows.Scan(&action, &entity, &actor)
		got = append(got, action+":"+entity+":"+actor)
	}
	want := []string{"add:42:" + owner, "remove:42:" + owner}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestParseUserID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  error
	}{
		{"123456789", "123456789", nil},
		{"  42\n", "42", nil},
		{"@budi", "", ErrUsernameUnsupported},
		{"12a", "", ErrInvalidUserID},
		{"", "", ErrInvalidUserID},
		{"-5", "", ErrInvalidUserID},
		{strings.Repeat("1", 21), "", ErrInvalidUserID},
	}
	for _, tt := range tests {
		got, err := ParseUserID(tt.in)
		if got != tt.want || !errors.Is(err, tt.err) {
			t.Errorf("ParseUserID(%q) = %q, %v; want %q, %v", tt.in, got, err, tt.want, tt.err)
		}
	}
}

var secret = []byte(strings.Repeat("s", MinSecretLen))

func TestIssueAndParseToken(t *testing.T) {
	tok, err := IssueToken(secret, owner, RoleOwner, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseToken(secret, tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != owner || claims.Role != RoleOwner || claims.Subject != owner {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := IssueToken([]byte("short"), owner, RoleOwner, time.Hour); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("weak secret: err = %v", err)
	}
	if _, err := ParseToken([]byte(strings.Repeat("x", MinSecretLen)), tok); err == nil {
		t.Fatal("token accepted with the wrong secret")
	}

	expired, _ := IssueToken(secret, owner, RoleOwner, -time.Minute)
	if _, err := ParseToken(secret, expired); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "vcfbot", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           owner,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(secret, tok); err == nil {
		t.Fatal("HS512 token accepted")
	}
}

func TestRequireToken(t *testing.T) {
	var gotUser string
	h := RequireToken(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = kit.GetUserID(r.Context())
		if c := ClaimsFrom(r.Context()); c == nil || c.Role != RoleOperator {
			t.Errorf("claims = %+v", c)
		}
	}))
	tok, _ := IssueToken(secret, "ops", RoleOperator, time.Hour)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"valid", "Bearer " + tok, http.StatusOK},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/channels", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
	if gotUser != "ops" {
		t.Fatalf("kit user = %q", gotUser)
	}
}

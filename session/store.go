package session

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultIdleTimeout expires sessions nobody touched for this long.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultMaxFiles bounds a collecting session.
	DefaultMaxFiles = 50
)

// DiscardFunc receives the files a session released, on completion, reset,
// expiry or a new command. The store forgets them afterwards.
type DiscardFunc func(userID string, files []File)

// Store holds every user's session in memory.
type Store struct {
	idle     time.Duration
	maxFiles int
	now      func() time.Time
	discard  DiscardFunc
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Store.
type Option func(*Store)

// WithIdleTimeout sets the expiry delay. Zero or negative disables expiry.
func WithIdleTimeout(d time.Duration) Option { return func(s *Store) { s.idle = d } }

// WithMaxFiles bounds how many files one collecting session accepts.
func WithMaxFiles(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxFiles = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithDiscard registers the hook receiving released files.
func WithDiscard(fn DiscardFunc) Option { return func(s *Store) { s.discard = fn } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		idle:     DefaultIdleTimeout,
		maxFiles: DefaultMaxFiles,
		now:      time.Now,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxFiles returns the collecting limit.
func (s *Store) MaxFiles() int { return s.maxFiles }

// Get returns the user's session, idle when none exists. An expired session
// is reset first.
func (s *Store) Get(userID string) Session {
	s.mu.Lock()
	sess, released := s.load(userID)
	snap := sess.snapshot()
	s.mu.Unlock()

	s.release(userID, released)
	return snap
}

// Fire applies ev to the user's session and returns the new snapshot. A
// rejected event returns the unchanged snapshot and an UnexpectedInputError.
func (s *Store) Fire(userID string, ev Event) (Session, error) {
	s.mu.Lock()
	sess, expired := s.load(userID)
	from := sess.State
	released, err := next(sess, ev, s.maxFiles)
	if err == nil {
		sess.LastActive = s.now()
		if sess.State == StateIdle {
			delete(s.sessions, userID)
		} else {
			s.sessions[userID] = sess
		}
	}
	snap := sess.snapshot()
	s.mu.Unlock()

	s.release(userID, expired)
	if err != nil {
		s.logger.Debug("session: rejected", "user", userID, "state", from, "event", ev.Kind)
		return snap, err
	}
	s.logger.Debug("session: transition",
		"user", userID, "event", ev.Kind, "from", from, "to", snap.State, "op", snap.Op)
	s.release(userID, released)
	return snap, nil
}

// Sweep expires every session idle past the timeout and returns how many
// were expired.
func (s *Store) Sweep() int {
	if s.idle <= 0 {
		return 0
	}
	now := s.now()
	type expiredSession struct {
		user  string
		files []File
	}
	var expired []expiredSession

	s.mu.Lock()
	for user, sess := range s.sessions {
		if now.Sub(sess.LastActive) > s.idle {
			released, _ := next(sess, Event{Kind: EventExpire}, s.maxFiles)
			expired = append(expired, expiredSession{user, released})
			delete(s.sessions, user)
		}
	}
	s.mu.Unlock()

	for _, e := range expired {
		s.logger.Info("session: expired", "user", e.user, "files", len(e.files))
		s.release(e.user, e.files)
	}
	return len(expired)
}

// Len returns the number of non-idle sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// load returns the live session for userID, expiring it first when due.
// Called with mu held.
func (s *Store) load(userID string) (*Session, []File) {
	sess, ok := s.sessions[userID]
	if !ok {
		return &Session{UserID: userID}, nil
	}
	if s.idle > 0 && s.now().Sub(sess.LastActive) > s.idle {
		released, _ := next(sess, Event{Kind: EventExpire}, s.maxFiles)
		delete(s.sessions, userID)
		s.logger.Info("session: expired", "user", userID, "files", len(released))
		return sess, released
	}
	return sess, nil
}

func (s *Store) release(userID string, files []File) {
	if len(files) > 0 && s.discard != nil {
		s.discard(userID, files)
	}
}

func (sess *Session) snapshot() Session {
	out := *sess
	out.Files = append([]File(nil), sess.Files...)
	return out
}

package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	log "github.com/sirupsen/logrus"

	"task-manager/domain"
)

const sessionIDLength = 21

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active sessions")
)

type board struct {
	store    *domain.Store
	lastSeen time.Time
}

// Sessions keeps one in-memory board per client session. Boards are never
// written anywhere; ending or expiring a session discards its tasks.
type Sessions struct {
	mu     sync.Mutex
	boards map[string]*board
	ttl    time.Duration
	max    int
	logger *log.Logger

	now       func() time.Time
	newID     func() string
	storeOpts []domain.StoreOption
}

// SessionsOption customizes a Sessions registry.
type SessionsOption func(*Sessions)

// WithSessionClock replaces time.Now for idle tracking.
func WithSessionClock(now func() time.Time) SessionsOption {
	return func(s *Sessions) { s.now = now }
}

// WithSessionIDs replaces the nanoid based session id generator.
func WithSessionIDs(next func() string) SessionsOption {
	return func(s *Sessions) { s.newID = next }
}

// WithStoreOptions is applied to every board the registry creates.
func WithStoreOptions(opts ...domain.StoreOption) SessionsOption {
	return func(s *Sessions) { s.storeOpts = append(s.storeOpts, opts...) }
}

// NewSessions creates a registry. A ttl of zero disables idle expiry and a max
// of zero disables the session limit.
func NewSessions(ttl time.Duration, max int, logger *log.Logger, opts ...SessionsOption) *Sessions {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if ttl < 0 {
		ttl = 0
	}
	s := &Sessions{
		boards: make(map[string]*board),
		ttl:    ttl,
		max:    max,
		logger: logger,
		now:    time.Now,
		newID:  defaultSessionIDs(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultSessionIDs() func() string {
	gen, err := nanoid.Standard(sessionIDLength)
	if err != nil {
		return uuid.NewString
	}
	return gen
}

// Create starts a new session with an empty board.
func (s *Sessions) Create() (string, *domain.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.max > 0 && len(s.boards) >= s.max {
		return "", nil, ErrTooManySessions
	}
	id := s.newID()
	for _, exists := s.boards[id]; exists; _, exists = s.boards[id] {
		id = s.newID()
	}
	b := &board{store: domain.NewStore(s.storeOpts...), lastSeen: s.now()}
	s.boards[id] = b
	s.logger.WithFields(log.Fields{"session": id, "active": len(s.boards)}).Debug("session created")
	return id, b.store, nil
}

// Get returns the board of a session and marks the session as active.
func (s *Sessions) Get(id string) (*domain.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	b.lastSeen = s.now()
	return b.store, nil
}

// End discards the board of a session. It reports whether the session existed.
func (s *Sessions) End(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.boards[id]; !ok {
		return false
	}
	delete(s.boards, id)
	s.logger.WithFields(log.Fields{"session": id, "active": len(s.boards)}).Debug("session ended")
	return true
}

// Sweep drops sessions idle for longer than the ttl and returns how many were
// removed.
func (s *Sessions) Sweep(now time.Time) int {
	if s.ttl == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, b := range s.boards {
		if now.Sub(b.lastSeen) > s.ttl {
			delete(s.boards, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.WithFields(log.Fields{"expired": removed, "active": len(s.boards)}).Info("expired idle sessions")
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.ttl == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boards)
}

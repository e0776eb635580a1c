// ABOUTME: Authoritative in-memory session store with SQLite write-through.
// ABOUTME: Per-session locks so calls on different sessions never contend.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/den-gateway/internal/store"
)

// ErrSessionNotFound indicates no session exists for the given key.
var ErrSessionNotFound = errors.New("session not found")

// ThinkingLevel controls how much reasoning the agent surfaces.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
)

// ValidThinking reports whether level is a known thinking level.
func ValidThinking(level ThinkingLevel) bool {
	switch level {
	case ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh:
		return true
	}
	return false
}

// ActivationMode controls when the assistant responds in group contexts.
type ActivationMode string

const (
	ActivationMention ActivationMode = "mention"
	ActivationAlways  ActivationMode = "always"
)

// Session is one logical conversation. The key is stable across resets.
type Session struct {
	Key          string         `json:"key"`
	Surface      string         `json:"surface"`
	Address      string         `json:"address"`
	Thinking     ThinkingLevel  `json:"thinking"`
	Verbose      bool           `json:"verbose"`
	Activation   ActivationMode `json:"activation"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
}

// Defaults are applied to new sessions and restored by a reset.
type Defaults struct {
	Thinking   ThinkingLevel
	Verbose    bool
	Activation ActivationMode
}

// DefaultDefaults returns the stock defaults.
func DefaultDefaults() Defaults {
	return Defaults{Thinking: ThinkingOff, Verbose: false, Activation: ActivationMention}
}

// Patch carries optional field updates for sessions.patch. Nil means leave
// unchanged.
type Patch struct {
	Thinking   *ThinkingLevel
	Verbose    *bool
	Activation *ActivationMode
}

// Store is the single owner of session state. Collaborators reference
// sessions by key only. Mutations on the same key are serialized by a
// per-key lock; different keys proceed in parallel.
type Store struct {
	mu       sync.RWMutex // guards sessions and locks maps
	sessions map[string]*Session
	locks    map[string]*sync.Mutex

	defaults  Defaults
	persister store.Store // may be nil (tests)
	logger    *slog.Logger
}

// NewStore creates a session store. persister may be nil to disable
// persistence. Existing persisted sessions are loaded eagerly.
func NewStore(persister store.Store, defaults Defaults, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Thinking == "" {
		defaults.Thinking = ThinkingOff
	}
	if defaults.Activation == "" {
		defaults.Activation = ActivationMention
	}

	s := &Store{
		sessions:  make(map[string]*Session),
		locks:     make(map[string]*sync.Mutex),
		defaults:  defaults,
		persister: persister,
		logger:    logger.With("component", "sessions"),
	}

	if persister != nil {
		recs, err := persister.ListSessions(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading persisted sessions: %w", err)
		}
		for _, rec := range recs {
			s.sessions[rec.Key] = fromRecord(rec)
		}
		if len(recs) > 0 {
			s.logger.Info("restored sessions", "count", len(recs))
		}
	}

	return s, nil
}

// lockFor returns the mutex for a session key, creating it on demand.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// GetOrCreate returns the session for key, creating it with defaults on
// first use. Created reports whether a new session was made.
func (s *Store) GetOrCreate(ctx context.Context, key, surface, address string) (Session, bool, error) {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()

	if ok {
		return *sess, false, nil
	}

	now := time.Now()
	sess = &Session{
		Key:          key,
		Surface:      surface,
		Address:      address,
		Thinking:     s.defaults.Thinking,
		Verbose:      s.defaults.Verbose,
		Activation:   s.defaults.Activation,
		CreatedAt:    now,
		LastActivity: now,
	}

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	if err := s.persist(ctx, sess); err != nil {
		return Session{}, false, err
	}

	s.logger.Info("session created", "session_key", key, "surface", surface)
	return *sess, true, nil
}

// Get returns a copy of the session for key.
func (s *Store) Get(key string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// List returns copies of all sessions ordered by last activity, newest first.
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Reset restores a session's flags to defaults while preserving its key
// and creation time.
func (s *Store) Reset(ctx context.Context, key string) (Session, error) {
	return s.update(ctx, key, func(sess *Session) {
		sess.Thinking = s.defaults.Thinking
		sess.Verbose = s.defaults.Verbose
		sess.Activation = s.defaults.Activation
	})
}

// Apply patches a session's flags.
func (s *Store) Apply(ctx context.Context, key string, patch Patch) (Session, error) {
	return s.update(ctx, key, func(sess *Session) {
		if patch.Thinking != nil {
			sess.Thinking = *patch.Thinking
		}
		if patch.Verbose != nil {
			sess.Verbose = *patch.Verbose
		}
		if patch.Activation != nil {
			sess.Activation = *patch.Activation
		}
	})
}

// Touch bumps a session's last-activity timestamp.
func (s *Store) Touch(ctx context.Context, key string) error {
	_, err := s.update(ctx, key, func(*Session) {})
	return err
}

// update serializes a mutation on one session key, bumps activity, and
// writes through. The mutation runs entirely under the per-key lock so a
// cancelled caller can never leave a half-applied session behind.
func (s *Store) update(ctx context.Context, key string, fn func(*Session)) (Session, error) {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	updated := *sess
	fn(&updated)
	updated.LastActivity = time.Now()

	if err := s.persist(ctx, &updated); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	s.sessions[key] = &updated
	s.mu.Unlock()

	return updated, nil
}

// Delete removes a session. The key's lock entry stays for the store's
// lifetime: a goroutine that already fetched the mutex from lockFor must
// keep contending on the same instance, or two callers could enter the
// key's critical section together.
func (s *Store) Delete(ctx context.Context, key string) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	_, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	if s.persister != nil {
		if err := s.persister.DeleteSession(ctx, key); err != nil {
			return err
		}
		if err := s.persister.DeleteTranscript(ctx, key); err != nil {
			return err
		}
	}

	s.logger.Info("session deleted", "session_key", key)
	return nil
}

// SweepIdle deletes sessions idle longer than maxIdle, returning the keys
// removed. A non-positive maxIdle disables the sweep.
func (s *Store) SweepIdle(ctx context.Context, maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-maxIdle)

	s.mu.RLock()
	var stale []string
	for key, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	s.mu.RUnlock()

	var removed []string
	for _, key := range stale {
		if err := s.Delete(ctx, key); err == nil {
			removed = append(removed, key)
		}
	}
	if len(removed) > 0 {
		s.logger.Info("swept idle sessions", "count", len(removed))
	}
	return removed
}

func (s *Store) persist(ctx context.Context, sess *Session) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveSession(ctx, toRecord(sess)); err != nil {
		return fmt.Errorf("persisting session %s: %w", sess.Key, err)
	}
	return nil
}

func toRecord(sess *Session) *store.SessionRecord {
	return &store.SessionRecord{
		Key:          sess.Key,
		Surface:      sess.Surface,
		Address:      sess.Address,
		Thinking:     string(sess.Thinking),
		Verbose:      sess.Verbose,
		Activation:   string(sess.Activation),
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
	}
}

func fromRecord(rec *store.SessionRecord) *Session {
	return &Session{
		Key:          rec.Key,
		Surface:      rec.Surface,
		Address:      rec.Address,
		Thinking:     ThinkingLevel(rec.Thinking),
		Verbose:      rec.Verbose,
		Activation:   ActivationMode(rec.Activation),
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.LastActivity,
	}
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/apierror"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/metrics"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/storage"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/logger"
)

// Store is the session of one client instance. It is safe for concurrent use;
// backend calls run outside the lock and their results are committed under it.
type Store struct {
	kv   storage.KV
	auth Authenticator
	log  *logger.Logger
	now  func() time.Time

	// writeMu orders storage writes with their in-memory commit.
	writeMu sync.Mutex

	mu        sync.RWMutex
	state     State
	loading   bool
	token     string
	user      *User
	listeners map[int]func(State)
	nextID    int
}

// NewStore creates a Store in the Loading state. Call Load to resolve it.
func NewStore(kv storage.KV, auth Authenticator, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("session")
	}
	return &Store{
		kv:        kv,
		auth:      auth,
		log:       log,
		now:       time.Now,
		state:     StateLoading,
		listeners: make(map[int]func(State)),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Load restores the persisted session and revalidates its token with the
// backend. A missing, expired or rejected token clears both entries.
func (s *Store) Load(ctx context.Context) State {
	s.setLoading(true)
	defer s.setLoading(false)

	token, err := s.kv.Get(ctx, storage.KeyToken)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).Warn("read persisted token failed")
		}
		s.clear(ctx, "no persisted token")
		return s.State()
	}

	if tokenExpired(token, s.now()) {
		s.clear(ctx, "persisted token expired")
		return s.State()
	}

	user, err := s.auth.Validate(ctx, token)
	if err != nil {
		s.log.WithField("reason", apierror.Describe(err)).Info("persisted token rejected")
		s.clear(ctx, "token validation failed")
		return s.State()
	}

	s.writeMu.Lock()
	current, err := s.kv.Get(ctx, storage.KeyToken)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeMu.Unlock()
		s.log.WithError(err).Warn("re-read persisted token failed")
		s.clear(ctx, "persisted token unreadable")
		return s.State()
	}
	if current != token {
		// A sign-in or sign-out completed while validating; it wins.
		s.writeMu.Unlock()
		return s.State()
	}
	if err := s.persistUser(ctx, user); err != nil {
		s.log.WithError(err).Warn("refresh cached user failed")
	}
	notify := s.commit(token, &user)
	s.writeMu.Unlock()
	notify()

	s.log.WithField("user_id", user.ID).Info("session restored")
	return s.State()
}

// SignIn authenticates with email and password. On failure the previous
// session, if any, is left exactly as it was.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	grant, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	if err := s.establish(ctx, grant); err != nil {
		return err
	}
	s.log.WithField("user_id", grant.User.ID).Info("signed in")
	return nil
}

// SignUp registers a new account and signs it in, with the same contract as
// SignIn.
func (s *Store) SignUp(ctx context.Context, reg Registration) error {
	grant, err := s.auth.SignUp(ctx, reg)
	if err != nil {
		return err
	}
	if err := s.establish(ctx, grant); err != nil {
		return err
	}
	s.log.WithField("user_id", grant.User.ID).Info("signed up")
	return nil
}

// SignOut clears the session. It never calls the backend and is idempotent.
// The in-memory session is dropped even when storage fails.
func (s *Store) SignOut(ctx context.Context) error {
	return s.clear(ctx, "signed out")
}

// Expire clears the session after the backend rejected its credential.
func (s *Store) Expire(ctx context.Context) {
	metrics.RecordSessionExpired()
	s.log.Warn("credential rejected by backend, clearing session")
	if err := s.clear(ctx, "credential rejected"); err != nil {
		s.log.WithError(err).Error("clear persisted session failed")
	}
}

// UpdateUser replaces the cached profile. The state does not change.
func (s *Store) UpdateUser(ctx context.Context, user User) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if err := s.persistUser(ctx, user); err != nil {
		return err
	}
	s.mu.Lock()
	s.user = &user
	s.mu.Unlock()
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Token returns the persisted token, read from storage on every call so that
// sign-in and sign-out take effect on the very next request.
func (s *Store) Token(ctx context.Context) string {
	token, err := s.kv.Get(ctx, storage.KeyToken)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).Warn("read token failed")
		}
		return ""
	}
	return token
}

// User returns the cached profile.
func (s *Store) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Loading reports whether Load is in progress.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Subscribe registers fn to run after every state change. The returned func
// removes it.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// =============================================================================
// Internal
// =============================================================================

func (s *Store) establish(ctx context.Context, grant Grant) error {
	if grant.Token == "" {
		return fmt.Errorf("session: backend returned no token")
	}
	blob, err := json.Marshal(grant.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	s.writeMu.Lock()
	// Both keys in one write, so a failure leaves the previous session intact.
	if err := s.kv.SetMany(ctx, map[string]string{
		storage.KeyToken: grant.Token,
		storage.KeyUser:  string(blob),
	}); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("persist session: %w", err)
	}
	user := grant.User
	notify := s.commit(grant.Token, &user)
	s.writeMu.Unlock()

	notify()
	return nil
}

func (s *Store) persistUser(ctx context.Context, user User) error {
	blob, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.kv.SetMany(ctx, map[string]string{storage.KeyUser: string(blob)}); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}
	return nil
}

func (s *Store) clear(ctx context.Context, reason string) error {
	s.writeMu.Lock()
	err := s.kv.Delete(ctx, storage.KeyToken, storage.KeyUser)
	if err != nil {
		err = fmt.Errorf("clear session: %w", err)
	}
	notify := s.commit("", nil)
	s.writeMu.Unlock()

	s.log.WithField("reason", reason).Debug("session cleared")
	notify()
	return err
}

// commit swaps the in-memory session and returns the func that notifies
// listeners, to be called once no lock is held.
func (s *Store) commit(token string, user *User) (notify func()) {
	next := StateUnauthenticated
	if token != "" {
		next = StateAuthenticated
	}

	s.mu.Lock()
	prev := s.state
	s.token = token
	s.user = user
	s.state = next
	var listeners []func(State)
	if prev != next {
		listeners = make([]func(State), 0, len(s.listeners))
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	return func() {
		for _, fn := range listeners {
			fn(next)
		}
	}
}

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

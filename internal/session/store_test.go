package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/apierror"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/session"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/storage"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/logger"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/testutil"
)

// fakeAuth is an in-memory Authenticator.
type fakeAuth struct {
	mu        sync.Mutex
	passwords map[string]string
	grants    map[string]session.Grant
	valid     map[string]session.User
	failWith  error
	calls     map[string]int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		passwords: make(map[string]string),
		grants:    make(map[string]session.Grant),
		valid:     make(map[string]session.User),
		calls:     make(map[string]int),
	}
}

func (f *fakeAuth) addUser(email, password string, grant session.Grant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[email] = password
	f.grants[email] = grant
	f.valid[grant.Token] = grant.User
}

func (f *fakeAuth) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAuth) SignIn(_ context.Context, email, password string) (session.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["signin"]++
	if f.failWith != nil {
		return session.Grant{}, f.failWith
	}
	if f.passwords[email] != password {
		return session.Grant{}, &apierror.Error{Kind: apierror.KindUnauthorized, Status: 401, Message: "credenciales"}
	}
	return f.grants[email], nil
}

func (f *fakeAuth) SignUp(_ context.Context, reg session.Registration) (session.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["signup"]++
	if f.failWith != nil {
		return session.Grant{}, f.failWith
	}
	if _, exists := f.passwords[reg.Email]; exists {
		return session.Grant{}, &apierror.Error{Kind: apierror.KindValidation, Status: 400, Message: "duplicado"}
	}
	user := session.User{ID: int64(100 + len(f.passwords)), Name: reg.Name, LastName: reg.LastName, Email: reg.Email}
	grant := session.Grant{Token: "tok-" + reg.Email, User: user}
	f.passwords[reg.Email] = reg.Password
	f.grants[reg.Email] = grant
	f.valid[grant.Token] = user
	return grant, nil
}

func (f *fakeAuth) Validate(_ context.Context, token string) (session.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["validate"]++
	if f.failWith != nil {
		return session.User{}, f.failWith
	}
	user, ok := f.valid[token]
	if !ok {
		return session.User{}, &apierror.Error{Kind: apierror.KindUnauthorized, Status: 401}
	}
	return user, nil
}

// failingKV fails writes on demand.
type failingKV struct {
	storage.KV
	failSet bool
}

func (f *failingKV) SetMany(ctx context.Context, entries map[string]string) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.KV.SetMany(ctx, entries)
}

// flakyKV fails every Get after the first failAfter calls.
type flakyKV struct {
	storage.KV
	mu        sync.Mutex
	gets      int
	failAfter int
}

func (f *flakyKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	f.gets++
	fail := f.gets > f.failAfter
	f.mu.Unlock()
	if fail {
		return "", errors.New("storage unavailable")
	}
	return f.KV.Get(ctx, key)
}

// blockingAuth holds Validate until released.
type blockingAuth struct {
	*fakeAuth
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAuth) Validate(ctx context.Context, token string) (session.User, error) {
	close(b.entered)
	<-b.release
	return b.fakeAuth.Validate(ctx, token)
}

var (
	ana      = session.User{ID: 7, Name: "Ana", LastName: "Pérez", Email: "ana@example.com"}
	anaGrant = session.Grant{Token: "tok-ana", User: ana}
	bob      = session.User{ID: 9, Name: "Bob", Email: "bob@example.com"}
	bobGrant = session.Grant{Token: "tok-bob", User: bob}
)

func newTestStore(t *testing.T) (*session.Store, *storage.MemoryStore, *fakeAuth) {
	t.Helper()
	kv := storage.NewMemoryStore()
	auth := newFakeAuth()
	auth.addUser(ana.Email, "secret", anaGrant)
	auth.addUser(bob.Email, "hunter2", bobGrant)
	return session.NewStore(kv, auth, logger.NewNop()), kv, auth
}

func persisted(t *testing.T, kv storage.KV) (string, *session.User) {
	t.Helper()
	ctx := context.Background()
	token, err := kv.Get(ctx, storage.KeyToken)
	if errors.Is(err, storage.ErrNotFound) {
		token = ""
	} else {
		require.NoError(t, err)
	}
	raw, err := kv.Get(ctx, storage.KeyUser)
	if errors.Is(err, storage.ErrNotFound) {
		return token, nil
	}
	require.NoError(t, err)
	var u session.User
	require.NoError(t, json.Unmarshal([]byte(raw), &u))
	return token, &u
}

func TestNewStore_StartsLoading(t *testing.T) {
	store, _, _ := newTestStore(t)
	assert.Equal(t, session.StateLoading, store.State())
	_, ok := store.User()
	assert.False(t, ok)
}

func TestLoad_NoPersistedToken(t *testing.T) {
	store, kv, auth := newTestStore(t)

	state := store.Load(context.Background())

	assert.Equal(t, session.StateUnauthenticated, state)
	assert.False(t, store.Loading())
	assert.Zero(t, auth.count("validate"))
	assert.Zero(t, kv.Len())
}

func TestLoad_LoadingDuringValidation(t *testing.T) {
	kv := storage.NewMemoryStore()
	fake := newFakeAuth()
	fake.addUser(ana.Email, "secret", anaGrant)
	auth := &blockingAuth{fakeAuth: fake, entered: make(chan struct{}), release: make(chan struct{})}
	store := session.NewStore(kv, auth, logger.NewNop())
	ctx := context.Background()
	require.NoError(t, kv.SetMany(ctx, map[string]string{storage.KeyToken: "tok-ana"}))
	assert.False(t, store.Loading())

	done := make(chan session.State, 1)
	go func() { done <- store.Load(ctx) }()

	<-auth.entered
	assert.True(t, store.Loading())
	assert.Equal(t, session.StateLoading, store.State())

	close(auth.release)
	assert.Equal(t, session.StateAuthenticated, <-done)
	assert.False(t, store.Loading())
}

func TestLoad_UnreadableAfterValidationClears(t *testing.T) {
	mem := storage.NewMemoryStore()
	kv := &flakyKV{KV: mem, failAfter: 1}
	auth := newFakeAuth()
	auth.addUser(ana.Email, "secret", anaGrant)
	store := session.NewStore(kv, auth, logger.NewNop())
	ctx := context.Background()
	require.NoError(t, mem.SetMany(ctx, map[string]string{storage.KeyToken: "tok-ana"}))

	state := store.Load(ctx)

	assert.Equal(t, session.StateUnauthenticated, state)
	assert.False(t, store.Loading())
	assert.Zero(t, mem.Len())
}

func TestLoad_ValidTokenRestoresSession(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, kv.SetMany(ctx, map[string]string{storage.KeyToken: "tok-ana"}))

	state := store.Load(ctx)

	assert.Equal(t, session.StateAuthenticated, state)
	user, ok := store.User()
	require.True(t, ok)
	assert.Equal(t, ana, user)

	_, cached := persisted(t, kv)
	require.NotNil(t, cached)
	assert.Equal(t, ana, *cached)
}

func TestLoad_RejectedTokenClearsBoth(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	blob, _ := json.Marshal(ana)
	require.NoError(t, kv.SetMany(ctx, map[string]string{
		storage.KeyToken: "revoked",
		storage.KeyUser:  string(blob),
	}))

	state := store.Load(ctx)

	assert.Equal(t, session.StateUnauthenticated, state)
	assert.Zero(t, kv.Len())
	_, ok := store.User()
	assert.False(t, ok)
}

func TestLoad_TransportFailureClears(t *testing.T) {
	store, kv, auth := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, kv.SetMany(ctx, map[string]string{storage.KeyToken: "tok-ana"}))
	auth.failWith = &apierror.Error{Kind: apierror.KindConnectivity}

	assert.Equal(t, session.StateUnauthenticated, store.Load(ctx))
	assert.Zero(t, kv.Len())
}

func TestLoad_ExpiredJWTSkipsBackend(t *testing.T) {
	store, kv, auth := newTestStore(t)
	ctx := context.Background()
	expired := testutil.SignToken("7", -time.Minute)
	require.NoError(t, kv.SetMany(ctx, map[string]string{storage.KeyToken: expired}))

	assert.Equal(t, session.StateUnauthenticated, store.Load(ctx))
	assert.Zero(t, auth.count("validate"))
	assert.Zero(t, kv.Len())
}

func TestLoad_NotifiesOnce(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, kv.SetMany(ctx, map[string]string{storage.KeyToken: "tok-ana"}))

	var got []session.State
	store.Subscribe(func(s session.State) { got = append(got, s) })

	store.Load(ctx)
	assert.Equal(t, []session.State{session.StateAuthenticated}, got)
}

func TestSignIn_PersistsBoth(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	store.Load(ctx)

	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))

	assert.Equal(t, session.StateAuthenticated, store.State())
	token, user := persisted(t, kv)
	assert.Equal(t, "tok-ana", token)
	require.NotNil(t, user)
	assert.Equal(t, ana, *user)
	assert.Equal(t, "tok-ana", store.Token(ctx))
}

func TestSignIn_FailureLeavesPriorSession(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))

	err := store.SignIn(ctx, bob.Email, "wrong")
	require.Error(t, err)
	assert.Equal(t, apierror.KindUnauthorized, apierror.KindOf(err))

	assert.Equal(t, session.StateAuthenticated, store.State())
	token, user := persisted(t, kv)
	assert.Equal(t, "tok-ana", token)
	assert.Equal(t, ana, *user)
	current, _ := store.User()
	assert.Equal(t, ana, current)
}

func TestSignIn_FailureWhileSignedOut(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	store.Load(ctx)

	require.Error(t, store.SignIn(ctx, ana.Email, "nope"))
	assert.Equal(t, session.StateUnauthenticated, store.State())
	assert.Zero(t, kv.Len())
}

func TestSignIn_StorageFailureLeavesPriorSession(t *testing.T) {
	kv := &failingKV{KV: storage.NewMemoryStore()}
	auth := newFakeAuth()
	auth.addUser(ana.Email, "secret", anaGrant)
	auth.addUser(bob.Email, "hunter2", bobGrant)
	store := session.NewStore(kv, auth, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))
	kv.failSet = true

	require.Error(t, store.SignIn(ctx, bob.Email, "hunter2"))
	assert.Equal(t, "tok-ana", store.Token(ctx))
	current, _ := store.User()
	assert.Equal(t, ana, current)
}

func TestSignIn_ReplacesSession(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))
	require.NoError(t, store.SignIn(ctx, bob.Email, "hunter2"))

	token, user := persisted(t, kv)
	assert.Equal(t, "tok-bob", token)
	assert.Equal(t, bob, *user)
}

func TestSignUp_EstablishesSession(t *testing.T) {
	store, kv, auth := newTestStore(t)
	ctx := context.Background()

	err := store.SignUp(ctx, session.Registration{Name: "Cris", Email: "cris@example.com", Password: "pw"})
	require.NoError(t, err)

	assert.Equal(t, 1, auth.count("signup"))
	assert.Equal(t, session.StateAuthenticated, store.State())
	token, user := persisted(t, kv)
	assert.Equal(t, "tok-cris@example.com", token)
	assert.Equal(t, "Cris", user.Name)
}

func TestSignUp_DuplicateFails(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	store.Load(ctx)

	err := store.SignUp(ctx, session.Registration{Email: ana.Email, Password: "x"})
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))
	assert.Equal(t, session.StateUnauthenticated, store.State())
}

func TestSignOut_Idempotent(t *testing.T) {
	store, kv, auth := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))
	calls := auth.count("signin") + auth.count("validate")

	require.NoError(t, store.SignOut(ctx))
	require.NoError(t, store.SignOut(ctx))

	assert.Equal(t, session.StateUnauthenticated, store.State())
	assert.Zero(t, kv.Len())
	assert.Equal(t, "", store.Token(ctx))
	assert.Equal(t, calls, auth.count("signin")+auth.count("validate"))
}

func TestExpire_ClearsSession(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))

	var got []session.State
	store.Subscribe(func(s session.State) { got = append(got, s) })

	store.Expire(ctx)
	store.Expire(ctx)

	assert.Equal(t, session.StateUnauthenticated, store.State())
	assert.Zero(t, kv.Len())
	assert.Equal(t, []session.State{session.StateUnauthenticated}, got)
}

func TestUpdateUser(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()
	store.Load(ctx)

	assert.ErrorIs(t, store.UpdateUser(ctx, ana), session.ErrNotAuthenticated)

	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))
	updated := ana
	updated.Phone = "+34 600 000 000"
	require.NoError(t, store.UpdateUser(ctx, updated))

	current, _ := store.User()
	assert.Equal(t, updated, current)
	token, cached := persisted(t, kv)
	assert.Equal(t, "tok-ana", token)
	assert.Equal(t, updated, *cached)
}

func TestSubscribe_Cancel(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	n := 0
	cancel := store.Subscribe(func(session.State) { n++ })
	store.Load(ctx)
	cancel()
	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))

	assert.Equal(t, 1, n)
}

func TestCurrentUserID(t *testing.T) {
	store, kv, auth := newTestStore(t)
	ctx := context.Background()

	_, ok := store.CurrentUserID()
	assert.False(t, ok)
	assert.False(t, store.IsCurrentUser(7))

	require.NoError(t, store.SignIn(ctx, ana.Email, "secret"))
	assert.True(t, store.IsCurrentUser(7))
	assert.False(t, store.IsCurrentUser(9))

	// A grant without a profile id falls back to the token's subject.
	jwtToken := testutil.SignToken("42", time.Hour)
	auth.addUser("anon@example.com", "pw", session.Grant{Token: jwtToken, User: session.User{Email: "anon@example.com"}})
	require.NoError(t, store.SignIn(ctx, "anon@example.com", "pw"))

	id, ok := store.CurrentUserID()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	require.NoError(t, store.SignOut(ctx))
	_, ok = store.CurrentUserID()
	assert.False(t, ok)
	assert.Zero(t, kv.Len())
}

func TestConcurrentAccess(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = store.SignIn(ctx, ana.Email, "secret")
			} else {
				_ = store.SignOut(ctx)
			}
			_ = store.State().String()
			_ = store.IsCurrentUser(int64(i))
			_ = store.Token(ctx) + strconv.Itoa(i)
		}(i)
	}
	wg.Wait()

	state := store.State()
	assert.Contains(t, []session.State{session.StateAuthenticated, session.StateUnauthenticated}, state)
}

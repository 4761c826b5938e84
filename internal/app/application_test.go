package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/apierror"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/chat"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/config"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/session"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/storage"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/logger"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/testutil"
)

const waitFor = 3 * time.Second

func newTestApp(t *testing.T) (*Application, *testutil.Backend, *testutil.Broker, *storage.MemoryStore) {
	t.Helper()

	backend := testutil.NewBackend(t)
	broker := testutil.NewBroker(t)

	cfg := config.Default()
	cfg.API.BaseURL = backend.URL()
	cfg.API.RequestTimeout = 2 * time.Second
	cfg.Realtime.URL = broker.URL()
	cfg.Realtime.ReconnectDelay = 50 * time.Millisecond
	cfg.Realtime.HeartBeat = 0
	cfg.Store.Backend = config.StoreMemory
	require.NoError(t, cfg.Validate())

	kv := storage.NewMemoryStore()
	application, err := NewWithStorage(cfg, kv, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })
	return application, backend, broker, kv
}

func TestNew_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.StoreMemory

	application, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, session.StateLoading, application.Session.State())
	require.NoError(t, application.Close())
}

func TestNew_InvalidURL(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.StoreMemory
	cfg.Realtime.URL = "http://not-a-websocket"

	_, err := New(cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestSignInThenAuthenticatedCall(t *testing.T) {
	application, backend, _, _ := newTestApp(t)
	backend.AddAccount(testutil.Account{ID: 1, Name: "Ana", Email: "user@example.com", Password: "secret", Token: "abc"})
	ctx := context.Background()

	assert.Equal(t, session.StateUnauthenticated, application.Start(ctx))

	require.NoError(t, application.Session.SignIn(ctx, "user@example.com", "secret"))
	_, err := application.Profile.Me(ctx)
	require.NoError(t, err)

	reqs := backend.Requests()
	login, me := reqs[0], reqs[len(reqs)-1]
	assert.Equal(t, "/auth/login", login.Path)
	assert.Empty(t, login.Authorization)
	assert.Equal(t, "/users/me", me.Path)
	assert.Equal(t, "Bearer abc", me.Authorization)
	assert.NotEmpty(t, me.RequestID)
}

func TestRejectedCredentialClearsSession(t *testing.T) {
	application, backend, _, kv := newTestApp(t)
	backend.AddAccount(testutil.Account{ID: 1, Email: "user@example.com", Password: "secret"})
	ctx := context.Background()
	application.Start(ctx)
	require.NoError(t, application.Session.SignIn(ctx, "user@example.com", "secret"))

	backend.RevokeAll()
	err := application.Gateway.Get(ctx, "/users/me", nil)
	assert.True(t, errors.Is(err, apierror.ErrUnauthorized))

	assert.Equal(t, session.StateUnauthenticated, application.Session.State())
	assert.Zero(t, kv.Len())

	// Without a token the next call carries no credential at all.
	_ = application.Gateway.Get(ctx, "/users/me", nil)
	reqs := backend.Requests()
	assert.Empty(t, reqs[len(reqs)-1].Authorization)
}

func TestRestoreOnStart(t *testing.T) {
	application, backend, _, kv := newTestApp(t)
	backend.AddAccount(testutil.Account{ID: 5, Name: "Bea", Email: "bea@example.com"})
	token := backend.IssueToken(5)
	ctx := context.Background()
	require.NoError(t, kv.SetMany(ctx, map[string]string{storage.KeyToken: token}))

	assert.Equal(t, session.StateAuthenticated, application.Start(ctx))
	user, ok := application.Session.User()
	require.True(t, ok)
	assert.Equal(t, "Bea", user.Name)
	assert.True(t, application.Session.IsCurrentUser(5))
}

func TestChatRoundTrip(t *testing.T) {
	application, backend, broker, _ := newTestApp(t)
	backend.AddAccount(testutil.Account{ID: 3, Email: "user@example.com", Password: "secret"})
	ctx := context.Background()
	application.Start(ctx)

	// The broker plays the backend's chat controller: it stamps an id and
	// rebroadcasts every send on the chat topic.
	broker.Route = func(f testutil.Frame) (string, []byte, bool) {
		var in chat.Message
		if err := json.Unmarshal(f.Body, &in); err != nil {
			return "", nil, false
		}
		in.ID = 100
		out, _ := json.Marshal(in)
		return chat.TopicDestination(in.ChatID), out, true
	}

	assert.ErrorIs(t, application.ConnectRealtime(), session.ErrNotAuthenticated)
	require.NoError(t, application.Session.SignIn(ctx, "user@example.com", "secret"))
	require.NoError(t, application.ConnectRealtime())

	got := make(chan chat.Message, 1)
	application.Chat.Listen(8, func(m chat.Message) { got <- m })
	require.Eventually(t, func() bool { return broker.Subscribers("/topic/chat/8") == 1 }, waitFor, 10*time.Millisecond)

	require.True(t, application.Chat.Send(8, "hola"))

	select {
	case m := <-got:
		assert.Equal(t, int64(100), m.ID)
		assert.Equal(t, "hola", m.Content)
		assert.True(t, application.Chat.IsMine(m))
	case <-time.After(waitFor):
		t.Fatal("chat message not echoed")
	}

	connect := broker.Connects()[0]
	assert.Equal(t, "Bearer "+application.Session.Token(ctx), connect.Header["Authorization"])
}

func TestSignOutDisconnectsRealtime(t *testing.T) {
	application, backend, broker, _ := newTestApp(t)
	backend.AddAccount(testutil.Account{ID: 3, Email: "user@example.com", Password: "secret"})
	ctx := context.Background()
	application.Start(ctx)
	require.NoError(t, application.Session.SignIn(ctx, "user@example.com", "secret"))
	require.NoError(t, application.ConnectRealtime())
	require.Eventually(t, application.Realtime.IsConnected, waitFor, 10*time.Millisecond)

	require.NoError(t, application.Session.SignOut(ctx))

	assert.False(t, application.Realtime.IsConnected())
	require.Eventually(t, func() bool { return broker.Connections() == 0 }, waitFor, 10*time.Millisecond)
	assert.False(t, application.Chat.Send(8, "late"))
}

func TestRevokedCredentialInsideHandler(t *testing.T) {
	application, backend, broker, _ := newTestApp(t)
	backend.AddAccount(testutil.Account{ID: 3, Email: "user@example.com", Password: "secret"})
	backend.SetHistory("8", []chat.Message{})
	ctx := context.Background()
	application.Start(ctx)
	require.NoError(t, application.Session.SignIn(ctx, "user@example.com", "secret"))
	require.NoError(t, application.ConnectRealtime())

	// A live message triggers a history refresh from the dispatch goroutine.
	refreshed := make(chan error, 1)
	application.Chat.Listen(8, func(chat.Message) {
		_, err := application.Chat.History(ctx, 8)
		refreshed <- err
	})
	require.Eventually(t, func() bool { return broker.Subscribers("/topic/chat/8") == 1 }, waitFor, 10*time.Millisecond)

	backend.RevokeAll()
	broker.Publish("/topic/chat/8", []byte(`{"id":1,"chatId":8,"senderId":4,"content":"hola"}`))

	select {
	case err := <-refreshed:
		assert.True(t, errors.Is(err, apierror.ErrUnauthorized))
	case <-time.After(waitFor):
		t.Fatal("history call from handler did not return after 401")
	}
	assert.Equal(t, session.StateUnauthenticated, application.Session.State())
	assert.False(t, application.Realtime.IsConnected())
	require.Eventually(t, func() bool { return broker.Connections() == 0 }, waitFor, 10*time.Millisecond)
}

package app

import (
	"context"
	"fmt"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/api"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/chat"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/config"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/gateway"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/realtime"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/session"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/storage"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/logger"
)

// Application ties the client components together and manages their
// lifecycle.
type Application struct {
	log *logger.Logger
	kv  storage.KV

	Config   config.Config
	Session  *session.Store
	Gateway  *gateway.Client
	Auth     *api.AuthService
	Profile  *api.ProfileService
	Realtime *realtime.Channel
	Chat     *chat.Service

	unwatch func()
}

// New builds a fully wired application from cfg. The session starts in the
// Loading state; call Start to restore it.
func New(cfg config.Config, log *logger.Logger) (*Application, error) {
	kv, err := storage.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open session storage: %w", err)
	}
	application, err := NewWithStorage(cfg, kv, log)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return application, nil
}

// NewWithStorage is New with an explicit storage backend, which the
// application takes ownership of.
func NewWithStorage(cfg config.Config, kv storage.KV, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	// Auth endpoints run on an anonymous gateway, so sign-in never carries a
	// stale credential and a rejected password never clears the session.
	anonymous, err := gateway.New(gateway.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.RequestTimeout,
		Locale:    cfg.API.Locale,
		RateLimit: cfg.API.RateLimit,
		RateBurst: cfg.API.RateBurst,
		Logger:    log.Named("gateway.auth"),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth gateway: %w", err)
	}
	auth := api.NewAuthService(anonymous)

	store := session.NewStore(kv, auth, log.Named("session"))

	gw, err := gateway.New(gateway.Config{
		BaseURL:        cfg.API.BaseURL,
		Timeout:        cfg.API.RequestTimeout,
		Locale:         cfg.API.Locale,
		Tokens:         store,
		OnUnauthorized: store.Expire,
		RateLimit:      cfg.API.RateLimit,
		RateBurst:      cfg.API.RateBurst,
		Logger:         log.Named("gateway"),
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	channel, err := realtime.New(realtime.Config{
		URL:              cfg.Realtime.URL,
		Tokens:           store,
		ReconnectDelay:   cfg.Realtime.ReconnectDelay,
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
		HeartBeat:        cfg.Realtime.HeartBeat,
		Logger:           log.Named("realtime"),
	})
	if err != nil {
		return nil, fmt.Errorf("create realtime channel: %w", err)
	}

	application := &Application{
		log:      log,
		kv:       kv,
		Config:   cfg,
		Session:  store,
		Gateway:  gw,
		Auth:     auth,
		Profile:  api.NewProfileService(gw, store),
		Realtime: channel,
		Chat:     chat.NewService(gw, channel, store, log.Named("chat")),
	}

	// Losing the session also ends the realtime connection it authenticated.
	// The listener can run on a realtime goroutine, so it must not wait.
	application.unwatch = store.Subscribe(func(s session.State) {
		if s == session.StateUnauthenticated {
			channel.Stop()
		}
	})

	return application, nil
}

// Start restores the persisted session and returns the resolved state.
func (a *Application) Start(ctx context.Context) session.State {
	state := a.Session.Load(ctx)
	a.log.WithField("state", state.String()).Info("session resolved")
	return state
}

// ConnectRealtime starts the realtime channel when a session is held.
func (a *Application) ConnectRealtime() error {
	if a.Session.State() != session.StateAuthenticated {
		return session.ErrNotAuthenticated
	}
	a.Realtime.Connect()
	return nil
}

// Close disconnects realtime and releases storage.
func (a *Application) Close() error {
	if a.unwatch != nil {
		a.unwatch()
	}
	a.Realtime.Disconnect()
	if err := a.kv.Close(); err != nil {
		return fmt.Errorf("close session storage: %w", err)
	}
	return nil
}

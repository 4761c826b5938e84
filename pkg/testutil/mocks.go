// Package testutil provides in-process fakes of the backend for tests: a REST
// API (Backend) and a STOMP-over-WebSocket broker (Broker).
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// APIPrefix is the path under which Backend serves its routes.
const APIPrefix = "/api"

var signingKey = []byte("testutil-signing-key")

// Account is a user known to the fake backend.
type Account struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	LastName string `json:"lastName"`
	Email    string `json:"email"`
	Password string `json:"-"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role,omitempty"`
	// Token, when set, is returned by every sign-in instead of a fresh JWT.
	Token string `json:"-"`
}

// Request is one call observed by the backend.
type Request struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
}

// Backend is a fake REST backend with token auth, profiles and chat history.
type Backend struct {
	Server *httptest.Server
	// Router is exposed so tests can add routes under APIPrefix.
	Router *mux.Router

	mu       sync.Mutex
	accounts map[string]*Account
	byID     map[int64]*Account
	tokens   map[string]int64
	history  map[string]json.RawMessage
	requests []Request
	nextID   int64
}

// NewBackend starts a Backend that is closed when the test ends.
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		accounts: make(map[string]*Account),
		byID:     make(map[int64]*Account),
		tokens:   make(map[string]int64),
		history:  make(map[string]json.RawMessage),
		nextID:   1,
	}

	root := mux.NewRouter()
	root.Use(b.record)
	api := root.PathPrefix(APIPrefix).Subrouter()
	api.HandleFunc("/auth/login", b.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/register", b.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/validate", b.authed(b.handleProfile)).Methods(http.MethodGet)
	api.HandleFunc("/users/me", b.authed(b.handleProfile)).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id}/messages", b.authed(b.handleHistory)).Methods(http.MethodGet)
	b.Router = api

	b.Server = httptest.NewServer(root)
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the REST root to configure clients with.
func (b *Backend) URL() string {
	return b.Server.URL + APIPrefix
}

// AddAccount registers an account and returns it with its assigned id.
func (b *Backend) AddAccount(a Account) Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.addLocked(a)
}

// IssueToken mints a token for the account with id, valid for an hour.
func (b *Backend) IssueToken(id int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(id, time.Hour)
}

// Revoke makes token unacceptable to the backend.
func (b *Backend) Revoke(token string) {
	b.mu.Lock()
	delete(b.tokens, token)
	b.mu.Unlock()
}

// RevokeAll invalidates every issued token.
func (b *Backend) RevokeAll() {
	b.mu.Lock()
	b.tokens = make(map[string]int64)
	b.mu.Unlock()
}

// SetHistory sets the JSON returned for a chat's message history.
func (b *Backend) SetHistory(chatID string, messages any) {
	raw, err := json.Marshal(messages)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	b.history[chatID] = raw
	b.mu.Unlock()
}

// Requests returns every request observed so far.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Count returns how many requests hit path.
func (b *Backend) Count(path string) int {
	n := 0
	for _, r := range b.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

// SignToken builds an HS256 JWT with the given subject and lifetime. A
// negative lifetime yields an already expired token.
func SignToken(subject string, lifetime time.Duration) string {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return signed
}

// =============================================================================
// Handlers
// =============================================================================

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, Request{
			Method:        r.Method,
			Path:          strings.TrimPrefix(r.URL.Path, APIPrefix),
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
		})
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authed(next func(w http.ResponseWriter, r *http.Request, a Account)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		id, ok := b.tokens[token]
		var account Account
		if ok {
			account = *b.byID[id]
		}
		b.mu.Unlock()

		if token == "" || !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token inválido o expirado"})
			return
		}
		next(w, r, account)
	}
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "cuerpo inválido"})
		return
	}

	b.mu.Lock()
	account, ok := b.accounts[strings.ToLower(body.Email)]
	if !ok || account.Password != body.Password {
		b.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "credenciales inválidas"})
		return
	}
	token := account.Token
	if token == "" {
		token = b.issueLocked(account.ID, time.Hour)
	} else {
		b.tokens[token] = account.ID
	}
	user := *account
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		LastName string `json:"lastName"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Phone    string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "cuerpo inválido"})
		return
	}
	if body.Email == "" || body.Password == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"errors": []map[string]string{{"field": "email", "message": "email y contraseña son obligatorios"}},
		})
		return
	}

	b.mu.Lock()
	if _, exists := b.accounts[strings.ToLower(body.Email)]; exists {
		b.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "el email ya está registrado"})
		return
	}
	account := b.addLocked(Account{
		Name:     body.Name,
		LastName: body.LastName,
		Email:    body.Email,
		Password: body.Password,
		Phone:    body.Phone,
		Role:     "user",
	})
	token := b.issueLocked(account.ID, time.Hour)
	user := *account
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"accessToken": token, "user": user})
}

func (b *Backend) handleProfile(w http.ResponseWriter, _ *http.Request, a Account) {
	writeJSON(w, http.StatusOK, a)
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request, _ Account) {
	chatID := mux.Vars(r)["id"]
	b.mu.Lock()
	raw, ok := b.history[chatID]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "chat no encontrado"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (b *Backend) addLocked(a Account) *Account {
	if a.ID == 0 {
		a.ID = b.nextID
	}
	if a.ID >= b.nextID {
		b.nextID = a.ID + 1
	}
	stored := a
	b.accounts[strings.ToLower(a.Email)] = &stored
	b.byID[a.ID] = &stored
	return &stored
}

func (b *Backend) issueLocked(id int64, lifetime time.Duration) string {
	token := SignToken(strconv.FormatInt(id, 10), lifetime)
	b.tokens[token] = id
	return token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

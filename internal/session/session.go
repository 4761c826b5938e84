// Package session holds the authenticated identity of the running client.
//
// A Store persists two entries, the token and the cached user, and moves
// between three states: Loading, Authenticated and Unauthenticated. The user
// is never kept without the token.
package session

import (
	"context"
	"errors"
)

// State is the lifecycle state of a Store.
type State int

const (
	// StateLoading is the initial state, until Load completes.
	StateLoading State = iota
	// StateAuthenticated means a validated token and user are held.
	StateAuthenticated
	// StateUnauthenticated means no session is held.
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// ErrNotAuthenticated is returned by operations that need a session.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// User is the cached profile of the signed-in user.
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	LastName string `json:"lastName,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Grant is what the backend returns for a successful sign-in or sign-up.
type Grant struct {
	Token string
	User  User
}

// Registration carries the sign-up form.
type Registration struct {
	Name     string `json:"name"`
	LastName string `json:"lastName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

// Authenticator is the backend side of the session lifecycle.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (Grant, error)
	SignUp(ctx context.Context, reg Registration) (Grant, error)
	// Validate checks token with the backend and returns the current profile.
	Validate(ctx context.Context, token string) (User, error)
}

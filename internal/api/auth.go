// Package api binds the backend's REST contract to the session and gateway
// packages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/gateway"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/session"
)

// Backend paths.
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathValidate = "/auth/validate"
	PathMe       = "/users/me"
)

// ErrMalformedResponse is returned when a 2xx body lacks the expected fields.
var ErrMalformedResponse = errors.New("api: malformed response")

// tokenFields are tried in order for the session token.
var tokenFields = []string{"token", "accessToken", "access_token", "data.token"}

// AuthService implements session.Authenticator against the backend. It must
// be given an anonymous gateway: credentials are sent explicitly.
type AuthService struct {
	gw *gateway.Client
}

var _ session.Authenticator = (*AuthService)(nil)

// NewAuthService creates an AuthService.
func NewAuthService(gw *gateway.Client) *AuthService {
	return &AuthService{gw: gw}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn exchanges credentials for a grant.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (session.Grant, error) {
	resp, err := s.gw.Do(ctx, http.MethodPost, PathLogin, loginRequest{
		Email:    strings.TrimSpace(email),
		Password: password,
	})
	if err != nil {
		return session.Grant{}, err
	}
	return parseGrant(resp.Body)
}

// SignUp registers an account and returns its grant.
func (s *AuthService) SignUp(ctx context.Context, reg session.Registration) (session.Grant, error) {
	reg.Email = strings.TrimSpace(reg.Email)
	resp, err := s.gw.Do(ctx, http.MethodPost, PathRegister, reg)
	if err != nil {
		return session.Grant{}, err
	}
	return parseGrant(resp.Body)
}

// Validate presents token to the backend and returns the profile it belongs to.
func (s *AuthService) Validate(ctx context.Context, token string) (session.User, error) {
	resp, err := s.gw.Do(gateway.WithBearer(ctx, token), http.MethodGet, PathValidate, nil)
	if err != nil {
		return session.User{}, err
	}
	return parseUser(resp.Body)
}

func parseGrant(body []byte) (session.Grant, error) {
	if !gjson.ValidBytes(body) {
		return session.Grant{}, fmt.Errorf("%w: body is not JSON", ErrMalformedResponse)
	}

	var token string
	for _, r := range gjson.GetManyBytes(body, tokenFields...) {
		if r.Type == gjson.String && r.Str != "" {
			token = r.Str
			break
		}
	}
	if token == "" {
		return session.Grant{}, fmt.Errorf("%w: no token", ErrMalformedResponse)
	}

	user, err := parseUser(body)
	if err != nil {
		return session.Grant{}, err
	}
	return session.Grant{Token: token, User: user}, nil
}

// parseUser reads the profile from a "user" member, or from the body itself
// when the backend returns it bare.
func parseUser(body []byte) (session.User, error) {
	raw := gjson.GetBytes(body, "user")
	if !raw.Exists() {
		raw = gjson.ParseBytes(body)
	}
	if !raw.IsObject() {
		return session.User{}, fmt.Errorf("%w: no user object", ErrMalformedResponse)
	}

	var user session.User
	if err := json.Unmarshal([]byte(raw.Raw), &user); err != nil {
		return session.User{}, fmt.Errorf("%w: decode user: %v", ErrMalformedResponse, err)
	}
	return user, nil
}

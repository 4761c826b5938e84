package session

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CurrentUserID resolves the signed-in user's id: the cached profile first,
// then the token's "sub" or "id" claim when the token is a JWT.
func (s *Store) CurrentUserID() (int64, bool) {
	s.mu.RLock()
	user, token := s.user, s.token
	s.mu.RUnlock()

	if user != nil && user.ID != 0 {
		return user.ID, true
	}
	if token == "" {
		return 0, false
	}
	claims, ok := parseClaims(token)
	if !ok {
		return 0, false
	}
	return userIDFromClaims(claims)
}

// IsCurrentUser reports whether id is the signed-in user. It is false when
// there is no session.
func (s *Store) IsCurrentUser(id int64) bool {
	current, ok := s.CurrentUserID()
	return ok && current == id
}

// parseClaims reads a JWT's claims without verifying its signature. The
// backend stays the authority on validity; the client only peeks.
func parseClaims(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// tokenExpired is true only for a JWT whose exp claim has passed. Opaque
// tokens are never considered expired locally.
func tokenExpired(token string, now time.Time) bool {
	claims, ok := parseClaims(token)
	if !ok {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.Time.After(now)
}

func userIDFromClaims(claims jwt.MapClaims) (int64, bool) {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
			return id, true
		}
	}
	for _, key := range []string{"id", "userId"} {
		switch v := claims[key].(type) {
		case float64:
			return int64(v), true
		case string:
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

package api

import (
	"context"
	"net/http"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/gateway"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/session"
)

// ProfileCache receives refreshed profiles. *session.Store implements it.
type ProfileCache interface {
	UpdateUser(ctx context.Context, user session.User) error
}

// ProfileService reads the signed-in user's profile through the
// authenticated gateway.
type ProfileService struct {
	gw    *gateway.Client
	cache ProfileCache
}

// NewProfileService creates a ProfileService. cache may be nil.
func NewProfileService(gw *gateway.Client, cache ProfileCache) *ProfileService {
	return &ProfileService{gw: gw, cache: cache}
}

// Me fetches the current profile and refreshes the cached copy.
func (s *ProfileService) Me(ctx context.Context) (session.User, error) {
	resp, err := s.gw.Do(ctx, http.MethodGet, PathMe, nil)
	if err != nil {
		return session.User{}, err
	}
	user, err := parseUser(resp.Body)
	if err != nil {
		return session.User{}, err
	}
	if s.cache != nil {
		if err := s.cache.UpdateUser(ctx, user); err != nil {
			return user, err
		}
	}
	return user, nil
}

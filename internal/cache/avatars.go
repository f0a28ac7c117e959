package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"chat-relay/internal/models"
)

const avatarTTL = 10 * time.Minute

// UserLookup is the slice of the user store needed to resolve avatars.
type UserLookup interface {
	GetUser(ctx context.Context, username string) (models.User, error)
}

// Avatars resolves sender avatars through the cache, falling back to the user store.
type Avatars struct {
	cache Cache
	users UserLookup
}

// NewAvatars constructs an Avatars resolver.
func NewAvatars(c Cache, users UserLookup) *Avatars {
	if c == nil {
		c = Noop{}
	}
	return &Avatars{cache: c, users: users}
}

func avatarKey(username string) string { return "avatar:" + username }

// Avatar returns the avatar of username. Cache failures degrade to a store read.
func (a *Avatars) Avatar(ctx context.Context, username string) (string, error) {
	val, err := a.cache.Get(ctx, avatarKey(username))
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, ErrMiss) {
		log.Warn().Err(err).Str("username", username).Msg("avatar cache read failed")
	}

	user, err := a.users.GetUser(ctx, username)
	if err != nil {
		return "", err
	}
	if err := a.cache.Set(ctx, avatarKey(username), user.Avatar, avatarTTL); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("avatar cache write failed")
	}
	return user.Avatar, nil
}

// Invalidate drops the cached avatar of username.
func (a *Avatars) Invalidate(ctx context.Context, username string) {
	if _, err := a.cache.Del(ctx, avatarKey(username)); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("avatar cache invalidation failed")
	}
}

package broker

import (
	"context"
	"errors"

	"openmates/domain"
	"openmates/hotcache"
	"openmates/srv"
)

// ErrInvalidToken is returned for missing, unknown or expired bearer tokens.
var ErrInvalidToken = errors.New("invalid or expired session token")

// Authenticator validates a bearer token and resolves the user behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.User, error)
}

// UserReader is the slice of the user store the authenticator needs.
type UserReader interface {
	GetUser(ctx context.Context, userId string) (domain.User, error)
}

// CacheAuthenticator resolves bearer tokens through the hot cache's session
// token key space. Tokens are minted by the account layer; the sync core only
// looks them up.
type CacheAuthenticator struct {
	Cache *hotcache.Cache
	Users UserReader
}

func (a *CacheAuthenticator) Authenticate(ctx context.Context, token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, ErrInvalidToken
	}
	userId, err := a.Cache.GetSessionToken(ctx, token)
	if err != nil {
		if errors.Is(err, srv.ErrNotFound) {
			return domain.User{}, ErrInvalidToken
		}
		return domain.User{}, err
	}
	user, err := a.Users.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, srv.ErrNotFound) {
			return domain.User{}, ErrInvalidToken
		}
		return domain.User{}, err
	}
	return user, nil
}

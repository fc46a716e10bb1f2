package hotcache

import (
	"context"
	"fmt"
	"time"

	"openmates/srv"
)

func sessionTokenKey(token string) string {
	return fmt.Sprintf("session_token:%s", token)
}

// PutSessionToken records a bearer token for a user. Issued by the account
// layer outside the sync core; the core only validates.
func (c *Cache) PutSessionToken(ctx context.Context, token, userId string, ttl time.Duration) error {
	return c.Client.Set(ctx, sessionTokenKey(token), userId, ttl).Err()
}

// GetSessionToken resolves a bearer token to a user id. Unknown or expired
// tokens yield srv.ErrNotFound.
func (c *Cache) GetSessionToken(ctx context.Context, token string) (string, error) {
	userId, err := c.Client.Get(ctx, sessionTokenKey(token)).Result()
	if err != nil {
		if isNil(err) {
			return "", srv.ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve session token: %w", err)
	}
	return userId, nil
}

// DeleteSessionToken revokes a bearer token.
func (c *Cache) DeleteSessionToken(ctx context.Context, token string) error {
	return c.Client.Del(ctx, sessionTokenKey(token)).Err()
}

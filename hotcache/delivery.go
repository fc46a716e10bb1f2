package hotcache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EnqueuePendingDelivery appends a serialized event to the user's pending
// delivery FIFO. The whole list expires if the user stays away for the full
// pending delivery TTL.
func (c *Cache) EnqueuePendingDelivery(ctx context.Context, userId string, eventJson []byte) error {
	key := pendingDeliveryKey(userId)
	_, err := c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, eventJson)
		pipe.Expire(ctx, key, PendingDeliveryTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue pending delivery for user %s: %w", userId, err)
	}
	return nil
}

// DrainPendingDeliveries atomically reads the user's whole pending delivery
// list and deletes the key, so a concurrent enqueue either lands before the
// drain (and is returned) or after it (and waits for the next drain).
func (c *Cache) DrainPendingDeliveries(ctx context.Context, userId string) ([][]byte, error) {
	key := pendingDeliveryKey(userId)

	var readCmd *redis.StringSliceCmd
	_, err := c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		readCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending deliveries for user %s: %w", userId, err)
	}

	raw := readCmd.Val()
	events := make([][]byte, 0, len(raw))
	for _, eventJson := range raw {
		events = append(events, []byte(eventJson))
	}
	return events, nil
}

// PendingDeliveryUserIds scans for users with a non-empty pending delivery
// list, used by spill on shutdown.
func (c *Cache) PendingDeliveryUserIds(ctx context.Context) ([]string, error) {
	var userIds []string
	var cursor uint64
	prefix := pendingDeliveryKey("")
	for {
		keys, next, err := c.Client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending delivery keys: %w", err)
		}
		for _, key := range keys {
			userIds = append(userIds, key[len(prefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return userIds, nil
}

package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"openmates/domain"
	"openmates/hotcache"

	zlog "github.com/rs/zerolog/log"
)

// Queue is the per-user durable FIFO of events that could not be delivered
// synchronously, typically reminders fired while the user had no live
// session. Entries carry the same JSON schema as the corresponding fan-out
// event.
type Queue struct {
	cache *hotcache.Cache
}

func NewQueue(cache *hotcache.Cache) *Queue {
	return &Queue{cache: cache}
}

func (q *Queue) Enqueue(ctx context.Context, userId string, event domain.Event) error {
	eventJson, err := json.Marshal(domain.EventContainer{Event: event})
	if err != nil {
		return fmt.Errorf("failed to serialize pending event for user %s: %w", userId, err)
	}
	return q.cache.EnqueuePendingDelivery(ctx, userId, eventJson)
}

// DrainAll pops the user's entire queue atomically and decodes it in FIFO
// order. Entries that no longer decode are logged and skipped rather than
// wedging the queue.
func (q *Queue) DrainAll(ctx context.Context, userId string) ([]domain.Event, error) {
	raw, err := q.cache.DrainPendingDeliveries(ctx, userId)
	if err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(raw))
	for _, eventJson := range raw {
		var container domain.EventContainer
		if err := json.Unmarshal(eventJson, &container); err != nil {
			zlog.Error().Err(err).Str("userId", userId).Msg("Skipping undecodable pending delivery entry")
			continue
		}
		events = append(events, container.Event)
	}
	return events, nil
}

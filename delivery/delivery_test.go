package delivery

import (
	"context"
	"testing"

	"openmates/domain"
	"openmates/hotcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := hotcache.NewTestCache()
	q := NewQueue(cache)

	require.NoError(t, q.Enqueue(ctx, "user_1", domain.ReminderFiredEvent{
		Event: domain.ReminderFiredEventType,
		Data:  domain.ReminderData{ReminderId: "rem_1", Prompt: "water the plants"},
	}))
	require.NoError(t, q.Enqueue(ctx, "user_1", domain.ChatTitleUpdatedEvent{
		Event:  domain.ChatTitleUpdatedEventType,
		ChatId: "chat_1",
		Data:   domain.TitleData{EncryptedTitle: "omv1:Q1RfQQ=="},
	}))

	events, err := q.DrainAll(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	fired, ok := events[0].(domain.ReminderFiredEvent)
	require.True(t, ok)
	assert.Equal(t, "rem_1", fired.Data.ReminderId)
	updated, ok := events[1].(domain.ChatTitleUpdatedEvent)
	require.True(t, ok)
	assert.Equal(t, "chat_1", updated.ChatId)

	// drained means gone
	events, err = q.DrainAll(ctx, "user_1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDrainSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	cache := hotcache.NewTestCache()
	q := NewQueue(cache)

	require.NoError(t, cache.EnqueuePendingDelivery(ctx, "user_1", []byte("{not json")))
	require.NoError(t, q.Enqueue(ctx, "user_1", domain.ReminderFiredEvent{
		Event: domain.ReminderFiredEventType,
		Data:  domain.ReminderData{ReminderId: "rem_2"},
	}))

	events, err := q.DrainAll(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	fired, ok := events[0].(domain.ReminderFiredEvent)
	require.True(t, ok)
	assert.Equal(t, "rem_2", fired.Data.ReminderId)
}

package sqlite

import (
	"context"
	"testing"
	"time"

	"openmates/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMessageIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewTestSqliteStorage(t, "test_message_append")

	chat := testChat("user_1", 0)
	require.NoError(t, storage.PersistChat(ctx, chat))

	message := domain.Message{
		Id:               "msg_1",
		ChatId:           chat.Id,
		EncryptedContent: "omv1:Zmlyc3Q=",
		SenderName:       "me",
		CreatedAt:        time.Now(),
	}

	first, err := storage.AppendMessage(ctx, message)
	require.NoError(t, err)
	assert.Equal(t, "omv1:Zmlyc3Q=", first.EncryptedContent)

	// Retried append with different content must not overwrite.
	retry := message
	retry.EncryptedContent = "omv1:c2Vjb25k"
	second, err := storage.AppendMessage(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, "omv1:Zmlyc3Q=", second.EncryptedContent)

	messages, err := storage.GetChatMessages(ctx, chat.Id, 10)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestGetChatMessagesOrderAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewTestSqliteStorage(t, "test_message_order")

	chat := testChat("user_1", 0)
	require.NoError(t, storage.PersistChat(ctx, chat))

	base := time.Now().Add(-time.Hour)
	ids := []string{"msg_a", "msg_b", "msg_c", "msg_d"}
	for i, id := range ids {
		_, err := storage.AppendMessage(ctx, domain.Message{
			Id:               id,
			ChatId:           chat.Id,
			EncryptedContent: "omv1:bXNn",
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	messages, err := storage.GetChatMessages(ctx, chat.Id, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	// most recent 3, returned oldest-first
	assert.Equal(t, "msg_b", messages[0].Id)
	assert.Equal(t, "msg_c", messages[1].Id)
	assert.Equal(t, "msg_d", messages[2].Id)
}

func TestGetChatMessagesEmptyChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewTestSqliteStorage(t, "test_message_empty")

	chat := testChat("user_1", 0)
	require.NoError(t, storage.PersistChat(ctx, chat))

	messages, err := storage.GetChatMessages(ctx, chat.Id, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

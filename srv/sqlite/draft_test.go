package sqlite

import (
	"context"
	"testing"
	"time"

	"openmates/domain"
	"openmates/srv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertDraftVersionGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewTestSqliteStorage(t, "test_draft_upsert")

	draft := domain.Draft{
		Id:               "draft_1",
		ChatId:           "chat_1",
		HashedUserId:     "hashed_u1",
		EncryptedContent: "client-ct-v1",
		Version:          1,
		LastEdited:       time.Now(),
	}

	stored, err := storage.UpsertDraft(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	t.Run("newer version wins", func(t *testing.T) {
		draft.EncryptedContent = "client-ct-v3"
		draft.Version = 3
		stored, err := storage.UpsertDraft(ctx, draft)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stored.Version)
		assert.Equal(t, "client-ct-v3", stored.EncryptedContent)
	})

	t.Run("stale version refused", func(t *testing.T) {
		draft.EncryptedContent = "client-ct-v2"
		draft.Version = 2
		_, err := storage.UpsertDraft(ctx, draft)
		assert.ErrorIs(t, err, srv.ErrStaleVersion)

		got, err := storage.GetDraft(ctx, "chat_1", "hashed_u1")
		require.NoError(t, err)
		assert.Equal(t, "client-ct-v3", got.EncryptedContent)
	})

	t.Run("per-user isolation", func(t *testing.T) {
		other := domain.Draft{
			Id:               "draft_2",
			ChatId:           "chat_1",
			HashedUserId:     "hashed_u2",
			EncryptedContent: "other-ct",
			Version:          1,
			LastEdited:       time.Now(),
		}
		_, err := storage.UpsertDraft(ctx, other)
		require.NoError(t, err)

		mine, err := storage.GetDraft(ctx, "chat_1", "hashed_u1")
		require.NoError(t, err)
		assert.Equal(t, "client-ct-v3", mine.EncryptedContent)
	})

	t.Run("missing draft", func(t *testing.T) {
		_, err := storage.GetDraft(ctx, "chat_1", "hashed_missing")
		assert.ErrorIs(t, err, srv.ErrNotFound)
	})
}

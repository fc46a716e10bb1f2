package hotcache

import (
	"context"
	"fmt"
	"strconv"

	"openmates/domain"

	"github.com/redis/go-redis/v9"
)

// IncrementVersion atomically bumps one component of a chat's version vector
// and returns the new value. HIncrBy initializes missing fields to zero, so a
// cold hash must be seeded via SeedVersions first or the counter restarts.
func (c *Cache) IncrementVersion(ctx context.Context, chatId string, component domain.Component) (int64, error) {
	newV, err := c.Client.HIncrBy(ctx, chatVersionsKey(chatId), string(component), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s for chat %s: %w", component, chatId, err)
	}
	return newV, nil
}

// GetVersions reads the full version vector for a chat. A missing hash yields
// a zero vector and found=false so callers can warm from the metadata store.
func (c *Cache) GetVersions(ctx context.Context, chatId string) (domain.VersionVector, bool, error) {
	fields, err := c.Client.HGetAll(ctx, chatVersionsKey(chatId)).Result()
	if err != nil {
		return domain.VersionVector{}, false, fmt.Errorf("failed to read versions for chat %s: %w", chatId, err)
	}
	if len(fields) == 0 {
		return domain.VersionVector{}, false, nil
	}

	var vv domain.VersionVector
	for field, raw := range fields {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.VersionVector{}, false, fmt.Errorf("corrupt version field %s for chat %s: %w", field, chatId, err)
		}
		switch field {
		case string(domain.ComponentTitle):
			vv.TitleV = value
		case string(domain.ComponentDraft):
			vv.DraftV = value
		case string(domain.ComponentMessages):
			vv.MessagesV = value
		case "last_edited_overall_timestamp":
			vv.LastEditedAll = value
		}
	}
	return vv, true, nil
}

// SeedVersions writes a full version vector, used when warming a chat from
// the metadata store.
func (c *Cache) SeedVersions(ctx context.Context, chatId string, vv domain.VersionVector) error {
	err := c.Client.HSet(ctx, chatVersionsKey(chatId),
		string(domain.ComponentTitle), vv.TitleV,
		string(domain.ComponentDraft), vv.DraftV,
		string(domain.ComponentMessages), vv.MessagesV,
		"last_edited_overall_timestamp", vv.LastEditedAll,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to seed versions for chat %s: %w", chatId, err)
	}
	return nil
}

// SetLastEdited updates the sort-rank timestamp inside the version hash.
func (c *Cache) SetLastEdited(ctx context.Context, chatId string, lastEdited int64) error {
	return c.Client.HSet(ctx, chatVersionsKey(chatId), "last_edited_overall_timestamp", lastEdited).Err()
}

// UpdateChatRank re-scores a chat in the user's chat index.
func (c *Cache) UpdateChatRank(ctx context.Context, userId, chatId string, lastEdited int64) error {
	err := c.Client.ZAdd(ctx, chatIndexKey(userId), redis.Z{
		Score:  float64(lastEdited),
		Member: chatId,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to update chat rank for user %s: %w", userId, err)
	}
	return nil
}

// RemoveChatRank drops a chat from the user's index, used on chat deletion.
func (c *Cache) RemoveChatRank(ctx context.Context, userId, chatId string) error {
	return c.Client.ZRem(ctx, chatIndexKey(userId), chatId).Err()
}

// TopChats returns the n most recently edited chat ids for a user, newest
// first.
func (c *Cache) TopChats(ctx context.Context, userId string, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	chatIds, err := c.Client.ZRevRange(ctx, chatIndexKey(userId), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read top chats for user %s: %w", userId, err)
	}
	return chatIds, nil
}

package hotcache

import (
	"context"
	"encoding/json"
	"fmt"

	"openmates/domain"

	"github.com/redis/go-redis/v9"
)

// WarmChatMessages replaces a chat's cached message list with the given
// history, oldest first. The list is pinned (no TTL) while the chat sits in
// the Top N; eviction is explicit.
func (c *Cache) WarmChatMessages(ctx context.Context, userId, chatId string, messages []domain.Message) error {
	key := chatMessagesKey(userId, chatId)

	serialized := make([]interface{}, 0, len(messages))
	for _, message := range messages {
		messageJson, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to serialize message %s: %w", message.Id, err)
		}
		serialized = append(serialized, messageJson)
	}

	_, err := c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(serialized) > 0 {
			pipe.RPush(ctx, key, serialized...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to warm messages for chat %s: %w", chatId, err)
	}
	return nil
}

// AppendCachedMessage pushes a new message onto a warmed chat's list. Appends
// to a cold (absent) list are skipped so an evicted chat stays evicted.
func (c *Cache) AppendCachedMessage(ctx context.Context, userId string, message domain.Message) error {
	key := chatMessagesKey(userId, message.ChatId)
	exists, err := c.Client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check message list for chat %s: %w", message.ChatId, err)
	}
	if exists == 0 {
		return nil
	}

	messageJson, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", message.Id, err)
	}
	return c.Client.RPush(ctx, key, messageJson).Err()
}

// GetCachedMessages reads a chat's warmed message list, oldest first. A cold
// chat yields found=false.
func (c *Cache) GetCachedMessages(ctx context.Context, userId, chatId string) ([]domain.Message, bool, error) {
	raw, err := c.Client.LRange(ctx, chatMessagesKey(userId, chatId), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read messages for chat %s: %w", chatId, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	messages := make([]domain.Message, 0, len(raw))
	for _, messageJson := range raw {
		var message domain.Message
		if err := json.Unmarshal([]byte(messageJson), &message); err != nil {
			return nil, false, fmt.Errorf("corrupt cached message in chat %s: %w", chatId, err)
		}
		messages = append(messages, message)
	}
	return messages, true, nil
}

// EvictChatMessages drops a chat's message list when it leaves the Top N.
func (c *Cache) EvictChatMessages(ctx context.Context, userId, chatId string) error {
	return c.Client.Del(ctx, chatMessagesKey(userId, chatId)).Err()
}

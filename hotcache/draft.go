package hotcache

import (
	"context"
	"encoding/json"
	"fmt"

	"openmates/domain"
)

// SetCachedDraft stores the latest encrypted draft for a (user, chat) pair.
// The version lives inside the serialized draft; the conflict check happens
// in the version engine before this write.
func (c *Cache) SetCachedDraft(ctx context.Context, userId string, draft domain.Draft) error {
	draftJson, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("failed to serialize draft for chat %s: %w", draft.ChatId, err)
	}
	return c.Client.Set(ctx, chatDraftKey(userId, draft.ChatId), draftJson, 0).Err()
}

// GetCachedDraft reads the cached draft for a (user, chat) pair. A missing
// draft yields found=false.
func (c *Cache) GetCachedDraft(ctx context.Context, userId, chatId string) (domain.Draft, bool, error) {
	draftJson, err := c.Client.Get(ctx, chatDraftKey(userId, chatId)).Result()
	if err != nil {
		if isNil(err) {
			return domain.Draft{}, false, nil
		}
		return domain.Draft{}, false, fmt.Errorf("failed to read draft for chat %s: %w", chatId, err)
	}

	var draft domain.Draft
	if err := json.Unmarshal([]byte(draftJson), &draft); err != nil {
		return domain.Draft{}, false, fmt.Errorf("corrupt cached draft for chat %s: %w", chatId, err)
	}
	return draft, true, nil
}

// DeleteCachedDraft removes the cached draft, used when a draft is cleared
// (new_value null) and on chat deletion.
func (c *Cache) DeleteCachedDraft(ctx context.Context, userId, chatId string) error {
	return c.Client.Del(ctx, chatDraftKey(userId, chatId)).Err()
}

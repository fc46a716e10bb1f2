package hotcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Individual reminder entries outlive a missed poll but not a dead
	// deployment.
	ReminderTTL = 7 * 24 * time.Hour
	// Pending deliveries wait for the user's next subscribe, up to 60 days.
	PendingDeliveryTTL = 60 * 24 * time.Hour

	reminderScheduleKey = "reminders:schedule"
)

// Cache is the hot working set: version vectors, chat ranking, Top-N message
// histories, cached drafts, the reminder schedule and per-user pending
// deliveries. Everything in here is reconstructible from the MetadataStore
// except reminders and pending deliveries, which spill to disk on shutdown.
type Cache struct {
	Client *redis.Client
}

func NewCache() *Cache {
	return &Cache{Client: setupClient()}
}

func (c *Cache) CheckConnection(ctx context.Context) error {
	_, err := c.Client.Ping(ctx).Result()
	return err
}

func chatVersionsKey(chatId string) string {
	return fmt.Sprintf("chat:%s:versions", chatId)
}

func chatIndexKey(userId string) string {
	return fmt.Sprintf("user:%s:chat_index", userId)
}

func chatMessagesKey(userId, chatId string) string {
	return fmt.Sprintf("user:%s:chat:%s:messages", userId, chatId)
}

func chatDraftKey(userId, chatId string) string {
	return fmt.Sprintf("user:%s:chat:%s:draft", userId, chatId)
}

func reminderKey(reminderId string) string {
	return fmt.Sprintf("reminder:%s", reminderId)
}

func pendingDeliveryKey(userId string) string {
	return fmt.Sprintf("reminder_pending_delivery:%s", userId)
}

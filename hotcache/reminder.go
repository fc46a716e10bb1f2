package hotcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"openmates/domain"
	"openmates/srv"

	"github.com/redis/go-redis/v9"
)

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// ErrReminderConflict is returned when a compare-and-set on a reminder's
// status loses to a concurrent writer.
var ErrReminderConflict = errors.New("reminder status changed concurrently")

// ScheduleReminder stores the reminder entry (7 day TTL) and inserts it into
// the schedule sorted set scored by trigger time.
func (c *Cache) ScheduleReminder(ctx context.Context, reminder domain.Reminder) error {
	reminderJson, err := json.Marshal(reminder)
	if err != nil {
		return fmt.Errorf("failed to serialize reminder %s: %w", reminder.Id, err)
	}

	_, err = c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, reminderKey(reminder.Id), reminderJson, ReminderTTL)
		pipe.ZAdd(ctx, reminderScheduleKey, redis.Z{
			Score:  float64(reminder.TriggerAt.UnixMilli()),
			Member: reminder.Id,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reminder %s: %w", reminder.Id, err)
	}
	return nil
}

// DueReminderIds returns the ids of all reminders whose trigger time is at or
// before now, soonest first.
func (c *Cache) DueReminderIds(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := c.Client.ZRangeByScore(ctx, reminderScheduleKey, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due reminders: %w", err)
	}
	return ids, nil
}

// GetReminder reads one reminder entry. An expired or unknown id yields
// srv.ErrNotFound.
func (c *Cache) GetReminder(ctx context.Context, reminderId string) (domain.Reminder, error) {
	reminderJson, err := c.Client.Get(ctx, reminderKey(reminderId)).Result()
	if err != nil {
		if isNil(err) {
			return domain.Reminder{}, srv.ErrNotFound
		}
		return domain.Reminder{}, fmt.Errorf("failed to read reminder %s: %w", reminderId, err)
	}

	var reminder domain.Reminder
	if err := json.Unmarshal([]byte(reminderJson), &reminder); err != nil {
		return domain.Reminder{}, fmt.Errorf("corrupt reminder entry %s: %w", reminderId, err)
	}
	return reminder, nil
}

// TransitionReminderStatus performs an optimistic compare-and-set on the
// reminder's status. The watch makes a concurrent transition fail with
// ErrReminderConflict instead of double-firing.
func (c *Cache) TransitionReminderStatus(ctx context.Context, reminderId string, from, to domain.ReminderStatus) (domain.Reminder, error) {
	key := reminderKey(reminderId)
	var updated domain.Reminder

	err := c.Client.Watch(ctx, func(tx *redis.Tx) error {
		reminderJson, err := tx.Get(ctx, key).Result()
		if err != nil {
			if isNil(err) {
				return srv.ErrNotFound
			}
			return err
		}

		var reminder domain.Reminder
		if err := json.Unmarshal([]byte(reminderJson), &reminder); err != nil {
			return fmt.Errorf("corrupt reminder entry %s: %w", reminderId, err)
		}
		if reminder.Status != from {
			return ErrReminderConflict
		}

		reminder.Status = to
		updatedJson, err := json.Marshal(reminder)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updatedJson, ReminderTTL)
			return nil
		})
		if err == nil {
			updated = reminder
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.Reminder{}, ErrReminderConflict
	}
	if err != nil {
		return domain.Reminder{}, err
	}
	return updated, nil
}

// RemoveFromSchedule drops a reminder from the schedule sorted set, leaving
// the entry itself to expire or be rewritten by a recurrence re-arm.
func (c *Cache) RemoveFromSchedule(ctx context.Context, reminderId string) error {
	return c.Client.ZRem(ctx, reminderScheduleKey, reminderId).Err()
}

// CancelReminder deletes both the schedule member and the entry.
func (c *Cache) CancelReminder(ctx context.Context, reminderId string) error {
	_, err := c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, reminderScheduleKey, reminderId)
		pipe.Del(ctx, reminderKey(reminderId))
		return nil
	})
	return err
}

// AllReminders walks the schedule and returns every entry that still exists,
// used by spill on shutdown and by startup recovery.
func (c *Cache) AllReminders(ctx context.Context) ([]domain.Reminder, error) {
	ids, err := c.Client.ZRange(ctx, reminderScheduleKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reminder schedule: %w", err)
	}

	var reminders []domain.Reminder
	for _, id := range ids {
		reminder, err := c.GetReminder(ctx, id)
		if err != nil {
			if errors.Is(err, srv.ErrNotFound) {
				// entry expired under its schedule member
				continue
			}
			return nil, err
		}
		reminders = append(reminders, reminder)
	}
	return reminders, nil
}

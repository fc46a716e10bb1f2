package hotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"openmates/common"
	"openmates/domain"

	zlog "github.com/rs/zerolog/log"
)

const spillTimestampLayout = "20060102T150405"

type reminderSpill struct {
	SpilledAt time.Time         `json:"spilled_at"`
	Reminders []domain.Reminder `json:"reminders"`
}

type pendingSpill struct {
	SpilledAt time.Time                    `json:"spilled_at"`
	Pending   map[string][]json.RawMessage `json:"pending"`
}

// Spill serializes the reminder schedule and every user's pending delivery
// queue to timestamped JSON files in the spill directory. Called during
// graceful shutdown; everything else in the cache is reconstructible from the
// metadata store and is left to die with the process.
func (c *Cache) Spill(ctx context.Context) error {
	spillDir, err := common.GetSpillDir()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	stamp := now.Format(spillTimestampLayout)

	reminders, err := c.AllReminders(ctx)
	if err != nil {
		return err
	}
	if len(reminders) > 0 {
		if err := writeSpillFile(
			filepath.Join(spillDir, fmt.Sprintf("reminders-%s.json", stamp)),
			reminderSpill{SpilledAt: now, Reminders: reminders},
		); err != nil {
			return err
		}
	}

	userIds, err := c.PendingDeliveryUserIds(ctx)
	if err != nil {
		return err
	}
	pending := make(map[string][]json.RawMessage)
	for _, userId := range userIds {
		events, err := c.DrainPendingDeliveries(ctx, userId)
		if err != nil {
			return err
		}
		rawEvents := make([]json.RawMessage, 0, len(events))
		for _, eventJson := range events {
			rawEvents = append(rawEvents, json.RawMessage(eventJson))
		}
		pending[userId] = rawEvents
	}
	if len(pending) > 0 {
		if err := writeSpillFile(
			filepath.Join(spillDir, fmt.Sprintf("pending-%s.json", stamp)),
			pendingSpill{SpilledAt: now, Pending: pending},
		); err != nil {
			return err
		}
	}

	zlog.Info().Int("reminders", len(reminders)).Int("pendingUsers", len(pending)).Msg("Spilled hot cache state")
	return nil
}

func writeSpillFile(path string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize spill payload: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write spill file %s: %w", path, err)
	}
	return nil
}

// Restore rehydrates spill files written by a previous shutdown, then removes
// them. Files older than the corresponding TTL are discarded without loading:
// their contents would have expired in the cache anyway.
func (c *Cache) Restore(ctx context.Context) error {
	spillDir, err := common.GetSpillDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(spillDir)
	if err != nil {
		return fmt.Errorf("failed to read spill directory: %w", err)
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(spillDir, name)
		switch {
		case strings.HasPrefix(name, "reminders-") && strings.HasSuffix(name, ".json"):
			if err := c.restoreReminderFile(ctx, path, now); err != nil {
				return err
			}
		case strings.HasPrefix(name, "pending-") && strings.HasSuffix(name, ".json"):
			if err := c.restorePendingFile(ctx, path, now); err != nil {
				return err
			}
		default:
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove spill file %s: %w", path, err)
		}
	}
	return nil
}

func (c *Cache) restoreReminderFile(ctx context.Context, path string, now time.Time) error {
	var spill reminderSpill
	if err := readSpillFile(path, &spill); err != nil {
		return err
	}
	if now.Sub(spill.SpilledAt) > ReminderTTL {
		zlog.Warn().Str("file", path).Msg("Discarding stale reminder spill file")
		return nil
	}
	for _, reminder := range spill.Reminders {
		if err := c.ScheduleReminder(ctx, reminder); err != nil {
			return err
		}
	}
	zlog.Info().Str("file", path).Int("reminders", len(spill.Reminders)).Msg("Restored reminder spill file")
	return nil
}

func (c *Cache) restorePendingFile(ctx context.Context, path string, now time.Time) error {
	var spill pendingSpill
	if err := readSpillFile(path, &spill); err != nil {
		return err
	}
	if now.Sub(spill.SpilledAt) > PendingDeliveryTTL {
		zlog.Warn().Str("file", path).Msg("Discarding stale pending delivery spill file")
		return nil
	}
	for userId, events := range spill.Pending {
		for _, eventJson := range events {
			if err := c.EnqueuePendingDelivery(ctx, userId, eventJson); err != nil {
				return err
			}
		}
	}
	zlog.Info().Str("file", path).Int("users", len(spill.Pending)).Msg("Restored pending delivery spill file")
	return nil
}

func readSpillFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read spill file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("corrupt spill file %s: %w", path, err)
	}
	return nil
}

package reminder

import (
	"context"
	"errors"
	"time"

	"openmates/domain"
	"openmates/hotcache"
	"openmates/keyvault"
	"openmates/srv"

	zlog "github.com/rs/zerolog/log"
)

// Notifier is the slice of the sync broker the engine needs: liveness checks
// and fan-out.
type Notifier interface {
	HasLiveSession(userId string) bool
	BroadcastToUser(userId string, event domain.Event, excludeDeviceHash string)
}

// PendingEnqueuer queues an event for a user with no live session.
type PendingEnqueuer interface {
	Enqueue(ctx context.Context, userId string, event domain.Event) error
}

// UserReader resolves the user owning a reminder, for the vault key that
// decrypts its prompt.
type UserReader interface {
	GetUser(ctx context.Context, userId string) (domain.User, error)
}

// EmailNotifier is the out-of-core notification hook fired alongside a
// pending-delivery enqueue. The core ships a no-op.
type EmailNotifier interface {
	NotifyReminder(ctx context.Context, userId string, reminder domain.Reminder) error
}

type NoopEmailNotifier struct{}

func (NoopEmailNotifier) NotifyReminder(ctx context.Context, userId string, reminder domain.Reminder) error {
	return nil
}

const defaultPollInterval = 2 * time.Second

// Engine is the polling reminder scheduler. Every tick it pulls due ids from
// the schedule sorted set, fires each reminder exactly once via an atomic
// status transition, and routes the result to live sessions or the pending
// delivery queue.
type Engine struct {
	cache   *hotcache.Cache
	vault   keyvault.KeyVault
	users   UserReader
	broker  Notifier
	pending PendingEnqueuer
	email   EmailNotifier

	pollInterval time.Duration
}

func NewEngine(cache *hotcache.Cache, vault keyvault.KeyVault, users UserReader, broker Notifier, pending PendingEnqueuer, email EmailNotifier) *Engine {
	if email == nil {
		email = NoopEmailNotifier{}
	}
	return &Engine{
		cache:        cache,
		vault:        vault,
		users:        users,
		broker:       broker,
		pending:      pending,
		email:        email,
		pollInterval: defaultPollInterval,
	}
}

// Run polls until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.RunOnce(ctx, now)
		}
	}
}

// RunOnce processes everything due at the given instant. Exported so tests
// and startup recovery can tick deterministically.
func (e *Engine) RunOnce(ctx context.Context, now time.Time) {
	dueIds, err := e.cache.DueReminderIds(ctx, now)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to poll due reminders")
		return
	}
	for _, reminderId := range dueIds {
		e.fire(ctx, reminderId)
	}
}

func (e *Engine) fire(ctx context.Context, reminderId string) {
	reminder, err := e.cache.GetReminder(ctx, reminderId)
	if err != nil {
		if errors.Is(err, srv.ErrNotFound) {
			// entry expired under its schedule member
			e.removeFromSchedule(ctx, reminderId)
			return
		}
		zlog.Error().Err(err).Str("reminderId", reminderId).Msg("Failed to load due reminder")
		return
	}
	if reminder.Status == domain.ReminderStatusCancelled {
		if err := e.cache.CancelReminder(ctx, reminderId); err != nil {
			zlog.Error().Err(err).Str("reminderId", reminderId).Msg("Failed to purge cancelled reminder")
		}
		return
	}

	reminder, err = e.cache.TransitionReminderStatus(ctx, reminderId, domain.ReminderStatusPending, domain.ReminderStatusFired)
	if err != nil {
		if errors.Is(err, hotcache.ErrReminderConflict) {
			// another firing won the race
			return
		}
		if errors.Is(err, srv.ErrNotFound) {
			e.removeFromSchedule(ctx, reminderId)
			return
		}
		zlog.Error().Err(err).Str("reminderId", reminderId).Msg("Failed to mark reminder fired")
		return
	}

	e.deliver(ctx, reminder)
	e.rearm(ctx, reminder)
}

func (e *Engine) deliver(ctx context.Context, reminder domain.Reminder) {
	user, err := e.users.GetUser(ctx, reminder.UserId)
	if err != nil {
		zlog.Error().Err(err).Str("reminderId", reminder.Id).Str("userId", reminder.UserId).Msg("Failed to resolve reminder owner")
		return
	}

	prompt, err := e.vault.Decrypt(ctx, reminder.EncryptedPrompt, user.VaultKeyId, []byte(reminder.UserId))
	if err != nil {
		// treated as data corruption; never delivered partially
		zlog.Error().Err(err).Str("reminderId", reminder.Id).Msg("Failed to decrypt reminder prompt")
		return
	}

	event := domain.ReminderFiredEvent{
		Event: domain.ReminderFiredEventType,
		Data: domain.ReminderData{
			ReminderId:      reminder.Id,
			Prompt:          string(prompt),
			TriggerAt:       reminder.TriggerAt.UnixMilli(),
			OccurrenceCount: reminder.OccurrenceCount + 1,
		},
	}

	if e.broker.HasLiveSession(reminder.UserId) {
		e.broker.BroadcastToUser(reminder.UserId, event, "")
		return
	}

	if err := e.pending.Enqueue(ctx, reminder.UserId, event); err != nil {
		zlog.Error().Err(err).Str("reminderId", reminder.Id).Msg("Failed to enqueue reminder for pending delivery")
		return
	}
	if err := e.email.NotifyReminder(ctx, reminder.UserId, reminder); err != nil {
		zlog.Warn().Err(err).Str("reminderId", reminder.Id).Msg("Reminder email hook failed")
	}
}

// rearm computes the next occurrence for recurring reminders, or retires the
// schedule entry for one-shot ones.
func (e *Engine) rearm(ctx context.Context, reminder domain.Reminder) {
	occurrences := reminder.OccurrenceCount + 1
	if reminder.Recurrence == nil || reminder.Recurrence.Exhausted(occurrences) {
		e.removeFromSchedule(ctx, reminder.Id)
		return
	}

	reminder.Status = domain.ReminderStatusPending
	reminder.OccurrenceCount = occurrences
	reminder.TriggerAt = reminder.Recurrence.NextTrigger(reminder.TriggerAt)
	if err := e.cache.ScheduleReminder(ctx, reminder); err != nil {
		zlog.Error().Err(err).Str("reminderId", reminder.Id).Msg("Failed to re-arm recurring reminder")
	}
}

func (e *Engine) removeFromSchedule(ctx context.Context, reminderId string) {
	if err := e.cache.RemoveFromSchedule(ctx, reminderId); err != nil {
		zlog.Error().Err(err).Str("reminderId", reminderId).Msg("Failed to remove reminder from schedule")
	}
}

// Recover handles reminders left in the fired state by a crash between the
// status transition and the re-arm. Recurring ones are re-armed from their
// occurrence count; one-shot ones are audit-logged, since a delivery record
// may never have been written.
func (e *Engine) Recover(ctx context.Context) error {
	reminders, err := e.cache.AllReminders(ctx)
	if err != nil {
		return err
	}
	for _, reminder := range reminders {
		if reminder.Status != domain.ReminderStatusFired {
			continue
		}
		if reminder.Recurrence != nil && !reminder.Recurrence.Exhausted(reminder.OccurrenceCount+1) {
			reminder.Status = domain.ReminderStatusPending
			reminder.OccurrenceCount++
			reminder.TriggerAt = reminder.Recurrence.NextTrigger(reminder.TriggerAt)
			if err := e.cache.ScheduleReminder(ctx, reminder); err != nil {
				return err
			}
			zlog.Info().Str("reminderId", reminder.Id).Time("triggerAt", reminder.TriggerAt).Msg("Re-armed fired recurring reminder after restart")
			continue
		}
		zlog.Warn().
			Str("audit", "reminder_fired_undelivered").
			Str("reminderId", reminder.Id).
			Str("userId", reminder.UserId).
			Msg("Fired one-shot reminder found without delivery confirmation")
		e.removeFromSchedule(ctx, reminder.Id)
	}
	return nil
}

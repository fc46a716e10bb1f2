package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"openmates/delivery"
	"openmates/domain"
	"openmates/hotcache"
	"openmates/keyvault"
	"openmates/srv/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu     sync.Mutex
	live   map[string]bool
	events []domain.Event
	users  []string
}

func (f *fakeNotifier) HasLiveSession(userId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[userId]
}

func (f *fakeNotifier) BroadcastToUser(userId string, event domain.Event, excludeDeviceHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.users = append(f.users, userId)
}

type countingEmail struct{ count int }

func (c *countingEmail) NotifyReminder(ctx context.Context, userId string, reminder domain.Reminder) error {
	c.count++
	return nil
}

type reminderFixture struct {
	engine   *Engine
	cache    *hotcache.Cache
	storage  *sqlite.Storage
	vault    *keyvault.LocalVault
	notifier *fakeNotifier
	pending  *delivery.Queue
	email    *countingEmail
	keyId    string
}

func newReminderFixture(t *testing.T) *reminderFixture {
	ctx := context.Background()
	cache := hotcache.NewTestCache()
	storage := sqlite.NewTestSqliteStorage(t, "test_reminders")
	vault := keyvault.NewLocalVault()
	notifier := &fakeNotifier{live: make(map[string]bool)}
	pending := delivery.NewQueue(cache)
	email := &countingEmail{}

	keyId, err := vault.CreateUserKey(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.PersistUser(ctx, domain.User{
		Id:         "user_u2",
		EmailHash:  "hashed_u2",
		VaultKeyId: keyId,
	}))

	return &reminderFixture{
		engine:   NewEngine(cache, vault, storage, notifier, pending, email),
		cache:    cache,
		storage:  storage,
		vault:    vault,
		notifier: notifier,
		pending:  pending,
		email:    email,
		keyId:    keyId,
	}
}

func (f *reminderFixture) scheduleReminder(t *testing.T, id string, triggerAt time.Time, recurrence *domain.Recurrence) domain.Reminder {
	t.Helper()
	ctx := context.Background()
	encryptedPrompt, err := f.vault.Encrypt(ctx, []byte("water the plants"), f.keyId, []byte("user_u2"))
	require.NoError(t, err)
	reminder := domain.Reminder{
		Id:              id,
		UserId:          "user_u2",
		TriggerAt:       triggerAt.UTC().Truncate(time.Millisecond),
		EncryptedPrompt: encryptedPrompt,
		Status:          domain.ReminderStatusPending,
		Recurrence:      recurrence,
	}
	require.NoError(t, f.cache.ScheduleReminder(ctx, reminder))
	return reminder
}

func TestFireToPendingDeliveryWhenOffline(t *testing.T) {
	ctx := context.Background()
	f := newReminderFixture(t)
	f.scheduleReminder(t, "rem_r1", time.Now().Add(-time.Second), nil)

	f.engine.RunOnce(ctx, time.Now())

	got, err := f.cache.GetReminder(ctx, "rem_r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusFired, got.Status)

	events, err := f.pending.DrainAll(ctx, "user_u2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	fired, ok := events[0].(domain.ReminderFiredEvent)
	require.True(t, ok)
	assert.Equal(t, "rem_r1", fired.Data.ReminderId)
	assert.Equal(t, "water the plants", fired.Data.Prompt)
	assert.Equal(t, 1, f.email.count)
	assert.Empty(t, f.notifier.events)

	// a one-shot reminder leaves the schedule after firing
	dueIds, err := f.cache.DueReminderIds(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, dueIds)
}

func TestFireFansOutWhenLive(t *testing.T) {
	ctx := context.Background()
	f := newReminderFixture(t)
	f.notifier.live["user_u2"] = true
	f.scheduleReminder(t, "rem_r1", time.Now().Add(-time.Second), nil)

	f.engine.RunOnce(ctx, time.Now())

	require.Len(t, f.notifier.events, 1)
	fired := f.notifier.events[0].(domain.ReminderFiredEvent)
	assert.Equal(t, "water the plants", fired.Data.Prompt)
	assert.Equal(t, int64(1), fired.Data.OccurrenceCount)
	assert.Equal(t, 0, f.email.count)

	events, err := f.pending.DrainAll(ctx, "user_u2")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFutureRemindersUntouched(t *testing.T) {
	ctx := context.Background()
	f := newReminderFixture(t)
	f.scheduleReminder(t, "rem_later", time.Now().Add(time.Hour), nil)

	f.engine.RunOnce(ctx, time.Now())

	got, err := f.cache.GetReminder(ctx, "rem_later")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusPending, got.Status)
}

func TestRecurringReminderRearms(t *testing.T) {
	ctx := context.Background()
	f := newReminderFixture(t)
	f.notifier.live["user_u2"] = true
	original := f.scheduleReminder(t, "rem_daily", time.Now().Add(-time.Second), &domain.Recurrence{
		IntervalSeconds: 3600,
		MaxOccurrences:  2,
	})

	f.engine.RunOnce(ctx, time.Now())

	got, err := f.cache.GetReminder(ctx, "rem_daily")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusPending, got.Status)
	assert.Equal(t, int64(1), got.OccurrenceCount)
	assert.Equal(t, original.TriggerAt.Add(time.Hour), got.TriggerAt)

	// second occurrence exhausts the recurrence
	f.engine.RunOnce(ctx, got.TriggerAt.Add(time.Second))
	got, err = f.cache.GetReminder(ctx, "rem_daily")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusFired, got.Status)
	dueIds, err := f.cache.DueReminderIds(ctx, got.TriggerAt.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, dueIds)

	require.Len(t, f.notifier.events, 2)
}

func TestRecoverRearmsFiredRecurring(t *testing.T) {
	ctx := context.Background()
	f := newReminderFixture(t)
	reminder := f.scheduleReminder(t, "rem_crashed", time.Now().Add(-time.Minute), &domain.Recurrence{IntervalSeconds: 600})

	// simulate a crash after the fired transition but before the re-arm
	_, err := f.cache.TransitionReminderStatus(ctx, reminder.Id, domain.ReminderStatusPending, domain.ReminderStatusFired)
	require.NoError(t, err)

	require.NoError(t, f.engine.Recover(ctx))

	got, err := f.cache.GetReminder(ctx, "rem_crashed")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusPending, got.Status)
	assert.Equal(t, int64(1), got.OccurrenceCount)
	assert.Equal(t, reminder.TriggerAt.Add(10*time.Minute), got.TriggerAt)
}

func TestRecoverAuditsFiredOneShot(t *testing.T) {
	ctx := context.Background()
	f := newReminderFixture(t)
	reminder := f.scheduleReminder(t, "rem_lost", time.Now().Add(-time.Minute), nil)
	_, err := f.cache.TransitionReminderStatus(ctx, reminder.Id, domain.ReminderStatusPending, domain.ReminderStatusFired)
	require.NoError(t, err)

	require.NoError(t, f.engine.Recover(ctx))

	// retired from the schedule, entry left to its TTL
	dueIds, err := f.cache.DueReminderIds(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, dueIds)
}

package hotcache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"openmates/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpillAndRestore(t *testing.T) {
	ctx := context.Background()
	cache := NewTestCache()
	t.Setenv("OM_SPILL_DIR", t.TempDir())

	reminder := testReminder("rem_1", "user_1", time.Now().Add(time.Hour))
	require.NoError(t, cache.ScheduleReminder(ctx, reminder))
	require.NoError(t, cache.EnqueuePendingDelivery(ctx, "user_2", []byte(`{"event":"reminder_fired"}`)))

	require.NoError(t, cache.Spill(ctx))

	// spill drained pending deliveries into the file
	events, err := cache.DrainPendingDeliveries(ctx, "user_2")
	require.NoError(t, err)
	assert.Empty(t, events)

	// simulate a fresh process with an empty cache
	restored := NewTestCache()
	require.NoError(t, restored.Restore(ctx))

	got, err := restored.GetReminder(ctx, "rem_1")
	require.NoError(t, err)
	assert.Equal(t, reminder, got)

	events, err = restored.DrainPendingDeliveries(ctx, "user_2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"event":"reminder_fired"}`, string(events[0]))

	// spill files are consumed on restore
	spillDir := os.Getenv("OM_SPILL_DIR")
	entries, err := os.ReadDir(spillDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreDiscardsStaleFiles(t *testing.T) {
	ctx := context.Background()
	cache := NewTestCache()
	spillDir := t.TempDir()
	t.Setenv("OM_SPILL_DIR", spillDir)

	stale := reminderSpill{
		SpilledAt: time.Now().UTC().Add(-ReminderTTL - time.Hour),
		Reminders: []domain.Reminder{testReminder("rem_old", "user_1", time.Now())},
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(spillDir, "reminders-20200101T000000.json"), data, 0600))

	require.NoError(t, cache.Restore(ctx))

	ids, err := cache.DueReminderIds(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	// the stale file is still removed
	entries, err := os.ReadDir(spillDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

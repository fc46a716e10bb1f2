package domain

import (
	"fmt"
	"time"
)

type ReminderStatus string

const (
	ReminderStatusPending   ReminderStatus = "pending"
	ReminderStatusFired     ReminderStatus = "fired"
	ReminderStatusCancelled ReminderStatus = "cancelled"
)

func StringToReminderStatus(s string) (ReminderStatus, error) {
	switch s {
	case "pending":
		return ReminderStatusPending, nil
	case "fired":
		return ReminderStatusFired, nil
	case "cancelled":
		return ReminderStatusCancelled, nil
	default:
		return "", fmt.Errorf("invalid ReminderStatus: \"%s\"", s)
	}
}

// Recurrence re-arms a reminder after it fires. The next trigger is computed
// from the previous trigger time, not from the firing time, so a slow
// scheduler tick does not drift the schedule.
type Recurrence struct {
	IntervalSeconds int64 `json:"interval_seconds"`
	// MaxOccurrences of 0 means unbounded.
	MaxOccurrences int64 `json:"max_occurrences,omitempty"`
}

func (r Recurrence) NextTrigger(previous time.Time) time.Time {
	return previous.Add(time.Duration(r.IntervalSeconds) * time.Second)
}

// Exhausted reports whether the recurrence has run out after the given number
// of occurrences.
func (r Recurrence) Exhausted(occurrenceCount int64) bool {
	return r.MaxOccurrences > 0 && occurrenceCount >= r.MaxOccurrences
}

// Reminder lives in the hot cache, keyed into a sorted set by TriggerAt.
// The prompt is ciphertext under the owning user's key.
type Reminder struct {
	Id              string         `json:"reminder_id"`
	UserId          string         `json:"user_id"`
	TriggerAt       time.Time      `json:"trigger_at"`
	EncryptedPrompt string         `json:"encrypted_prompt"`
	Status          ReminderStatus `json:"status"`
	OccurrenceCount int64          `json:"occurrence_count"`
	Recurrence      *Recurrence    `json:"recurrence,omitempty"`
}

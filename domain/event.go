package domain

import (
	"encoding/json"
	"fmt"
)

// EventType represents the different outbound websocket event types.
type EventType string

const (
	ChatTitleUpdatedEventType    EventType = "chat_title_updated"
	ChatDraftUpdatedEventType    EventType = "chat_draft_updated"
	ChatMessageAppendedEventType EventType = "chat_message_appended"
	ReminderFiredEventType       EventType = "reminder_fired"
	OfflineSyncCompleteEventType EventType = "offline_sync_complete"
	TypingEventType              EventType = "typing"
	ErrorEventType               EventType = "error"
)

// ErrorKind is the machine-readable error classification surfaced to devices.
type ErrorKind string

const (
	ErrorKindVersionConflict  ErrorKind = "VersionConflict"
	ErrorKindSizeLimit        ErrorKind = "SizeLimit"
	ErrorKindNotAuthenticated ErrorKind = "NotAuthenticated"
	ErrorKindNotAuthorized    ErrorKind = "NotAuthorized"
	ErrorKindKVUnavailable    ErrorKind = "KVUnavailable"
	ErrorKindOverloaded       ErrorKind = "Overloaded"
	ErrorKindNotFound         ErrorKind = "NotFound"
	ErrorKindValidation       ErrorKind = "Validation"
	ErrorKindInternal         ErrorKind = "Internal"
)

// Event is an interface representing an outbound event fanned out to the
// devices of a user.
type Event interface {
	GetEventType() EventType
}

type TitleData struct {
	EncryptedTitle string `json:"encrypted_title"`
}

type ChatTitleUpdatedEvent struct {
	Event         EventType     `json:"event"`
	ChatId        string        `json:"chat_id"`
	Data          TitleData     `json:"data"`
	Versions      VersionVector `json:"versions"`
	LastEditedAll int64         `json:"last_edited_overall_timestamp"`
}

func (e ChatTitleUpdatedEvent) GetEventType() EventType {
	return ChatTitleUpdatedEventType
}

var _ Event = ChatTitleUpdatedEvent{}

type DraftData struct {
	EncryptedDraftMd *string `json:"encrypted_draft_md"`
}

type ChatDraftUpdatedEvent struct {
	Event         EventType     `json:"event"`
	ChatId        string        `json:"chat_id"`
	Data          DraftData     `json:"data"`
	Versions      VersionVector `json:"versions"`
	LastEditedAll int64         `json:"last_edited_overall_timestamp"`
}

func (e ChatDraftUpdatedEvent) GetEventType() EventType {
	return ChatDraftUpdatedEventType
}

var _ Event = ChatDraftUpdatedEvent{}

type ChatMessageAppendedEvent struct {
	Event         EventType     `json:"event"`
	ChatId        string        `json:"chat_id"`
	Data          Message       `json:"data"`
	Versions      VersionVector `json:"versions"`
	LastEditedAll int64         `json:"last_edited_overall_timestamp"`
}

func (e ChatMessageAppendedEvent) GetEventType() EventType {
	return ChatMessageAppendedEventType
}

var _ Event = ChatMessageAppendedEvent{}

// ReminderFiredEvent delivers a decrypted reminder prompt to live sessions.
// The client is responsible for any client-side persistence of the prompt
// after receipt.
type ReminderData struct {
	ReminderId      string `json:"reminder_id"`
	Prompt          string `json:"prompt"`
	TriggerAt       int64  `json:"trigger_at"`
	OccurrenceCount int64  `json:"occurrence_count"`
}

type ReminderFiredEvent struct {
	Event EventType    `json:"event"`
	Data  ReminderData `json:"data"`
}

func (e ReminderFiredEvent) GetEventType() EventType {
	return ReminderFiredEventType
}

var _ Event = ReminderFiredEvent{}

// OfflineSyncCompleteEvent is sent to the originating device only, after a
// whole offline batch has been applied.
type OfflineSyncCompleteEvent struct {
	Event     EventType `json:"event"`
	Processed int64     `json:"processed"`
	Conflicts int64     `json:"conflicts"`
	Errors    int64     `json:"errors"`
}

func (e OfflineSyncCompleteEvent) GetEventType() EventType {
	return OfflineSyncCompleteEventType
}

var _ Event = OfflineSyncCompleteEvent{}

// TypingEvent is a presence relay; it is never persisted or queued.
type TypingEvent struct {
	Event  EventType `json:"event"`
	ChatId string    `json:"chat_id"`
	UserId string    `json:"user_id"`
	Typing bool      `json:"typing"`
}

func (e TypingEvent) GetEventType() EventType {
	return TypingEventType
}

var _ Event = TypingEvent{}

// ErrorEvent uses the error-frame shape {type: "error", payload: {...}}
// rather than the regular event-frame shape.
type ErrorEvent struct {
	Type    EventType    `json:"type"`
	Payload ErrorPayload `json:"payload"`
}

type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	ChatId  string    `json:"chat_id,omitempty"`
}

func (e ErrorEvent) GetEventType() EventType {
	return ErrorEventType
}

var _ Event = ErrorEvent{}

func NewErrorEvent(kind ErrorKind, message, chatId string) ErrorEvent {
	return ErrorEvent{
		Type: ErrorEventType,
		Payload: ErrorPayload{
			Kind:    kind,
			Message: message,
			ChatId:  chatId,
		},
	}
}

// UnmarshalEvent unmarshals a JSON frame into a concrete Event based on the
// "event" field (or "type" for error frames).
func UnmarshalEvent(data []byte) (Event, error) {
	var frame struct {
		Event EventType `json:"event"`
		Type  EventType `json:"type"`
	}

	err := json.Unmarshal(data, &frame)
	if err != nil {
		return nil, err
	}
	eventType := frame.Event
	if eventType == "" {
		eventType = frame.Type
	}

	switch eventType {
	case ChatTitleUpdatedEventType:
		var titleUpdated ChatTitleUpdatedEvent
		err := json.Unmarshal(data, &titleUpdated)
		if err != nil {
			return nil, err
		}
		return titleUpdated, nil

	case ChatDraftUpdatedEventType:
		var draftUpdated ChatDraftUpdatedEvent
		err := json.Unmarshal(data, &draftUpdated)
		if err != nil {
			return nil, err
		}
		return draftUpdated, nil

	case ChatMessageAppendedEventType:
		var messageAppended ChatMessageAppendedEvent
		err := json.Unmarshal(data, &messageAppended)
		if err != nil {
			return nil, err
		}
		return messageAppended, nil

	case ReminderFiredEventType:
		var reminderFired ReminderFiredEvent
		err := json.Unmarshal(data, &reminderFired)
		if err != nil {
			return nil, err
		}
		return reminderFired, nil

	case OfflineSyncCompleteEventType:
		var syncComplete OfflineSyncCompleteEvent
		err := json.Unmarshal(data, &syncComplete)
		if err != nil {
			return nil, err
		}
		return syncComplete, nil

	case TypingEventType:
		var typing TypingEvent
		err := json.Unmarshal(data, &typing)
		if err != nil {
			return nil, err
		}
		return typing, nil

	case ErrorEventType:
		var errorEvent ErrorEvent
		err := json.Unmarshal(data, &errorEvent)
		if err != nil {
			return nil, err
		}
		return errorEvent, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// EventContainer is a wrapper around the Event interface to allow for robust
// JSON marshaling and unmarshaling, particularly for pending-delivery queue
// entries where interface types are problematic.
type EventContainer struct {
	Event Event
}

// MarshalJSON implements the json.Marshaler interface. It marshals the
// underlying concrete Event.
func (c EventContainer) MarshalJSON() ([]byte, error) {
	if c.Event == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c.Event)
}

// UnmarshalJSON implements the json.Unmarshaler interface. It uses
// UnmarshalEvent to determine the concrete type from the "event" field.
func (c *EventContainer) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		c.Event = nil
		return nil
	}

	event, err := UnmarshalEvent(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal data into Event for container: %w", err)
	}
	c.Event = event
	return nil
}

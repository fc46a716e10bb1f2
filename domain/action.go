package domain

import (
	"encoding/json"
	"fmt"
)

// ActionType represents the different inbound websocket action types.
type ActionType string

const (
	UpdateTitleActionType        ActionType = "update_title"
	UpdateDraftActionType        ActionType = "update_draft"
	AppendMessageActionType      ActionType = "append_message"
	SyncOfflineChangesActionType ActionType = "sync_offline_changes"
	TypingActionType             ActionType = "typing"
)

// Action is an interface representing an inbound action from a device.
type Action interface {
	GetActionType() ActionType
}

// UpdateTitleAction carries a client-encrypted chat title together with the
// title version the client last saw.
type UpdateTitleAction struct {
	ChatId         string `json:"chat_id"`
	EncryptedTitle string `json:"encrypted_title"`
	BasedOnVersion int64  `json:"based_on_version"`
}

func (a UpdateTitleAction) GetActionType() ActionType {
	return UpdateTitleActionType
}

var _ Action = UpdateTitleAction{}

// UpdateDraftAction carries an end-to-end encrypted draft. The ciphertext is
// stored verbatim and never re-encrypted server-side. A null draft clears the
// user's composition for the chat.
type UpdateDraftAction struct {
	ChatId           string  `json:"chat_id"`
	EncryptedDraftMd *string `json:"encrypted_draft_md"`
	BasedOnVersion   int64   `json:"based_on_version"`
}

func (a UpdateDraftAction) GetActionType() ActionType {
	return UpdateDraftActionType
}

var _ Action = UpdateDraftAction{}

type AppendMessageAction struct {
	ChatId  string  `json:"chat_id"`
	Message Message `json:"message"`
}

func (a AppendMessageAction) GetActionType() ActionType {
	return AppendMessageActionType
}

var _ Action = AppendMessageAction{}

// OfflineChange is a single queued edit from a device that was offline.
type OfflineChange struct {
	ChatId string `json:"chat_id"`
	// Type is "title" or "draft".
	Type              string  `json:"type"`
	NewValue          *string `json:"new_value"`
	VersionBeforeEdit int64   `json:"version_before_edit"`
}

type SyncOfflineChangesAction struct {
	Changes []OfflineChange `json:"changes"`
}

func (a SyncOfflineChangesAction) GetActionType() ActionType {
	return SyncOfflineChangesActionType
}

var _ Action = SyncOfflineChangesAction{}

// TypingAction is presence-only and never persisted.
type TypingAction struct {
	ChatId string `json:"chat_id"`
	Typing bool   `json:"typing"`
}

func (a TypingAction) GetActionType() ActionType {
	return TypingActionType
}

var _ Action = TypingAction{}

// actionFrame is the wire shape of every inbound frame.
type actionFrame struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// UnmarshalAction unmarshals a JSON frame into a concrete Action based on the
// "type" field. Unknown action types are rejected rather than decoded
// open-world.
func UnmarshalAction(data []byte) (Action, error) {
	var frame actionFrame
	err := json.Unmarshal(data, &frame)
	if err != nil {
		return nil, err
	}

	switch frame.Type {
	case UpdateTitleActionType:
		var updateTitle UpdateTitleAction
		err := json.Unmarshal(frame.Payload, &updateTitle)
		if err != nil {
			return nil, err
		}
		return updateTitle, nil

	case UpdateDraftActionType:
		var updateDraft UpdateDraftAction
		err := json.Unmarshal(frame.Payload, &updateDraft)
		if err != nil {
			return nil, err
		}
		return updateDraft, nil

	case AppendMessageActionType:
		var appendMessage AppendMessageAction
		err := json.Unmarshal(frame.Payload, &appendMessage)
		if err != nil {
			return nil, err
		}
		return appendMessage, nil

	case SyncOfflineChangesActionType:
		var syncChanges SyncOfflineChangesAction
		err := json.Unmarshal(frame.Payload, &syncChanges)
		if err != nil {
			return nil, err
		}
		return syncChanges, nil

	case TypingActionType:
		var typing TypingAction
		err := json.Unmarshal(frame.Payload, &typing)
		if err != nil {
			return nil, err
		}
		return typing, nil

	default:
		return nil, fmt.Errorf("unknown action type: %s", frame.Type)
	}
}

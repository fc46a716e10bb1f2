package domain

import (
	"context"
	"fmt"
	"time"
)

// Component identifies one independently versioned part of a chat.
type Component string

const (
	ComponentTitle    Component = "title_v"
	ComponentDraft    Component = "draft_v"
	ComponentMessages Component = "messages_v"
)

var AllComponents []Component = []Component{
	ComponentTitle,
	ComponentDraft,
	ComponentMessages,
}

func StringToComponent(s string) (Component, error) {
	switch s {
	case "title_v", "title":
		return ComponentTitle, nil
	case "draft_v", "draft":
		return ComponentDraft, nil
	case "messages_v", "messages":
		return ComponentMessages, nil
	default:
		return "", fmt.Errorf("invalid Component: \"%s\"", s)
	}
}

// VersionVector is the per-chat version triple plus the sort-rank timestamp.
// DraftV is scoped to a single (user, chat) pair; the other components are
// shared by every device of the owning user.
type VersionVector struct {
	TitleV        int64 `json:"title_v"`
	DraftV        int64 `json:"draft_v"`
	MessagesV     int64 `json:"messages_v"`
	LastEditedAll int64 `json:"last_edited_overall_timestamp"`
}

func (v VersionVector) Component(c Component) int64 {
	switch c {
	case ComponentTitle:
		return v.TitleV
	case ComponentDraft:
		return v.DraftV
	case ComponentMessages:
		return v.MessagesV
	}
	return 0
}

// Chat represents the structure of chats to be stored in the database. All
// body fields hold ciphertext; the store never sees plaintext.
type Chat struct {
	Id             string    `json:"id"`
	UserId         string    `json:"user_id"`
	EncryptedTitle string    `json:"encrypted_title"`
	VaultKeyId     string    `json:"vault_key_id"`
	TitleV         int64     `json:"title_v"`
	MessagesV      int64     `json:"messages_v"`
	UnreadCount    int64     `json:"unread_count"`
	LastEditedAll  int64     `json:"last_edited_overall_timestamp"`
	Created        time.Time `json:"created_at"`
	Updated        time.Time `json:"updated_at"`
}

// ChatMetadata is the version triple read without touching body fields.
type ChatMetadata struct {
	ChatId        string `json:"chat_id"`
	TitleV        int64  `json:"title_v"`
	DraftV        int64  `json:"draft_v"`
	MessagesV     int64  `json:"messages_v"`
	LastEditedAll int64  `json:"last_edited_overall_timestamp"`
}

// ChatStorage defines the interface for chat-related database operations.
type ChatStorage interface {
	PersistChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, chatId string) (Chat, error)
	GetChatMetadata(ctx context.Context, chatId string) (ChatMetadata, error)
	ListUserChats(ctx context.Context, userId string, limit, offset int64) ([]Chat, error)
	UpdateChatFields(ctx context.Context, chatId string, fields map[string]interface{}) error
	DeleteChat(ctx context.Context, chatId string) error
}

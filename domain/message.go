package domain

import (
	"context"
	"time"
)

// Message belongs to a chat and is ordered by CreatedAt. Content is encrypted
// with the chat-scoped key; the core treats messages as append-only.
type Message struct {
	Id               string    `json:"id"`
	ChatId           string    `json:"chat_id"`
	EncryptedContent string    `json:"encrypted_content"`
	SenderName       string    `json:"sender_name"`
	CreatedAt        time.Time `json:"created_at"`
}

// MessageStorage defines the interface for message-related database
// operations. AppendMessage must be idempotent on the message id.
type MessageStorage interface {
	AppendMessage(ctx context.Context, message Message) (Message, error)
	GetChatMessages(ctx context.Context, chatId string, limit int64) ([]Message, error)
}

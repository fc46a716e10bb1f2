package domain

import (
	"context"
	"time"
)

// Draft is a user's in-progress composition for a chat. The ciphertext is
// produced client-side with a user-scoped key distinct from the chat key, so
// the server stores it verbatim and never re-encrypts it.
type Draft struct {
	Id               string    `json:"id"`
	ChatId           string    `json:"chat_id"`
	HashedUserId     string    `json:"hashed_user_id"`
	EncryptedContent string    `json:"encrypted_content"`
	Version          int64     `json:"version"`
	LastEdited       time.Time `json:"last_edited_timestamp"`
}

// DraftStorage defines the interface for draft-related database operations.
// UpsertDraft refuses writes whose version is not greater than the stored one.
type DraftStorage interface {
	UpsertDraft(ctx context.Context, draft Draft) (Draft, error)
	GetDraft(ctx context.Context, chatId, hashedUserId string) (Draft, error)
}

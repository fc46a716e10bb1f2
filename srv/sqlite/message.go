package sqlite

import (
	"context"
	"fmt"
	"openmates/domain"
	"openmates/srv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var messageTracer = otel.Tracer("openmates/srv/sqlite")

var _ domain.MessageStorage = (*Storage)(nil)

// AppendMessage inserts a message. It is idempotent on the message id: a
// retried append of an already-stored message returns the stored row
// unchanged.
func (s *Storage) AppendMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	ctx, span := messageTracer.Start(ctx, "Storage.AppendMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("chat_id", message.ChatId),
		attribute.String("message_id", message.Id),
	)

	message.CreatedAt = message.CreatedAt.UTC()

	query := `
		INSERT OR IGNORE INTO messages (id, chat_id, encrypted_content, sender_name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		message.Id, message.ChatId, message.EncryptedContent, message.SenderName, message.CreatedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Message{}, fmt.Errorf("failed to append message: %w", err)
	}

	var stored domain.Message
	readQuery := `SELECT id, chat_id, encrypted_content, sender_name, created_at
				  FROM messages WHERE id = ?`
	err = s.db.QueryRowContext(ctx, readQuery, message.Id).Scan(
		&stored.Id, &stored.ChatId, &stored.EncryptedContent, &stored.SenderName, &stored.CreatedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Message{}, fmt.Errorf("failed to read back message: %w", err)
	}

	return stored, nil
}

// GetChatMessages returns the most recent messages of a chat in ascending
// created-at order. Used by the hot cache to warm Top-N message lists.
func (s *Storage) GetChatMessages(ctx context.Context, chatId string, limit int64) ([]domain.Message, error) {
	ctx, span := messageTracer.Start(ctx, "Storage.GetChatMessages")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("chat_id", chatId),
	)

	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, chat_id, encrypted_content, sender_name, created_at FROM (
				  SELECT id, chat_id, encrypted_content, sender_name, created_at
				  FROM messages WHERE chat_id = ?
				  ORDER BY created_at DESC LIMIT ?
			  ) ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, chatId, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get chat messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var message domain.Message
		err := rows.Scan(&message.Id, &message.ChatId, &message.EncryptedContent,
			&message.SenderName, &message.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	if messages == nil {
		// Distinguish an empty chat from a missing one.
		var exists bool
		err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?)", chatId).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check chat existence: %w", err)
		}
		if !exists {
			return nil, srv.ErrNotFound
		}
	}

	return messages, nil
}

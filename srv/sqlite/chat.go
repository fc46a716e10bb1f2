package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"openmates/domain"
	"openmates/srv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var chatTracer = otel.Tracer("openmates/srv/sqlite")

var _ domain.ChatStorage = (*Storage)(nil)

// PersistChat inserts or updates a Chat in the SQLite database. A chat row
// comes into existence only once its first message is persisted; before that
// it lives purely in client state.
func (s *Storage) PersistChat(ctx context.Context, chat domain.Chat) error {
	ctx, span := chatTracer.Start(ctx, "Storage.PersistChat")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("chat_id", chat.Id),
	)

	query := `
		INSERT OR REPLACE INTO chats (
			id, user_id, encrypted_title, vault_key_id, title_v, messages_v,
			unread_count, last_edited_overall_timestamp, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	chat.Created = chat.Created.UTC()
	chat.Updated = chat.Updated.UTC()

	_, err := s.db.ExecContext(ctx, query,
		chat.Id, chat.UserId, chat.EncryptedTitle, chat.VaultKeyId, chat.TitleV,
		chat.MessagesV, chat.UnreadCount, chat.LastEditedAll, chat.Created, chat.Updated,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to persist chat: %w", err)
	}

	return nil
}

// GetChat retrieves a single Chat from the SQLite database
func (s *Storage) GetChat(ctx context.Context, chatId string) (domain.Chat, error) {
	ctx, span := chatTracer.Start(ctx, "Storage.GetChat")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("chat_id", chatId),
	)

	var chat domain.Chat
	query := `SELECT id, user_id, encrypted_title, vault_key_id, title_v, messages_v,
			  unread_count, last_edited_overall_timestamp, created_at, updated_at
			  FROM chats WHERE id = ?`
	err := s.db.QueryRowContext(ctx, query, chatId).Scan(
		&chat.Id, &chat.UserId, &chat.EncryptedTitle, &chat.VaultKeyId, &chat.TitleV,
		&chat.MessagesV, &chat.UnreadCount, &chat.LastEditedAll, &chat.Created, &chat.Updated)
	if err != nil {
		if err == sql.ErrNoRows {
			span.RecordError(srv.ErrNotFound)
			span.SetStatus(codes.Error, srv.ErrNotFound.Error())
			return domain.Chat{}, srv.ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Chat{}, fmt.Errorf("failed to get chat: %w", err)
	}

	return chat, nil
}

// GetChatMetadata reads the version triple without touching body fields. The
// draft version is per-user and lives in the drafts table, so it is not part
// of this row read; callers merge it from the draft store when needed.
func (s *Storage) GetChatMetadata(ctx context.Context, chatId string) (domain.ChatMetadata, error) {
	ctx, span := chatTracer.Start(ctx, "Storage.GetChatMetadata")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("chat_id", chatId),
	)

	var metadata domain.ChatMetadata
	query := `SELECT id, title_v, messages_v, last_edited_overall_timestamp
			  FROM chats WHERE id = ?`
	err := s.db.QueryRowContext(ctx, query, chatId).Scan(
		&metadata.ChatId, &metadata.TitleV, &metadata.MessagesV, &metadata.LastEditedAll)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ChatMetadata{}, srv.ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ChatMetadata{}, fmt.Errorf("failed to get chat metadata: %w", err)
	}

	return metadata, nil
}

// ListUserChats returns the user's chats sorted by recency of any edit.
func (s *Storage) ListUserChats(ctx context.Context, userId string, limit, offset int64) ([]domain.Chat, error) {
	ctx, span := chatTracer.Start(ctx, "Storage.ListUserChats")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("user_id", userId),
	)

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, user_id, encrypted_title, vault_key_id, title_v, messages_v,
			  unread_count, last_edited_overall_timestamp, created_at, updated_at
			  FROM chats WHERE user_id = ?
			  ORDER BY last_edited_overall_timestamp DESC
			  LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, userId, limit, offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list user chats: %w", err)
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		var chat domain.Chat
		err := rows.Scan(
			&chat.Id, &chat.UserId, &chat.EncryptedTitle, &chat.VaultKeyId, &chat.TitleV,
			&chat.MessagesV, &chat.UnreadCount, &chat.LastEditedAll, &chat.Created, &chat.Updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat rows: %w", err)
	}

	return chats, nil
}

// updatableChatFields whitelists the columns UpdateChatFields may touch and
// names the version column guarding each, if any.
var updatableChatFields = map[string]string{
	"encrypted_title":               "title_v",
	"title_v":                       "title_v",
	"messages_v":                    "messages_v",
	"unread_count":                  "",
	"last_edited_overall_timestamp": "",
	"updated_at":                    "",
}

// UpdateChatFields performs a blind write of the given fields. When a version
// column is among the fields, the write is guarded: it is refused unless the
// new version is greater than the stored one, which makes retried
// persistence tasks idempotent.
func (s *Storage) UpdateChatFields(ctx context.Context, chatId string, fields map[string]interface{}) error {
	ctx, span := chatTracer.Start(ctx, "Storage.UpdateChatFields")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("chat_id", chatId),
	)

	if len(fields) == 0 {
		return nil
	}

	var setClauses []string
	var args []interface{}
	var guards []string
	for column, value := range fields {
		guardColumn, ok := updatableChatFields[column]
		if !ok {
			return fmt.Errorf("refusing to update chat field %q", column)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", column))
		args = append(args, value)
		if guardColumn == column {
			guards = append(guards, fmt.Sprintf("%s < ?", column))
			args = append(args, value)
		}
	}

	query := fmt.Sprintf("UPDATE chats SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	args = append(args, chatId)
	if len(guards) > 0 {
		query += " AND " + strings.Join(guards, " AND ")
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update chat fields: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?)", chatId).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check chat existence: %w", err)
		}
		if !exists {
			return srv.ErrNotFound
		}
		return srv.ErrStaleVersion
	}

	return nil
}

// DeleteChat removes a chat together with its messages and drafts.
func (s *Storage) DeleteChat(ctx context.Context, chatId string) error {
	ctx, span := chatTracer.Start(ctx, "Storage.DeleteChat")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("chat_id", chatId),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", chatId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return srv.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatId); err != nil {
		return fmt.Errorf("failed to delete chat messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM drafts WHERE chat_id = ?", chatId); err != nil {
		return fmt.Errorf("failed to delete chat drafts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

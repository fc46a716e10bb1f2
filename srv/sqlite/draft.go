package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"openmates/domain"
	"openmates/srv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var draftTracer = otel.Tracer("openmates/srv/sqlite")

var _ domain.DraftStorage = (*Storage)(nil)

// UpsertDraft stores the latest draft ciphertext for a (user, chat) pair.
// Writes whose version is not greater than the stored one are refused with
// ErrStaleVersion, so coalesced persistence tasks can retry safely.
func (s *Storage) UpsertDraft(ctx context.Context, draft domain.Draft) (domain.Draft, error) {
	ctx, span := draftTracer.Start(ctx, "Storage.UpsertDraft")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("chat_id", draft.ChatId),
	)

	draft.LastEdited = draft.LastEdited.UTC()

	query := `
		INSERT INTO drafts (id, chat_id, hashed_user_id, encrypted_content, version, last_edited_timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, hashed_user_id) DO UPDATE SET
			encrypted_content = excluded.encrypted_content,
			version = excluded.version,
			last_edited_timestamp = excluded.last_edited_timestamp
		WHERE excluded.version > drafts.version
	`
	result, err := s.db.ExecContext(ctx, query,
		draft.Id, draft.ChatId, draft.HashedUserId, draft.EncryptedContent,
		draft.Version, draft.LastEdited)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Draft{}, fmt.Errorf("failed to upsert draft: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Draft{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.Draft{}, srv.ErrStaleVersion
	}

	return s.GetDraft(ctx, draft.ChatId, draft.HashedUserId)
}

// GetDraft retrieves a user's draft for a chat.
func (s *Storage) GetDraft(ctx context.Context, chatId, hashedUserId string) (domain.Draft, error) {
	ctx, span := draftTracer.Start(ctx, "Storage.GetDraft")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("chat_id", chatId),
	)

	var draft domain.Draft
	query := `SELECT id, chat_id, hashed_user_id, encrypted_content, version, last_edited_timestamp
			  FROM drafts WHERE chat_id = ? AND hashed_user_id = ?`
	err := s.db.QueryRowContext(ctx, query, chatId, hashedUserId).Scan(
		&draft.Id, &draft.ChatId, &draft.HashedUserId, &draft.EncryptedContent,
		&draft.Version, &draft.LastEdited)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Draft{}, srv.ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Draft{}, fmt.Errorf("failed to get draft: %w", err)
	}

	return draft, nil
}

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

var userTracer = otel.Tracer("openmates/srv/sqlite")

var _ domain.UserStorage = (*Storage)(nil)

// PersistUser inserts or updates a User. Only ciphertext and HMAC digests
// ever reach this layer.
func (s *Storage) PersistUser(ctx context.Context, user domain.User) error {
	ctx, span := userTracer.Start(ctx, "Storage.PersistUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("user_id", user.Id),
	)

	query := `
		INSERT OR REPLACE INTO users (
			id, email_hash, encrypted_email, encrypted_username, vault_key_id,
			is_admin, devices_encrypted
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		user.Id, user.EmailHash, user.EncryptedEmail, user.EncryptedUsername,
		user.VaultKeyId, user.IsAdmin, user.DevicesEncrypted)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to persist user: %w", err)
	}

	return nil
}

func (s *Storage) GetUser(ctx context.Context, userId string) (domain.User, error) {
	ctx, span := userTracer.Start(ctx, "Storage.GetUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("user_id", userId),
	)

	return s.getUserWhere(ctx, "id = ?", userId)
}

// GetUserByEmailHash supports login-by-email: the caller computes the
// deterministic HMAC of the submitted email and looks it up here, without
// any stored email ever being decrypted.
func (s *Storage) GetUserByEmailHash(ctx context.Context, emailHash string) (domain.User, error) {
	ctx, span := userTracer.Start(ctx, "Storage.GetUserByEmailHash")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "SELECT"),
	)

	return s.getUserWhere(ctx, "email_hash = ?", emailHash)
}

func (s *Storage) getUserWhere(ctx context.Context, where string, arg interface{}) (domain.User, error) {
	var user domain.User
	query := `SELECT id, email_hash, encrypted_email, encrypted_username, vault_key_id,
			  is_admin, devices_encrypted FROM users WHERE ` + where
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.Id, &user.EmailHash, &user.EncryptedEmail, &user.EncryptedUsername,
		&user.VaultKeyId, &user.IsAdmin, &user.DevicesEncrypted)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.User{}, srv.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// DeleteUser removes a user row. Key destruction happens at the vault layer
// as part of account deletion, outside this store.
func (s *Storage) DeleteUser(ctx context.Context, userId string) error {
	ctx, span := userTracer.Start(ctx, "Storage.DeleteUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("user_id", userId),
	)

	result, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", userId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return srv.ErrNotFound
	}

	return nil
}

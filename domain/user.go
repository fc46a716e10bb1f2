package domain

import (
	"context"
)

// User holds only ciphertext and derived hashes for PII. EmailHash is the
// deterministic HMAC digest of the email, used for login-by-email equality
// lookups without decrypting stored emails.
type User struct {
	Id                string `json:"id"`
	EmailHash         string `json:"email_hash"`
	EncryptedEmail    string `json:"encrypted_email"`
	EncryptedUsername string `json:"encrypted_username"`
	VaultKeyId        string `json:"vault_key_id"`
	IsAdmin           bool   `json:"is_admin"`
	DevicesEncrypted  string `json:"devices_encrypted"`
}

// UserStorage defines the interface for user-related database operations
type UserStorage interface {
	PersistUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userId string) (User, error)
	GetUserByEmailHash(ctx context.Context, emailHash string) (User, error)
	DeleteUser(ctx context.Context, userId string) error
}

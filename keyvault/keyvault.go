package keyvault

import (
	"context"
	"errors"
)

var (
	// ErrKVUnavailable indicates the key vault could not be reached within
	// the request budget.
	ErrKVUnavailable = errors.New("key vault unavailable")
	// ErrKeyNotFound indicates the referenced KEK does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidCiphertext indicates decryption failed: corrupt data, wrong
	// key, or a derivation context mismatch.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// KeyVault issues key-encryption keys and performs envelope encryption on
// their behalf. KEK material never leaves the vault boundary; callers only
// ever hold key ids and wrapped DEKs.
//
// The derivation context binds a ciphertext to its owner: decrypting with a
// context different from the one used at encryption time must fail.
type KeyVault interface {
	// CreateUserKey provisions a fresh KEK and returns its key id.
	CreateUserKey(ctx context.Context) (string, error)

	// Encrypt envelope-encrypts plaintext under the KEK identified by keyId.
	// The returned ciphertext embeds the wrapped DEK and the KEK version it
	// was wrapped with.
	Encrypt(ctx context.Context, plaintext []byte, keyId string, derivationContext []byte) (string, error)

	// Decrypt reverses Encrypt. Decryption must succeed under any historical
	// KEK version recorded in the envelope.
	Decrypt(ctx context.Context, ciphertext string, keyId string, derivationContext []byte) ([]byte, error)

	// HMAC computes a deterministic digest of plaintext under the named HMAC
	// key. Equal inputs always produce equal digests, enabling
	// equality-only lookups over PII without decryption.
	HMAC(ctx context.Context, plaintext []byte, hmacKeyId string) (string, error)

	// Verify reports whether digest matches plaintext under the named HMAC
	// key, using a constant-time comparison.
	Verify(ctx context.Context, plaintext []byte, digest string, hmacKeyId string) (bool, error)
}

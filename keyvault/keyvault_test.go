package keyvault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalVaultEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	vault := NewLocalVault()

	keyId, err := vault.CreateUserKey(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, keyId)

	plaintext := []byte("hello")
	ciphertext, err := vault.Encrypt(ctx, plaintext, keyId, []byte("user123"))
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "hello")

	decrypted, err := vault.Decrypt(ctx, ciphertext, keyId, []byte("user123"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestLocalVaultContextBinding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	vault := NewLocalVault()

	keyId, err := vault.CreateUserKey(ctx)
	require.NoError(t, err)

	ciphertext, err := vault.Encrypt(ctx, []byte("hello"), keyId, []byte("user123"))
	require.NoError(t, err)

	t.Run("same context decrypts", func(t *testing.T) {
		decrypted, err := vault.Decrypt(ctx, ciphertext, keyId, []byte("user123"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), decrypted)
	})

	t.Run("different context fails", func(t *testing.T) {
		_, err := vault.Decrypt(ctx, ciphertext, keyId, []byte("user456"))
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	})

	t.Run("different key fails", func(t *testing.T) {
		otherKeyId, err := vault.CreateUserKey(ctx)
		require.NoError(t, err)
		_, err = vault.Decrypt(ctx, ciphertext, otherKeyId, []byte("user123"))
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := vault.Decrypt(ctx, ciphertext, "kek_missing", []byte("user123"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestLocalVaultDecryptsHistoricalKeyVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	vault := NewLocalVault()

	keyId, err := vault.CreateUserKey(ctx)
	require.NoError(t, err)

	oldCiphertext, err := vault.Encrypt(ctx, []byte("before rotation"), keyId, []byte("u1"))
	require.NoError(t, err)

	require.NoError(t, vault.RotateKey(ctx, keyId))

	newCiphertext, err := vault.Encrypt(ctx, []byte("after rotation"), keyId, []byte("u1"))
	require.NoError(t, err)

	oldEnvelope, err := DecodeEnvelope(oldCiphertext)
	require.NoError(t, err)
	newEnvelope, err := DecodeEnvelope(newCiphertext)
	require.NoError(t, err)
	assert.Equal(t, 1, oldEnvelope.KeyVersion)
	assert.Equal(t, 2, newEnvelope.KeyVersion)

	decrypted, err := vault.Decrypt(ctx, oldCiphertext, keyId, []byte("u1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before rotation"), decrypted)

	decrypted, err = vault.Decrypt(ctx, newCiphertext, keyId, []byte("u1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("after rotation"), decrypted)
}

func TestLocalVaultHMAC(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	vault := NewLocalVault()

	t.Run("deterministic", func(t *testing.T) {
		first, err := vault.HMAC(ctx, []byte("user@example.com"), "email-hmac-key")
		require.NoError(t, err)
		second, err := vault.HMAC(ctx, []byte("user@example.com"), "email-hmac-key")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("distinct inputs distinct digests", func(t *testing.T) {
		first, err := vault.HMAC(ctx, []byte("user@example.com"), "email-hmac-key")
		require.NoError(t, err)
		second, err := vault.HMAC(ctx, []byte("other@example.com"), "email-hmac-key")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("distinct keys distinct digests", func(t *testing.T) {
		first, err := vault.HMAC(ctx, []byte("user@example.com"), "email-hmac-key")
		require.NoError(t, err)
		second, err := vault.HMAC(ctx, []byte("user@example.com"), "other-hmac-key")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("verify", func(t *testing.T) {
		digest, err := vault.HMAC(ctx, []byte("user@example.com"), "email-hmac-key")
		require.NoError(t, err)

		valid, err := vault.Verify(ctx, []byte("user@example.com"), digest, "email-hmac-key")
		require.NoError(t, err)
		assert.True(t, valid)

		valid, err = vault.Verify(ctx, []byte("other@example.com"), digest, "email-hmac-key")
		require.NoError(t, err)
		assert.False(t, valid)
	})
}

func TestEnvelopeEncoding(t *testing.T) {
	t.Parallel()

	envelope := Envelope{
		KeyVersion: 3,
		Nonce:      []byte{1, 2, 3},
		Ciphertext: []byte{4, 5, 6},
		WrappedDEK: []byte{7, 8, 9},
	}

	encoded, err := EncodeEnvelope(envelope)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	assert.Equal(t, envelope, decoded)

	t.Run("rejects junk", func(t *testing.T) {
		_, err := DecodeEnvelope("not an envelope")
		assert.ErrorIs(t, err, ErrInvalidCiphertext)

		_, err = DecodeEnvelope("omv1:%%%")
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	})
}

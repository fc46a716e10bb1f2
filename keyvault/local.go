package keyvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"
)

// LocalVault is an in-process HSM-equivalent used by development setups and
// tests. Key material lives only inside this struct and is never returned to
// callers; the exported surface deals exclusively in key ids and envelopes.
type LocalVault struct {
	mu       sync.RWMutex
	keks     map[string][][]byte // keyId -> KEK per version, index 0 is version 1
	hmacKeys map[string][]byte
}

func NewLocalVault() *LocalVault {
	return &LocalVault{
		keks:     make(map[string][][]byte),
		hmacKeys: make(map[string][]byte),
	}
}

var _ KeyVault = (*LocalVault)(nil)

func (v *LocalVault) CreateUserKey(ctx context.Context) (string, error) {
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		return "", fmt.Errorf("failed to generate KEK: %w", err)
	}

	keyId := "kek_" + ksuid.New().String()
	v.mu.Lock()
	v.keks[keyId] = [][]byte{kek}
	v.mu.Unlock()

	return keyId, nil
}

// RotateKey bumps the KEK to a new version. Existing envelopes keep
// decrypting under the version recorded at encryption time.
func (v *LocalVault) RotateKey(ctx context.Context, keyId string) error {
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		return fmt.Errorf("failed to generate KEK: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	versions, ok := v.keks[keyId]
	if !ok {
		return ErrKeyNotFound
	}
	v.keks[keyId] = append(versions, kek)
	return nil
}

func (v *LocalVault) kekVersion(keyId string, version int) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	versions, ok := v.keks[keyId]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if version < 1 || version > len(versions) {
		return nil, ErrInvalidCiphertext
	}
	return versions[version-1], nil
}

func (v *LocalVault) latestKekVersion(keyId string) ([]byte, int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	versions, ok := v.keks[keyId]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return versions[len(versions)-1], len(versions), nil
}

func (v *LocalVault) Encrypt(ctx context.Context, plaintext []byte, keyId string, derivationContext []byte) (string, error) {
	kek, keyVersion, err := v.latestKekVersion(keyId)
	if err != nil {
		return "", err
	}

	dek, err := NewDEK()
	if err != nil {
		return "", err
	}

	nonce, sealed, err := Seal(dek, plaintext, derivationContext)
	if err != nil {
		return "", err
	}

	wrappedDek, err := wrapDEK(kek, dek, keyId)
	if err != nil {
		return "", err
	}

	return EncodeEnvelope(Envelope{
		KeyVersion: keyVersion,
		Nonce:      nonce,
		Ciphertext: sealed,
		WrappedDEK: wrappedDek,
	})
}

func (v *LocalVault) Decrypt(ctx context.Context, ciphertext string, keyId string, derivationContext []byte) ([]byte, error) {
	envelope, err := DecodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}

	kek, err := v.kekVersion(keyId, envelope.KeyVersion)
	if err != nil {
		return nil, err
	}

	dek, err := unwrapDEK(kek, envelope.WrappedDEK, keyId)
	if err != nil {
		return nil, err
	}

	return Open(dek, envelope.Nonce, envelope.Ciphertext, derivationContext)
}

func (v *LocalVault) HMAC(ctx context.Context, plaintext []byte, hmacKeyId string) (string, error) {
	key, err := v.hmacKey(hmacKeyId)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(plaintext)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (v *LocalVault) Verify(ctx context.Context, plaintext []byte, digest string, hmacKeyId string) (bool, error) {
	computed, err := v.HMAC(ctx, plaintext, hmacKeyId)
	if err != nil {
		return false, err
	}
	// hex strings of equal-length digests; hmac.Equal keeps the comparison
	// constant-time.
	return hmac.Equal([]byte(computed), []byte(digest)), nil
}

// hmacKey returns the named HMAC key, provisioning it on first use. The
// email HMAC key is shared across users at the vault layer.
func (v *LocalVault) hmacKey(hmacKeyId string) ([]byte, error) {
	v.mu.RLock()
	key, ok := v.hmacKeys[hmacKeyId]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if key, ok := v.hmacKeys[hmacKeyId]; ok {
		return key, nil
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate HMAC key: %w", err)
	}
	v.hmacKeys[hmacKeyId] = key
	return key, nil
}

// wrapDEK encrypts the DEK under the KEK, binding it to the key id so a
// wrapped DEK cannot be replayed under a different KEK entry.
func wrapDEK(kek, dek []byte, keyId string) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return append(nonce, gcm.Seal(nil, nonce, dek, []byte(keyId))...), nil
}

func unwrapDEK(kek, wrapped []byte, keyId string) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(wrapped) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	dek, err := gcm.Open(nil, nonce, sealed, []byte(keyId))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return dek, nil
}

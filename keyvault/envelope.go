package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const envelopePrefix = "omv1:"

// Envelope is the at-rest shape of every ciphertext: the GCM nonce, the
// sealed payload (tag included), and the DEK wrapped by a KEK. The DEK is
// never persisted unwrapped.
type Envelope struct {
	KeyVersion int    `json:"key_version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	WrappedDEK []byte `json:"wrapped_dek"`
}

// EncodeEnvelope serializes an envelope into the compact string form stored
// in database columns and cache values.
func EncodeEnvelope(envelope Envelope) (string, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return envelopePrefix + base64.StdEncoding.EncodeToString(data), nil
}

// DecodeEnvelope parses the compact string form back into an envelope.
func DecodeEnvelope(ciphertext string) (Envelope, error) {
	if !strings.HasPrefix(ciphertext, envelopePrefix) {
		return Envelope{}, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, envelopePrefix))
	if err != nil {
		return Envelope{}, ErrInvalidCiphertext
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, ErrInvalidCiphertext
	}
	return envelope, nil
}

// NewDEK generates a random 256-bit data-encryption key.
func NewDEK() ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	return dek, nil
}

// sealingKey derives the AES key actually used to seal the payload from the
// DEK and the derivation context. A context mismatch at open time yields a
// different key and therefore a GCM authentication failure.
func sealingKey(dek, derivationContext []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, dek, nil, append([]byte("openmates envelope v1:"), derivationContext...))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with a context-bound key derived from dek and
// returns the nonce and sealed payload for an envelope.
func Seal(dek, plaintext, derivationContext []byte) (nonce, sealed []byte, err error) {
	key, err := sealingKey(dek, derivationContext)
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Open reverses Seal. It returns ErrInvalidCiphertext for any authentication
// failure, including a derivation context mismatch.
func Open(dek, nonce, sealed, derivationContext []byte) ([]byte, error) {
	key, err := sealingKey(dek, derivationContext)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

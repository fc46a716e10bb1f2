package common

import (
	"fmt"
	"unicode/utf8"
)

// Plaintext-space limits are enforced client-side before encryption; the
// server enforces ciphertext-size surrogates since it never sees plaintext.
const (
	MaxTitleChars = 255
	MaxDraftWords = 14000
	MaxDraftChars = 100000

	// MaxTitleCiphertextBytes bounds a 255-char title after encryption,
	// base64 expansion and envelope overhead.
	MaxTitleCiphertextBytes = 1024
	// MaxBodyCiphertextBytes bounds drafts and message contents.
	MaxBodyCiphertextBytes = 256 * 1024
)

func ValidateTitleCiphertext(ciphertext string) error {
	if len(ciphertext) == 0 {
		return fmt.Errorf("title ciphertext is empty")
	}
	if len(ciphertext) > MaxTitleCiphertextBytes {
		return fmt.Errorf("title ciphertext exceeds %d bytes", MaxTitleCiphertextBytes)
	}
	return nil
}

func ValidateBodyCiphertext(ciphertext string) error {
	if len(ciphertext) > MaxBodyCiphertextBytes {
		return fmt.Errorf("ciphertext exceeds %d bytes", MaxBodyCiphertextBytes)
	}
	return nil
}

// ValidatePlaintextTitle applies the title plaintext bound. Replayed offline
// title edits are the one place the core holds plaintext before encrypting on
// behalf of a device.
func ValidatePlaintextTitle(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("title is empty")
	}
	if utf8.RuneCountInString(text) > MaxTitleChars {
		return fmt.Errorf("title exceeds %d characters", MaxTitleChars)
	}
	return nil
}

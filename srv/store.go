package srv

import (
	"context"
	"openmates/domain"
)

// Store is the durable metadata store behind the hot cache. All body fields
// pass through it as ciphertext; it provides per-row atomic writes only and
// leaves cross-row consistency to the version engine.
type Store interface {
	domain.ChatStorage
	domain.MessageStorage
	domain.DraftStorage
	domain.UserStorage

	CheckConnection(ctx context.Context) error
}

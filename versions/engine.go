package versions

import (
	"context"
	"errors"
	"fmt"

	"openmates/domain"
	"openmates/hotcache"
	"openmates/srv"
)

// ErrVersionConflict is returned when a client edit is based on an older
// version than the server's. No merge is attempted; the client refetches and
// reapplies.
var ErrVersionConflict = errors.New("edit based on a stale version")

// MetadataReader is the slice of the metadata store the engine needs to warm
// a cold version vector.
type MetadataReader interface {
	GetChatMetadata(ctx context.Context, chatId string) (domain.ChatMetadata, error)
	GetDraft(ctx context.Context, chatId, hashedUserId string) (domain.Draft, error)
}

// Engine owns the per-chat version vectors. All increments go through the hot
// cache's atomic primitives; a single authoritative instance per chat keeps
// them linearizable.
type Engine struct {
	cache *hotcache.Cache
	store MetadataReader
}

func NewEngine(cache *hotcache.Cache, store MetadataReader) *Engine {
	return &Engine{cache: cache, store: store}
}

// ReadVersions returns the chat's version vector, warming the cache from the
// metadata store when the chat is cold. The draft component is scoped to the
// chat owner, identified by hashedUserId.
func (e *Engine) ReadVersions(ctx context.Context, chatId, hashedUserId string) (domain.VersionVector, error) {
	vv, found, err := e.cache.GetVersions(ctx, chatId)
	if err != nil {
		return domain.VersionVector{}, err
	}
	if found {
		return vv, nil
	}
	return e.warm(ctx, chatId, hashedUserId)
}

func (e *Engine) warm(ctx context.Context, chatId, hashedUserId string) (domain.VersionVector, error) {
	metadata, err := e.store.GetChatMetadata(ctx, chatId)
	if err != nil {
		return domain.VersionVector{}, fmt.Errorf("failed to warm versions for chat %s: %w", chatId, err)
	}
	vv := domain.VersionVector{
		TitleV:        metadata.TitleV,
		MessagesV:     metadata.MessagesV,
		LastEditedAll: metadata.LastEditedAll,
	}

	draft, err := e.store.GetDraft(ctx, chatId, hashedUserId)
	if err == nil {
		vv.DraftV = draft.Version
	} else if !errors.Is(err, srv.ErrNotFound) {
		return domain.VersionVector{}, fmt.Errorf("failed to warm draft version for chat %s: %w", chatId, err)
	}

	if err := e.cache.SeedVersions(ctx, chatId, vv); err != nil {
		return domain.VersionVector{}, err
	}
	return vv, nil
}

// CheckAndIncrement applies the conflict rule for version-guarded components:
// the edit is accepted iff it was based on a version at least as new as the
// server's. On acceptance the component is bumped atomically and the new
// value returned; on conflict ErrVersionConflict is returned and nothing
// changes.
func (e *Engine) CheckAndIncrement(ctx context.Context, chatId, hashedUserId string, component domain.Component, basedOn int64) (int64, error) {
	vv, err := e.ReadVersions(ctx, chatId, hashedUserId)
	if err != nil {
		return 0, err
	}
	if basedOn < vv.Component(component) {
		return 0, ErrVersionConflict
	}
	return e.cache.IncrementVersion(ctx, chatId, component)
}

// Increment bumps a component unconditionally. Message appends always win;
// there is nothing for them to conflict with.
func (e *Engine) Increment(ctx context.Context, chatId, hashedUserId string, component domain.Component) (int64, error) {
	if _, err := e.ReadVersions(ctx, chatId, hashedUserId); err != nil {
		return 0, err
	}
	return e.cache.IncrementVersion(ctx, chatId, component)
}

// UpdateScore moves a chat's rank to the new last-edited timestamp and
// reports the Top-N churn: chats that entered the window and chats that left
// it. The broker uses the diff to warm and evict message lists.
func (e *Engine) UpdateScore(ctx context.Context, userId, chatId string, lastEdited int64, topN int64) (entered []string, left []string, err error) {
	before, err := e.cache.TopChats(ctx, userId, topN)
	if err != nil {
		return nil, nil, err
	}

	if err := e.cache.SetLastEdited(ctx, chatId, lastEdited); err != nil {
		return nil, nil, err
	}
	if err := e.cache.UpdateChatRank(ctx, userId, chatId, lastEdited); err != nil {
		return nil, nil, err
	}

	after, err := e.cache.TopChats(ctx, userId, topN)
	if err != nil {
		return nil, nil, err
	}

	beforeSet := make(map[string]bool, len(before))
	for _, id := range before {
		beforeSet[id] = true
	}
	afterSet := make(map[string]bool, len(after))
	for _, id := range after {
		afterSet[id] = true
	}
	for _, id := range after {
		if !beforeSet[id] {
			entered = append(entered, id)
		}
	}
	for _, id := range before {
		if !afterSet[id] {
			left = append(left, id)
		}
	}
	return entered, left, nil
}

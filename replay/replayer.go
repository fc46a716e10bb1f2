package replay

import (
	"context"
	"errors"
	"time"

	"openmates/common"
	"openmates/domain"
	"openmates/hotcache"
	"openmates/keyvault"
	"openmates/persist"
	"openmates/versions"

	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

// Fanout is the slice of the sync broker the replayer needs: event delivery
// to every live device of a user.
type Fanout interface {
	BroadcastToUser(userId string, event domain.Event, excludeDeviceHash string)
}

// ChatReader resolves chat ownership and the chat's vault key.
type ChatReader interface {
	GetChat(ctx context.Context, chatId string) (domain.Chat, error)
}

// Result summarizes one applied offline batch. Conflicts are stale-version
// rejections; errors cover validation failures, unknown chats and
// infrastructure faults. Neither halts the batch.
type Result struct {
	Processed int64
	Conflicts int64
	Errors    int64
}

// Replayer applies a reconnecting device's queued edits in order, change by
// change, under the same conflict rule as live writes. Accepted changes fan
// out to every device of the user, including the sender's other devices; the
// originating device additionally gets a completion summary from the broker.
type Replayer struct {
	engine *versions.Engine
	cache  *hotcache.Cache
	worker *persist.Worker
	vault  keyvault.KeyVault
	chats  ChatReader
	fanout Fanout
	topN   int64
}

func NewReplayer(engine *versions.Engine, cache *hotcache.Cache, worker *persist.Worker, vault keyvault.KeyVault, chats ChatReader, fanout Fanout, topN int64) *Replayer {
	return &Replayer{
		engine: engine,
		cache:  cache,
		worker: worker,
		vault:  vault,
		chats:  chats,
		fanout: fanout,
		topN:   topN,
	}
}

func (r *Replayer) Replay(ctx context.Context, userId, hashedUserId string, changes []domain.OfflineChange) Result {
	var result Result
	for _, change := range changes {
		switch change.Type {
		case "title":
			r.applyTitle(ctx, userId, hashedUserId, change, &result)
		case "draft":
			r.applyDraft(ctx, userId, hashedUserId, change, &result)
		default:
			zlog.Warn().Str("type", change.Type).Str("chatId", change.ChatId).Msg("Unknown offline change type")
			result.Errors++
		}
	}
	return result
}

func (r *Replayer) applyTitle(ctx context.Context, userId, hashedUserId string, change domain.OfflineChange, result *Result) {
	if change.NewValue == nil {
		result.Errors++
		return
	}
	if err := common.ValidatePlaintextTitle(*change.NewValue); err != nil {
		result.Errors++
		return
	}

	chat, err := r.chats.GetChat(ctx, change.ChatId)
	if err != nil || chat.UserId != userId {
		result.Errors++
		return
	}

	// Cheap pre-check before paying for a vault round-trip; the atomic
	// check-and-increment below still arbitrates races with live writes.
	vv, err := r.engine.ReadVersions(ctx, change.ChatId, hashedUserId)
	if err != nil {
		result.Errors++
		return
	}
	if change.VersionBeforeEdit < vv.TitleV {
		result.Conflicts++
		return
	}

	// Offline title edits arrive as plaintext from the device's queue; the
	// core encrypts under the chat's key, bound to the owning user.
	encryptedTitle, err := r.vault.Encrypt(ctx, []byte(*change.NewValue), chat.VaultKeyId, []byte(userId))
	if err != nil {
		zlog.Error().Err(err).Str("chatId", change.ChatId).Msg("Failed to encrypt replayed title")
		result.Errors++
		return
	}

	newV, err := r.engine.CheckAndIncrement(ctx, change.ChatId, hashedUserId, domain.ComponentTitle, change.VersionBeforeEdit)
	if err != nil {
		if errors.Is(err, versions.ErrVersionConflict) {
			result.Conflicts++
		} else {
			result.Errors++
		}
		return
	}

	// persist before rescoring so warm read-throughs see this write
	lastEdited := time.Now().UnixMilli()
	if err := r.worker.EnqueueTitle(change.ChatId, encryptedTitle, newV, lastEdited); err != nil {
		zlog.Error().Err(err).Str("chatId", change.ChatId).Msg("Failed to enqueue replayed title persistence")
	}
	r.rescore(ctx, userId, change.ChatId, lastEdited)

	versionsAfter, err := r.engine.ReadVersions(ctx, change.ChatId, hashedUserId)
	if err != nil {
		result.Errors++
		return
	}
	r.fanout.BroadcastToUser(userId, domain.ChatTitleUpdatedEvent{
		Event:         domain.ChatTitleUpdatedEventType,
		ChatId:        change.ChatId,
		Data:          domain.TitleData{EncryptedTitle: encryptedTitle},
		Versions:      versionsAfter,
		LastEditedAll: lastEdited,
	}, "")
	result.Processed++
}

func (r *Replayer) applyDraft(ctx context.Context, userId, hashedUserId string, change domain.OfflineChange, result *Result) {
	if change.NewValue != nil {
		if err := common.ValidateBodyCiphertext(*change.NewValue); err != nil {
			result.Errors++
			return
		}
	}

	chat, err := r.chats.GetChat(ctx, change.ChatId)
	if err != nil || chat.UserId != userId {
		result.Errors++
		return
	}

	newV, err := r.engine.CheckAndIncrement(ctx, change.ChatId, hashedUserId, domain.ComponentDraft, change.VersionBeforeEdit)
	if err != nil {
		if errors.Is(err, versions.ErrVersionConflict) {
			result.Conflicts++
		} else {
			result.Errors++
		}
		return
	}

	lastEdited := time.Now().UnixMilli()
	draft := domain.Draft{
		Id:           "draft_" + ksuid.New().String(),
		ChatId:       change.ChatId,
		HashedUserId: hashedUserId,
		Version:      newV,
		LastEdited:   time.Now().UTC(),
	}
	if change.NewValue != nil {
		draft.EncryptedContent = *change.NewValue
		if err := r.cache.SetCachedDraft(ctx, userId, draft); err != nil {
			zlog.Error().Err(err).Str("chatId", change.ChatId).Msg("Failed to cache replayed draft")
		}
	} else {
		if err := r.cache.DeleteCachedDraft(ctx, userId, change.ChatId); err != nil {
			zlog.Error().Err(err).Str("chatId", change.ChatId).Msg("Failed to clear cached draft")
		}
	}
	if err := r.worker.EnqueueDraft(userId, draft); err != nil {
		zlog.Error().Err(err).Str("chatId", change.ChatId).Msg("Failed to enqueue replayed draft persistence")
	}

	r.rescore(ctx, userId, change.ChatId, lastEdited)

	versionsAfter, err := r.engine.ReadVersions(ctx, change.ChatId, hashedUserId)
	if err != nil {
		result.Errors++
		return
	}
	var draftData domain.DraftData
	if change.NewValue != nil {
		draftData.EncryptedDraftMd = change.NewValue
	}
	r.fanout.BroadcastToUser(userId, domain.ChatDraftUpdatedEvent{
		Event:         domain.ChatDraftUpdatedEventType,
		ChatId:        change.ChatId,
		Data:          draftData,
		Versions:      versionsAfter,
		LastEditedAll: lastEdited,
	}, "")
	result.Processed++
}

// rescore moves the chat's rank and reconciles the Top-N message lists.
func (r *Replayer) rescore(ctx context.Context, userId, chatId string, lastEdited int64) {
	entered, left, err := r.engine.UpdateScore(ctx, userId, chatId, lastEdited, r.topN)
	if err != nil {
		zlog.Error().Err(err).Str("chatId", chatId).Msg("Failed to update chat score")
		return
	}
	for _, id := range entered {
		if err := r.worker.EnqueueWarm(userId, id); err != nil {
			zlog.Error().Err(err).Str("chatId", id).Msg("Failed to enqueue warm task")
		}
	}
	for _, id := range left {
		if err := r.cache.EvictChatMessages(ctx, userId, id); err != nil {
			zlog.Error().Err(err).Str("chatId", id).Msg("Failed to evict message list")
		}
	}
}

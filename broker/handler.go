package broker

import (
	"context"
	"errors"
	"time"

	"openmates/common"
	"openmates/delivery"
	"openmates/domain"
	"openmates/hotcache"
	"openmates/keyvault"
	"openmates/persist"
	"openmates/replay"
	"openmates/srv"
	"openmates/versions"

	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

// Handler owns the full lifecycle of a device session and the dispatch of
// its inbound actions. One Handler serves all sessions.
type Handler struct {
	Broker   *Broker
	Auth     Authenticator
	Engine   *versions.Engine
	Cache    *hotcache.Cache
	Worker   *persist.Worker
	Vault    keyvault.KeyVault
	Chats    replay.ChatReader
	Pending  *delivery.Queue
	Replayer *replay.Replayer
	TopN     int64
}

// ServeSession drives a connection through the session state machine:
// Connecting, Authenticated (token validated), Subscribed (pending
// deliveries drained), then the read loop until the peer goes away.
// It blocks until the session closes.
func (h *Handler) ServeSession(ctx context.Context, conn Conn, token, deviceHash string) {
	s := newSession(conn, deviceHash, h.Broker)

	user, err := h.Auth.Authenticate(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			zlog.Error().Err(err).Msg("Session authentication failed")
		}
		conn.WriteJSON(domain.NewErrorEvent(domain.ErrorKindNotAuthenticated, "invalid or missing token", ""))
		conn.Close()
		return
	}
	s.UserId = user.Id
	s.HashedUserId = user.EmailHash
	s.setState(SessionStateAuthenticated)

	if err := h.Broker.register(s); err != nil {
		conn.WriteJSON(domain.NewErrorEvent(domain.ErrorKindInternal, "server is shutting down", ""))
		conn.Close()
		return
	}
	go s.writePump()

	// drain queued deliveries to this session only, before live events
	pending, err := h.Pending.DrainAll(ctx, s.UserId)
	if err != nil {
		zlog.Error().Err(err).Str("userId", s.UserId).Msg("Failed to drain pending deliveries")
	}
	for _, event := range pending {
		s.Send(event)
	}
	s.setState(SessionStateSubscribed)
	zlog.Info().Str("sessionId", s.Id).Str("userId", s.UserId).Msg("Session subscribed")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.HandleAction(ctx, s, data)
	}
	s.Close()
}

// HandleAction decodes one inbound frame and dispatches it. Unknown action
// types are rejected closed-world with a Validation error.
func (h *Handler) HandleAction(ctx context.Context, s *Session, data []byte) {
	action, err := domain.UnmarshalAction(data)
	if err != nil {
		s.Send(domain.NewErrorEvent(domain.ErrorKindValidation, "unrecognized action", ""))
		return
	}

	switch a := action.(type) {
	case domain.UpdateTitleAction:
		h.handleUpdateTitle(ctx, s, a)
	case domain.UpdateDraftAction:
		h.handleUpdateDraft(ctx, s, a)
	case domain.AppendMessageAction:
		h.handleAppendMessage(ctx, s, a)
	case domain.SyncOfflineChangesAction:
		h.handleOfflineSync(ctx, s, a)
	case domain.TypingAction:
		h.Broker.BroadcastToUser(s.UserId, domain.TypingEvent{
			Event:  domain.TypingEventType,
			ChatId: a.ChatId,
			UserId: s.UserId,
			Typing: a.Typing,
		}, s.DeviceHash)
	default:
		s.Send(domain.NewErrorEvent(domain.ErrorKindValidation, "unrecognized action", ""))
	}
}

// checkWritable applies backpressure: reads continue during overload, writes
// are refused.
func (h *Handler) checkWritable(s *Session, chatId string) bool {
	if h.Worker.Overloaded() {
		s.Send(domain.NewErrorEvent(domain.ErrorKindOverloaded, "write rejected, persistence backlog", chatId))
		return false
	}
	return true
}

// authorizeChat loads the chat and verifies the session's user owns it.
func (h *Handler) authorizeChat(ctx context.Context, s *Session, chatId string) (domain.Chat, bool) {
	chat, err := h.Chats.GetChat(ctx, chatId)
	if err != nil {
		if errors.Is(err, srv.ErrNotFound) {
			s.Send(domain.NewErrorEvent(domain.ErrorKindNotFound, "unknown chat", chatId))
		} else {
			zlog.Error().Err(err).Str("chatId", chatId).Msg("Failed to load chat")
			s.Send(domain.NewErrorEvent(domain.ErrorKindInternal, "failed to load chat", chatId))
		}
		return domain.Chat{}, false
	}
	if chat.UserId != s.UserId {
		s.Send(domain.NewErrorEvent(domain.ErrorKindNotAuthorized, "chat belongs to another user", chatId))
		return domain.Chat{}, false
	}
	return chat, true
}

func (h *Handler) handleUpdateTitle(ctx context.Context, s *Session, action domain.UpdateTitleAction) {
	if !h.checkWritable(s, action.ChatId) {
		return
	}
	if err := common.ValidateTitleCiphertext(action.EncryptedTitle); err != nil {
		s.Send(domain.NewErrorEvent(domain.ErrorKindSizeLimit, err.Error(), action.ChatId))
		return
	}
	if _, ok := h.authorizeChat(ctx, s, action.ChatId); !ok {
		return
	}

	newV, err := h.Engine.CheckAndIncrement(ctx, action.ChatId, s.HashedUserId, domain.ComponentTitle, action.BasedOnVersion)
	if err != nil {
		if errors.Is(err, versions.ErrVersionConflict) {
			s.Send(domain.NewErrorEvent(domain.ErrorKindVersionConflict, "title edit based on a stale version", action.ChatId))
		} else {
			zlog.Error().Err(err).Str("chatId", action.ChatId).Msg("Failed to advance title version")
			s.Send(domain.NewErrorEvent(domain.ErrorKindInternal, "failed to advance version", action.ChatId))
		}
		return
	}

	// persist before rescoring: the worker is FIFO, so any warm task the
	// rescore enqueues reads the store after this write lands
	lastEdited := time.Now().UnixMilli()
	if err := h.Worker.EnqueueTitle(action.ChatId, action.EncryptedTitle, newV, lastEdited); err != nil {
		s.Send(domain.NewErrorEvent(domain.ErrorKindOverloaded, "write rejected, persistence backlog", action.ChatId))
		return
	}
	h.rescore(ctx, s.UserId, action.ChatId, lastEdited)

	versionsAfter, err := h.Engine.ReadVersions(ctx, action.ChatId, s.HashedUserId)
	if err != nil {
		versionsAfter = domain.VersionVector{TitleV: newV}
	}
	h.Broker.BroadcastToUser(s.UserId, domain.ChatTitleUpdatedEvent{
		Event:         domain.ChatTitleUpdatedEventType,
		ChatId:        action.ChatId,
		Data:          domain.TitleData{EncryptedTitle: action.EncryptedTitle},
		Versions:      versionsAfter,
		LastEditedAll: lastEdited,
	}, s.DeviceHash)
}

func (h *Handler) handleUpdateDraft(ctx context.Context, s *Session, action domain.UpdateDraftAction) {
	if !h.checkWritable(s, action.ChatId) {
		return
	}
	if action.EncryptedDraftMd != nil {
		if err := common.ValidateBodyCiphertext(*action.EncryptedDraftMd); err != nil {
			s.Send(domain.NewErrorEvent(domain.ErrorKindSizeLimit, err.Error(), action.ChatId))
			return
		}
	}
	if _, ok := h.authorizeChat(ctx, s, action.ChatId); !ok {
		return
	}

	newV, err := h.Engine.CheckAndIncrement(ctx, action.ChatId, s.HashedUserId, domain.ComponentDraft, action.BasedOnVersion)
	if err != nil {
		if errors.Is(err, versions.ErrVersionConflict) {
			s.Send(domain.NewErrorEvent(domain.ErrorKindVersionConflict, "draft edit based on a stale version", action.ChatId))
		} else {
			zlog.Error().Err(err).Str("chatId", action.ChatId).Msg("Failed to advance draft version")
			s.Send(domain.NewErrorEvent(domain.ErrorKindInternal, "failed to advance version", action.ChatId))
		}
		return
	}

	draft := domain.Draft{
		Id:           "draft_" + ksuid.New().String(),
		ChatId:       action.ChatId,
		HashedUserId: s.HashedUserId,
		Version:      newV,
		LastEdited:   time.Now().UTC(),
	}
	if action.EncryptedDraftMd != nil {
		// end-to-end encrypted: stored verbatim, never re-encrypted
		draft.EncryptedContent = *action.EncryptedDraftMd
		if err := h.Cache.SetCachedDraft(ctx, s.UserId, draft); err != nil {
			zlog.Error().Err(err).Str("chatId", action.ChatId).Msg("Failed to cache draft")
		}
	} else {
		if err := h.Cache.DeleteCachedDraft(ctx, s.UserId, action.ChatId); err != nil {
			zlog.Error().Err(err).Str("chatId", action.ChatId).Msg("Failed to clear cached draft")
		}
	}

	lastEdited := time.Now().UnixMilli()
	if err := h.Worker.EnqueueDraft(s.UserId, draft); err != nil {
		s.Send(domain.NewErrorEvent(domain.ErrorKindOverloaded, "write rejected, persistence backlog", action.ChatId))
		return
	}
	h.rescore(ctx, s.UserId, action.ChatId, lastEdited)

	versionsAfter, err := h.Engine.ReadVersions(ctx, action.ChatId, s.HashedUserId)
	if err != nil {
		versionsAfter = domain.VersionVector{DraftV: newV}
	}
	h.Broker.BroadcastToUser(s.UserId, domain.ChatDraftUpdatedEvent{
		Event:         domain.ChatDraftUpdatedEventType,
		ChatId:        action.ChatId,
		Data:          domain.DraftData{EncryptedDraftMd: action.EncryptedDraftMd},
		Versions:      versionsAfter,
		LastEditedAll: lastEdited,
	}, s.DeviceHash)
}

func (h *Handler) handleAppendMessage(ctx context.Context, s *Session, action domain.AppendMessageAction) {
	if !h.checkWritable(s, action.ChatId) {
		return
	}
	if err := common.ValidateBodyCiphertext(action.Message.EncryptedContent); err != nil {
		s.Send(domain.NewErrorEvent(domain.ErrorKindSizeLimit, err.Error(), action.ChatId))
		return
	}

	chat, err := h.Chats.GetChat(ctx, action.ChatId)
	if errors.Is(err, srv.ErrNotFound) {
		// first message brings the chat row into existence
		chat, err = h.createChat(ctx, s, action.ChatId)
		if err != nil {
			s.Send(domain.NewErrorEvent(domain.ErrorKindKVUnavailable, "failed to provision chat key", action.ChatId))
			return
		}
	} else if err != nil {
		zlog.Error().Err(err).Str("chatId", action.ChatId).Msg("Failed to load chat")
		s.Send(domain.NewErrorEvent(domain.ErrorKindInternal, "failed to load chat", action.ChatId))
		return
	}
	if chat.UserId != s.UserId {
		s.Send(domain.NewErrorEvent(domain.ErrorKindNotAuthorized, "chat belongs to another user", action.ChatId))
		return
	}

	// a new message always increments messages_v; there is nothing to
	// conflict with
	newV, err := h.Engine.Increment(ctx, action.ChatId, s.HashedUserId, domain.ComponentMessages)
	if err != nil {
		zlog.Error().Err(err).Str("chatId", action.ChatId).Msg("Failed to advance message version")
		s.Send(domain.NewErrorEvent(domain.ErrorKindInternal, "failed to advance version", action.ChatId))
		return
	}

	message := action.Message
	message.ChatId = action.ChatId
	if message.Id == "" {
		message.Id = "msg_" + ksuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	if err := h.Cache.AppendCachedMessage(ctx, s.UserId, message); err != nil {
		zlog.Error().Err(err).Str("chatId", action.ChatId).Msg("Failed to cache appended message")
	}

	// the message persist must enter the FIFO before any warm task from the
	// rescore; a cold chat promoted by this append is warmed from the store,
	// and the warmed list has to include the message that promoted it
	lastEdited := time.Now().UnixMilli()
	if err := h.Worker.EnqueueMessage(message, newV, lastEdited); err != nil {
		s.Send(domain.NewErrorEvent(domain.ErrorKindOverloaded, "write rejected, persistence backlog", action.ChatId))
		return
	}
	h.rescore(ctx, s.UserId, action.ChatId, lastEdited)

	versionsAfter, err := h.Engine.ReadVersions(ctx, action.ChatId, s.HashedUserId)
	if err != nil {
		versionsAfter = domain.VersionVector{MessagesV: newV}
	}
	h.Broker.BroadcastToUser(s.UserId, domain.ChatMessageAppendedEvent{
		Event:         domain.ChatMessageAppendedEventType,
		ChatId:        action.ChatId,
		Data:          message,
		Versions:      versionsAfter,
		LastEditedAll: lastEdited,
	}, s.DeviceHash)
}

func (h *Handler) createChat(ctx context.Context, s *Session, chatId string) (domain.Chat, error) {
	keyId, err := h.Vault.CreateUserKey(ctx)
	if err != nil {
		return domain.Chat{}, err
	}
	now := time.Now().UTC()
	chat := domain.Chat{
		Id:         chatId,
		UserId:     s.UserId,
		VaultKeyId: keyId,
		Created:    now,
		Updated:    now,
	}
	if err := h.Cache.SeedVersions(ctx, chatId, domain.VersionVector{}); err != nil {
		return domain.Chat{}, err
	}
	if err := h.Worker.EnqueueChat(chat); err != nil {
		return domain.Chat{}, err
	}
	return chat, nil
}

func (h *Handler) handleOfflineSync(ctx context.Context, s *Session, action domain.SyncOfflineChangesAction) {
	if !h.checkWritable(s, "") {
		return
	}
	result := h.Replayer.Replay(ctx, s.UserId, s.HashedUserId, action.Changes)
	s.Send(domain.OfflineSyncCompleteEvent{
		Event:     domain.OfflineSyncCompleteEventType,
		Processed: result.Processed,
		Conflicts: result.Conflicts,
		Errors:    result.Errors,
	})
}

func (h *Handler) rescore(ctx context.Context, userId, chatId string, lastEdited int64) {
	entered, left, err := h.Engine.UpdateScore(ctx, userId, chatId, lastEdited, h.TopN)
	if err != nil {
		zlog.Error().Err(err).Str("chatId", chatId).Msg("Failed to update chat score")
		return
	}
	for _, id := range entered {
		if err := h.Worker.EnqueueWarm(userId, id); err != nil {
			zlog.Error().Err(err).Str("chatId", id).Msg("Failed to enqueue warm task")
		}
	}
	for _, id := range left {
		if err := h.Cache.EvictChatMessages(ctx, userId, id); err != nil {
			zlog.Error().Err(err).Str("chatId", id).Msg("Failed to evict message list")
		}
	}
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"openmates/delivery"
	"openmates/domain"
	"openmates/hotcache"
	"openmates/keyvault"
	"openmates/persist"
	"openmates/replay"
	"openmates/srv/sqlite"
	"openmates/versions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  []interface{}
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.done:
		return 0, nil, io.EOF
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, data, nil
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) events() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}{}, c.writes...)
}

func (c *fakeConn) sendAction(t *testing.T, actionType domain.ActionType, payload interface{}) {
	t.Helper()
	payloadJson, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]interface{}{
		"type":    actionType,
		"payload": json.RawMessage(payloadJson),
	})
	require.NoError(t, err)
	c.inbound <- frame
}

type brokerFixture struct {
	handler *Handler
	brk     *Broker
	cache   *hotcache.Cache
	storage *sqlite.Storage
	worker  *persist.Worker
	pending *delivery.Queue
}

func newBrokerFixture(t *testing.T, topN int64) *brokerFixture {
	cache := hotcache.NewTestCache()
	storage := sqlite.NewTestSqliteStorage(t, "test_broker")
	engine := versions.NewEngine(cache, storage)
	worker := persist.NewWorker(storage, cache)
	worker.Start(context.Background())
	vault := keyvault.NewLocalVault()
	brk := NewBroker()
	pending := delivery.NewQueue(cache)
	replayer := replay.NewReplayer(engine, cache, worker, vault, storage, brk, topN)

	handler := &Handler{
		Broker:   brk,
		Auth:     &CacheAuthenticator{Cache: cache, Users: storage},
		Engine:   engine,
		Cache:    cache,
		Worker:   worker,
		Vault:    vault,
		Chats:    storage,
		Pending:  pending,
		Replayer: replayer,
		TopN:     topN,
	}
	return &brokerFixture{handler: handler, brk: brk, cache: cache, storage: storage, worker: worker, pending: pending}
}

func (f *brokerFixture) seedUser(t *testing.T, userId, token string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.storage.PersistUser(ctx, domain.User{
		Id:         userId,
		EmailHash:  "hashed_" + userId,
		VaultKeyId: "kek_" + userId,
	}))
	require.NoError(t, f.cache.PutSessionToken(ctx, token, userId, time.Hour))
}

func (f *brokerFixture) seedChat(t *testing.T, chatId, userId string, titleV int64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.storage.PersistChat(context.Background(), domain.Chat{
		Id:             chatId,
		UserId:         userId,
		EncryptedTitle: "omv1:b2xk",
		VaultKeyId:     "kek_chat",
		TitleV:         titleV,
		Created:        now,
		Updated:        now,
	}))
}

// connect runs ServeSession in the background and waits for the session to
// subscribe.
func (f *brokerFixture) connect(t *testing.T, token, deviceHash string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go f.handler.ServeSession(context.Background(), conn, token, deviceHash)
	require.Eventually(t, func() bool {
		return f.brk.HasLiveSession(tokenUser(token))
	}, time.Second, 5*time.Millisecond)
	return conn
}

func tokenUser(token string) string {
	return "user_" + token
}

func eventsOfType(events []interface{}, eventType domain.EventType) []interface{} {
	var matching []interface{}
	for _, raw := range events {
		if event, ok := raw.(domain.Event); ok && event.GetEventType() == eventType {
			matching = append(matching, raw)
		}
	}
	return matching
}

func TestServeSessionRejectsBadToken(t *testing.T) {
	f := newBrokerFixture(t, 10)
	conn := newFakeConn()

	f.handler.ServeSession(context.Background(), conn, "tok_bogus", "device_1")

	events := conn.events()
	require.Len(t, events, 1)
	errorEvent, ok := events[0].(domain.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorKindNotAuthenticated, errorEvent.Payload.Kind)
	assert.False(t, f.brk.HasLiveSession("user_1"))
}

func TestExclusiveSenderTitleFanout(t *testing.T) {
	f := newBrokerFixture(t, 10)
	userId := tokenUser("tok_u1")
	f.seedUser(t, userId, "tok_u1")
	f.seedChat(t, "chat_c1", userId, 3)

	d1 := f.connect(t, "tok_u1", "device_1")
	d2 := f.connect(t, "tok_u1", "device_2")

	d1.sendAction(t, domain.UpdateTitleActionType, domain.UpdateTitleAction{
		ChatId:         "chat_c1",
		EncryptedTitle: "omv1:Q1RfQQ==",
		BasedOnVersion: 3,
	})

	require.Eventually(t, func() bool {
		return len(eventsOfType(d2.events(), domain.ChatTitleUpdatedEventType)) == 1
	}, time.Second, 5*time.Millisecond)

	updated := eventsOfType(d2.events(), domain.ChatTitleUpdatedEventType)[0].(domain.ChatTitleUpdatedEvent)
	assert.Equal(t, "chat_c1", updated.ChatId)
	assert.Equal(t, int64(4), updated.Versions.TitleV)
	assert.Equal(t, "omv1:Q1RfQQ==", updated.Data.EncryptedTitle)

	// the sender receives no fan-out and no error
	assert.Empty(t, d1.events())

	// durable state converges
	f.worker.Flush()
	chat, err := f.storage.GetChat(context.Background(), "chat_c1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), chat.TitleV)
	assert.Equal(t, "omv1:Q1RfQQ==", chat.EncryptedTitle)
}

func TestStaleTitleRejectedWithConflict(t *testing.T) {
	f := newBrokerFixture(t, 10)
	userId := tokenUser("tok_u1")
	f.seedUser(t, userId, "tok_u1")
	f.seedChat(t, "chat_c1", userId, 5)

	d1 := f.connect(t, "tok_u1", "device_1")
	d2 := f.connect(t, "tok_u1", "device_2")

	d1.sendAction(t, domain.UpdateTitleActionType, domain.UpdateTitleAction{
		ChatId:         "chat_c1",
		EncryptedTitle: "omv1:Q1RfQQ==",
		BasedOnVersion: 3,
	})

	require.Eventually(t, func() bool {
		return len(d1.events()) == 1
	}, time.Second, 5*time.Millisecond)
	errorEvent, ok := d1.events()[0].(domain.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorKindVersionConflict, errorEvent.Payload.Kind)
	assert.Equal(t, "chat_c1", errorEvent.Payload.ChatId)

	// no fan-out happened
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, d2.events())
}

func TestUnknownActionRejected(t *testing.T) {
	f := newBrokerFixture(t, 10)
	userId := tokenUser("tok_u1")
	f.seedUser(t, userId, "tok_u1")
	d1 := f.connect(t, "tok_u1", "device_1")

	d1.inbound <- []byte(`{"type":"make_coffee","payload":{}}`)

	require.Eventually(t, func() bool {
		return len(d1.events()) == 1
	}, time.Second, 5*time.Millisecond)
	errorEvent, ok := d1.events()[0].(domain.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorKindValidation, errorEvent.Payload.Kind)
}

func TestPendingDeliveriesDrainOnSubscribe(t *testing.T) {
	f := newBrokerFixture(t, 10)
	ctx := context.Background()
	userId := tokenUser("tok_u2")
	f.seedUser(t, userId, "tok_u2")

	require.NoError(t, f.pending.Enqueue(ctx, userId, domain.ReminderFiredEvent{
		Event: domain.ReminderFiredEventType,
		Data:  domain.ReminderData{ReminderId: "rem_1", Prompt: "water the plants"},
	}))

	d1 := f.connect(t, "tok_u2", "device_1")

	require.Eventually(t, func() bool {
		return len(eventsOfType(d1.events(), domain.ReminderFiredEventType)) == 1
	}, time.Second, 5*time.Millisecond)
	fired := eventsOfType(d1.events(), domain.ReminderFiredEventType)[0].(domain.ReminderFiredEvent)
	assert.Equal(t, "rem_1", fired.Data.ReminderId)

	// the queue key is gone; a second subscriber gets nothing
	events, err := f.pending.DrainAll(ctx, userId)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOfflineSyncCompleteGoesToOriginatorOnly(t *testing.T) {
	f := newBrokerFixture(t, 10)
	userId := tokenUser("tok_u3")
	f.seedUser(t, userId, "tok_u3")
	f.seedChat(t, "chat_c2", userId, 9)
	ctx := context.Background()
	_, err := f.storage.UpsertDraft(ctx, domain.Draft{
		Id:           "draft_1",
		ChatId:       "chat_c2",
		HashedUserId: "hashed_" + userId,
		Version:      2,
		LastEdited:   time.Now(),
	})
	require.NoError(t, err)

	d3 := f.connect(t, "tok_u3", "device_3")
	d4 := f.connect(t, "tok_u3", "device_4")

	title := "T1"
	d3.sendAction(t, domain.SyncOfflineChangesActionType, domain.SyncOfflineChangesAction{
		Changes: []domain.OfflineChange{
			{ChatId: "chat_c2", Type: "title", NewValue: &title, VersionBeforeEdit: 7},
			{ChatId: "chat_c2", Type: "draft", NewValue: nil, VersionBeforeEdit: 2},
		},
	})

	require.Eventually(t, func() bool {
		return len(eventsOfType(d3.events(), domain.OfflineSyncCompleteEventType)) == 1
	}, time.Second, 5*time.Millisecond)

	complete := eventsOfType(d3.events(), domain.OfflineSyncCompleteEventType)[0].(domain.OfflineSyncCompleteEvent)
	assert.Equal(t, int64(1), complete.Processed)
	assert.Equal(t, int64(1), complete.Conflicts)
	assert.Equal(t, int64(0), complete.Errors)

	// the accepted draft change reaches every device, the sender included
	require.Eventually(t, func() bool {
		return len(eventsOfType(d3.events(), domain.ChatDraftUpdatedEventType)) == 1 &&
			len(eventsOfType(d4.events(), domain.ChatDraftUpdatedEventType)) == 1
	}, time.Second, 5*time.Millisecond)
	draftEvent := eventsOfType(d4.events(), domain.ChatDraftUpdatedEventType)[0].(domain.ChatDraftUpdatedEvent)
	assert.Equal(t, int64(3), draftEvent.Versions.DraftV)

	// the completion summary stays with the originator
	assert.Empty(t, eventsOfType(d4.events(), domain.OfflineSyncCompleteEventType))
}

func TestTopNWarmAndEvictOnRankChange(t *testing.T) {
	f := newBrokerFixture(t, 2)
	ctx := context.Background()
	userId := tokenUser("tok_u1")
	f.seedUser(t, userId, "tok_u1")

	// three chats; the cache holds message lists for the current top two
	for i, chatId := range []string{"chat_a", "chat_b", "chat_c"} {
		f.seedChat(t, chatId, userId, 0)
		require.NoError(t, f.cache.UpdateChatRank(ctx, userId, chatId, int64((i+1)*100)))
	}
	require.NoError(t, f.cache.WarmChatMessages(ctx, userId, "chat_b", []domain.Message{{Id: "msg_b", ChatId: "chat_b", EncryptedContent: "omv1:Yg=="}}))
	require.NoError(t, f.cache.WarmChatMessages(ctx, userId, "chat_c", []domain.Message{{Id: "msg_c", ChatId: "chat_c", EncryptedContent: "omv1:Yw=="}}))
	_, err := f.storage.AppendMessage(ctx, domain.Message{Id: "msg_a0", ChatId: "chat_a", EncryptedContent: "omv1:YQ==", CreatedAt: time.Now()})
	require.NoError(t, err)

	d1 := f.connect(t, "tok_u1", "device_1")

	// message lands in the bottom chat, pushing it to rank 1
	d1.sendAction(t, domain.AppendMessageActionType, domain.AppendMessageAction{
		ChatId:  "chat_a",
		Message: domain.Message{EncryptedContent: "omv1:bmV3"},
	})

	require.Eventually(t, func() bool {
		_, found, err := f.cache.GetCachedMessages(ctx, userId, "chat_a")
		return err == nil && found
	}, time.Second, 5*time.Millisecond)

	// the chat that fell out of the top two lost its list
	require.Eventually(t, func() bool {
		_, found, err := f.cache.GetCachedMessages(ctx, userId, "chat_b")
		return err == nil && !found
	}, time.Second, 5*time.Millisecond)

	// the surviving top chat kept its list
	_, found, err := f.cache.GetCachedMessages(ctx, userId, "chat_c")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestWarmedListIncludesPromotingMessage(t *testing.T) {
	f := newBrokerFixture(t, 1)
	ctx := context.Background()
	userId := tokenUser("tok_u1")
	f.seedUser(t, userId, "tok_u1")

	// chat_a sits below the window with one persisted message and no cached
	// list; chat_b holds the single warm slot
	f.seedChat(t, "chat_a", userId, 0)
	f.seedChat(t, "chat_b", userId, 0)
	require.NoError(t, f.cache.UpdateChatRank(ctx, userId, "chat_a", 100))
	require.NoError(t, f.cache.UpdateChatRank(ctx, userId, "chat_b", 200))
	require.NoError(t, f.cache.WarmChatMessages(ctx, userId, "chat_b", []domain.Message{{Id: "msg_b", ChatId: "chat_b", EncryptedContent: "omv1:Yg=="}}))
	_, err := f.storage.AppendMessage(ctx, domain.Message{Id: "msg_a0", ChatId: "chat_a", EncryptedContent: "omv1:b2xk", CreatedAt: time.Now()})
	require.NoError(t, err)

	d1 := f.connect(t, "tok_u1", "device_1")
	d1.sendAction(t, domain.AppendMessageActionType, domain.AppendMessageAction{
		ChatId:  "chat_a",
		Message: domain.Message{EncryptedContent: "omv1:bmV3"},
	})

	// the warm read-through runs after the message persist in the worker
	// FIFO, so the promoted chat's list carries both the old row and the
	// message that promoted it
	var warmed []domain.Message
	require.Eventually(t, func() bool {
		messages, found, err := f.cache.GetCachedMessages(ctx, userId, "chat_a")
		if err != nil || !found {
			return false
		}
		warmed = messages
		return len(warmed) == 2
	}, time.Second, 5*time.Millisecond)

	contents := []string{warmed[0].EncryptedContent, warmed[1].EncryptedContent}
	assert.Contains(t, contents, "omv1:b2xk")
	assert.Contains(t, contents, "omv1:bmV3")
}

func TestSendQueueOverflowDropsSession(t *testing.T) {
	brk := NewBroker()
	conn := newFakeConn()
	s := newSession(conn, "device_1", brk)
	s.UserId = "user_1"
	require.NoError(t, brk.register(s))

	// no write pump running, so the queue only fills
	for i := 0; i < sendQueueSize; i++ {
		require.True(t, s.Send(domain.TypingEvent{Event: domain.TypingEventType, ChatId: fmt.Sprintf("chat_%d", i)}))
	}
	assert.False(t, s.Send(domain.TypingEvent{Event: domain.TypingEventType, ChatId: "chat_overflow"}))
	assert.Equal(t, SessionStateClosed, s.State())
	assert.False(t, brk.HasLiveSession("user_1"))
}

func TestDrainRefusesNewSessions(t *testing.T) {
	f := newBrokerFixture(t, 10)
	userId := tokenUser("tok_u1")
	f.seedUser(t, userId, "tok_u1")
	d1 := f.connect(t, "tok_u1", "device_1")

	f.brk.Drain()
	assert.False(t, f.brk.HasLiveSession(userId))
	_ = d1

	conn := newFakeConn()
	f.handler.ServeSession(context.Background(), conn, "tok_u1", "device_2")
	events := conn.events()
	require.Len(t, events, 1)
	errorEvent, ok := events[0].(domain.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorKindInternal, errorEvent.Payload.Kind)
}

package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"openmates/domain"
	"openmates/hotcache"
	"openmates/srv"

	"github.com/cenkalti/backoff/v4"
	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrOverloaded is returned when the task queue is full. The broker turns
	// this into an Overloaded error frame and rejects the write.
	ErrOverloaded = errors.New("persistence queue is full")
	// ErrShuttingDown is returned for enqueues after Flush has begun.
	ErrShuttingDown = errors.New("persistence worker is shutting down")
)

const (
	defaultQueueSize = 1024
	// warmMessageLimit bounds the history loaded into a Top-N message list.
	warmMessageLimit = 50
	maxTaskRetries   = 5
)

// Store is the slice of the metadata store the worker writes through to.
type Store interface {
	PersistChat(ctx context.Context, chat domain.Chat) error
	UpdateChatFields(ctx context.Context, chatId string, fields map[string]interface{}) error
	AppendMessage(ctx context.Context, message domain.Message) (domain.Message, error)
	UpsertDraft(ctx context.Context, draft domain.Draft) (domain.Draft, error)
	GetChatMessages(ctx context.Context, chatId string, limit int64) ([]domain.Message, error)
}

type taskKind string

const (
	taskPersistChat    taskKind = "persist_chat"
	taskPersistTitle   taskKind = "persist_title"
	taskPersistDraft   taskKind = "persist_draft"
	taskPersistMessage taskKind = "persist_message"
	taskWarmMessages   taskKind = "warm_messages"
)

type task struct {
	kind   taskKind
	chatId string
	userId string

	chat           domain.Chat
	encryptedTitle string
	titleV         int64
	message        domain.Message
	messagesV      int64
	lastEdited     int64
}

// Worker flushes hot cache writes to the metadata store asynchronously.
// Title and message tasks are enqueued immediately; draft tasks are coalesced
// per (user, chat) so a fast typist produces one durable write per flush
// rather than one per keystroke. All store writes are version-guarded, so a
// retried or reordered task is a no-op rather than a regression.
type Worker struct {
	store Store
	cache *hotcache.Cache

	tasks     chan *task
	highWater int

	mu     sync.Mutex
	closed bool
	drafts map[string]domain.Draft

	deadMu      sync.Mutex
	deadLetters []*task

	retryInterval time.Duration

	wg sync.WaitGroup
}

func NewWorker(store Store, cache *hotcache.Cache) *Worker {
	return &Worker{
		store:         store,
		cache:         cache,
		tasks:         make(chan *task, defaultQueueSize),
		highWater:     defaultQueueSize * 8 / 10,
		drafts:        make(map[string]domain.Draft),
		retryInterval: 250 * time.Millisecond,
	}
}

// Start launches the task loop. The context cancels in-flight retries; the
// loop itself runs until Flush closes the queue.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for t := range w.tasks {
			w.runTask(ctx, t)
		}
	}()
}

// Overloaded reports whether the queue has crossed its high-water mark. The
// broker consults this before accepting new writes.
func (w *Worker) Overloaded() bool {
	return len(w.tasks) >= w.highWater
}

// Flush stops intake, drains the remaining queue and returns once every task
// has been attempted. Called during graceful shutdown.
func (w *Worker) Flush() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// DeadLetterCount reports how many tasks exhausted their retries.
func (w *Worker) DeadLetterCount() int {
	w.deadMu.Lock()
	defer w.deadMu.Unlock()
	return len(w.deadLetters)
}

func (w *Worker) EnqueueChat(chat domain.Chat) error {
	return w.enqueue(&task{kind: taskPersistChat, chatId: chat.Id, chat: chat})
}

func (w *Worker) EnqueueTitle(chatId, encryptedTitle string, titleV, lastEdited int64) error {
	return w.enqueue(&task{
		kind:           taskPersistTitle,
		chatId:         chatId,
		encryptedTitle: encryptedTitle,
		titleV:         titleV,
		lastEdited:     lastEdited,
	})
}

func (w *Worker) EnqueueMessage(message domain.Message, messagesV, lastEdited int64) error {
	return w.enqueue(&task{
		kind:       taskPersistMessage,
		chatId:     message.ChatId,
		message:    message,
		messagesV:  messagesV,
		lastEdited: lastEdited,
	})
}

// EnqueueDraft coalesces: only the latest draft per (user, chat) is pending
// at any time, and at most one flush task is queued for it.
func (w *Worker) EnqueueDraft(userId string, draft domain.Draft) error {
	key := userId + "|" + draft.ChatId
	w.mu.Lock()
	_, alreadyQueued := w.drafts[key]
	w.drafts[key] = draft
	w.mu.Unlock()
	if alreadyQueued {
		return nil
	}

	err := w.enqueue(&task{kind: taskPersistDraft, chatId: draft.ChatId, userId: userId})
	if err != nil {
		w.mu.Lock()
		delete(w.drafts, key)
		w.mu.Unlock()
	}
	return err
}

// EnqueueWarm schedules a read-through of a chat's recent messages into the
// hot cache, used when the chat enters the user's Top N.
func (w *Worker) EnqueueWarm(userId, chatId string) error {
	return w.enqueue(&task{kind: taskWarmMessages, chatId: chatId, userId: userId})
}

func (w *Worker) enqueue(t *task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrShuttingDown
	}
	select {
	case w.tasks <- t:
		return nil
	default:
		return ErrOverloaded
	}
}

func (w *Worker) runTask(ctx context.Context, t *task) {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(w.retryInterval),
		), maxTaskRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		return w.execute(ctx, t)
	}, bo)
	if err != nil {
		w.deadMu.Lock()
		w.deadLetters = append(w.deadLetters, t)
		w.deadMu.Unlock()
		zlog.Error().Err(err).
			Str("kind", string(t.kind)).
			Str("chatId", t.chatId).
			Msg("Persistence task exhausted retries, dead-lettered")
	}
}

func (w *Worker) execute(ctx context.Context, t *task) error {
	var err error
	switch t.kind {
	case taskPersistChat:
		err = w.store.PersistChat(ctx, t.chat)
	case taskPersistTitle:
		err = w.store.UpdateChatFields(ctx, t.chatId, map[string]interface{}{
			"encrypted_title":               t.encryptedTitle,
			"title_v":                       t.titleV,
			"last_edited_overall_timestamp": t.lastEdited,
			"updated_at":                    time.Now().UTC(),
		})
	case taskPersistMessage:
		_, err = w.store.AppendMessage(ctx, t.message)
		if err == nil {
			err = w.store.UpdateChatFields(ctx, t.chatId, map[string]interface{}{
				"messages_v":                    t.messagesV,
				"last_edited_overall_timestamp": t.lastEdited,
				"updated_at":                    time.Now().UTC(),
			})
		}
	case taskPersistDraft:
		key := t.userId + "|" + t.chatId
		w.mu.Lock()
		draft, ok := w.drafts[key]
		delete(w.drafts, key)
		w.mu.Unlock()
		if !ok {
			return nil
		}
		_, err = w.store.UpsertDraft(ctx, draft)
		if err != nil && !isIdempotentSkip(err) {
			// put the draft back so the retry flushes it
			w.mu.Lock()
			if _, replaced := w.drafts[key]; !replaced {
				w.drafts[key] = draft
			}
			w.mu.Unlock()
		}
	case taskWarmMessages:
		var messages []domain.Message
		messages, err = w.store.GetChatMessages(ctx, t.chatId, warmMessageLimit)
		if err == nil {
			err = w.cache.WarmChatMessages(ctx, t.userId, t.chatId, messages)
		}
	default:
		return backoff.Permanent(fmt.Errorf("unknown persistence task kind %q", t.kind))
	}

	if isIdempotentSkip(err) {
		return nil
	}
	return err
}

// isIdempotentSkip treats a stale-version refusal or a vanished chat as
// success: a newer write already landed, or the target was deleted.
func isIdempotentSkip(err error) bool {
	return errors.Is(err, srv.ErrStaleVersion) || errors.Is(err, srv.ErrNotFound)
}

package broker

import (
	"errors"
	"sync"

	"openmates/domain"
	"openmates/replay"

	zlog "github.com/rs/zerolog/log"
)

// ErrDraining is returned for connection attempts during graceful shutdown.
var ErrDraining = errors.New("broker is draining")

// Broker tracks every live device session per user and fans events out to
// them. Delivery is best-effort in-order per session; there is no ordering
// guarantee across sessions.
type Broker struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]bool
	draining bool
}

var _ replay.Fanout = (*Broker)(nil)

func NewBroker() *Broker {
	return &Broker{
		sessions: make(map[string]map[*Session]bool),
	}
}

func (b *Broker) register(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.draining {
		return ErrDraining
	}
	userSessions, ok := b.sessions[s.UserId]
	if !ok {
		userSessions = make(map[*Session]bool)
		b.sessions[s.UserId] = userSessions
	}
	userSessions[s] = true
	return nil
}

func (b *Broker) unregister(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	userSessions, ok := b.sessions[s.UserId]
	if !ok {
		return
	}
	delete(userSessions, s)
	if len(userSessions) == 0 {
		delete(b.sessions, s.UserId)
	}
}

// BroadcastToUser delivers an event to every live session of the user except
// the one matching excludeDeviceHash, when non-empty.
func (b *Broker) BroadcastToUser(userId string, event domain.Event, excludeDeviceHash string) {
	b.mu.RLock()
	targets := make([]*Session, 0, len(b.sessions[userId]))
	for s := range b.sessions[userId] {
		if excludeDeviceHash != "" && s.DeviceHash == excludeDeviceHash {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.Send(event)
	}
}

// HasLiveSession reports whether the user has at least one session that can
// receive events right now. The reminder engine uses this to choose between
// fan-out and pending delivery.
func (b *Broker) HasLiveSession(userId string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[userId]) > 0
}

// Drain stops accepting new sessions and closes the live ones. Part of
// graceful shutdown, before the persistence worker flushes.
func (b *Broker) Drain() {
	b.mu.Lock()
	b.draining = true
	var all []*Session
	for _, userSessions := range b.sessions {
		for s := range userSessions {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	zlog.Info().Int("sessions", len(all)).Msg("Broker drained")
}

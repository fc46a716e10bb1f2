package broker

import (
	"sync"

	"openmates/domain"

	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

type SessionState string

const (
	SessionStateConnecting    SessionState = "connecting"
	SessionStateAuthenticated SessionState = "authenticated"
	SessionStateSubscribed    SessionState = "subscribed"
	SessionStateClosed        SessionState = "closed"
)

// Conn is the transport surface a session needs from a websocket connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// sendQueueSize bounds a session's outbound queue. A session that cannot keep
// up is dropped; the client reconnects and re-syncs.
const sendQueueSize = 256

// Session is one device's websocket connection, from upgrade to close.
type Session struct {
	Id           string
	UserId       string
	HashedUserId string
	DeviceHash   string

	conn   Conn
	broker *Broker

	send      chan domain.Event
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	state SessionState
}

func newSession(conn Conn, deviceHash string, broker *Broker) *Session {
	return &Session{
		Id:         "sess_" + ksuid.New().String(),
		DeviceHash: deviceHash,
		conn:       conn,
		broker:     broker,
		send:       make(chan domain.Event, sendQueueSize),
		done:       make(chan struct{}),
		state:      SessionStateConnecting,
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Send queues an event for the write pump without blocking. A full queue
// means the client has fallen too far behind to be worth buffering for, so
// the session is dropped.
func (s *Session) Send(event domain.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- event:
		return true
	default:
		zlog.Warn().
			Str("sessionId", s.Id).
			Str("userId", s.UserId).
			Msg("Session send queue overflowed, dropping session")
		s.Close()
		return false
	}
}

// Close is idempotent and safe from any goroutine. It unregisters the
// session, stops both pumps and closes the underlying connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(SessionStateClosed)
		s.broker.unregister(s)
		close(s.done)
		if err := s.conn.Close(); err != nil {
			zlog.Debug().Err(err).Str("sessionId", s.Id).Msg("Error closing session connection")
		}
	})
}

// writePump serializes all outbound frames for the session, preserving FIFO
// order per session.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.send:
			if err := s.conn.WriteJSON(event); err != nil {
				zlog.Debug().Err(err).Str("sessionId", s.Id).Msg("Failed to write event, closing session")
				s.Close()
				return
			}
		}
	}
}

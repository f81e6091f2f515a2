package server

import (
	"context"
	"sync"

	"github.com/alejzeis/pong-arena/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var errSendBufferFull = errors.New("send buffer full")

// Session is the server side of one authenticated websocket. Outbound frames go through a buffered
// channel drained by writePump, so Send never blocks the sender on a slow client.
type Session struct {
	userID uint64
	conn   common.MessageConnection
	send   chan []byte

	mutex sync.Mutex
	open  bool

	log *log.Entry
}

func NewSession(userID uint64, conn common.MessageConnection, bufferSize int) *Session {
	return &Session{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, bufferSize),
		open:   true,
		log:    log.WithField("user", userID),
	}
}

func (s *Session) UserID() uint64 {
	return s.userID
}

// Send queues the frame, dropping it if the client is too far behind
func (s *Session) Send(payload []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.open {
		return common.ErrConnectionClosed
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *Session) IsOpen() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.open
}

// Close marks the session closed. Frames already queued are still flushed before the socket
// is closed by writePump.
func (s *Session) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	close(s.send)
	return nil
}

func (s *Session) writePump() {
	defer func() {
		if err := s.conn.Close(); err != nil && err != common.ErrConnectionClosed {
			s.log.WithError(err).Debug("Error while closing socket")
		}
	}()

	for payload := range s.send {
		if err := s.conn.WriteMessage(payload); err != nil {
			s.log.WithError(err).Debug("Write failed, closing session")
			_ = s.Close()
			// drain so Close can't leave anything behind
			for range s.send {
			}
			return
		}
	}
}

// readPump dispatches inbound frames in arrival order until the socket fails or is closed
func (s *Session) readPump(ctx context.Context, router *Router) {
	for {
		data, _, err := s.conn.ReadMessage()
		if err != nil {
			if s.IsOpen() {
				s.log.WithError(err).Debug("Connection closed by client")
			}
			return
		}
		router.Dispatch(ctx, s, data)
	}
}

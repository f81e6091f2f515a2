package client

import (
	"sync"

	"github.com/alejzeis/pong-arena/common"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotConnected is returned when sending without an open game socket
var ErrNotConnected = errors.New("not connected")

// gameSocket is the client end of the game websocket. It remembers the room the player is in so
// commands don't have to repeat the room code.
type gameSocket struct {
	conn common.MessageConnection

	mutex  sync.Mutex
	roomID string

	// events receives every decoded frame after it was logged, used by tests
	events chan common.Frame
}

func openSocket(address, token string) (*gameSocket, error) {
	conn, err := common.DialForConnection(address, token)
	if err != nil {
		return nil, err
	}
	socket := &gameSocket{conn: conn}
	go socket.readLoop()
	return socket, nil
}

func (s *gameSocket) room() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.roomID
}

func (s *gameSocket) setRoom(roomID string) {
	s.mutex.Lock()
	s.roomID = roomID
	s.mutex.Unlock()
}

func (s *gameSocket) send(kind common.MessageKind, event string, data interface{}) error {
	if s == nil || s.conn.IsClosed() {
		return ErrNotConnected
	}
	payload, err := common.EncodeFrame(kind, event, data)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(payload)
}

func (s *gameSocket) close() {
	if s == nil {
		return
	}
	if err := s.conn.CloseWithMessage("bye"); err != nil && err != common.ErrConnectionClosed {
		log.WithError(err).Debug("Error while closing connection")
	}
}

func (s *gameSocket) readLoop() {
	for {
		data, _, err := s.conn.ReadMessage()
		if err != nil {
			if !s.conn.IsClosed() {
				log.WithError(err).Warn("Lost connection to server")
				_ = s.conn.Close()
			}
			return
		}

		frame, err := common.DecodeFrame(data)
		if err != nil {
			log.WithError(err).Warn("Received malformed frame")
			continue
		}
		s.handle(frame)
		if s.events != nil {
			s.events <- frame
		}
	}
}

func (s *gameSocket) handle(frame common.Frame) {
	fields := log.Fields{"type": frame.Type, "event": frame.Event}

	switch frame.Type {
	case common.KindError:
		var msg common.ErrorMessage
		_ = frame.Decode(&msg)
		log.WithFields(fields).WithField("code", msg.Code).Error(msg.Message)
		return

	case common.KindChat:
		var msg common.ChatMessage
		_ = frame.Decode(&msg)
		log.WithField("from", msg.From).Info(msg.Message)
		return

	case common.KindGame:
		switch frame.Event {
		case common.EventRoomCreated, common.EventJoined:
			var msg common.RoomMessage
			if frame.Decode(&msg) == nil {
				s.setRoom(msg.RoomID)
			}
		case common.EventGameOver, common.EventOpponentLeft, common.EventRoomExpired:
			s.setRoom("")
		}

	case common.KindMatchmaking:
		if frame.Event == common.EventMatched {
			var msg common.MatchedMessage
			if frame.Decode(&msg) == nil {
				s.setRoom(msg.RoomID)
			}
		}

	case common.KindTournament:
		if frame.Event == common.EventTournamentMatch {
			var msg common.TournamentMatchMessage
			if frame.Decode(&msg) == nil {
				s.setRoom(msg.RoomID)
			}
		}
	}

	log.WithFields(fields).Info(string(frame.Data))
}

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/alejzeis/pong-arena/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Router turns inbound frames into calls on the engines. Every recoverable failure is reported
// to the sender as an error frame; nothing a client sends can take the connection down.
type Router struct {
	registry    *Registry
	rooms       *RoomManager
	matchmaker  *Matchmaker
	tournaments *TournamentEngine
	now         func() time.Time
	log         *log.Entry
}

func NewRouter(registry *Registry, rooms *RoomManager, mm *Matchmaker, tournaments *TournamentEngine) *Router {
	return &Router{
		registry:    registry,
		rooms:       rooms,
		matchmaker:  mm,
		tournaments: tournaments,
		now:         time.Now,
		log:         log.WithField("component", "router"),
	}
}

// Dispatch handles one raw frame from peer. Frames from a peer that is no longer open are
// dropped, so nothing arriving after disconnect cleanup began can touch game state.
func (rt *Router) Dispatch(ctx context.Context, peer Peer, raw []byte) {
	if !peer.IsOpen() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			rt.log.WithField("user", peer.UserID()).WithField("panic", r).Error("Recovered from panic while handling message")
			rt.reply(peer, ErrInternal)
		}
	}()

	frame, err := common.DecodeFrame(raw)
	if err != nil {
		rt.reply(peer, newError(CodeBadRequest, "malformed frame"))
		return
	}

	switch frame.Type {
	case common.KindChat:
		err = rt.handleChat(peer, frame)
	case common.KindGame:
		err = rt.handleGame(ctx, peer, frame)
	case common.KindMatchmaking:
		err = rt.handleMatchmaking(peer, frame)
	case common.KindTournament:
		err = rt.handleTournament(ctx, peer, frame)
	default:
		err = newError(CodeUnknownMessageKind, "unknown message type %q", frame.Type)
	}

	if err != nil {
		rt.reply(peer, err)
	}
}

func (rt *Router) handleChat(peer Peer, frame common.Frame) error {
	var req common.ChatRequest
	if err := decodeRequest(frame, &req); err != nil {
		return err
	}
	if req.To == 0 || req.Message == "" {
		return newError(CodeBadRequest, "chat needs a recipient and a message")
	}
	rt.registry.Notify(req.To, common.KindChat, common.EventChatMessage, common.ChatMessage{
		From:    peer.UserID(),
		Message: req.Message,
		SentAt:  rt.now(),
	})
	return nil
}

func (rt *Router) handleGame(ctx context.Context, peer Peer, frame common.Frame) error {
	uid := peer.UserID()

	switch frame.Event {
	case common.EventJoin:
		var req common.RoomRequest
		if err := decodeRequest(frame, &req); err != nil {
			return err
		}
		// a successful direct join abandons any matchmaking search, a failed one keeps it
		return rt.matchmaker.ReserveForMatch([]uint64{uid}, func() error {
			_, err := rt.rooms.Join(uid, req.RoomID)
			return err
		})

	case common.EventStart:
		req, err := roomRequest(frame)
		if err != nil {
			return err
		}
		return rt.rooms.Start(uid, req.RoomID)

	case common.EventMove:
		var req common.MoveRequest
		if err := decodeRequest(frame, &req); err != nil {
			return err
		}
		if req.RoomID == "" {
			return newError(CodeBadRequest, "roomId is required")
		}
		return rt.rooms.Move(uid, req.RoomID, req.Y)

	case common.EventBall:
		var req common.BallRequest
		if err := decodeRequest(frame, &req); err != nil {
			return err
		}
		if req.RoomID == "" {
			return newError(CodeBadRequest, "roomId is required")
		}
		return rt.rooms.Ball(uid, req.RoomID, req.Ball)

	case common.EventScore:
		var req common.ScoreRequest
		if err := decodeRequest(frame, &req); err != nil {
			return err
		}
		if req.RoomID == "" || req.Scorer == 0 {
			return newError(CodeBadRequest, "roomId and scorer are required")
		}
		return rt.rooms.Score(ctx, uid, req.RoomID, req.Scorer)

	case common.EventState:
		req, err := roomRequest(frame)
		if err != nil {
			return err
		}
		return rt.rooms.State(uid, req.RoomID)

	case common.EventLeave:
		req, err := roomRequest(frame)
		if err != nil {
			return err
		}
		return rt.rooms.Leave(ctx, uid, req.RoomID)
	}
	return unknownEvent(frame)
}

func (rt *Router) handleMatchmaking(peer Peer, frame common.Frame) error {
	uid := peer.UserID()

	switch frame.Event {
	case common.EventQueueJoin:
		return rt.matchmaker.Enqueue(uid)
	case common.EventQueueLeave:
		return rt.matchmaker.Dequeue(uid)
	case common.EventQueueStatus:
		status := rt.matchmaker.Status(uid)
		rt.registry.Notify(uid, common.KindMatchmaking, common.EventQueueStatus, common.QueueMessage{
			Queued:   status.Queued,
			Status:   status.State,
			Position: status.Position,
			WaitedMs: status.Waited.Milliseconds(),
		})
		return nil
	}
	return unknownEvent(frame)
}

func (rt *Router) handleTournament(ctx context.Context, peer Peer, frame common.Frame) error {
	uid := peer.UserID()

	switch frame.Event {
	case common.EventTournamentCreate:
		var req common.CreateTournamentRequest
		if err := decodeRequest(frame, &req); err != nil {
			return err
		}
		_, err := rt.tournaments.Create(ctx, req.Name, req.MaxPlayers, uid)
		return err

	case common.EventTournamentJoin:
		req, err := tournamentRequest(frame)
		if err != nil {
			return err
		}
		return rt.tournaments.Join(ctx, req.TournamentID, uid)

	case common.EventTournamentCurrent:
		view, err := rt.tournaments.Current(ctx)
		if err != nil {
			return err
		}
		rt.registry.Notify(uid, common.KindTournament, common.EventTournamentUpdated, view)
		return nil

	case common.EventTournamentStartRound:
		req, err := tournamentRequest(frame)
		if err != nil {
			return err
		}
		_, err = rt.tournaments.StartRound(ctx, req.TournamentID, req.Round, uid)
		return err
	}
	return unknownEvent(frame)
}

// reply sends an error frame. Anything that isn't one of our errors is logged and reported as
// an internal error so details don't leak to clients.
func (rt *Router) reply(peer Peer, err error) {
	var e *Error
	if !errors.As(err, &e) {
		rt.log.WithError(err).WithField("user", peer.UserID()).Error("Failed to handle message")
		e = ErrInternal
	} else {
		rt.log.WithError(err).WithField("user", peer.UserID()).Debug("Rejected message")
	}

	payload, encErr := common.EncodeFrame(common.KindError, "", common.ErrorMessage{Code: string(e.Code), Message: e.Message})
	if encErr != nil {
		rt.log.WithError(encErr).Error("Failed to encode error frame")
		return
	}
	if sendErr := peer.Send(payload); sendErr != nil {
		rt.log.WithError(sendErr).WithField("user", peer.UserID()).Warn("Failed to deliver error frame")
	}
}

func decodeRequest(frame common.Frame, v interface{}) error {
	if err := frame.Decode(v); err != nil {
		return newError(CodeBadRequest, "invalid %s payload: %v", frame.Type, err)
	}
	return nil
}

func roomRequest(frame common.Frame) (common.RoomRequest, error) {
	var req common.RoomRequest
	if err := decodeRequest(frame, &req); err != nil {
		return req, err
	}
	if req.RoomID == "" {
		return req, newError(CodeBadRequest, "roomId is required")
	}
	return req, nil
}

func tournamentRequest(frame common.Frame) (common.TournamentRequest, error) {
	var req common.TournamentRequest
	if err := decodeRequest(frame, &req); err != nil {
		return req, err
	}
	if req.TournamentID == "" {
		return req, newError(CodeBadRequest, "tournamentId is required")
	}
	return req, nil
}

func unknownEvent(frame common.Frame) error {
	return &Error{Code: CodeUnknownMessageKind, Message: fmt.Sprintf("unknown %s event %q", frame.Type, frame.Event)}
}

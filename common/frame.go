package common

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MessageKind is the "type" discriminator of every frame
type MessageKind string

const (
	KindChat        MessageKind = "chat"
	KindGame        MessageKind = "game"
	KindMatchmaking MessageKind = "matchmaking"
	KindTournament  MessageKind = "tournament"

	// Outbound only
	KindError    MessageKind = "error"
	KindPresence MessageKind = "userStatus"
)

// Events of the game kind. The first block is sent by clients, the second by the server.
const (
	EventJoin  = "join"
	EventStart = "start"
	EventMove  = "move"
	EventBall  = "ball"
	EventScore = "score"
	EventState = "state"
	EventLeave = "leave"

	EventRoomCreated  = "room-created"
	EventJoined       = "joined"
	EventStarted      = "started"
	EventOpponentMove = "opponent-move"
	EventGameOver     = "game-over"
	EventOpponentLeft = "opponent-left"
	EventRoomExpired  = "room-expired"
)

// Events of the matchmaking kind
const (
	EventQueueJoin   = "join"
	EventQueueLeave  = "leave"
	EventQueueStatus = "status"

	EventQueued            = "queued"
	EventDequeued          = "dequeued"
	EventMatched           = "matched"
	EventMatchmakingFailed = "matchmaking-failed"
)

// Events of the tournament kind
const (
	EventTournamentCreate     = "create"
	EventTournamentJoin       = "join"
	EventTournamentCurrent    = "current"
	EventTournamentStartRound = "start-round"

	EventTournamentCreated   = "tournament-created"
	EventTournamentUpdated   = "tournament-updated"
	EventTournamentJoined    = "tournament-joined"
	EventTournamentRound     = "tournament-round"
	EventTournamentMatch     = "tournament-match"
	EventTournamentCompleted = "tournament-completed"
)

// EventChatMessage is the event of relayed chat frames
const EventChatMessage = "message"

// Frame is the envelope of every message exchanged over the websocket
type Frame struct {
	Type  MessageKind     `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals data into a frame of the given kind and event
func EncodeFrame(kind MessageKind, event string, data interface{}) ([]byte, error) {
	frame := Frame{Type: kind, Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s/%s payload", kind, event)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// DecodeFrame parses a raw frame. The data payload is left raw, see Frame.Decode.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, errors.Wrap(err, "malformed frame")
	}
	return frame, nil
}

// Decode unmarshals the data payload into v. An absent payload leaves v untouched.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// ---- client -> server payloads ----

type ChatRequest struct {
	To      uint64 `json:"to"`
	Message string `json:"message"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type MoveRequest struct {
	RoomID string  `json:"roomId"`
	Y      float64 `json:"y"`
}

type BallRequest struct {
	RoomID string `json:"roomId"`
	Ball
}

// ScoreRequest names which player scored. Score is accepted for compatibility with older
// clients but never used: the server is the only writer of scores.
type ScoreRequest struct {
	RoomID string `json:"roomId"`
	Scorer uint64 `json:"scorer"`
	Score  *int   `json:"score,omitempty"`
}

type CreateTournamentRequest struct {
	Name       string `json:"name"`
	MaxPlayers int    `json:"maxPlayers"`
}

type TournamentRequest struct {
	TournamentID string `json:"tournamentId"`
	Round        int    `json:"round,omitempty"`
}

// ---- server -> client payloads ----

// Ball carries the ball kinematics as reported by the players
type Ball struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PresenceMessage struct {
	UserID uint64 `json:"userId"`
	Status string `json:"status"`
}

type ChatMessage struct {
	From    uint64    `json:"from"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

// RoomMessage is used by room-created, joined, started and room-expired
type RoomMessage struct {
	RoomID  string   `json:"roomId"`
	Players []uint64 `json:"players"`
}

type OpponentMoveMessage struct {
	RoomID string  `json:"roomId"`
	Player uint64  `json:"player"`
	Y      float64 `json:"y"`
}

type BallMessage struct {
	RoomID string `json:"roomId"`
	Ball
}

// ScoreMessage is used by score and game-over. Winner is only set on game-over.
type ScoreMessage struct {
	RoomID  string         `json:"roomId"`
	Players []uint64       `json:"players"`
	Scores  map[uint64]int `json:"scores"`
	Winner  uint64         `json:"winner,omitempty"`
}

type OpponentLeftMessage struct {
	RoomID string `json:"roomId"`
	Player uint64 `json:"player"`
}

type StateMessage struct {
	RoomID     string             `json:"roomId"`
	State      string             `json:"state"`
	Players    []uint64           `json:"players"`
	Scores     map[uint64]int     `json:"scores"`
	Paddles    map[uint64]float64 `json:"paddles"`
	Ball       Ball               `json:"ball"`
	Tournament string             `json:"tournamentId,omitempty"`
}

type QueueMessage struct {
	Queued   bool   `json:"queued"`
	Status   string `json:"status,omitempty"`
	Position int    `json:"position,omitempty"`
	WaitedMs int64  `json:"waitedMs"`
}

type MatchedMessage struct {
	RoomID   string   `json:"roomId"`
	Opponent uint64   `json:"opponent"`
	Players  []uint64 `json:"players"`
}

type TournamentMatchMessage struct {
	TournamentID string   `json:"tournamentId"`
	Round        int      `json:"round"`
	MatchID      string   `json:"matchId"`
	RoomID       string   `json:"roomId"`
	Opponent     uint64   `json:"opponent"`
	OpponentName string   `json:"opponentName"`
	Players      []uint64 `json:"players"`
}

type TournamentRoundMessage struct {
	TournamentID string `json:"tournamentId"`
	Round        int    `json:"round"`
}

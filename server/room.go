package server

import (
	"sync"
	"time"

	"github.com/alejzeis/pong-arena/common"
)

// RoomState is the lifecycle position of a room
type RoomState int

const (
	RoomEmpty RoomState = iota
	RoomWaiting
	RoomReady
	RoomPlaying
	RoomFinished
	// RoomClosed is terminal: the room was torn down and rejects everything
	RoomClosed
)

func (s RoomState) String() string {
	switch s {
	case RoomEmpty:
		return "empty"
	case RoomWaiting:
		return "waiting"
	case RoomReady:
		return "ready"
	case RoomPlaying:
		return "playing"
	case RoomFinished:
		return "finished"
	case RoomClosed:
		return "closed"
	}
	return "unknown"
}

// roomTransitions lists every allowed state change
var roomTransitions = map[RoomState][]RoomState{
	RoomEmpty:    {RoomWaiting, RoomClosed},
	RoomWaiting:  {RoomReady, RoomClosed},
	RoomReady:    {RoomPlaying, RoomClosed},
	RoomPlaying:  {RoomFinished, RoomClosed},
	RoomFinished: {RoomClosed},
}

const maxRoomPlayers = 2

// TournamentLink ties a room to the bracket match it plays
type TournamentLink struct {
	TournamentID string
	Round        int
	MatchID      string
}

// Room is one 1v1 match. Players are kept in canonical order: the first entrant plays left.
// All fields below mutex are only touched with it held.
type Room struct {
	ID         string
	CreatedAt  time.Time
	Tournament *TournamentLink

	mutex        sync.Mutex
	state        RoomState
	players      []uint64
	paddles      map[uint64]float64
	scores       map[uint64]int
	ball         common.Ball
	winningScore int
	startedAt    time.Time
	endedAt      time.Time
}

func newRoom(id string, winningScore int, link *TournamentLink) *Room {
	return &Room{
		ID:           id,
		CreatedAt:    time.Now(),
		Tournament:   link,
		state:        RoomEmpty,
		paddles:      make(map[uint64]float64),
		scores:       make(map[uint64]int),
		winningScore: winningScore,
	}
}

// transition is the only place the state changes. Invalid changes are rejected.
func (r *Room) transition(to RoomState) error {
	for _, allowed := range roomTransitions[r.state] {
		if allowed == to {
			r.state = to
			return nil
		}
	}
	return newError(CodeInvalidState, "room %s cannot go from %s to %s", r.ID, r.state, to)
}

func (r *Room) isParticipant(userID uint64) bool {
	for _, id := range r.players {
		if id == userID {
			return true
		}
	}
	return false
}

func (r *Room) opponentOf(userID uint64) (uint64, bool) {
	for _, id := range r.players {
		if id != userID {
			return id, true
		}
	}
	return 0, false
}

// State returns the current state
func (r *Room) State() RoomState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state
}

// Players returns the participants in canonical order
func (r *Room) Players() []uint64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]uint64(nil), r.players...)
}

// addPlayer seats the user. It returns the players after the join and whether the room just
// became ready.
func (r *Room) addPlayer(userID uint64) ([]uint64, bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	switch {
	case r.state == RoomClosed:
		return nil, false, ErrRoomNotFound
	case r.isParticipant(userID):
		return nil, false, ErrAlreadyJoined
	case len(r.players) >= maxRoomPlayers || r.state != RoomEmpty && r.state != RoomWaiting:
		return nil, false, ErrRoomFull
	}

	next := RoomWaiting
	if len(r.players) == maxRoomPlayers-1 {
		next = RoomReady
	}
	if err := r.transition(next); err != nil {
		return nil, false, err
	}
	r.players = append(r.players, userID)
	r.scores[userID] = 0
	r.paddles[userID] = 0

	return append([]uint64(nil), r.players...), next == RoomReady, nil
}

// start moves a ready room to playing. A start while already playing reports false without
// error so duplicate client sends are harmless.
func (r *Room) start(userID uint64) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.state == RoomClosed {
		return false, ErrRoomNotFound
	}
	if !r.isParticipant(userID) {
		return false, ErrNotAParticipant
	}
	return r.beginLocked()
}

// autoStart is start without a requesting player, used after a matchmaking grace delay
func (r *Room) autoStart() (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.beginLocked()
}

func (r *Room) beginLocked() (bool, error) {
	if r.state == RoomPlaying {
		return false, nil
	}
	if err := r.transition(RoomPlaying); err != nil {
		return false, err
	}
	r.startedAt = time.Now()
	return true, nil
}

// checkPlayingLocked validates an in-game event from userID and returns the opponent
func (r *Room) checkPlayingLocked(userID uint64) (uint64, error) {
	if r.state == RoomClosed {
		return 0, ErrRoomNotFound
	}
	if !r.isParticipant(userID) {
		return 0, ErrNotAParticipant
	}
	if r.state != RoomPlaying {
		return 0, newError(CodeInvalidState, "room %s is %s, not playing", r.ID, r.state)
	}
	opponent, _ := r.opponentOf(userID)
	return opponent, nil
}

// move records the user's paddle position and returns the opponent to relay it to
func (r *Room) move(userID uint64, y float64) (uint64, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	opponent, err := r.checkPlayingLocked(userID)
	if err != nil {
		return 0, err
	}
	r.paddles[userID] = y
	return opponent, nil
}

// updateBall records the ball kinematics reported by a player
func (r *Room) updateBall(userID uint64, ball common.Ball) (uint64, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	opponent, err := r.checkPlayingLocked(userID)
	if err != nil {
		return 0, err
	}
	r.ball = ball
	return opponent, nil
}

// scoreResult is a consistent view of the score right after a point
type scoreResult struct {
	Players  []uint64
	Scores   map[uint64]int
	Finished bool
	Winner   uint64
	Started  time.Time
	Ended    time.Time
}

// score adds exactly one point to scorer. Reaching the winning score finishes the room.
// announce runs before the room lock is released, so frames describing this room's points are
// queued in the same order as the points themselves.
func (r *Room) score(reporter, scorer uint64, announce func(scoreResult)) (scoreResult, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, err := r.checkPlayingLocked(reporter); err != nil {
		return scoreResult{}, err
	}
	if !r.isParticipant(scorer) {
		return scoreResult{}, newError(CodeNotAParticipant, "scorer %d is not playing in room %s", scorer, r.ID)
	}

	r.scores[scorer]++
	result := scoreResult{
		Players: append([]uint64(nil), r.players...),
		Scores:  r.scoresLocked(),
		Started: r.startedAt,
	}
	if r.scores[scorer] >= r.winningScore {
		if err := r.transition(RoomFinished); err != nil {
			return scoreResult{}, err
		}
		r.endedAt = time.Now()
		result.Finished = true
		result.Winner = scorer
		result.Ended = r.endedAt
	}
	if announce != nil {
		announce(result)
	}
	return result, nil
}

// close tears the room down. It returns the players that were seated, the state the room was in
// and the scores at that moment.
func (r *Room) close() ([]uint64, RoomState, map[uint64]int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	previous := r.state
	if previous == RoomClosed {
		return nil, previous, nil
	}
	_ = r.transition(RoomClosed)
	if r.endedAt.IsZero() {
		r.endedAt = time.Now()
	}
	return append([]uint64(nil), r.players...), previous, r.scoresLocked()
}

func (r *Room) scoresLocked() map[uint64]int {
	out := make(map[uint64]int, len(r.scores))
	for id, s := range r.scores {
		out[id] = s
	}
	return out
}

// snapshot renders the room for a state frame
func (r *Room) snapshot() common.StateMessage {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	paddles := make(map[uint64]float64, len(r.paddles))
	for id, y := range r.paddles {
		paddles[id] = y
	}
	msg := common.StateMessage{
		RoomID:  r.ID,
		State:   r.state.String(),
		Players: append([]uint64(nil), r.players...),
		Scores:  r.scoresLocked(),
		Paddles: paddles,
		Ball:    r.ball,
	}
	if r.Tournament != nil {
		msg.Tournament = r.Tournament.TournamentID
	}
	return msg
}

// expire closes the room if it was created before cutoff and is still waiting for an opponent.
// It returns the player that was left waiting.
func (r *Room) expire(cutoff time.Time) ([]uint64, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.state != RoomWaiting || !r.CreatedAt.Before(cutoff) {
		return nil, false
	}
	_ = r.transition(RoomClosed)
	r.endedAt = time.Now()
	return append([]uint64(nil), r.players...), true
}

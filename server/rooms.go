package server

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/alejzeis/pong-arena/common"
	"github.com/alejzeis/pong-arena/store"
	log "github.com/sirupsen/logrus"
)

// TournamentObserver is told when a tournament-linked room ends
type TournamentObserver interface {
	OnMatchFinished(ctx context.Context, link TournamentLink)
	OnPlayerLeft(ctx context.Context, link TournamentLink, leaver uint64, players []uint64, scores map[uint64]int)
}

// RoomManager owns the room table. The table lock only guards membership; every room carries
// its own lock for the game state, so unrelated rooms never contend.
type RoomManager struct {
	mutex      sync.RWMutex
	rooms      map[string]*Room
	playerRoom map[uint64]string // userID -> roomID

	registry     *Registry
	matches      store.MatchStore
	observer     TournamentObserver
	winningScore int
	codeLength   int
	log          *log.Entry
}

func NewRoomManager(cfg Config, registry *Registry, matches store.MatchStore) *RoomManager {
	return &RoomManager{
		rooms:        make(map[string]*Room),
		playerRoom:   make(map[uint64]string),
		registry:     registry,
		matches:      matches,
		winningScore: cfg.WinningScore,
		codeLength:   cfg.RoomCodeLength,
		log:          log.WithField("component", "rooms"),
	}
}

// SetTournamentObserver wires the tournament engine in. It must be called before serving.
func (m *RoomManager) SetTournamentObserver(observer TournamentObserver) {
	m.observer = observer
}

// Room looks a room up by code
func (m *RoomManager) Room(roomID string) (*Room, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// RoomOf returns the room the user is seated in
func (m *RoomManager) RoomOf(userID uint64) (string, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	roomID, ok := m.playerRoom[userID]
	return roomID, ok
}

// Count is the number of live rooms
func (m *RoomManager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms)
}

// Join seats the user. Without a room code a new room is created and the user waits in it.
func (m *RoomManager) Join(userID uint64, roomID string) (*Room, error) {
	if roomID == "" {
		room, err := m.CreateRoom([]uint64{userID}, nil)
		if err != nil {
			return nil, err
		}
		m.registry.Notify(userID, common.KindGame, common.EventRoomCreated, common.RoomMessage{
			RoomID:  room.ID,
			Players: room.Players(),
		})
		return room, nil
	}

	room, err := m.claim(roomID, userID)
	if err != nil {
		return nil, err
	}
	players, ready, err := room.addPlayer(userID)
	if err != nil {
		m.release(roomID, userID)
		return nil, err
	}

	m.log.WithFields(log.Fields{"room": roomID, "user": userID, "players": players}).Info("Player joined room")

	msg := common.RoomMessage{RoomID: roomID, Players: players}
	if ready {
		m.registry.NotifyAll(players, common.KindGame, common.EventJoined, msg)
	} else {
		m.registry.Notify(userID, common.KindGame, common.EventJoined, msg)
	}
	return room, nil
}

// CreateRoom creates a room seating all the players in the given order. It fails with
// AlreadyInRoom without side effects if any of them is already seated somewhere.
func (m *RoomManager) CreateRoom(players []uint64, link *TournamentLink) (*Room, error) {
	m.mutex.Lock()
	for _, id := range players {
		if _, busy := m.playerRoom[id]; busy {
			m.mutex.Unlock()
			return nil, newError(CodeAlreadyInRoom, "user %d is already in a room", id)
		}
	}
	room := newRoom(m.newRoomCodeLocked(), m.winningScore, link)
	m.rooms[room.ID] = room
	for _, id := range players {
		m.playerRoom[id] = room.ID
	}
	m.mutex.Unlock()

	for _, id := range players {
		if _, _, err := room.addPlayer(id); err != nil {
			room.close()
			m.forget(room, players)
			return nil, err
		}
	}

	fields := log.Fields{"room": room.ID, "players": players}
	if link != nil {
		fields["tournament"] = link.TournamentID
		fields["match"] = link.MatchID
	}
	m.log.WithFields(fields).Info("Room created")
	return room, nil
}

// Discard removes a room silently, used when a freshly created room turns out not to be needed
func (m *RoomManager) Discard(roomID string) {
	if room, ok := m.Room(roomID); ok {
		m.removeRoom(room)
	}
}

// Start begins the game on a player's request. Repeated starts are ignored.
func (m *RoomManager) Start(userID uint64, roomID string) error {
	room, ok := m.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	started, err := room.start(userID)
	if err != nil {
		return err
	}
	if started {
		m.announceStart(room)
	}
	return nil
}

// AutoStart begins the game without a request, after the matchmaking grace delay
func (m *RoomManager) AutoStart(roomID string) {
	room, ok := m.Room(roomID)
	if !ok {
		m.log.WithField("room", roomID).Debug("Auto start skipped, room is gone")
		return
	}
	started, err := room.autoStart()
	if err != nil {
		m.log.WithField("room", roomID).WithError(err).Debug("Auto start skipped")
		return
	}
	if started {
		m.announceStart(room)
	}
}

func (m *RoomManager) announceStart(room *Room) {
	players := room.Players()
	m.log.WithFields(log.Fields{"room": room.ID, "players": players}).Info("Game started")
	m.registry.NotifyAll(players, common.KindGame, common.EventStarted, common.RoomMessage{RoomID: room.ID, Players: players})
}

// Move updates the player's paddle and relays it to the opponent
func (m *RoomManager) Move(userID uint64, roomID string, y float64) error {
	room, ok := m.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	opponent, err := room.move(userID, y)
	if err != nil {
		return err
	}
	m.registry.Notify(opponent, common.KindGame, common.EventOpponentMove, common.OpponentMoveMessage{RoomID: roomID, Player: userID, Y: y})
	return nil
}

// Ball stores the reported ball kinematics and relays them to the opponent
func (m *RoomManager) Ball(userID uint64, roomID string, ball common.Ball) error {
	room, ok := m.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	opponent, err := room.updateBall(userID, ball)
	if err != nil {
		return err
	}
	m.registry.Notify(opponent, common.KindGame, common.EventBall, common.BallMessage{RoomID: roomID, Ball: ball})
	return nil
}

// State sends the room snapshot to the requesting participant
func (m *RoomManager) State(userID uint64, roomID string) error {
	room, ok := m.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	snapshot := room.snapshot()
	if !contains(snapshot.Players, userID) {
		return ErrNotAParticipant
	}
	m.registry.Notify(userID, common.KindGame, common.EventState, snapshot)
	return nil
}

// Score awards one point to scorer. The game ends once a player reaches the winning score.
func (m *RoomManager) Score(ctx context.Context, userID uint64, roomID string, scorer uint64) error {
	room, ok := m.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	// Session sends never block, so delivery can happen under the room lock
	result, err := room.score(userID, scorer, func(result scoreResult) {
		m.registry.NotifyAll(result.Players, common.KindGame, common.EventScore, common.ScoreMessage{
			RoomID:  roomID,
			Players: result.Players,
			Scores:  result.Scores,
		})
		if result.Finished {
			m.registry.NotifyAll(result.Players, common.KindGame, common.EventGameOver, common.ScoreMessage{
				RoomID:  roomID,
				Players: result.Players,
				Scores:  result.Scores,
				Winner:  result.Winner,
			})
		}
	})
	if err != nil {
		return err
	}

	if result.Finished {
		m.finish(ctx, room, result)
	}
	return nil
}

// finish frees the players and hands the result to persistence. The players already got
// game-over, persistence failures are only logged.
func (m *RoomManager) finish(ctx context.Context, room *Room, result scoreResult) {
	m.removeRoom(room)

	entry := m.log.WithFields(log.Fields{"room": room.ID, "winner": result.Winner, "scores": result.Scores})
	entry.Info("Game over")

	match := &store.Match{
		Player1ID:    result.Players[0],
		Player2ID:    result.Players[1],
		Player1Score: result.Scores[result.Players[0]],
		Player2Score: result.Scores[result.Players[1]],
		WinnerID:     &result.Winner,
		StartedAt:    &result.Started,
		EndedAt:      &result.Ended,
	}
	if link := room.Tournament; link != nil {
		match.ID = link.MatchID
		match.TournamentID = &link.TournamentID
		match.Round = link.Round
	}
	if matchID, err := m.matches.SaveMatch(ctx, match); err != nil {
		entry.WithError(err).Error("Failed to save match")
	} else {
		entry.WithField("match", matchID).Debug("Match saved")
	}
	for _, id := range result.Players {
		if err := m.matches.UpdateUserStats(ctx, id, id == result.Winner); err != nil {
			entry.WithError(err).WithField("user", id).Error("Failed to update user stats")
		}
	}

	if room.Tournament != nil && m.observer != nil {
		m.observer.OnMatchFinished(ctx, *room.Tournament)
	}
}

// Leave removes the user from the room, tearing it down
func (m *RoomManager) Leave(ctx context.Context, userID uint64, roomID string) error {
	room, ok := m.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	if !contains(room.Players(), userID) {
		return ErrNotAParticipant
	}
	m.teardown(ctx, room, userID)
	return nil
}

// Disconnect tears down whatever room the user was seated in
func (m *RoomManager) Disconnect(ctx context.Context, userID uint64) {
	roomID, ok := m.RoomOf(userID)
	if !ok {
		return
	}
	if room, ok := m.Room(roomID); ok {
		m.teardown(ctx, room, userID)
	}
}

func (m *RoomManager) teardown(ctx context.Context, room *Room, leaver uint64) {
	players, previous, scores := m.removeRoom(room)
	if previous == RoomClosed || previous == RoomFinished {
		return
	}

	m.log.WithFields(log.Fields{"room": room.ID, "user": leaver, "state": previous}).Info("Player left, room closed")

	for _, id := range players {
		if id != leaver {
			m.registry.Notify(id, common.KindGame, common.EventOpponentLeft, common.OpponentLeftMessage{RoomID: room.ID, Player: leaver})
		}
	}

	if room.Tournament != nil && m.observer != nil && len(players) == maxRoomPlayers {
		m.observer.OnPlayerLeft(ctx, *room.Tournament, leaver, players, scores)
	}
}

// ReapStale closes rooms whose creator has been waiting for an opponent longer than maxAge
func (m *RoomManager) ReapStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mutex.RLock()
	snapshot := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		snapshot = append(snapshot, room)
	}
	m.mutex.RUnlock()

	reaped := 0
	for _, room := range snapshot {
		players, expired := room.expire(cutoff)
		if !expired {
			continue
		}
		m.forget(room, players)
		reaped++
		m.log.WithField("room", room.ID).Info("Closed stale room")
		m.registry.NotifyAll(players, common.KindGame, common.EventRoomExpired, common.RoomMessage{RoomID: room.ID, Players: players})
	}
	return reaped
}

// claim reserves the user's seat index for roomID, failing if the user is already seated
func (m *RoomManager) claim(roomID string, userID uint64) (*Room, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if current, busy := m.playerRoom[userID]; busy {
		if current == roomID {
			return nil, ErrAlreadyJoined
		}
		return nil, ErrAlreadyInRoom
	}
	m.playerRoom[userID] = roomID
	return room, nil
}

func (m *RoomManager) release(roomID string, userID uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.playerRoom[userID] == roomID {
		delete(m.playerRoom, userID)
	}
}

// removeRoom closes the room and drops it and its seats from the table
func (m *RoomManager) removeRoom(room *Room) ([]uint64, RoomState, map[uint64]int) {
	players, previous, scores := room.close()
	m.forget(room, players)
	return players, previous, scores
}

func (m *RoomManager) forget(room *Room, players []uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.rooms[room.ID] == room {
		delete(m.rooms, room.ID)
	}
	for _, id := range players {
		if m.playerRoom[id] == room.ID {
			delete(m.playerRoom, id)
		}
	}
}

// newRoomCodeLocked generates a crypto-random room code that doesn't collide with a live room
func (m *RoomManager) newRoomCodeLocked() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for {
		buf := make([]byte, m.codeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, m.codeLength)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		if _, exists := m.rooms[string(out)]; !exists {
			return string(out)
		}
	}
}

func contains(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alejzeis/pong-arena/common"
	"github.com/alejzeis/pong-arena/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestRoomManager(t *testing.T) {
	suite.Run(t, new(RoomManagerTestSuite))
}

type RoomManagerTestSuite struct {
	suite.Suite

	env   *testEnv
	alice *fakePeer
	bob   *fakePeer
	carol *fakePeer
}

func (ts *RoomManagerTestSuite) SetupTest() {
	ts.env = newTestEnv(testConfig())
	peers := ts.env.connect(1, 2, 3)
	ts.alice, ts.bob, ts.carol = peers[0], peers[1], peers[2]
}

// playingRoom seats alice and bob in a started room
func (ts *RoomManagerTestSuite) playingRoom() string {
	room, err := ts.env.rooms.Join(1, "")
	require.NoError(ts.T(), err)
	_, err = ts.env.rooms.Join(2, room.ID)
	require.NoError(ts.T(), err)
	require.NoError(ts.T(), ts.env.rooms.Start(1, room.ID))
	return room.ID
}

func (ts *RoomManagerTestSuite) TestCreateAndJoin() {
	room, err := ts.env.rooms.Join(1, "")
	require.NoError(ts.T(), err)
	assert.Len(ts.T(), room.ID, ts.env.cfg.RoomCodeLength)

	var created common.RoomMessage
	ts.alice.last(ts.T(), common.KindGame, common.EventRoomCreated, &created)
	assert.Equal(ts.T(), room.ID, created.RoomID)

	_, err = ts.env.rooms.Join(2, room.ID)
	require.NoError(ts.T(), err)

	for _, p := range []*fakePeer{ts.alice, ts.bob} {
		var joined common.RoomMessage
		p.last(ts.T(), common.KindGame, common.EventJoined, &joined)
		assert.Equal(ts.T(), []uint64{1, 2}, joined.Players, "Both players learn the canonical order")
	}

	_, err = ts.env.rooms.Join(3, room.ID)
	assert.ErrorIs(ts.T(), err, ErrRoomFull)
	_, inRoom := ts.env.rooms.RoomOf(3)
	assert.False(ts.T(), inRoom, "A rejected join must not leave a seat behind")
}

func (ts *RoomManagerTestSuite) TestJoinRejections() {
	_, err := ts.env.rooms.Join(1, "NOPE00")
	assert.ErrorIs(ts.T(), err, ErrRoomNotFound)

	room, err := ts.env.rooms.Join(1, "")
	require.NoError(ts.T(), err)
	_, err = ts.env.rooms.Join(1, room.ID)
	assert.ErrorIs(ts.T(), err, ErrAlreadyJoined)

	other, err := ts.env.rooms.Join(2, "")
	require.NoError(ts.T(), err)
	_, err = ts.env.rooms.Join(1, other.ID)
	assert.ErrorIs(ts.T(), err, ErrAlreadyInRoom)
	_, err = ts.env.rooms.Join(1, "")
	assert.ErrorIs(ts.T(), err, ErrAlreadyInRoom)
}

func (ts *RoomManagerTestSuite) TestMoveIsRelayedToOpponentOnly() {
	roomID := ts.playingRoom()
	require.NoError(ts.T(), ts.env.rooms.Move(1, roomID, 0.5))

	var move common.OpponentMoveMessage
	ts.bob.last(ts.T(), common.KindGame, common.EventOpponentMove, &move)
	assert.Equal(ts.T(), uint64(1), move.Player)
	assert.Equal(ts.T(), 0.5, move.Y)
	assert.False(ts.T(), ts.alice.has(common.KindGame, common.EventOpponentMove))

	assert.ErrorIs(ts.T(), ts.env.rooms.Move(3, roomID, 0.1), ErrNotAParticipant)
}

func (ts *RoomManagerTestSuite) TestStateSnapshot() {
	roomID := ts.playingRoom()
	require.NoError(ts.T(), ts.env.rooms.State(2, roomID))

	var state common.StateMessage
	ts.bob.last(ts.T(), common.KindGame, common.EventState, &state)
	assert.Equal(ts.T(), "playing", state.State)
	assert.Equal(ts.T(), []uint64{1, 2}, state.Players)

	assert.ErrorIs(ts.T(), ts.env.rooms.State(3, roomID), ErrNotAParticipant)
}

func (ts *RoomManagerTestSuite) TestGameOverPersistsAndReleasesPlayers() {
	roomID := ts.playingRoom()
	ctx := context.Background()

	require.NoError(ts.T(), ts.env.rooms.Score(ctx, 2, roomID, 2))
	for i := 0; i < 3; i++ {
		require.NoError(ts.T(), ts.env.rooms.Score(ctx, 1, roomID, 1))
	}

	for _, p := range []*fakePeer{ts.alice, ts.bob} {
		var over common.ScoreMessage
		p.last(ts.T(), common.KindGame, common.EventGameOver, &over)
		assert.Equal(ts.T(), uint64(1), over.Winner)
		assert.Equal(ts.T(), map[uint64]int{1: 3, 2: 1}, over.Scores)
	}

	matches := ts.env.store.Matches()
	require.Len(ts.T(), matches, 1, "A casual match is inserted once")
	assert.Equal(ts.T(), uint64(1), matches[0].Player1ID)
	assert.Equal(ts.T(), 3, matches[0].Player1Score)
	assert.Equal(ts.T(), 1, matches[0].Player2Score)
	require.NotNil(ts.T(), matches[0].WinnerID)
	assert.Equal(ts.T(), uint64(1), *matches[0].WinnerID)
	assert.Nil(ts.T(), matches[0].TournamentID)

	winner, _ := ts.env.store.User(1)
	loser, _ := ts.env.store.User(2)
	assert.Equal(ts.T(), 1, winner.Wins)
	assert.Equal(ts.T(), 1, loser.Losses)

	_, exists := ts.env.rooms.Room(roomID)
	assert.False(ts.T(), exists)
	_, inRoom := ts.env.rooms.RoomOf(1)
	assert.False(ts.T(), inRoom, "Players are free to play again")

	assert.ErrorIs(ts.T(), ts.env.rooms.Score(ctx, 1, roomID, 1), ErrRoomNotFound)
}

func (ts *RoomManagerTestSuite) TestLeaveNotifiesOpponent() {
	roomID := ts.playingRoom()

	assert.ErrorIs(ts.T(), ts.env.rooms.Leave(context.Background(), 3, roomID), ErrNotAParticipant)
	require.NoError(ts.T(), ts.env.rooms.Leave(context.Background(), 2, roomID))

	var left common.OpponentLeftMessage
	ts.alice.last(ts.T(), common.KindGame, common.EventOpponentLeft, &left)
	assert.Equal(ts.T(), uint64(2), left.Player)
	assert.Equal(ts.T(), 0, ts.env.rooms.Count())
	assert.Empty(ts.T(), ts.env.store.Matches(), "An abandoned casual game is not recorded")
}

func (ts *RoomManagerTestSuite) TestDisconnectTearsDownRoom() {
	roomID := ts.playingRoom()
	ts.env.rooms.Disconnect(context.Background(), 1)

	assert.True(ts.T(), ts.bob.has(common.KindGame, common.EventOpponentLeft))
	_, exists := ts.env.rooms.Room(roomID)
	assert.False(ts.T(), exists)
	_, inRoom := ts.env.rooms.RoomOf(2)
	assert.False(ts.T(), inRoom)
}

func (ts *RoomManagerTestSuite) TestReapStale() {
	waiting, err := ts.env.rooms.Join(1, "")
	require.NoError(ts.T(), err)
	ready, err := ts.env.rooms.Join(2, "")
	require.NoError(ts.T(), err)
	_, err = ts.env.rooms.Join(3, ready.ID)
	require.NoError(ts.T(), err)

	assert.Equal(ts.T(), 0, ts.env.rooms.ReapStale(time.Hour))
	assert.Equal(ts.T(), 1, ts.env.rooms.ReapStale(-time.Minute), "Only the room still waiting is reaped")

	assert.True(ts.T(), ts.alice.has(common.KindGame, common.EventRoomExpired))
	_, exists := ts.env.rooms.Room(waiting.ID)
	assert.False(ts.T(), exists)
	_, inRoom := ts.env.rooms.RoomOf(1)
	assert.False(ts.T(), inRoom)
	_, exists = ts.env.rooms.Room(ready.ID)
	assert.True(ts.T(), exists)
}

func (ts *RoomManagerTestSuite) TestCreateRoomIsAtomic() {
	_, err := ts.env.rooms.Join(2, "")
	require.NoError(ts.T(), err)

	_, err = ts.env.rooms.CreateRoom([]uint64{1, 2}, nil)
	assert.ErrorIs(ts.T(), err, ErrAlreadyInRoom)
	_, inRoom := ts.env.rooms.RoomOf(1)
	assert.False(ts.T(), inRoom, "No player is claimed when one of them is busy")
	assert.Equal(ts.T(), 1, ts.env.rooms.Count())
}

// failingMatchStore fails every write
type failingMatchStore struct{}

func (failingMatchStore) SaveMatch(context.Context, *store.Match) (string, error) {
	return "", errors.New("database is down")
}

func (failingMatchStore) UpdateUserStats(context.Context, uint64, bool) error {
	return errors.New("database is down")
}

func TestGameOverSurvivesPersistenceFailure(t *testing.T) {
	cfg := testConfig()
	cfg.WinningScore = 1
	registry := NewRegistry()
	rooms := NewRoomManager(cfg, registry, failingMatchStore{})
	alice, bob := newFakePeer(1), newFakePeer(2)
	registry.Register(alice)
	registry.Register(bob)

	room, err := rooms.CreateRoom([]uint64{1, 2}, nil)
	require.NoError(t, err)
	require.NoError(t, rooms.Start(2, room.ID))
	require.NoError(t, rooms.Score(context.Background(), 2, room.ID, 2))

	var over common.ScoreMessage
	alice.last(t, common.KindGame, common.EventGameOver, &over)
	assert.Equal(t, uint64(2), over.Winner)
	assert.Equal(t, 0, rooms.Count())
}

// concurrentRoom starts a room for alice and bob with the given winning score
func concurrentRoom(t *testing.T, winningScore int) (*RoomManager, *fakePeer, string) {
	cfg := testConfig()
	cfg.WinningScore = winningScore
	env := newTestEnv(cfg)
	peers := env.connect(1, 2)

	room, err := env.rooms.CreateRoom([]uint64{1, 2}, nil)
	require.NoError(t, err)
	require.NoError(t, env.rooms.Start(1, room.ID))
	return env.rooms, peers[0], room.ID
}

// scoreConcurrently has each player report its own points from its own goroutine
func scoreConcurrently(rooms *RoomManager, roomID string, perPlayer int) {
	var wg sync.WaitGroup
	for _, id := range []uint64{1, 2} {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for i := 0; i < perPlayer; i++ {
				_ = rooms.Score(context.Background(), id, roomID, id)
			}
		}(id)
	}
	wg.Wait()
}

func TestConcurrentScoresArriveInOrder(t *testing.T) {
	rooms, alice, roomID := concurrentRoom(t, 100000)
	scoreConcurrently(rooms, roomID, 300)

	frames := alice.find(common.KindGame, common.EventScore)
	require.Len(t, frames, 600)

	previous := map[uint64]int{}
	for i, f := range frames {
		var msg common.ScoreMessage
		require.NoError(t, f.Decode(&msg))
		assert.Equal(t, i+1, msg.Scores[1]+msg.Scores[2], "Frame %d skips or repeats a point", i)
		for _, id := range []uint64{1, 2} {
			assert.GreaterOrEqual(t, msg.Scores[id], previous[id], "Score of %d went down in frame %d", id, i)
		}
		previous = msg.Scores
	}
	assert.Equal(t, map[uint64]int{1: 300, 2: 300}, previous)
}

func TestNoScoreFramesAfterGameOver(t *testing.T) {
	rooms, alice, roomID := concurrentRoom(t, 50)
	scoreConcurrently(rooms, roomID, 200)

	alice.mutex.Lock()
	frames := append([]common.Frame(nil), alice.frames...)
	alice.mutex.Unlock()

	gameOver := -1
	for i, f := range frames {
		if f.Type != common.KindGame {
			continue
		}
		switch f.Event {
		case common.EventGameOver:
			assert.Equal(t, -1, gameOver, "game-over is sent once")
			gameOver = i
		case common.EventScore:
			assert.Equal(t, -1, gameOver, "score frame %d arrived after game-over", i)
		}
	}
	require.NotEqual(t, -1, gameOver)

	var over common.ScoreMessage
	require.NoError(t, frames[gameOver].Decode(&over))
	assert.Equal(t, 50, over.Scores[over.Winner])
	assert.Equal(t, 0, rooms.Count())
}

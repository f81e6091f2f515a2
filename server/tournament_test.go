package server

import (
	"context"
	"testing"

	"github.com/alejzeis/pong-arena/common"
	"github.com/alejzeis/pong-arena/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestTournamentEngine(t *testing.T) {
	suite.Run(t, new(TournamentEngineTestSuite))
}

type TournamentEngineTestSuite struct {
	suite.Suite

	ctx context.Context
	env *testEnv
}

func (ts *TournamentEngineTestSuite) SetupTest() {
	ts.ctx = context.Background()
	cfg := testConfig()
	cfg.WinningScore = 1
	ts.env = newTestEnv(cfg)
}

func (ts *TournamentEngineTestSuite) create(size int) *store.Tournament {
	t, err := ts.env.tournaments.Create(ts.ctx, "Friday Cup", size, 100)
	require.NoError(ts.T(), err)
	return t
}

func (ts *TournamentEngineTestSuite) join(t *store.Tournament, ids ...uint64) {
	for _, id := range ids {
		require.NoError(ts.T(), ts.env.tournaments.Join(ts.ctx, t.ID, id))
	}
}

// play finishes the user's current room with the user winning
func (ts *TournamentEngineTestSuite) play(winner uint64) {
	roomID, ok := ts.env.rooms.RoomOf(winner)
	require.True(ts.T(), ok, "user %d should be seated", winner)
	require.NoError(ts.T(), ts.env.rooms.Start(winner, roomID))
	require.NoError(ts.T(), ts.env.rooms.Score(ts.ctx, winner, roomID, winner))
}

func (ts *TournamentEngineTestSuite) TestCreateValidation() {
	for _, size := range []int{0, 1, 3, 6, 128} {
		_, err := ts.env.tournaments.Create(ts.ctx, "Cup", size, 100)
		assert.ErrorIs(ts.T(), err, ErrBadRequest, "size %d", size)
	}
	_, err := ts.env.tournaments.Create(ts.ctx, "  ", 4, 100)
	assert.ErrorIs(ts.T(), err, ErrBadRequest)
}

func (ts *TournamentEngineTestSuite) TestOnlyOneActiveTournament() {
	watcher := ts.env.connect(50)[0]
	first := ts.create(4)
	assert.True(ts.T(), watcher.has(common.KindTournament, common.EventTournamentCreated))

	_, err := ts.env.tournaments.Create(ts.ctx, "Second", 4, 101)
	assert.ErrorIs(ts.T(), err, ErrTournamentAlreadyActive)

	current, err := ts.env.tournaments.Current(ts.ctx)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), first.ID, current.ID, "No second tournament may be stored")
}

func (ts *TournamentEngineTestSuite) TestJoinRejections() {
	assert.ErrorIs(ts.T(), ts.env.tournaments.Join(ts.ctx, "missing", 1), ErrTournamentNotFound)

	t := ts.create(2)
	ts.join(t, 1)
	assert.ErrorIs(ts.T(), ts.env.tournaments.Join(ts.ctx, t.ID, 1), ErrAlreadyRegistered)
	ts.join(t, 2)
	assert.ErrorIs(ts.T(), ts.env.tournaments.Join(ts.ctx, t.ID, 3), ErrTournamentClosed, "A full roster closes registration")
}

func (ts *TournamentEngineTestSuite) TestFullRosterStartsRoundOne() {
	peers := ts.env.connect(1, 2)
	t := ts.create(2)
	ts.join(t, 1, 2)

	var match common.TournamentMatchMessage
	peers[0].last(ts.T(), common.KindTournament, common.EventTournamentMatch, &match)
	assert.Equal(ts.T(), t.ID, match.TournamentID)
	assert.Equal(ts.T(), 1, match.Round)
	assert.Equal(ts.T(), uint64(2), match.Opponent)
	assert.Equal(ts.T(), "player-2", match.OpponentName)
	assert.Equal(ts.T(), []uint64{1, 2}, match.Players)

	room, ok := ts.env.rooms.Room(match.RoomID)
	require.True(ts.T(), ok)
	require.NotNil(ts.T(), room.Tournament)
	assert.Equal(ts.T(), match.MatchID, room.Tournament.MatchID)
	assert.Equal(ts.T(), RoomReady, room.State(), "Tournament rooms wait for a start request")

	stored, err := ts.env.store.Match(ts.ctx, match.MatchID)
	require.NoError(ts.T(), err)
	assert.NotNil(ts.T(), stored.StartedAt)
}

func (ts *TournamentEngineTestSuite) TestPendingMatchResumesExactlyOnce() {
	alice := ts.env.connect(1)[0]
	t := ts.create(2)
	ts.join(t, 1, 2)

	assert.False(ts.T(), alice.has(common.KindTournament, common.EventTournamentMatch), "Bob is offline, the match stays pending")
	assert.Equal(ts.T(), 0, ts.env.rooms.Count())
	pending, err := ts.env.store.PendingMatches(ts.ctx, 1)
	require.NoError(ts.T(), err)
	require.Len(ts.T(), pending, 1)

	ts.env.connect(2)
	assert.Equal(ts.T(), 1, ts.env.tournaments.ResumePendingMatches(ts.ctx, 2))
	assert.Equal(ts.T(), 0, ts.env.tournaments.ResumePendingMatches(ts.ctx, 2))
	assert.Equal(ts.T(), 0, ts.env.tournaments.ResumePendingMatches(ts.ctx, 1))
	assert.Equal(ts.T(), 0, ts.env.tournaments.SweepPending(ts.ctx))
	assert.Equal(ts.T(), 1, ts.env.rooms.Count())

	stored, err := ts.env.store.Match(ts.ctx, pending[0].ID)
	require.NoError(ts.T(), err)
	require.NotNil(ts.T(), stored.StartedAt)
	firstStart := *stored.StartedAt

	ts.env.tournaments.SweepPending(ts.ctx)
	stored, _ = ts.env.store.Match(ts.ctx, pending[0].ID)
	assert.Equal(ts.T(), firstStart, *stored.StartedAt, "The start stamp is written once")
}

func (ts *TournamentEngineTestSuite) TestBusyPlayerKeepsMatchPending() {
	ts.env.connect(1, 2, 3)
	_, err := ts.env.rooms.Join(1, "")
	require.NoError(ts.T(), err)

	t := ts.create(2)
	ts.join(t, 1, 2)
	assert.Equal(ts.T(), 1, ts.env.rooms.Count(), "Alice is busy elsewhere")

	roomID, _ := ts.env.rooms.RoomOf(1)
	require.NoError(ts.T(), ts.env.rooms.Leave(ts.ctx, 1, roomID))
	assert.Equal(ts.T(), 1, ts.env.tournaments.SweepPending(ts.ctx))
}

func (ts *TournamentEngineTestSuite) TestQueuedPlayerIsWithdrawn() {
	ts.env.connect(1, 2)
	require.NoError(ts.T(), ts.env.matchmaker.Enqueue(1))

	t := ts.create(2)
	ts.join(t, 1, 2)
	assert.Equal(ts.T(), 0, ts.env.matchmaker.Len(), "A player seated for the bracket leaves the queue")
}

func (ts *TournamentEngineTestSuite) TestBracketAdvancesToCompletion() {
	peers := ts.env.connect(1, 2, 3, 4)
	t := ts.create(4)
	ts.join(t, 1, 2, 3, 4)
	assert.Equal(ts.T(), 2, ts.env.rooms.Count())

	ts.play(1)
	assert.Equal(ts.T(), 1, ts.env.rooms.Count(), "Round 2 waits for the whole round")
	ts.play(4)

	var round common.TournamentRoundMessage
	peers[0].last(ts.T(), common.KindTournament, common.EventTournamentRound, &round)
	assert.Equal(ts.T(), 2, round.Round)

	var final common.TournamentMatchMessage
	peers[3].last(ts.T(), common.KindTournament, common.EventTournamentMatch, &final)
	assert.Equal(ts.T(), 2, final.Round)
	assert.Equal(ts.T(), []uint64{1, 4}, final.Players, "Winners meet in slot order")

	ts.play(4)

	var done common.TournamentView
	peers[1].last(ts.T(), common.KindTournament, common.EventTournamentCompleted, &done)
	assert.Equal(ts.T(), store.TournamentCompleted, done.Status)
	require.NotNil(ts.T(), done.WinnerID)
	assert.Equal(ts.T(), uint64(4), *done.WinnerID)

	_, err := ts.env.tournaments.Current(ts.ctx)
	assert.ErrorIs(ts.T(), err, ErrTournamentNotFound)

	round1, err := ts.env.store.RoundMatches(ts.ctx, t.ID, 1)
	require.NoError(ts.T(), err)
	assert.Len(ts.T(), round1, 2)
	assert.Len(ts.T(), ts.env.store.Matches(), 3, "Tournament matches are completed in place")
}

func (ts *TournamentEngineTestSuite) TestLeavingForfeits() {
	peers := ts.env.connect(1, 2)
	t := ts.create(2)
	ts.join(t, 1, 2)

	roomID, _ := ts.env.rooms.RoomOf(1)
	require.NoError(ts.T(), ts.env.rooms.Start(1, roomID))
	ts.env.rooms.Disconnect(ts.ctx, 1)

	assert.True(ts.T(), peers[1].has(common.KindGame, common.EventOpponentLeft))
	matches, err := ts.env.store.RoundMatches(ts.ctx, t.ID, 1)
	require.NoError(ts.T(), err)
	require.NotNil(ts.T(), matches[0].WinnerID)
	assert.Equal(ts.T(), uint64(2), *matches[0].WinnerID)

	stored, err := ts.env.store.Tournament(ts.ctx, t.ID)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), store.TournamentCompleted, stored.Status)

	winner, _ := ts.env.store.User(2)
	assert.Equal(ts.T(), 1, winner.Wins)
}

func (ts *TournamentEngineTestSuite) TestStartRoundOwnerOnly() {
	t := ts.create(2)
	ts.join(t, 1, 2)

	_, err := ts.env.tournaments.StartRound(ts.ctx, t.ID, 1, 1)
	assert.ErrorIs(ts.T(), err, ErrNotTournamentOwner)
	_, err = ts.env.tournaments.StartRound(ts.ctx, t.ID, 2, 100)
	assert.ErrorIs(ts.T(), err, ErrBadRequest)

	ts.env.connect(1, 2)
	started, err := ts.env.tournaments.StartRound(ts.ctx, t.ID, 0, 100)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), 1, started)
}

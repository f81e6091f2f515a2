package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestMemoryStore(t *testing.T) {
	suite.Run(t, new(MemoryStoreTestSuite))
}

type MemoryStoreTestSuite struct {
	suite.Suite

	ctx   context.Context
	store *MemoryStore
}

func (ts *MemoryStoreTestSuite) SetupTest() {
	ts.ctx = context.Background()
	ts.store = NewMemoryStore()
}

// A casual match is inserted, a tournament match is completed in place without touching its start time
func (ts *MemoryStoreTestSuite) TestSaveMatch() {
	winner := uint64(1)
	id, err := ts.store.SaveMatch(ts.ctx, &Match{Player1ID: 1, Player2ID: 2, Player1Score: 5, WinnerID: &winner})
	require.NoError(ts.T(), err)
	assert.NotEmpty(ts.T(), id)

	tid := "t1"
	ts.store.tournaments[tid] = &Tournament{ID: tid, Status: TournamentActive}
	bracket := &Match{Player1ID: 3, Player2ID: 4, TournamentID: &tid, Round: 1}
	require.NoError(ts.T(), ts.store.CreateMatches(ts.ctx, []*Match{bracket}))

	started := time.Now().Add(-time.Minute)
	ok, err := ts.store.MarkMatchStarted(ts.ctx, bracket.ID, started)
	require.NoError(ts.T(), err)
	require.True(ts.T(), ok)

	ended := time.Now()
	winner = 4
	sameID, err := ts.store.SaveMatch(ts.ctx, &Match{ID: bracket.ID, Player1ID: 3, Player2ID: 4, Player2Score: 5, WinnerID: &winner, EndedAt: &ended})
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), bracket.ID, sameID, "Completing a bracket match must update the same record")

	stored, err := ts.store.Match(ts.ctx, bracket.ID)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), 5, stored.Player2Score)
	assert.Equal(ts.T(), uint64(4), *stored.WinnerID)
	assert.True(ts.T(), started.Equal(*stored.StartedAt), "Start time must survive completion")
	assert.Len(ts.T(), ts.store.Matches(), 2)

	_, err = ts.store.SaveMatch(ts.ctx, &Match{ID: "missing"})
	assert.ErrorIs(ts.T(), err, ErrNotFound)
}

func (ts *MemoryStoreTestSuite) TestMarkMatchStartedOnce() {
	tid := "t1"
	m := &Match{Player1ID: 1, Player2ID: 2, TournamentID: &tid}
	require.NoError(ts.T(), ts.store.CreateMatches(ts.ctx, []*Match{m}))

	first, err := ts.store.MarkMatchStarted(ts.ctx, m.ID, time.Now())
	require.NoError(ts.T(), err)
	second, err := ts.store.MarkMatchStarted(ts.ctx, m.ID, time.Now().Add(time.Hour))
	require.NoError(ts.T(), err)

	assert.True(ts.T(), first)
	assert.False(ts.T(), second, "The start stamp is set at most once")
}

func (ts *MemoryStoreTestSuite) TestSingleActiveTournament() {
	first := &Tournament{Name: "spring cup", MaxPlayers: 4}
	require.NoError(ts.T(), ts.store.CreateTournament(ts.ctx, first))
	assert.NotEmpty(ts.T(), first.ID)
	assert.Equal(ts.T(), TournamentPending, first.Status)

	err := ts.store.CreateTournament(ts.ctx, &Tournament{Name: "second", MaxPlayers: 4})
	assert.ErrorIs(ts.T(), err, ErrActiveTournamentExists)

	first.Status = TournamentCompleted
	require.NoError(ts.T(), ts.store.UpdateTournament(ts.ctx, first))
	_, err = ts.store.ActiveTournament(ts.ctx)
	assert.ErrorIs(ts.T(), err, ErrNotFound)

	assert.NoError(ts.T(), ts.store.CreateTournament(ts.ctx, &Tournament{Name: "third", MaxPlayers: 2}))
}

func (ts *MemoryStoreTestSuite) TestParticipantsKeepJoinOrder() {
	t := &Tournament{Name: "cup", MaxPlayers: 4}
	require.NoError(ts.T(), ts.store.CreateTournament(ts.ctx, t))

	for i, id := range []uint64{9, 3, 7} {
		n, err := ts.store.AddParticipant(ts.ctx, t.ID, id)
		require.NoError(ts.T(), err)
		assert.Equal(ts.T(), i+1, n)
	}
	_, err := ts.store.AddParticipant(ts.ctx, t.ID, 3)
	assert.ErrorIs(ts.T(), err, ErrAlreadyRegistered)

	ids, err := ts.store.Participants(ts.ctx, t.ID)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), []uint64{9, 3, 7}, ids)
}

// Only unstarted, undecided matches of active tournaments are pending
func (ts *MemoryStoreTestSuite) TestPendingMatches() {
	t := &Tournament{Name: "cup", MaxPlayers: 4}
	require.NoError(ts.T(), ts.store.CreateTournament(ts.ctx, t))
	t.Status = TournamentActive
	require.NoError(ts.T(), ts.store.UpdateTournament(ts.ctx, t))

	winner := uint64(1)
	pending := &Match{Player1ID: 1, Player2ID: 2, TournamentID: &t.ID, Round: 2, Slot: 0}
	decided := &Match{Player1ID: 1, Player2ID: 3, TournamentID: &t.ID, Round: 1, Slot: 0, WinnerID: &winner}
	other := &Match{Player1ID: 4, Player2ID: 5, TournamentID: &t.ID, Round: 1, Slot: 1}
	require.NoError(ts.T(), ts.store.CreateMatches(ts.ctx, []*Match{pending, decided, other}))

	ms, err := ts.store.PendingMatches(ts.ctx, 1)
	require.NoError(ts.T(), err)
	require.Len(ts.T(), ms, 1)
	assert.Equal(ts.T(), pending.ID, ms[0].ID)

	_, err = ts.store.MarkMatchStarted(ts.ctx, pending.ID, time.Now())
	require.NoError(ts.T(), err)
	ms, err = ts.store.PendingMatches(ts.ctx, 1)
	require.NoError(ts.T(), err)
	assert.Empty(ts.T(), ms)
}

func (ts *MemoryStoreTestSuite) TestUserStats() {
	ts.store.PutUser(User{ID: 1, Username: "alice"})
	require.NoError(ts.T(), ts.store.UpdateUserStats(ts.ctx, 1, true))
	require.NoError(ts.T(), ts.store.UpdateUserStats(ts.ctx, 2, false))

	alice, ok := ts.store.User(1)
	require.True(ts.T(), ok)
	assert.Equal(ts.T(), 1, alice.Wins)
	bob, ok := ts.store.User(2)
	require.True(ts.T(), ok)
	assert.Equal(ts.T(), 1, bob.Losses)

	name, err := ts.store.DisplayName(ts.ctx, 1)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), "alice", name)
	name, err = ts.store.DisplayName(ts.ctx, 2)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), "player-2", name)
}

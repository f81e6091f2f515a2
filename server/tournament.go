package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alejzeis/pong-arena/common"
	"github.com/alejzeis/pong-arena/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	minTournamentPlayers = 2
	maxTournamentPlayers = 64
)

var errMatchAlreadyStarted = errors.New("match already started")

// TournamentEngine runs the single elimination bracket. All bracket transitions are serialised
// by one mutex; the bracket itself lives in the store so it survives restarts.
type TournamentEngine struct {
	mutex sync.Mutex

	store      store.Store
	registry   *Registry
	rooms      *RoomManager
	matchmaker *Matchmaker
	now        func() time.Time
	log        *log.Entry
}

func NewTournamentEngine(st store.Store, registry *Registry, rooms *RoomManager, mm *Matchmaker) *TournamentEngine {
	engine := &TournamentEngine{
		store:      st,
		registry:   registry,
		rooms:      rooms,
		matchmaker: mm,
		now:        time.Now,
		log:        log.WithField("component", "tournament"),
	}
	rooms.SetTournamentObserver(engine)
	return engine
}

// Create opens registration for a new tournament. Only one tournament may be pending or active.
func (e *TournamentEngine) Create(ctx context.Context, name string, maxPlayers int, owner uint64) (*store.Tournament, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newError(CodeBadRequest, "tournament name is required")
	}
	if !validBracketSize(maxPlayers) {
		return nil, newError(CodeBadRequest, "maxPlayers must be a power of two between %d and %d", minTournamentPlayers, maxTournamentPlayers)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	t := &store.Tournament{Name: name, MaxPlayers: maxPlayers, OwnerID: owner, Status: store.TournamentPending}
	if err := e.store.CreateTournament(ctx, t); err != nil {
		if errors.Is(err, store.ErrActiveTournamentExists) {
			return nil, ErrTournamentAlreadyActive
		}
		return nil, errors.Wrap(err, "create tournament")
	}

	e.log.WithFields(log.Fields{"tournament": t.ID, "name": t.Name, "maxPlayers": maxPlayers, "owner": owner}).Info("Tournament created")
	e.registry.BroadcastEvent(common.KindTournament, common.EventTournamentCreated, viewOf(t, nil))
	return t, nil
}

// Join registers the user. Filling the roster activates the tournament and starts round 1.
func (e *TournamentEngine) Join(ctx context.Context, tournamentID string, userID uint64) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, err := e.tournament(ctx, tournamentID)
	if err != nil {
		return err
	}
	if t.Status != store.TournamentPending {
		return ErrTournamentClosed
	}
	players, err := e.store.Participants(ctx, t.ID)
	if err != nil {
		return errors.Wrap(err, "list participants")
	}
	if contains(players, userID) {
		return ErrAlreadyRegistered
	}
	if len(players) >= t.MaxPlayers {
		return ErrTournamentFull
	}

	count, err := e.store.AddParticipant(ctx, t.ID, userID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyRegistered) {
			return ErrAlreadyRegistered
		}
		return errors.Wrap(err, "add participant")
	}
	players = append(players, userID)

	e.log.WithFields(log.Fields{"tournament": t.ID, "user": userID, "registered": count}).Info("User joined tournament")
	view := viewOf(t, players)
	e.registry.Notify(userID, common.KindTournament, common.EventTournamentJoined, view)
	e.registry.BroadcastEvent(common.KindTournament, common.EventTournamentUpdated, view)

	if count >= t.MaxPlayers {
		return e.activateLocked(ctx, t, players)
	}
	return nil
}

// StartRound retries every pending match of a round. Only the owner may ask for it; a round of 0
// means the current one.
func (e *TournamentEngine) StartRound(ctx context.Context, tournamentID string, round int, requester uint64) (int, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, err := e.tournament(ctx, tournamentID)
	if err != nil {
		return 0, err
	}
	if t.OwnerID != requester {
		return 0, ErrNotTournamentOwner
	}
	if t.Status != store.TournamentActive {
		return 0, newError(CodeInvalidState, "tournament %s is %s", t.ID, t.Status)
	}
	if round == 0 {
		round = t.CurrentRound
	}
	if round < 1 || round > t.CurrentRound {
		return 0, newError(CodeBadRequest, "round %d has not been generated", round)
	}
	return e.startRoundLocked(ctx, t, round), nil
}

// ResumePendingMatches retries the user's pending bracket matches, called when the user connects
func (e *TournamentEngine) ResumePendingMatches(ctx context.Context, userID uint64) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	pending, err := e.store.PendingMatches(ctx, userID)
	if err != nil {
		e.log.WithError(err).WithField("user", userID).Error("Failed to look up pending matches")
		return 0
	}

	started := 0
	for _, m := range pending {
		t, err := e.store.Tournament(ctx, *m.TournamentID)
		if err != nil {
			e.log.WithError(err).WithField("match", m.ID).Error("Pending match refers to an unknown tournament")
			continue
		}
		if e.tryStartLocked(ctx, t, m) {
			started++
		}
	}
	return started
}

// SweepPending retries the pending matches of the current round of the active tournament
func (e *TournamentEngine) SweepPending(ctx context.Context) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, err := e.store.ActiveTournament(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.WithError(err).Error("Failed to look up active tournament")
		}
		return 0
	}
	if t.Status != store.TournamentActive {
		return 0
	}
	return e.startRoundLocked(ctx, t, t.CurrentRound)
}

// Current returns the pending or active tournament with its roster
func (e *TournamentEngine) Current(ctx context.Context) (*common.TournamentView, error) {
	t, err := e.store.ActiveTournament(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTournamentNotFound
		}
		return nil, errors.Wrap(err, "active tournament")
	}
	players, err := e.store.Participants(ctx, t.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}
	view := viewOf(t, players)
	return &view, nil
}

// OnMatchFinished is called by the room engine once a bracket match was played out and saved
func (e *TournamentEngine) OnMatchFinished(ctx context.Context, link TournamentLink) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.advanceLocked(ctx, link.TournamentID, link.Round)
}

// OnPlayerLeft awards the match to the player who stayed and advances the bracket
func (e *TournamentEngine) OnPlayerLeft(ctx context.Context, link TournamentLink, leaver uint64, players []uint64, scores map[uint64]int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	entry := e.log.WithFields(log.Fields{"tournament": link.TournamentID, "match": link.MatchID, "leaver": leaver})

	m, err := e.store.Match(ctx, link.MatchID)
	if err != nil {
		entry.WithError(err).Error("Failed to load forfeited match")
		return
	}
	if m.WinnerID != nil {
		return
	}

	var winner uint64
	for _, id := range players {
		if id != leaver {
			winner = id
		}
	}
	if winner == 0 {
		return
	}

	ended := e.now()
	m.Player1Score = scores[m.Player1ID]
	m.Player2Score = scores[m.Player2ID]
	m.WinnerID = &winner
	m.EndedAt = &ended
	if _, err := e.store.SaveMatch(ctx, m); err != nil {
		entry.WithError(err).Error("Failed to record forfeit")
		return
	}
	for _, id := range []uint64{winner, leaver} {
		if err := e.store.UpdateUserStats(ctx, id, id == winner); err != nil {
			entry.WithError(err).WithField("user", id).Error("Failed to update user stats")
		}
	}

	entry.WithField("winner", winner).Info("Match forfeited")
	e.advanceLocked(ctx, link.TournamentID, link.Round)
}

// activateLocked closes registration and generates round 1, pairing participants in join order
func (e *TournamentEngine) activateLocked(ctx context.Context, t *store.Tournament, players []uint64) error {
	matches := pairRound(t.ID, 1, players)
	if err := e.store.CreateMatches(ctx, matches); err != nil {
		return errors.Wrap(err, "create round 1")
	}
	t.Status = store.TournamentActive
	t.CurrentRound = 1
	if err := e.store.UpdateTournament(ctx, t); err != nil {
		return errors.Wrap(err, "activate tournament")
	}

	e.log.WithFields(log.Fields{"tournament": t.ID, "matches": len(matches)}).Info("Tournament started")
	e.registry.BroadcastEvent(common.KindTournament, common.EventTournamentRound, common.TournamentRoundMessage{TournamentID: t.ID, Round: 1})
	e.startRoundLocked(ctx, t, 1)
	return nil
}

// advanceLocked generates the next round once every match of round has a winner, or completes
// the tournament when only one player is left
func (e *TournamentEngine) advanceLocked(ctx context.Context, tournamentID string, round int) {
	entry := e.log.WithFields(log.Fields{"tournament": tournamentID, "round": round})

	t, err := e.store.Tournament(ctx, tournamentID)
	if err != nil {
		entry.WithError(err).Error("Failed to load tournament")
		return
	}
	if t.Status != store.TournamentActive || t.CurrentRound != round {
		return
	}

	matches, err := e.store.RoundMatches(ctx, tournamentID, round)
	if err != nil {
		entry.WithError(err).Error("Failed to load round")
		return
	}
	winners := make([]uint64, 0, len(matches))
	for _, m := range matches {
		if m.WinnerID == nil {
			return
		}
		winners = append(winners, *m.WinnerID)
	}
	if len(winners) == 0 {
		return
	}

	if len(winners) == 1 {
		t.Status = store.TournamentCompleted
		t.WinnerID = &winners[0]
		if err := e.store.UpdateTournament(ctx, t); err != nil {
			entry.WithError(err).Error("Failed to complete tournament")
			return
		}
		entry.WithField("winner", winners[0]).Info("Tournament completed")
		players, _ := e.store.Participants(ctx, t.ID)
		e.registry.BroadcastEvent(common.KindTournament, common.EventTournamentCompleted, viewOf(t, players))
		return
	}

	next := pairRound(t.ID, round+1, winners)
	if err := e.store.CreateMatches(ctx, next); err != nil {
		entry.WithError(err).Error("Failed to create next round")
		return
	}
	t.CurrentRound = round + 1
	if err := e.store.UpdateTournament(ctx, t); err != nil {
		entry.WithError(err).Error("Failed to advance round")
		return
	}

	entry.WithField("next", t.CurrentRound).Info("Round complete")
	e.registry.BroadcastEvent(common.KindTournament, common.EventTournamentRound, common.TournamentRoundMessage{TournamentID: t.ID, Round: t.CurrentRound})
	e.startRoundLocked(ctx, t, t.CurrentRound)
}

func (e *TournamentEngine) startRoundLocked(ctx context.Context, t *store.Tournament, round int) int {
	matches, err := e.store.RoundMatches(ctx, t.ID, round)
	if err != nil {
		e.log.WithError(err).WithFields(log.Fields{"tournament": t.ID, "round": round}).Error("Failed to load round")
		return 0
	}
	started := 0
	for _, m := range matches {
		if e.tryStartLocked(ctx, t, m) {
			started++
		}
	}
	return started
}

// tryStartLocked creates the room of a pending match when both players are online and free.
// The start stamp is conditional, so however many times this runs a match gets one room.
func (e *TournamentEngine) tryStartLocked(ctx context.Context, t *store.Tournament, m *store.Match) bool {
	if !m.Pending() || t.Status != store.TournamentActive {
		return false
	}
	entry := e.log.WithFields(log.Fields{"tournament": t.ID, "round": m.Round, "match": m.ID})

	players := []uint64{m.Player1ID, m.Player2ID}
	for _, id := range players {
		if !e.registry.IsOpen(id) {
			entry.WithField("user", id).Debug("Player offline, match stays pending")
			return false
		}
	}

	link := &TournamentLink{TournamentID: t.ID, Round: m.Round, MatchID: m.ID}
	var room *Room
	err := e.matchmaker.ReserveForMatch(players, func() error {
		created, err := e.rooms.CreateRoom(players, link)
		if err != nil {
			return err
		}
		stamped, err := e.store.MarkMatchStarted(ctx, m.ID, e.now())
		if err != nil || !stamped {
			e.rooms.Discard(created.ID)
			if err == nil {
				err = errMatchAlreadyStarted
			}
			return err
		}
		room = created
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyInRoom) || errors.Is(err, errMatchAlreadyStarted) {
			entry.WithError(err).Debug("Match not started")
		} else {
			entry.WithError(err).Error("Failed to start match")
		}
		return false
	}

	entry.WithField("room", room.ID).Info("Tournament match room created")
	for i, id := range players {
		opponent := players[1-i]
		name, err := e.store.DisplayName(ctx, opponent)
		if err != nil {
			entry.WithError(err).WithField("user", opponent).Warn("Failed to resolve display name")
		}
		e.registry.Notify(id, common.KindTournament, common.EventTournamentMatch, common.TournamentMatchMessage{
			TournamentID: t.ID,
			Round:        m.Round,
			MatchID:      m.ID,
			RoomID:       room.ID,
			Opponent:     opponent,
			OpponentName: name,
			Players:      players,
		})
	}
	return true
}

func (e *TournamentEngine) tournament(ctx context.Context, id string) (*store.Tournament, error) {
	t, err := e.store.Tournament(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTournamentNotFound
		}
		return nil, errors.Wrap(err, "load tournament")
	}
	return t, nil
}

// pairRound pairs players two by two in the given order, one bracket slot per pair
func pairRound(tournamentID string, round int, players []uint64) []*store.Match {
	matches := make([]*store.Match, 0, len(players)/2)
	for i := 0; i+1 < len(players); i += 2 {
		id := tournamentID
		matches = append(matches, &store.Match{
			Player1ID:    players[i],
			Player2ID:    players[i+1],
			TournamentID: &id,
			Round:        round,
			Slot:         i / 2,
		})
	}
	return matches
}

func validBracketSize(n int) bool {
	return n >= minTournamentPlayers && n <= maxTournamentPlayers && n&(n-1) == 0
}

func viewOf(t *store.Tournament, players []uint64) common.TournamentView {
	return common.TournamentView{
		ID:           t.ID,
		Name:         t.Name,
		MaxPlayers:   t.MaxPlayers,
		OwnerID:      t.OwnerID,
		Status:       t.Status,
		CurrentRound: t.CurrentRound,
		WinnerID:     t.WinnerID,
		Players:      players,
		CreatedAt:    t.CreatedAt,
	}
}

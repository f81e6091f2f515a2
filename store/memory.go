package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. Records are copied in and out so callers
// never share state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	matches      map[string]*Match
	tournaments  map[string]*Tournament
	participants map[string][]uint64
	users        map[uint64]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches:      make(map[string]*Match),
		tournaments:  make(map[string]*Tournament),
		participants: make(map[string][]uint64),
		users:        make(map[uint64]*User),
	}
}

// PutUser seeds a user record, mostly useful for display names
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// User returns a copy of the user's stats
func (s *MemoryStore) User(userID uint64) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Matches returns copies of every stored match, oldest first
func (s *MemoryStore) Matches() []Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Match, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, copyMatch(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) SaveMatch(_ context.Context, match *Match) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if match.ID == "" {
		m := copyMatch(match)
		m.ID = uuid.NewString()
		m.CreatedAt = time.Now()
		s.matches[m.ID] = &m
		return m.ID, nil
	}

	existing, ok := s.matches[match.ID]
	if !ok {
		return "", ErrNotFound
	}
	existing.Player1Score = match.Player1Score
	existing.Player2Score = match.Player2Score
	existing.WinnerID = copyUint(match.WinnerID)
	existing.EndedAt = copyTime(match.EndedAt)
	return existing.ID, nil
}

func (s *MemoryStore) UpdateUserStats(_ context.Context, userID uint64, won bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &User{ID: userID}
		s.users[userID] = u
	}
	if won {
		u.Wins++
	} else {
		u.Losses++
	}
	return nil
}

func (s *MemoryStore) DisplayName(_ context.Context, userID uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[userID]; ok && u.Username != "" {
		return u.Username, nil
	}
	return fmt.Sprintf("player-%d", userID), nil
}

func (s *MemoryStore) CreateTournament(_ context.Context, t *Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tournaments {
		if existing.Status == TournamentPending || existing.Status == TournamentActive {
			return ErrActiveTournamentExists
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TournamentPending
	}
	t.CreatedAt = time.Now()
	cp := *t
	s.tournaments[t.ID] = &cp
	return nil
}

func (s *MemoryStore) ActiveTournament(_ context.Context) (*Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tournaments {
		if t.Status == TournamentPending || t.Status == TournamentActive {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Tournament(_ context.Context, id string) (*Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tournaments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTournament(_ context.Context, t *Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tournaments[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	cp.WinnerID = copyUint(t.WinnerID)
	s.tournaments[t.ID] = &cp
	return nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, tournamentID string, userID uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tournaments[tournamentID]; !ok {
		return 0, ErrNotFound
	}
	for _, id := range s.participants[tournamentID] {
		if id == userID {
			return 0, ErrAlreadyRegistered
		}
	}
	s.participants[tournamentID] = append(s.participants[tournamentID], userID)
	return len(s.participants[tournamentID]), nil
}

func (s *MemoryStore) Participants(_ context.Context, tournamentID string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint64(nil), s.participants[tournamentID]...), nil
}

func (s *MemoryStore) CreateMatches(_ context.Context, matches []*Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, match := range matches {
		if match.ID == "" {
			match.ID = uuid.NewString()
		}
		match.CreatedAt = now
		m := copyMatch(match)
		s.matches[m.ID] = &m
	}
	return nil
}

func (s *MemoryStore) Match(_ context.Context, id string) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyMatch(m)
	return &cp, nil
}

func (s *MemoryStore) RoundMatches(_ context.Context, tournamentID string, round int) ([]*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Match
	for _, m := range s.matches {
		if m.TournamentID != nil && *m.TournamentID == tournamentID && m.Round == round {
			cp := copyMatch(m)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (s *MemoryStore) PendingMatches(_ context.Context, userID uint64) ([]*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Match
	for _, m := range s.matches {
		if m.TournamentID == nil || !m.Involves(userID) || !m.Pending() {
			continue
		}
		t, ok := s.tournaments[*m.TournamentID]
		if !ok || t.Status != TournamentActive {
			continue
		}
		cp := copyMatch(m)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].Slot < out[j].Slot
	})
	return out, nil
}

func (s *MemoryStore) MarkMatchStarted(_ context.Context, matchID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return false, ErrNotFound
	}
	if m.StartedAt != nil {
		return false, nil
	}
	m.StartedAt = &at
	return true, nil
}

func copyMatch(m *Match) Match {
	cp := *m
	cp.WinnerID = copyUint(m.WinnerID)
	cp.StartedAt = copyTime(m.StartedAt)
	cp.EndedAt = copyTime(m.EndedAt)
	if m.TournamentID != nil {
		id := *m.TournamentID
		cp.TournamentID = &id
	}
	return cp
}

func copyUint(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Package store persists finished matches, user win/loss counters and tournament brackets.
//
// Two implementations are provided: GormStore backed by PostgreSQL, and MemoryStore used when no
// database is configured and throughout the tests.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Tournament statuses
const (
	TournamentPending   = "pending"
	TournamentActive    = "active"
	TournamentCompleted = "completed"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrActiveTournamentExists is returned by CreateTournament while another tournament is pending or active
	ErrActiveTournamentExists = errors.New("a tournament is already pending or active")
	// ErrAlreadyRegistered is returned by AddParticipant for a user that already joined the tournament
	ErrAlreadyRegistered = errors.New("user already registered for tournament")
)

// Match is a persisted match record. Tournament matches are created unstarted when their round is
// generated and later completed in place; casual matches are inserted once when they finish.
type Match struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Player1ID    uint64     `gorm:"index;not null" json:"player1Id"`
	Player2ID    uint64     `gorm:"index;not null" json:"player2Id"`
	Player1Score int        `gorm:"default:0" json:"player1Score"`
	Player2Score int        `gorm:"default:0" json:"player2Score"`
	WinnerID     *uint64    `json:"winnerId,omitempty"`
	TournamentID *string    `gorm:"index;type:varchar(36)" json:"tournamentId,omitempty"` // nil = casual match
	Round        int        `gorm:"default:0" json:"round"`
	Slot         int        `gorm:"default:0" json:"slot"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

// Involves reports whether the user is one of the two players
func (m *Match) Involves(userID uint64) bool {
	return m.Player1ID == userID || m.Player2ID == userID
}

// Opponent returns the other player of the match
func (m *Match) Opponent(userID uint64) uint64 {
	if m.Player1ID == userID {
		return m.Player2ID
	}
	return m.Player1ID
}

// Pending reports whether the match was scheduled but its room never created
func (m *Match) Pending() bool {
	return m.StartedAt == nil && m.WinnerID == nil
}

// Tournament is a single elimination bracket
type Tournament struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name         string    `gorm:"not null" json:"name"`
	MaxPlayers   int       `gorm:"not null" json:"maxPlayers"`
	OwnerID      uint64    `gorm:"not null" json:"ownerId"`
	Status       string    `gorm:"index;type:varchar(16);default:'pending'" json:"status"`
	CurrentRound int       `gorm:"default:0" json:"currentRound"`
	WinnerID     *uint64   `json:"winnerId,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// Participant records a user's registration to a tournament, in join order
type Participant struct {
	ID           uint      `gorm:"primaryKey"`
	TournamentID string    `gorm:"uniqueIndex:idx_tournament_user;type:varchar(36);not null"`
	UserID       uint64    `gorm:"uniqueIndex:idx_tournament_user;not null"`
	JoinedAt     time.Time `gorm:"autoCreateTime"`
}

// User carries the stats this service maintains for a player. Profiles live elsewhere; the
// username is only used to greet opponents.
type User struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Username string `json:"username"`
	Wins     int    `gorm:"default:0" json:"wins"`
	Losses   int    `gorm:"default:0" json:"losses"`
}

// MatchStore is the persistence collaborator of the room engine
type MatchStore interface {
	// SaveMatch inserts the match when it has no ID and returns the new ID. A match that already
	// has an ID is completed in place: scores, winner and end time are written, the start time is not.
	SaveMatch(ctx context.Context, match *Match) (string, error)
	UpdateUserStats(ctx context.Context, userID uint64, won bool) error
}

// UserStore resolves display names
type UserStore interface {
	DisplayName(ctx context.Context, userID uint64) (string, error)
}

// TournamentStore holds tournaments, their participants and bracket matches
type TournamentStore interface {
	// CreateTournament fails with ErrActiveTournamentExists while another one is pending or active
	CreateTournament(ctx context.Context, t *Tournament) error
	// ActiveTournament returns the pending or active tournament, or ErrNotFound
	ActiveTournament(ctx context.Context) (*Tournament, error)
	Tournament(ctx context.Context, id string) (*Tournament, error)
	UpdateTournament(ctx context.Context, t *Tournament) error

	// AddParticipant registers the user and returns the new participant count
	AddParticipant(ctx context.Context, tournamentID string, userID uint64) (int, error)
	// Participants returns user ids in join order
	Participants(ctx context.Context, tournamentID string) ([]uint64, error)

	CreateMatches(ctx context.Context, matches []*Match) error
	Match(ctx context.Context, id string) (*Match, error)
	// RoundMatches returns the matches of a round ordered by bracket slot
	RoundMatches(ctx context.Context, tournamentID string, round int) ([]*Match, error)
	// PendingMatches returns unstarted, undecided matches of active tournaments involving the user
	PendingMatches(ctx context.Context, userID uint64) ([]*Match, error)
	// MarkMatchStarted stamps the start time only if it was never set, reporting whether it did
	MarkMatchStarted(ctx context.Context, matchID string, at time.Time) (bool, error)
}

// Store is everything the server needs from persistence
type Store interface {
	MatchStore
	UserStore
	TournamentStore
}

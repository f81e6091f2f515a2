package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists to PostgreSQL through gorm
type GormStore struct {
	DB *gorm.DB
}

// OpenPostgres connects to the database at dsn and migrates the schema
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	s := NewGormStore(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) Migrate() error {
	if err := s.DB.AutoMigrate(&User{}, &Tournament{}, &Participant{}, &Match{}); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}
	return nil
}

func (s *GormStore) SaveMatch(ctx context.Context, match *Match) (string, error) {
	db := s.DB.WithContext(ctx)

	if match.ID == "" {
		m := *match
		m.ID = uuid.NewString()
		if err := db.Create(&m).Error; err != nil {
			return "", errors.Wrap(err, "insert match")
		}
		return m.ID, nil
	}

	res := db.Model(&Match{}).Where("id = ?", match.ID).Updates(map[string]interface{}{
		"player1_score": match.Player1Score,
		"player2_score": match.Player2Score,
		"winner_id":     match.WinnerID,
		"ended_at":      match.EndedAt,
	})
	if res.Error != nil {
		return "", errors.Wrapf(res.Error, "update match %s", match.ID)
	}
	if res.RowsAffected == 0 {
		return "", ErrNotFound
	}
	return match.ID, nil
}

func (s *GormStore) UpdateUserStats(ctx context.Context, userID uint64, won bool) error {
	column := "losses"
	u := User{ID: userID, Username: fmt.Sprintf("player-%d", userID), Losses: 1}
	if won {
		column = "wins"
		u.Wins, u.Losses = 1, 0
	}

	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{column: gorm.Expr("users."+column+" + ?", 1)}),
	}).Create(&u).Error
	return errors.Wrapf(err, "update stats of user %d", userID)
}

func (s *GormStore) DisplayName(ctx context.Context, userID uint64) (string, error) {
	var u User
	err := s.DB.WithContext(ctx).Select("username").First(&u, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && u.Username == "") {
		return fmt.Sprintf("player-%d", userID), nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "load user %d", userID)
	}
	return u.Username, nil
}

func (s *GormStore) CreateTournament(ctx context.Context, t *Tournament) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&Tournament{}).
			Where("status IN ?", []string{TournamentPending, TournamentActive}).
			Count(&active).Error; err != nil {
			return errors.Wrap(err, "count active tournaments")
		}
		if active > 0 {
			return ErrActiveTournamentExists
		}

		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Status == "" {
			t.Status = TournamentPending
		}
		return errors.Wrap(tx.Create(t).Error, "insert tournament")
	})
}

func (s *GormStore) ActiveTournament(ctx context.Context) (*Tournament, error) {
	var t Tournament
	err := s.DB.WithContext(ctx).
		Where("status IN ?", []string{TournamentPending, TournamentActive}).
		Order("created_at DESC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load active tournament")
	}
	return &t, nil
}

func (s *GormStore) Tournament(ctx context.Context, id string) (*Tournament, error) {
	var t Tournament
	err := s.DB.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load tournament %s", id)
	}
	return &t, nil
}

func (s *GormStore) UpdateTournament(ctx context.Context, t *Tournament) error {
	res := s.DB.WithContext(ctx).Model(&Tournament{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
		"status":        t.Status,
		"current_round": t.CurrentRound,
		"winner_id":     t.WinnerID,
	})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update tournament %s", t.ID)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AddParticipant(ctx context.Context, tournamentID string, userID uint64) (int, error) {
	var count int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Participant{}).
			Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyRegistered
		}
		if err := tx.Create(&Participant{TournamentID: tournamentID, UserID: userID}).Error; err != nil {
			return err
		}
		return tx.Model(&Participant{}).Where("tournament_id = ?", tournamentID).Count(&count).Error
	})
	if errors.Is(err, ErrAlreadyRegistered) {
		return 0, err
	}
	if err != nil {
		return 0, errors.Wrapf(err, "register user %d to tournament %s", userID, tournamentID)
	}
	return int(count), nil
}

func (s *GormStore) Participants(ctx context.Context, tournamentID string) ([]uint64, error) {
	var ids []uint64
	err := s.DB.WithContext(ctx).Model(&Participant{}).
		Where("tournament_id = ?", tournamentID).
		Order("joined_at ASC, id ASC").
		Pluck("user_id", &ids).Error
	return ids, errors.Wrapf(err, "list participants of %s", tournamentID)
}

func (s *GormStore) CreateMatches(ctx context.Context, matches []*Match) error {
	if len(matches) == 0 {
		return nil
	}
	for _, m := range matches {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
	}
	return errors.Wrap(s.DB.WithContext(ctx).Create(&matches).Error, "insert bracket matches")
}

func (s *GormStore) Match(ctx context.Context, id string) (*Match, error) {
	var m Match
	err := s.DB.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load match %s", id)
	}
	return &m, nil
}

func (s *GormStore) RoundMatches(ctx context.Context, tournamentID string, round int) ([]*Match, error) {
	var ms []*Match
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ? AND round = ?", tournamentID, round).
		Order("slot ASC").
		Find(&ms).Error
	return ms, errors.Wrapf(err, "load round %d of %s", round, tournamentID)
}

func (s *GormStore) PendingMatches(ctx context.Context, userID uint64) ([]*Match, error) {
	var ms []*Match
	err := s.DB.WithContext(ctx).
		Joins("JOIN tournaments ON tournaments.id = matches.tournament_id").
		Where("tournaments.status = ?", TournamentActive).
		Where("matches.started_at IS NULL AND matches.winner_id IS NULL").
		Where("(matches.player1_id = ? OR matches.player2_id = ?)", userID, userID).
		Order("matches.round ASC, matches.slot ASC").
		Find(&ms).Error
	return ms, errors.Wrapf(err, "load pending matches of user %d", userID)
}

func (s *GormStore) MarkMatchStarted(ctx context.Context, matchID string, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&Match{}).
		Where("id = ? AND started_at IS NULL", matchID).
		Update("started_at", at)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "stamp start of match %s", matchID)
	}
	return res.RowsAffected == 1, nil
}

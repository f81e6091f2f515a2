package server

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Config holds the server settings read from server.ini
type Config struct {
	Port       int
	Secret     []byte
	LogLevel   log.Level
	SendBuffer int

	WinningScore     int
	MatchmakingGrace time.Duration
	RoomCodeLength   int
	StaleRoomAfter   time.Duration
	SweepInterval    time.Duration

	// DatabaseURL selects the PostgreSQL store, empty keeps everything in memory
	DatabaseURL string
}

// DefaultConfig returns the settings used for any key missing from the file
func DefaultConfig() Config {
	return Config{
		Port:             8080,
		LogLevel:         log.DebugLevel,
		SendBuffer:       64,
		WinningScore:     5,
		MatchmakingGrace: 3 * time.Second,
		RoomCodeLength:   6,
		StaleRoomAfter:   10 * time.Minute,
		SweepInterval:    30 * time.Second,
	}
}

// LoadConfig reads the ini file and applies the PONG_JWT_SECRET and PONG_DATABASE_URL
// environment overrides
func LoadConfig(file *ini.File) (Config, error) {
	cfg := DefaultConfig()

	srv := file.Section("server")
	cfg.Port = srv.Key("port").MustInt(cfg.Port)
	cfg.Secret = []byte(srv.Key("secret").String())
	cfg.SendBuffer = srv.Key("send_buffer").MustInt(cfg.SendBuffer)
	if level := srv.Key("log_level").String(); level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return cfg, errors.Wrap(err, "invalid log_level")
		}
		cfg.LogLevel = parsed
	}

	game := file.Section("game")
	cfg.WinningScore = game.Key("winning_score").MustInt(cfg.WinningScore)
	cfg.MatchmakingGrace = game.Key("matchmaking_grace").MustDuration(cfg.MatchmakingGrace)
	cfg.RoomCodeLength = game.Key("room_code_length").MustInt(cfg.RoomCodeLength)
	cfg.StaleRoomAfter = game.Key("stale_room_after").MustDuration(cfg.StaleRoomAfter)
	cfg.SweepInterval = game.Key("sweep_interval").MustDuration(cfg.SweepInterval)

	cfg.DatabaseURL = file.Section("database").Key("dsn").String()

	if secret := os.Getenv("PONG_JWT_SECRET"); secret != "" {
		cfg.Secret = []byte(secret)
	}
	if dsn := os.Getenv("PONG_DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if len(c.Secret) == 0 {
		return errors.New("server secret must be set ([server] secret or PONG_JWT_SECRET)")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.WinningScore < 1 {
		return errors.Errorf("winning_score must be positive: %d", c.WinningScore)
	}
	if c.RoomCodeLength < 4 {
		return errors.Errorf("room_code_length must be at least 4: %d", c.RoomCodeLength)
	}
	if c.SweepInterval <= 0 || c.StaleRoomAfter <= 0 {
		return errors.New("sweep_interval and stale_room_after must be positive")
	}
	if c.SendBuffer < 1 {
		return errors.Errorf("send_buffer must be positive: %d", c.SendBuffer)
	}
	return nil
}

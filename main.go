package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alejzeis/pong-arena/client"
	"github.com/alejzeis/pong-arena/common"
	"github.com/alejzeis/pong-arena/server"
	"github.com/alejzeis/pong-arena/store"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetLevel(log.DebugLevel)

	// a missing .env is normal outside development
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment from .env")
	}

	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	var configLocation string

	root := &cobra.Command{
		Use:           common.SoftwareName,
		Short:         "Real-time multiplayer Pong: rooms, matchmaking and tournaments over websockets",
		Version:       common.SoftwareVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the game server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configLocation)
		},
	}
	fs := serverCmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.StringVarP(&configLocation, "config", "c", "", "path to the server configuration (env: SERVER_CONFIG, default server.ini)")

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Run the interactive console client",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			log.WithFields(log.Fields{
				"software": common.SoftwareName,
				"version":  common.SoftwareVersion,
				"mode":     "client",
			}).Info("Starting...")

			client.RunClient(os.Stdin, []byte(os.Getenv("PONG_JWT_SECRET")))
		},
	}

	root.AddCommand(serverCmd, clientCmd)
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetVersionTemplate(common.SoftwareName + " {{.Version}}\n")
	return root
}

func runServer(parent context.Context, configLocation string) error {
	log.WithFields(log.Fields{
		"software": common.SoftwareName,
		"version":  common.SoftwareVersion,
		"mode":     "server",
	}).Info("Starting...")

	cfg, err := server.LoadConfig(loadConfig(configLocation))
	if err != nil {
		log.WithError(err).Error("Invalid configuration")
		return err
	}
	log.SetLevel(cfg.LogLevel)

	var st store.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("Failed to open database")
			return err
		}
		log.Info("Using PostgreSQL store")
		st = gormStore
	} else {
		log.Warn("No database configured, results are kept in memory only")
		st = store.NewMemoryStore()
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.NewServer(cfg, st).Run(ctx)
}

func loadConfig(configLocation string) *ini.File {
	if configLocation == "" {
		configLocation = "server.ini"
		if os.Getenv("SERVER_CONFIG") != "" {
			configLocation = os.Getenv("SERVER_CONFIG")
		}
	}

	file, err := ini.Load(configLocation)
	if err != nil {
		log.WithField("config", configLocation).WithError(err).Error("Failed to load configuration file.")
		panic(err)
	}

	return file
}

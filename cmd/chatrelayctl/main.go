package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/models"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

type options struct {
	configPath string
	envFile    string
	dbPath     string
	server     string
	operator   string
	timeout    time.Duration
	verbose    bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "chatrelayctl",
		Short:         "Administer a chatrelay server and its database",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "config.json", "Path to configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Path to an optional .env file")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path, overrides the configured database")
	flags.StringVar(&opts.server, "server", os.Getenv("CHATRELAY_SERVER"), "Base URL of a running chatrelay server")
	flags.StringVar(&opts.operator, "operator", "chatrelayctl", "Operator name sent with state-changing requests")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP request timeout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log progress to stderr")

	root.AddCommand(
		newMigrateCmd(opts),
		newSeedCmd(opts),
		newConversationsCmd(opts),
		newStatsCmd(opts),
		newStatusCmd(opts),
		newResetCircuitCmd(opts),
		newTestWebhookCmd(opts),
	)
	return root
}

// loadConfig reads the configuration file when present, otherwise defaults
// and environment only.
func loadConfig(opts *options) (*models.Config, error) {
	path := opts.configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.dbPath != "" {
		cfg.Database.Driver = database.DriverSQLite
		cfg.Database.URL = ""
		cfg.Database.Path = opts.dbPath
	}
	return cfg, nil
}

func openStore(ctx context.Context, opts *options) (database.Store, *models.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	enc, err := database.NewEncryptorFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	store, err := database.Open(ctx, cfg.Database, enc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database %s: %w", database.DisplayLocation(cfg.Database), err)
	}
	return store, cfg, nil
}

func newLogger(opts *options, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if opts.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

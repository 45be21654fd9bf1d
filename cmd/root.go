package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cwbudde/badgerctl/internal/archive"
	"github.com/cwbudde/badgerctl/internal/config"
)

var (
	logLevel   string
	configPath string
	logger     *slog.Logger
	settings   *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "badgerctl",
	Short: "Run and supervise Badger optimization routines",
	Long: `badgerctl executes optimization routines against a controlled environment,
records every evaluation, archives the run data and exposes live control
over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		s, err := config.Load(configPath)
		if err != nil {
			return err
		}
		settings = s

		level := settings.LogLevel
		if cmd.Flags().Changed("log-level") || level == "" {
			level = logLevel
		}
		logger = newLogger(level)
		slog.SetDefault(logger)
		return nil
	},
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: l}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(handler)
}

// openArchive opens the run index and the file archive rooted at the
// configured archive directory. The returned close function releases the index.
func openArchive(s *config.Settings) (*archive.FSArchive, func(), error) {
	index, err := archive.OpenIndex(s.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open run index: %w", err)
	}
	arch, err := archive.NewFSArchive(s.ArchiveRoot, index)
	if err != nil {
		index.Close()
		return nil, nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return arch, func() { index.Close() }, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "badger.yaml", "Settings file (missing file uses defaults)")
}

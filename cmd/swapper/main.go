package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := loadDotEnv(); err != nil {
		log.Fatal(err)
	}

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadDotEnv reads .env files into the environment. Missing files are
// skipped; variables already set win.
func loadDotEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "swapper",
		Usage: "Resilient Solana swap submission CLI",
		Description: `Quotes a token swap, sizes its compute budget by simulation, and drives the
signed transaction to a confirmed, rejected, or explicitly ambiguous outcome.

Configuration is read from the environment (and a .env file if present).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			swapCommand(),
			quoteCommand(),
			statusCommand(),
			tableCommand(),
		},
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

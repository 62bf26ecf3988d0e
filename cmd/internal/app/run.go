package app

import (
	"context"
	"errors"
	"io/fs"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Run is the CLI entrypoint used by cmd/huddle.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	// Real environment variables win over .env entries.
	envErr := godotenv.Load()

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		log.Warn("config.dotenv.fail", "err", envErr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

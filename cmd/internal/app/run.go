package app

import (
	"context"
)

// Run loads configuration, builds the App and serves until ctx is done.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(ctx context.Context) error {
	if err := LoadDotEnv(); err != nil {
		return err
	}
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// RunMigrate applies the embedded Postgres schema and exits.
func RunMigrate(ctx context.Context) error {
	if err := LoadDotEnv(); err != nil {
		return err
	}
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		return errMissingDatabaseURL
	}
	return Migrate(ctx, cfg, log)
}

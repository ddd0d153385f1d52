package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/database"
	"github.com/stemsi/exstem-agent/internal/repository"
)

// openStore opens the durable store selected by STORE_DRIVER. The returned
// close function is always safe to call.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (repository.KV, func(), error) {
	switch cfg.StoreDriver {
	case "redis":
		rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, func() {}, err
		}
		return repository.NewRedisKV(rdb), func() { _ = rdb.Close() }, nil

	case "sqlite":
		db, err := database.OpenSQLite(cfg.SQLitePath, log)
		if err != nil {
			return nil, func() {}, err
		}
		if err := database.MigrateUp(db, log); err != nil {
			_ = db.Close()
			return nil, func() {}, err
		}
		return repository.NewSQLiteKV(db), func() { _ = db.Close() }, nil

	case "memory":
		log.Warn().Msg("Using in-memory store, offline answers will not survive a restart")
		return repository.NewMemoryKV(), func() {}, nil
	}
	return nil, func() {}, fmt.Errorf("unknown STORE_DRIVER %q (want redis, sqlite or memory)", cfg.StoreDriver)
}

// accessToken returns the attempt's API token from the flag, the environment
// or, on a terminal, an interactive prompt.
func accessToken(flagValue string, cfg *config.Config) (string, error) {
	if t := strings.TrimSpace(flagValue); t != "" {
		return t, nil
	}
	if cfg.AccessToken != "" {
		return cfg.AccessToken, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("ACCESS_TOKEN is not set")
	}

	fmt.Fprint(os.Stderr, "Access token: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read access token: %w", err)
	}
	t := strings.TrimSpace(string(raw))
	if t == "" {
		return "", fmt.Errorf("access token cannot be empty")
	}
	return t, nil
}

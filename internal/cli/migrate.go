package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/database"
	"github.com/stemsi/exstem-agent/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <up|down|version|force N>",
	Short: "Manage the SQLite store schema",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.OpenSQLite(cfg.SQLitePath, log)
	if err != nil {
		return err
	}
	m, err := database.Migrator(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("up failed: %w", err)
		}
		fmt.Fprintln(out, "Migrated up successfully")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("down failed: %w", err)
		}
		fmt.Fprintln(out, "Migrated down successfully")
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(out, "No migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("version failed: %w", err)
		}
		fmt.Fprintf(out, "Version: %d, Dirty: %t\n", version, dirty)
	case "force":
		if len(args) < 2 {
			return errors.New("force requires version argument")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version: %w", err)
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
		fmt.Fprintf(out, "Forced version to %d\n", v)
	default:
		return fmt.Errorf("unknown migrate command %q (want up, down, version or force)", args[0])
	}
	return nil
}

package database

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestMigrateUpCreatesSchema(t *testing.T) {
	db, err := OpenSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := MigrateUp(db, zerolog.Nop()); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	// Second run is a no-op.
	if err := MigrateUp(db, zerolog.Nop()); err != nil {
		t.Fatalf("MigrateUp again: %v", err)
	}

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'durable_entries'`).Scan(&n)
	if err != nil {
		t.Fatalf("query schema: %v", err)
	}
	if n != 1 {
		t.Fatalf("durable_entries tables = %d, want 1", n)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("  ", zerolog.Nop()); err == nil {
		t.Fatal("expected error for blank path")
	}
}

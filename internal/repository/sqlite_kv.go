package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteKV stores entries in the durable_entries table created by the
// embedded migrations.
type SQLiteKV struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteKV wraps a migrated database.
func NewSQLiteKV(db *sql.DB) *SQLiteKV {
	return &SQLiteKV{db: db, now: time.Now}
}

func (s *SQLiteKV) Put(ctx context.Context, namespace, field string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO durable_entries (namespace, field, payload, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, field) DO UPDATE
		 SET payload = excluded.payload, updated_at = excluded.updated_at`,
		namespace, field, payload, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", namespace, err)
	}
	return nil
}

func (s *SQLiteKV) Get(ctx context.Context, namespace, field string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM durable_entries WHERE namespace = ? AND field = ?`,
		namespace, field,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlite get %s: %w", namespace, err)
	}
	return payload, nil
}

func (s *SQLiteKV) Delete(ctx context.Context, namespace, field string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM durable_entries WHERE namespace = ? AND field = ?`, namespace, field)
	if err != nil {
		return fmt.Errorf("sqlite delete %s: %w", namespace, err)
	}
	return nil
}

func (s *SQLiteKV) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, payload FROM durable_entries WHERE namespace = ? ORDER BY updated_at, field`, namespace)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			field   string
			payload []byte
		)
		if err := rows.Scan(&field, &payload); err != nil {
			return nil, fmt.Errorf("sqlite scan %s: %w", namespace, err)
		}
		out[field] = payload
	}
	return out, rows.Err()
}

func (s *SQLiteKV) Namespaces(ctx context.Context, pattern string) ([]string, error) {
	like := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `*`, `%`).Replace(pattern)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT namespace FROM durable_entries WHERE namespace LIKE ? ESCAPE '\' ORDER BY namespace`, like)
	if err != nil {
		return nil, fmt.Errorf("sqlite namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

//go:build sqlite
// +build sqlite

package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "quotecast/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscribers (
	canonical    TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	identity     TEXT NOT NULL,
	pos          INTEGER NOT NULL
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("roster.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT display_name, identity FROM subscribers ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.DisplayName, &sub.Identity); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers`).Scan(&n)
	return n, err
}

func (s *sqliteStore) Remove(ctx context.Context, identity string) (Subscriber, error) {
	want := CanonicalIdentity(identity)

	var sub Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, identity FROM subscribers WHERE canonical = ?`, want,
	).Scan(&sub.DisplayName, &sub.Identity)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE canonical = ?`, want); err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

func (s *sqliteStore) Add(ctx context.Context, sub Subscriber) error {
	want := CanonicalIdentity(sub.Identity)
	if want == "" {
		return errors.New("subscriber identity has no digits")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(canonical, display_name, identity, pos)
		 VALUES(?, ?, ?, COALESCE((SELECT MAX(pos) FROM subscribers), 0) + 1)`,
		want, sub.DisplayName, sub.Identity,
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrExists
	}
	return err
}

package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			hostname TEXT NOT NULL,
			username TEXT NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			clearance TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			cookies_json TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (hostname, username)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			time INTEGER NOT NULL,
			site TEXT NOT NULL,
			username TEXT NOT NULL,
			item_id TEXT NOT NULL DEFAULT '',
			price REAL NOT NULL DEFAULT 0,
			payload_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_time ON history(time);`,
		`CREATE INDEX IF NOT EXISTS idx_history_site_user ON history(site, username);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

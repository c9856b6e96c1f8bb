// Package sqlite persists the API key registry in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ds2openai/internal/apikey"
)

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NULL,
	active INTEGER NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS api_key_accounts (
	key_id TEXT NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	email TEXT NOT NULL,
	password TEXT NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	added_at TEXT NOT NULL,
	PRIMARY KEY (key_id, email)
);
CREATE INDEX IF NOT EXISTS idx_api_key_accounts_email ON api_key_accounts(email);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate registry schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) ([]apikey.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, expires_at, active, usage_count FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	var keys []apikey.APIKey
	index := map[string]int{}
	for rows.Next() {
		var (
			k         apikey.APIKey
			createdAt string
			expiresAt sql.NullString
			active    int
		)
		if err := rows.Scan(&k.ID, &k.Name, &createdAt, &expiresAt, &active, &k.UsageCount); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if k.CreatedAt, err = parseTime(createdAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if expiresAt.Valid {
			t, err := parseTime(expiresAt.String)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			k.ExpiresAt = &t
		}
		k.Active = active != 0
		k.Accounts = []apikey.Binding{}
		index[k.ID] = len(keys)
		keys = append(keys, k)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT key_id, email, password, token, added_at FROM api_key_accounts ORDER BY key_id, position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			keyID   string
			b       apikey.Binding
			addedAt string
		)
		if err := rows.Scan(&keyID, &b.Email, &b.Password, &b.Token, &addedAt); err != nil {
			return nil, err
		}
		if b.AddedAt, err = parseTime(addedAt); err != nil {
			return nil, err
		}
		if i, ok := index[keyID]; ok {
			keys[i].Accounts = append(keys[i].Accounts, b)
		}
	}
	return keys, rows.Err()
}

// Save replaces the stored key set in one transaction.
func (s *Store) Save(ctx context.Context, keys []apikey.APIKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM api_key_accounts`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM api_keys`); err != nil {
		return err
	}
	keyStmt, err := tx.PrepareContext(ctx, `INSERT INTO api_keys (id, name, created_at, expires_at, active, usage_count) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer keyStmt.Close()
	accStmt, err := tx.PrepareContext(ctx, `INSERT INTO api_key_accounts (key_id, position, email, password, token, added_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer accStmt.Close()
	for _, k := range keys {
		var expires any
		if k.ExpiresAt != nil {
			expires = formatTime(*k.ExpiresAt)
		}
		active := 0
		if k.Active {
			active = 1
		}
		if _, err := keyStmt.ExecContext(ctx, k.ID, k.Name, formatTime(k.CreatedAt), expires, active, k.UsageCount); err != nil {
			return fmt.Errorf("insert key: %w", err)
		}
		for i, b := range k.Accounts {
			if _, err := accStmt.ExecContext(ctx, k.ID, i, b.Email, b.Password, b.Token, formatTime(b.AddedAt)); err != nil {
				return fmt.Errorf("insert binding: %w", err)
			}
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func ensureParentDir(path string) error {
	if path == "" || strings.HasPrefix(path, ":memory:") || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

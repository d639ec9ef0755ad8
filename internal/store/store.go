// Package store persists the hub's block command history to SQLite so that
// get_block_history survives hub restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shellfleet/shellfleet/internal/proto"
)

// Store provides block command history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the block_commands table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS block_commands (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			issued_by TEXT NOT NULL DEFAULT '',
			affected TEXT NOT NULL DEFAULT '[]',
			issued_at TEXT NOT NULL,
			expires_at TEXT NOT NULL DEFAULT '',
			retired INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_block_commands_issued_at ON block_commands(issued_at);
	`)
	return err
}

// Append records a newly issued block command.
func (s *Store) Append(cmd proto.BlockCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected, err := json.Marshal(cmd.Affected)
	if err != nil {
		return fmt.Errorf("marshal affected set: %w", err)
	}
	expires := ""
	if cmd.ExpiresAt != nil {
		expires = cmd.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO block_commands
			(id, kind, reason, issued_by, affected, issued_at, expires_at, retired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.Kind, cmd.Reason, cmd.IssuedBy, string(affected),
		cmd.IssuedAt.UTC().Format(time.RFC3339Nano), expires, boolToInt(cmd.Retired),
	)
	if err != nil {
		return fmt.Errorf("insert block command: %w", err)
	}
	return nil
}

// UpdateAffected rewrites a command's affected set and retired flag after an
// unblock removes sessions from its effect.
func (s *Store) UpdateAffected(id string, affected []string, retired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(affected)
	if err != nil {
		return fmt.Errorf("marshal affected set: %w", err)
	}
	_, err = s.db.Exec(
		"UPDATE block_commands SET affected = ?, retired = ? WHERE id = ?",
		string(data), boolToInt(retired), id,
	)
	if err != nil {
		return fmt.Errorf("update block command: %w", err)
	}
	return nil
}

// History returns recorded block commands, newest first, up to limit
// (0 = all).
func (s *Store) History(limit int) ([]proto.BlockCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, kind, reason, issued_by, affected, issued_at, expires_at, retired FROM block_commands ORDER BY issued_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var cmds []proto.BlockCommand
	for rows.Next() {
		var (
			cmd      proto.BlockCommand
			affected string
			issuedAt string
			expires  string
			retired  int
		)
		if err := rows.Scan(&cmd.ID, &cmd.Kind, &cmd.Reason, &cmd.IssuedBy, &affected, &issuedAt, &expires, &retired); err != nil {
			return nil, fmt.Errorf("scan block command: %w", err)
		}
		if err := json.Unmarshal([]byte(affected), &cmd.Affected); err != nil {
			return nil, fmt.Errorf("unmarshal affected set: %w", err)
		}
		if cmd.IssuedAt, err = time.Parse(time.RFC3339Nano, issuedAt); err != nil {
			return nil, fmt.Errorf("parse issued_at: %w", err)
		}
		if expires != "" {
			t, err := time.Parse(time.RFC3339Nano, expires)
			if err != nil {
				return nil, fmt.Errorf("parse expires_at: %w", err)
			}
			cmd.ExpiresAt = &t
		}
		cmd.Retired = retired != 0
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	if cmds == nil {
		cmds = []proto.BlockCommand{}
	}
	return cmds, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package store persists the usage ledger and user BYOK key records in
// sqlite. The routing core only reads counters and appends usage rows; the
// application layer owns everything else about the user.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNoUserKey = errors.New("no stored user key")

type Store struct {
	db *sql.DB
}

type UserKeyRecord struct {
	EncryptedKey string
	Last4        string
}

type UsageRecord struct {
	UserID     string
	ModelUsed  string // "<source>:<model>" label
	ActionType string
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(sqlite): %w", err)
	}
	// A single writer is plenty here; WAL keeps budget reads from blocking it.
	db.SetMaxOpenConns(1)
	_, _ = db.Exec(`PRAGMA journal_mode=WAL`)
	_, _ = db.Exec(`PRAGMA busy_timeout=5000`)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			model_used TEXT NOT NULL,
			action_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_created_at ON usage_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created ON usage_logs(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS user_ai_keys (
			user_id TEXT PRIMARY KEY,
			encrypted_key TEXT NOT NULL,
			key_last4 TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertUsage appends one ledger row. Timestamps are stored in UTC so the
// daily budget window is a plain range query.
func (s *Store) InsertUsage(ctx context.Context, rec UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_logs (user_id, model_used, action_type, created_at) VALUES (?, ?, ?, ?)`,
		rec.UserID, rec.ModelUsed, rec.ActionType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// CountPlatformUsageSince counts platform-credential requests at or after t.
// BYOK-served requests carry a "byok:" label and never count against the
// shared budget.
func (s *Store) CountPlatformUsageSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE created_at >= ? AND model_used LIKE 'platform:%'`,
		t.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count platform usage: %w", err)
	}
	return n, nil
}

func (s *Store) CountUserPlatformUsageSince(ctx context.Context, userID string, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE user_id = ? AND created_at >= ? AND model_used LIKE 'platform:%'`,
		userID, t.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user platform usage: %w", err)
	}
	return n, nil
}

func (s *Store) GetUserKey(ctx context.Context, userID string) (UserKeyRecord, error) {
	var rec UserKeyRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_key, key_last4 FROM user_ai_keys WHERE user_id = ?`,
		userID).Scan(&rec.EncryptedKey, &rec.Last4)
	if errors.Is(err, sql.ErrNoRows) {
		return UserKeyRecord{}, ErrNoUserKey
	}
	if err != nil {
		return UserKeyRecord{}, fmt.Errorf("get user key: %w", err)
	}
	return rec, nil
}

func (s *Store) UpsertUserKey(ctx context.Context, userID string, rec UserKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_ai_keys (user_id, encrypted_key, key_last4, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			encrypted_key = excluded.encrypted_key,
			key_last4 = excluded.key_last4,
			updated_at = excluded.updated_at`,
		userID, rec.EncryptedKey, rec.Last4, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert user key: %w", err)
	}
	return nil
}

func (s *Store) DeleteUserKey(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_ai_keys WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user key: %w", err)
	}
	return nil
}

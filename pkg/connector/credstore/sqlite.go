// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aiku/wahook/pkg/connector/protocol"
	_ "modernc.org/sqlite"
)

// DefaultSessionName is the row key used when only one session exists.
const DefaultSessionName = "default"

// SQLiteStore keeps credentials in a single-row-per-session SQLite table.
type SQLiteStore struct {
	db      *sql.DB
	session string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath, session string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path must not be empty")
	}
	if session == "" {
		session = DefaultSessionName
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The lifecycle manager is the only writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, session: session}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS credentials (
		session    TEXT PRIMARY KEY,
		device_id  TEXT NOT NULL,
		material   BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*protocol.Credentials, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, material, updated_at FROM credentials WHERE session = ?`, s.session)

	var creds protocol.Credentials
	var updatedAt int64
	err := row.Scan(&creds.DeviceID, &creds.Material, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}
	if creds.Material == nil {
		creds.Material = []byte{}
	}
	creds.UpdatedAt = time.UnixMilli(updatedAt)
	return &creds, nil
}

func (s *SQLiteStore) Save(ctx context.Context, creds *protocol.Credentials) error {
	if creds == nil {
		return fmt.Errorf("refusing to save nil credentials")
	}
	material := creds.Material
	if material == nil {
		material = []byte{}
	}
	updatedAt := creds.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO credentials (session, device_id, material, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session) DO UPDATE SET
		device_id = excluded.device_id,
		material = excluded.material,
		updated_at = excluded.updated_at`,
		s.session, creds.DeviceID, material, updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE session = ?`, s.session).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count credentials: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE session = ?`, s.session); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

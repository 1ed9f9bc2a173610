package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CredentialKey is the fixed row key of the persisted session credential.
const CredentialKey = "echat_token"

var ErrNoCredential = errors.New("no stored credential")

type DB struct {
	conn *sql.DB
	path string
}

// Credential is the only state the client persists across restarts.
type Credential struct {
	Token   string
	UserID  int
	Email   string
	SavedAt time.Time
}

func New(path string) (*DB, error) {
	if !strings.HasPrefix(path, ":memory:") && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: :memory: databases are per connection and the store
	// only ever touches a single row.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-2000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		email TEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveCredential replaces the stored credential.
func (db *DB) SaveCredential(c Credential) error {
	if c.Token == "" {
		return fmt.Errorf("refusing to store empty token")
	}
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}

	_, err := db.conn.Exec(`
		INSERT INTO credentials (key, access_token, user_id, email, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			access_token = excluded.access_token,
			user_id = excluded.user_id,
			email = excluded.email,
			saved_at = excluded.saved_at
	`, CredentialKey, c.Token, c.UserID, c.Email, c.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// LoadCredential returns ErrNoCredential when nothing is stored.
func (db *DB) LoadCredential() (*Credential, error) {
	var c Credential
	err := db.conn.QueryRow(
		"SELECT access_token, user_id, email, saved_at FROM credentials WHERE key = ?",
		CredentialKey,
	).Scan(&c.Token, &c.UserID, &c.Email, &c.SavedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &c, nil
}

func (db *DB) ClearCredential() error {
	if _, err := db.conn.Exec("DELETE FROM credentials WHERE key = ?", CredentialKey); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Close() error {
	return db.conn.Close()
}

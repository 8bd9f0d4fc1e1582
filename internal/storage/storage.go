// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the atomicmesh daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "atomicmesh.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Tracked swap legs
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		chain TEXT NOT NULL,
		network TEXT NOT NULL,

		-- Agreed contract parameters, wire-form JSON
		params TEXT NOT NULL,

		-- Materialized instance
		program TEXT NOT NULL,
		address TEXT NOT NULL,
		lock_id TEXT,

		-- Known secret, hex, empty until revealed or for the counterparty leg
		secret TEXT,

		fund_txid TEXT,
		claim_txid TEXT,
		refund_txid TEXT,
		funded_head INTEGER DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_state ON swaps(state);
	CREATE INDEX IF NOT EXISTS idx_swaps_chain ON swaps(chain);

	-- Built swap transactions, kept for rebroadcast after restart
	CREATE TABLE IF NOT EXISTS swap_transactions (
		id TEXT PRIMARY KEY,
		swap_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		chain TEXT NOT NULL,
		network TEXT NOT NULL,
		status TEXT NOT NULL,
		raw TEXT NOT NULL,
		txid TEXT,
		fee INTEGER DEFAULT 0,
		min_broadcast_head INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (swap_id) REFERENCES swaps(id)
	);

	CREATE INDEX IF NOT EXISTS idx_swap_txs_swap ON swap_transactions(swap_id);
	CREATE INDEX IF NOT EXISTS idx_swap_txs_status ON swap_transactions(status);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SetSetting stores a key-value setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting retrieves a setting value.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

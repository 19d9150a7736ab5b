// Package storage persists swaps. The default store is SQLite; a bbolt store
// is available for deployments that want a single-file key/value database.
//
// Swaps are saved whole at every state transition and are never deleted.
// Secrets are kept apart from the swap rows.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/swapd/internal/swap"
)

// Store errors
var (
	ErrSwapNotFound  = errors.New("swap not found")
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrInvalidRecord = errors.New("invalid swap record")
)

// Store is the swap persistence contract used by the manager.
type Store interface {
	// SaveSwap creates or replaces the record with r.ID.
	SaveSwap(r swap.Record) error
	GetSwap(id uint64) (swap.Record, error)
	// ListActiveSwaps returns the swaps that still need watches after a
	// restart, oldest first.
	ListActiveSwaps() ([]swap.Record, error)
	// ListSwaps returns up to limit swaps, newest first. limit <= 0 means
	// all of them.
	ListSwaps(limit int) ([]swap.Record, error)
	// NextSwapID reserves a new swap id. Ids are never reused.
	NextSwapID() (uint64, error)
	Close() error
}

// Config holds storage configuration.
type Config struct {
	// Driver is "sqlite" (default) or "bolt".
	Driver  string
	DataDir string
}

// Open opens the store selected by cfg.Driver.
func Open(cfg *Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return New(cfg)
	case "bolt":
		return NewBolt(cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

// Storage is the SQLite store.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

var _ Store = (*Storage)(nil)

// New opens (or creates) the SQLite database in cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "swapd.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
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

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- One row per swap, rewritten at every state transition.
	CREATE TABLE IF NOT EXISTS swaps (
		id INTEGER PRIMARY KEY,
		is_initiator INTEGER NOT NULL DEFAULT 0,

		symbol TEXT NOT NULL,
		sold_currency TEXT NOT NULL,
		sold_amount INTEGER NOT NULL,
		purchased_currency TEXT NOT NULL,
		purchased_amount INTEGER NOT NULL,

		-- Negotiated terms and lock times (JSON)
		terms TEXT NOT NULL,
		lock_times TEXT NOT NULL,
		scheme TEXT NOT NULL,
		secret_hash TEXT,

		status INTEGER NOT NULL DEFAULT 0,
		flags INTEGER NOT NULL DEFAULT 0,

		-- Parties (JSON)
		local TEXT NOT NULL,
		remote TEXT NOT NULL,

		redeem_txid TEXT,
		refund_txid TEXT,
		party_redeem_txid TEXT,
		cancel_reason TEXT,

		-- Whether the swap still needs watches after a restart
		active INTEGER NOT NULL DEFAULT 1,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_active ON swaps(active);
	CREATE INDEX IF NOT EXISTS idx_swaps_updated ON swaps(updated_at);

	-- Secrets table (separate for security)
	CREATE TABLE IF NOT EXISTS secrets (
		swap_id INTEGER PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		secret TEXT NOT NULL,
		revealed_at INTEGER NOT NULL,

		FOREIGN KEY (swap_id) REFERENCES swaps(id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

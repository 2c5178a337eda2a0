// Package db is the durable store for contributor progress and recordings.
//
// A single SQLite database (optionally encrypted with SQLCipher) holds one row
// per contributor and one row per uploaded recording. Progress rows change
// only through conditional updates; see AdvanceProgress.
package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/kuitang/readaloud/internal/errs"
)

const (
	// DefaultPath is the database file used when none is configured.
	DefaultPath = "./data/readaloud.db"

	// KeySize is the SQLCipher raw key length in bytes.
	KeySize = 32

	// MaxOpenConns bounds the pool. SQLite is single-writer, so high
	// connection counts only add lock contention.
	MaxOpenConns = 8

	// MaxIdleConns is the number of idle pooled connections.
	MaxIdleConns = 2
)

var (
	// ErrNotFound is returned when no row matches a lookup.
	ErrNotFound = errors.New("db: not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("db: duplicate")
)

// Options configures Open.
type Options struct {
	// Path is the database file. Parent directories are created.
	Path string
	// Key enables SQLCipher encryption when non-empty. Must be KeySize bytes.
	Key []byte
}

// Store wraps the sql.DB holding the users and recordings tables.
type Store struct {
	db *sql.DB
}

// NewFromSQL wraps an already-open database. The schema must exist.
func NewFromSQL(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// DB returns the underlying sql.DB for direct access when needed.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Open opens (creating if needed) the database file, applies the schema and
// runs migrations.
func Open(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn, err := keyedDSN(path, opts.Key)
	if err != nil {
		return nil, err
	}
	dsn = appendSQLiteParams(dsn, sqliteCommonParams())

	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(MaxOpenConns)
	sqlDB.SetMaxIdleConns(MaxIdleConns)

	store, err := initialize(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// OpenInMemory opens a named shared-cache in-memory database. Connections
// are capped at one so every caller sees the same tables.
func OpenInMemory(name string, key []byte) (*Store, error) {
	if name == "" {
		name = "readaloud"
	}
	dsn, err := keyedDSN(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), key)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	store, err := initialize(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return store, nil
}

func initialize(sqlDB *sql.DB) (*Store, error) {
	// Fails here, not on first query, when the SQLCipher key is wrong.
	var sqliteVersion string
	if err := sqlDB.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}
	if _, err := sqlDB.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	store := NewFromSQL(sqlDB)
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate applies Migrations, ignoring columns that already exist.
func (s *Store) Migrate() error {
	for _, stmt := range strings.Split(Migrations, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.External(errs.Database, "ping", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func keyedDSN(dsn string, key []byte) (string, error) {
	if len(key) == 0 {
		return dsn, nil
	}
	if len(key) != KeySize {
		return "", fmt.Errorf("database key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	// Format: file.db?_pragma_key=x'HEX_KEY'&_pragma_cipher_page_size=4096
	return appendSQLiteParams(dsn, fmt.Sprintf("_pragma_key=x'%s'&_pragma_cipher_page_size=4096", hex.EncodeToString(key))), nil
}

func sqliteCommonParams() string {
	// WAL + NORMAL provides good throughput while preserving safety.
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func external(op string, err error) error {
	return errs.External(errs.Database, op, err)
}

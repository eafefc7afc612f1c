// Package nvs persists small device settings across restarts. Every value
// is stored next to a BLAKE2b digest that Get and Verify check.
package nvs

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"
)

// Well-known keys.
const (
	KeyPaired = "hub/paired"
	KeySSID   = "hub/ssid"
	KeyMAC    = "device/mac"
)

var (
	ErrNotFound = errors.New("nvs: key not found")
	ErrCorrupt  = errors.New("nvs: digest mismatch")
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	digest     BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store is a sqlite-backed key/value store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path. The parent directory is created
// when missing.
func Open(path string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("nvs: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("nvs: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("nvs: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func buildDSN(path string) (string, error) {
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("nvs: mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path), nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func digest(key string, value []byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(value)
	return h.Sum(nil)
}

func (s *Store) load(ctx context.Context, key string) ([]byte, []byte, error) {
	var value, sum []byte
	err := s.db.QueryRowContext(ctx, `SELECT value, digest FROM kv WHERE key = ?`, key).Scan(&value, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("nvs: get %s: %w", key, err)
	}
	return value, sum, nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, sum, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(sum, digest(key, value)) {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	return value, nil
}

// Set stores value under key and reads it back to confirm the write.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("nvs: empty key")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, digest, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, digest = excluded.digest, updated_at = excluded.updated_at`,
		key, value, digest(key, value), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("nvs: set %s: %w", key, err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, value) {
		return fmt.Errorf("%w: %s read back differs", ErrCorrupt, key)
	}
	return nil
}

// Verify checks that key exists and its digest matches.
func (s *Store) Verify(ctx context.Context, key string) error {
	_, err := s.Get(ctx, key)
	return err
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("nvs: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	b, err := s.Get(ctx, key)
	return string(b), err
}

func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.Set(ctx, key, []byte(value))
}

func (s *Store) GetBool(ctx context.Context, key string) (bool, error) {
	v, err := s.GetString(ctx, key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("nvs: %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) SetBool(ctx context.Context, key string, v bool) error {
	return s.SetString(ctx, key, strconv.FormatBool(v))
}

// Package postgres provides a coordination store backed by a single Postgres
// table. Compare-and-swap relies on row versions, so any number of crawler
// processes pointed at the same database agree on lock and quota state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-governor/internal/coord"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "coordination_entries"

// Config controls the Postgres connection pool used for coordination rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements coord.Store on Postgres. Versions are drawn from one
// sequence per table, so a deleted and recreated key never reuses a version.
type Store struct {
	pool  querier
	table string
	seq   string
}

var _ coord.Store = (*Store)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("coordination.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, table), nil
}

func newStore(pool querier, table string) *Store {
	return &Store{pool: pool, table: table, seq: table + "_version_seq"}
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return newStore(pool, name), nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the version sequence and the coordination table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, s.seq)); err != nil {
		return fmt.Errorf("create version sequence: %w", err)
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BYTEA,
	version BIGINT NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create coordination table: %w", err)
	}
	return nil
}

// Get loads the value and version stored under key.
func (s *Store) Get(ctx context.Context, key string) (coord.Entry, bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return coord.Entry{}, false, err
	}
	query := fmt.Sprintf(`SELECT value, version FROM %s WHERE key = $1`, s.table)
	var entry coord.Entry
	err := s.pool.QueryRow(ctx, query, key).Scan(&entry.Value, &entry.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coord.Entry{}, false, nil
		}
		return coord.Entry{}, false, fmt.Errorf("get coordination entry: %w", err)
	}
	return entry, true, nil
}

// CompareAndSwap inserts (expected == 0) or updates the row at the expected version.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return false, err
	}
	var (
		tag pgconn.CommandTag
		err error
	)
	if expected == 0 {
		query := fmt.Sprintf(`
INSERT INTO %s (key, value, version)
VALUES ($1, $2, nextval('%s'))
ON CONFLICT (key) DO NOTHING`, s.table, s.seq)
		tag, err = s.pool.Exec(ctx, query, key, value)
	} else {
		query := fmt.Sprintf(`
UPDATE %s SET value = $1, version = nextval('%s')
WHERE key = $2 AND version = $3`, s.table, s.seq)
		tag, err = s.pool.Exec(ctx, query, value, key, expected)
	}
	if err != nil {
		return false, fmt.Errorf("compare and swap coordination entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndDelete deletes the row at the expected version.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected int64) (bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND version = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, key, expected)
	if err != nil {
		return false, fmt.Errorf("compare and delete coordination entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Put upserts the row and gives it a fresh version.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := coord.ValidateKey(key); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (key, value, version)
VALUES ($1, $2, nextval('%s'))
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, version = nextval('%s')`, s.table, s.seq, s.seq)
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("put coordination entry: %w", err)
	}
	return nil
}

// Delete removes the row for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := coord.ValidateKey(key); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete coordination entry: %w", err)
	}
	return nil
}

// List returns keys starting with prefix in ascending order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf(`SELECT key FROM %s WHERE starts_with(key, $1) ORDER BY key`, s.table)
	rows, err := s.pool.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("list coordination keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan coordination key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coordination keys: %w", err)
	}
	return keys, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

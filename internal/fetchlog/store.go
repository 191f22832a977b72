// Package fetchlog writes an audit row to Postgres for every dispatched fetch.
package fetchlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
)

const defaultTable = "egress_fetches"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for fetch rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store implements egress.Recorder on Postgres.
type Store struct {
	pool  execCloser
	table string
	newID func() (uuid.UUID, error)
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("fetchlog.dsn is required")
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
	return &Store{pool: pool, table: table, newID: uuid.NewV7}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, table: name, newID: uuid.NewV7}, nil
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

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the fetch table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	egress_kind TEXT NOT NULL,
	egress_address TEXT NOT NULL,
	status_code INTEGER,
	duration_ms BIGINT NOT NULL,
	body_sha256 TEXT,
	error_text TEXT,
	fetched_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create fetch table: %w", err)
	}
	return nil
}

// RecordFetch inserts one fetch row.
func (s *Store) RecordFetch(ctx context.Context, record egress.FetchRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("fetch log is not configured")
	}
	id, err := s.newID()
	if err != nil {
		return fmt.Errorf("generate uuid7: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	method,
	egress_kind,
	egress_address,
	status_code,
	duration_ms,
	body_sha256,
	error_text,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		id.String(),
		record.URL,
		string(record.Method),
		record.EgressKind,
		record.EgressAddr,
		nullableStatus(record.StatusCode),
		record.Duration.Milliseconds(),
		bodyDigest(record.Body),
		errorText(record.Err),
		record.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert fetch: %w", err)
	}
	return nil
}

func nullableStatus(code int) *int {
	if code <= 0 {
		return nil
	}
	return &code
}

func bodyDigest(body []byte) *string {
	if len(body) == 0 {
		return nil
	}
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	return &digest
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

// Package postgres stores lock records as rows in a PostgreSQL table. CAS is
// a conditional UPDATE/DELETE on a per-row version column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/storage"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "wlock_records"

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config controls the PostgreSQL backend.
type Config struct {
	DSN   string
	Table string
	// SkipSchema disables CREATE TABLE IF NOT EXISTS on startup.
	SkipSchema bool
}

// Store implements storage.Backend on a pgx connection pool.
type Store struct {
	pool  *pgxpool.Pool
	table string
	q     queries
}

type queries struct {
	load         string
	insert       string
	update       string
	deleteAny    string
	deleteIfETag string
	exists       string
}

// New connects to cfg.DSN and prepares the table.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", table)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, table: table, q: buildQueries(pgx.Identifier{table}.Sanitize())}
	if !cfg.SkipSchema {
		if err := s.ensureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func buildQueries(table string) queries {
	cols := "hostname, username, process_id, locked_at, last_heartbeat, etag"
	return queries{
		load:   "SELECT " + cols + " FROM " + table + " WHERE name = $1",
		insert: "INSERT INTO " + table + " (name, " + cols + ") VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (name) DO NOTHING",
		update: "UPDATE " + table + " SET hostname = $2, username = $3, process_id = $4, locked_at = $5, last_heartbeat = $6, etag = $7" +
			" WHERE name = $1 AND etag = $8",
		deleteAny:    "DELETE FROM " + table + " WHERE name = $1",
		deleteIfETag: "DELETE FROM " + table + " WHERE name = $1 AND etag = $2",
		exists:       "SELECT EXISTS (SELECT 1 FROM " + table + " WHERE name = $1)",
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := "CREATE TABLE IF NOT EXISTS " + pgx.Identifier{s.table}.Sanitize() + ` (
	name           text PRIMARY KEY,
	hostname       text NOT NULL,
	username       text NOT NULL,
	process_id     integer NOT NULL,
	locked_at      timestamptz NOT NULL,
	last_heartbeat timestamptz NOT NULL,
	etag           text NOT NULL
)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", s.table, err)
	}
	return nil
}

// Table returns the table the store reads and writes.
func (s *Store) Table() string { return s.table }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return pslog.LoggerFromContext(ctx)
}

// LoadRecord selects the row for name.
func (s *Store) LoadRecord(ctx context.Context, name string) (storage.LoadResult, error) {
	if err := storage.ValidateName(name); err != nil {
		return storage.LoadResult{}, err
	}
	var (
		rec  storage.Record
		etag string
	)
	err := s.pool.QueryRow(ctx, s.q.load, name).Scan(
		&rec.Hostname, &rec.Username, &rec.ProcessID, &rec.LockedAt, &rec.LastHeartbeat, &etag,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		s.logger(ctx).Debug("postgres.load_record.error", "lock", name, "error", err)
		return storage.LoadResult{}, wrapError(err, "postgres: load record")
	}
	rec.LockedAt = rec.LockedAt.UTC()
	rec.LastHeartbeat = rec.LastHeartbeat.UTC()
	return storage.LoadResult{Record: &rec, ETag: etag}, nil
}

// StoreRecord inserts (expectedETag empty) or conditionally updates the row.
func (s *Store) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("postgres: nil record")
	}
	newETag, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("postgres: generate etag: %w", err)
	}
	lockedAt := storage.NormalizeTime(rec.LockedAt)
	heartbeat := storage.NormalizeTime(rec.LastHeartbeat)

	var tag pgconn.CommandTag
	if expectedETag == "" {
		tag, err = s.pool.Exec(ctx, s.q.insert, name, rec.Hostname, rec.Username, rec.ProcessID, lockedAt, heartbeat, newETag.String())
	} else {
		tag, err = s.pool.Exec(ctx, s.q.update, name, rec.Hostname, rec.Username, rec.ProcessID, lockedAt, heartbeat, newETag.String(), expectedETag)
	}
	if err != nil {
		s.logger(ctx).Debug("postgres.store_record.error", "lock", name, "error", err)
		return "", wrapError(err, "postgres: store record")
	}
	if tag.RowsAffected() == 1 {
		return newETag.String(), nil
	}
	if expectedETag == "" {
		s.logger(ctx).Debug("postgres.store_record.cas_exists", "lock", name)
		return "", storage.ErrCASMismatch
	}
	return "", s.missOrMismatch(ctx, name, "store_record", expectedETag)
}

// DeleteRecord removes the row, conditionally when expectedETag is set.
func (s *Store) DeleteRecord(ctx context.Context, name string, expectedETag string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	var (
		tag pgconn.CommandTag
		err error
	)
	if expectedETag == "" {
		tag, err = s.pool.Exec(ctx, s.q.deleteAny, name)
	} else {
		tag, err = s.pool.Exec(ctx, s.q.deleteIfETag, name, expectedETag)
	}
	if err != nil {
		s.logger(ctx).Debug("postgres.delete_record.error", "lock", name, "error", err)
		return wrapError(err, "postgres: delete record")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if expectedETag == "" {
		return storage.ErrNotFound
	}
	return s.missOrMismatch(ctx, name, "delete_record", expectedETag)
}

// missOrMismatch tells apart a vanished row from a changed one after a
// conditional statement matched nothing.
func (s *Store) missOrMismatch(ctx context.Context, name, op, expectedETag string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, s.q.exists, name).Scan(&exists); err != nil {
		return wrapError(err, "postgres: check record")
	}
	if !exists {
		return storage.ErrNotFound
	}
	s.logger(ctx).Debug("postgres."+op+".cas_mismatch", "lock", name, "expected_etag", expectedETag)
	return storage.ErrCASMismatch
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isTransient(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			// connection exception, transaction rollback, insufficient
			// resources, operator intervention
			return true
		}
	}
	return false
}


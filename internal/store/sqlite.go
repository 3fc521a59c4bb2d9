package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS options (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS item_markers (
	item_id      TEXT PRIMARY KEY,
	optimized_at TEXT NOT NULL
);
`

// SQLiteStore keeps state in a SQLite file: singleton records live in an
// options table keyed by name, markers in their own table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = "file:" + path + sep + "_txlock=immediate&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getOption returns the raw value and whether it exists and has not expired.
func (s *SQLiteStore) getOption(ctx context.Context, q queryer, name string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT value, expires_at FROM options WHERE name = ?`, name).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expiresAt.Valid && s.now().UnixNano() >= expiresAt.Int64 {
		return "", false, nil
	}
	return value, true, nil
}

func putOption(ctx context.Context, tx *sql.Tx, name, value string, expiresAt *time.Time) error {
	var exp sql.NullInt64
	if expiresAt != nil {
		exp = sql.NullInt64{Int64: expiresAt.UnixNano(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO options (name, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, name, value, exp)
	return err
}

func (s *SQLiteStore) LoadJob(ctx context.Context) (*Job, error) {
	raw, ok, err := s.getOption(ctx, s.db, KeyJob)
	if err != nil || !ok {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrCorruptJob, KeyJob, err)
	}
	return &job, nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *Job) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		raw, ok, err := s.getOption(ctx, tx, KeyJob)
		if err != nil {
			return err
		}
		// An undecodable record counts as version 0 so a fresh job can replace it.
		var version int64
		if ok {
			var current Job
			if err := json.Unmarshal([]byte(raw), &current); err == nil {
				version = current.Version
			}
		}
		if version != job.Version {
			return ErrConflict
		}

		next := cloneJob(job)
		next.Version++
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return putOption(ctx, tx, KeyJob, string(payload), nil)
	})
	if err != nil {
		return err
	}
	job.Version++
	return nil
}

func (s *SQLiteStore) LoadStats(ctx context.Context) (Stats, error) {
	raw, ok, err := s.getOption(ctx, s.db, KeyStats)
	if err != nil || !ok {
		return Stats{}, err
	}
	var st Stats
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Stats{}, fmt.Errorf("decode %s: %w", KeyStats, err)
	}
	return st, nil
}

func (s *SQLiteStore) UpdateStats(ctx context.Context, mutate func(*Stats)) (Stats, error) {
	var st Stats
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		raw, ok, err := s.getOption(ctx, tx, KeyStats)
		if err != nil {
			return err
		}
		if ok {
			if err := json.Unmarshal([]byte(raw), &st); err != nil {
				return fmt.Errorf("decode %s: %w", KeyStats, err)
			}
		}
		mutate(&st)
		payload, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return putOption(ctx, tx, KeyStats, string(payload), nil)
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *SQLiteStore) MarkOptimized(ctx context.Context, itemID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_markers (item_id, optimized_at) VALUES (?, ?)
		ON CONFLICT(item_id) DO UPDATE SET optimized_at = excluded.optimized_at
	`, itemID, at.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) OptimizedAt(ctx context.Context, itemID string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT optimized_at FROM item_markers WHERE item_id = ?`, itemID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, true, nil
	}
	return at, true, nil
}

func (s *SQLiteStore) IsOptimized(ctx context.Context, itemID string) (bool, error) {
	_, ok, err := s.OptimizedAt(ctx, itemID)
	return ok, err
}

func (s *SQLiteStore) PutNotice(ctx context.Context, n Notice, ttl time.Duration) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	expiresAt := s.now().Add(ttl)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putOption(ctx, tx, KeyNotice, string(payload), &expiresAt)
	})
}

func (s *SQLiteStore) TakeNotice(ctx context.Context) (*Notice, error) {
	var notice *Notice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		raw, ok, err := s.getOption(ctx, tx, KeyNotice)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM options WHERE name = ?`, KeyNotice); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		var n Notice
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return fmt.Errorf("decode %s: %w", KeyNotice, err)
		}
		notice = &n
		return nil
	})
	return notice, err
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		holder, ok, err := s.getOption(ctx, tx, KeyJobLease)
		if err != nil {
			return err
		}
		if ok && holder != owner {
			return ErrLeaseHeld
		}
		expiresAt := s.now().Add(ttl)
		return putOption(ctx, tx, KeyJobLease, owner, &expiresAt)
	})
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM options WHERE name = ? AND value = ?`, KeyJobLease, owner)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

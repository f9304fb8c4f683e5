package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"pingrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when a token or account row does not exist.
	// Callers treat it as a normal outcome, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness constraint (username, chat id)
	// rejects a write. It is the last line of defense against lost races.
	ErrConflict = errors.New("already exists")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store owns the sqlite database holding the token store and the account
// directory. All writes that implement a linking decision go through InTx so
// the read-decide-write sequence is one transaction.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single connection
	// also serializes transactions, which is the per-token/per-username
	// mutual exclusion the linking engine relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Tx scopes token/account operations to one database transaction.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic. Every exit path releases the transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	done = true
	return nil
}

// isConstraintErr reports whether err is a sqlite uniqueness/constraint
// violation (SQLITE_CONSTRAINT and its extended codes).
func isConstraintErr(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 19
	}
	return false
}

// ---- time encoding ----
//
// Timestamps are stored as Unix milliseconds so expiry comparisons stay
// numeric. NULL means "unset" (never expires / never claimed).

func msOf(t time.Time) int64 { return t.UnixMilli() }

func timeOf(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// Package store is the Store adapter: a single query surface
// shared by the embedded SQLite backend and the networked PostgreSQL
// backend. It normalizes placeholder dialect (`?` vs `$1,$2,...`) and table
// naming (unprefixed vs `gitswarm_`-prefixed) so every entity-query method
// in queries.go is written once and runs unmodified against either backend.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Dialect selects placeholder syntax and table prefixing.
type Dialect int

const (
	// SQLite is the embedded, single-writer local backend.
	SQLite Dialect = iota
	// Postgres is the networked, multi-writer server backend.
	Postgres
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// method in this package run unmodified whether or not it's inside a
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the shared query surface. Backend constructors (sqlite.Open,
// postgres.Open) produce one of these configured with the right Dialect.
type Store struct {
	exec    execer
	db      *sql.DB // non-nil only on the root Store, used to open transactions
	dialect Dialect
	prefix  string
}

// New wraps an already-open *sql.DB for the given dialect. Table names are
// prefixed `gitswarm_` for Postgres (the server's shared schema convention)
// and left unprefixed for SQLite (one federation.db per repo).
func New(db *sql.DB, dialect Dialect) *Store {
	prefix := ""
	if dialect == Postgres {
		prefix = "gitswarm_"
	}
	return &Store{exec: db, db: db, dialect: dialect, prefix: prefix}
}

// Dialect reports which backend this Store targets.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB returns the underlying *sql.DB for migrations and diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// t returns the dialect-correct table name for a logical table.
func (s *Store) t(name string) string { return s.prefix + name }

// ph returns the dialect-correct bind placeholder for the i'th (1-based)
// parameter in a hand-written query.
func (s *Store) ph(i int) string {
	if s.dialect == Postgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// Tx runs fn against a Store bound to a single serializable transaction.
// The transaction commits if fn returns nil, else rolls back.
func (s *Store) Tx(ctx context.Context, fn func(*Store) error) error {
	if s.db == nil {
		return errors.New("store: Tx called on a Store already bound to a transaction")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &Store{exec: tx, dialect: s.dialect, prefix: s.prefix}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ErrorKind classifies a driver error into a dialect-independent category:
// callers branch on this rather than driver-specific error types.
type ErrorKind string

const (
	ErrUniqueViolation ErrorKind = "unique_violation"
	ErrFKViolation     ErrorKind = "fk_violation"
	ErrNotFound        ErrorKind = "not_found"
	ErrTransient       ErrorKind = "transient"
	ErrFatal           ErrorKind = "fatal"
)

// Classify maps a driver-level error to one of the store's error kinds.
func (s *Store) Classify(err error) ErrorKind {
	return Classify(s.dialect, err)
}

// Classify is the dialect-aware form for code that holds a Dialect but not
// a Store.
func Classify(d Dialect, err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	switch d {
	case Postgres:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrUniqueViolation
			case "23503":
				return ErrFKViolation
			case "40001", "40P01":
				return ErrTransient
			}
		}
	case SQLite:
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code {
			case sqlite3.ErrConstraint:
				switch sqliteErr.ExtendedCode {
				case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
					return ErrUniqueViolation
				case sqlite3.ErrConstraintForeignKey:
					return ErrFKViolation
				}
			case sqlite3.ErrBusy, sqlite3.ErrLocked:
				return ErrTransient
			}
		}
	}
	return ErrFatal
}

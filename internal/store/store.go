package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"

	"github.com/roach88/uow/internal/driver"
	"github.com/roach88/uow/internal/querysql"
)

// DefaultSQLitePragmas are applied to every SQLite connection unless
// WithPragmas replaces them.
var DefaultSQLitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Store is a driver.Connection over a database/sql pool.
type Store struct {
	session
	db      *sql.DB
	pragmas []string

	connectRetries uint64
	connectBackoff time.Duration
}

var (
	_ driver.Connection     = (*Store)(nil)
	_ driver.BatchPersister = (*Store)(nil)
	_ driver.Finder         = (*Store)(nil)
	_ driver.Transaction    = (*Tx)(nil)
	_ driver.BatchPersister = (*Tx)(nil)
	_ driver.Finder         = (*Tx)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithDialect overrides the dialect derived from the driver name.
func WithDialect(d querysql.Dialect) Option {
	return func(s *Store) {
		s.dialect = d
	}
}

// WithPragmas replaces the pragmas run when a SQLite store is opened.
func WithPragmas(pragmas ...string) Option {
	return func(s *Store) {
		s.pragmas = pragmas
	}
}

// WithConnectRetries retries the initial connection check up to n more
// times with exponential backoff starting at base.
func WithConnectRetries(n uint64, base time.Duration) Option {
	return func(s *Store) {
		s.connectRetries = n
		s.connectBackoff = base
	}
}

// Open connects to a database. driverName is "sqlite3" or "pgx".
//
// SQLite stores are limited to one connection: SQLite allows a single
// writer, and an in-memory database lives only as long as its connection.
func Open(driverName, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	switch driverName {
	case "pgx":
		s.dialect = querysql.Postgres
	default:
		s.dialect = querysql.SQLite
		s.pragmas = DefaultSQLitePragmas
	}
	for _, opt := range opts {
		opt(s)
	}
	s.session.ex = db
	s.session.compiler = querysql.NewSQLCompiler(s.dialect)

	if err := s.ping(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.dialect == querysql.SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := s.applyPragmas(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}
	return s, nil
}

// OpenSQLite opens a SQLite database file, or an in-memory database for
// ":memory:".
func OpenSQLite(path string, opts ...Option) (*Store, error) {
	return Open("sqlite3", path, opts...)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect statements are compiled for.
func (s *Store) Dialect() querysql.Dialect {
	return s.dialect
}

// Exec runs DDL or other statements outside the unit of work, e.g. to
// create tables in tests.
func (s *Store) Exec(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (driver.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{
		session: session{ex: tx, compiler: s.compiler, dialect: s.dialect},
		tx:      tx,
	}, nil
}

func (s *Store) ping(ctx context.Context) error {
	if s.connectRetries == 0 {
		return s.db.PingContext(ctx)
	}
	b := retry.WithMaxRetries(s.connectRetries, retry.NewExponential(s.connectBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Store) applyPragmas() error {
	for _, pragma := range s.pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// Tx is a driver.Transaction. It shares the Store's statement path.
type Tx struct {
	session
	tx *sql.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit(context.Context) error {
	return t.tx.Commit()
}

// Rollback aborts the transaction.
func (t *Tx) Rollback(context.Context) error {
	return t.tx.Rollback()
}

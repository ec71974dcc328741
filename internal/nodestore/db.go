// Package nodestore implements the gateway's durable store for nodes,
// heartbeats, join requests, and version manifests (spec §4.5, §6): a
// single-process embedded relational store with WAL journaling where
// readers are never blocked by writers.
package nodestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements the NodeStore contract (spec §4.5) over SQLite.
//
// Operations on a given node_id are serialized by routing all writes
// through a single connection (write.SetMaxOpenConns(1)); reads use an
// independent pool so GetNode/ListNodes are never blocked by a concurrent
// write (spec §5).
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// Open opens a SQLite database at dsn, runs migrations, and returns a Store.
func Open(dsn string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity via the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both connections.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

// scanner abstracts *sql.Row and *sql.Rows so scan helpers work with both.
type scanner interface {
	Scan(dest ...any) error
}

func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ErrNotFound is returned by Get* operations when no row matches.
var ErrNotFound = errors.New("nodestore: not found")

// ErrConflict is returned when a uniqueness constraint is violated (e.g. duplicate ipv6).
var ErrConflict = errors.New("nodestore: conflict")

// ErrConsumed is returned when a join request or session token has already been consumed.
var ErrConsumed = errors.New("nodestore: already consumed")

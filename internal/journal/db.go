// Package journal is the persistence layer: accounts, strategies, secret
// envelopes, orders, positions, the trade journal lifecycle, monitoring and
// usage logs, learning records, and evaluations — all in one sqlite file.
//
// The connection runs in WAL mode with NORMAL synchronous writes; real
// money flows through the venue, not this file, so durability at
// checkpoints is enough. All multi-row mutations go through
// WithTransaction.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// Store owns the database handle. Safe for concurrent use; sqlite
// serializes writers via WAL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the database at path and applies the schema.
// "file:" URIs pass through untouched so tests can run in memory.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		path = abs
	}

	db, err := sql.Open("sqlite", connString(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(24 * time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "journal")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func connString(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep +
		"_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=wal_autocheckpoint(1000)" +
		"&_pragma=cache_size(-64000)"
}

func (s *Store) migrate() error {
	return WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(schema)
		return err
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint forces a WAL truncate; run from maintenance cron.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// WithTransaction runs fn inside a transaction with rollback on error or
// panic.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			}
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}

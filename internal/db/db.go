package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pierky/rich-traceroute/internal/config"
)

const (
	TypeSQLite = "sqlite"
	TypeMySQL  = "mysql"
)

// DB wraps the sqlx handle with the backend type. Both supported backends
// use ? placeholders, so query text is shared.
type DB struct {
	*sqlx.DB
	typ    string
	logger *zap.Logger
}

func (d *DB) Type() string { return d.typ }

// Connect opens the configured database and creates the schema. For MySQL,
// transient connection failures are retried with a delay that doubles on
// each attempt, capped at 60 seconds; once connected, the pool re-dials
// transparently on later connection loss. SQLite runs single-connection with
// foreign keys enforced.
func Connect(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*DB, error) {
	var driver, dsn string
	switch cfg.Type {
	case TypeMySQL:
		driver, dsn = "mysql", cfg.MySQLDSN()
	case TypeSQLite:
		driver, dsn = "sqlite3", cfg.SQLitePath()
	default:
		return nil, fmt.Errorf("db: unsupported type %q", cfg.Type)
	}

	var handle *sqlx.DB
	connect := func() error {
		h, err := sqlx.Open(driver, dsn)
		if err != nil {
			// A DSN that does not parse will not heal with retries.
			return backoff.Permanent(fmt.Errorf("opening database: %w", err))
		}
		if err := h.PingContext(ctx); err != nil {
			h.Close()
			logger.Warn("database connection failed, retrying",
				zap.Error(err))
			return err
		}
		handle = h
		return nil
	}

	if cfg.Type == TypeMySQL {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.Multiplier = 2
		bo.MaxInterval = 60 * time.Second
		bo.RandomizationFactor = 0
		bo.MaxElapsedTime = 0
		if err := backoff.Retry(connect, backoff.WithContext(bo, ctx)); err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
	} else {
		if err := connect(); err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		// mattn/go-sqlite3 allows a single writer; serialize access.
		handle.SetMaxOpenConns(1)
	}

	d := &DB{DB: handle, typ: cfg.Type, logger: logger}
	if err := d.CreateTables(ctx); err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

// InTx runs fn inside a transaction, rolling back on error.
func (d *DB) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Now returns the timestamp to store alongside writes. All persisted times
// are UTC, truncated to whole seconds so the two backends round-trip
// identically.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

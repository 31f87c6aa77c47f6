package db

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"
)

const (
	// DriverSQLite is the database/sql name of the pure Go SQLite driver.
	DriverSQLite = "sqlite"

	// DriverPostgres is the database/sql name of the pgx driver.
	DriverPostgres = "pgx"
)

//go:embed migrations
var migrations embed.FS

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// A compile-time assertion to ensure SQLStore satisfies the Store interface.
var _ Store = (*SQLStore)(nil)

// Open connects to the database identified by driver and dsn and applies any
// pending migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	// SQLite allows a single writer, serialize access at the pool.
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	store, err := New(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// New wraps an open database handle and applies any pending migrations.
func New(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{
		db:     db,
		driver: driver,
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// migrationDir returns the embedded schema directory for a driver.
func migrationDir(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		return "migrations/sqlite", nil

	case DriverPostgres, "postgres":
		return "migrations/postgres", nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// migrate applies every embedded up migration that is not yet recorded in
// schema_migrations, in file name order.
func (s *SQLStore) migrate(ctx context.Context) error {
	dir, err := migrationDir(s.driver)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return fmt.Errorf("read migration dir: %w", err)
	}

	var upFiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	sort.Strings(upFiles)

	for _, fname := range upFiles {
		version := strings.TrimSuffix(fname, ".up.sql")

		var applied int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM schema_migrations WHERE version = $1`,
			version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		data, err := fs.ReadFile(migrations, path.Join(dir, fname))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", fname, err)
		}

		err = s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				return err
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO schema_migrations (version) VALUES ($1)`,
				version,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", fname, err)
		}

		log.Infof("Applied ledger migration %s", version)
	}

	return nil
}

// withTx runs fn inside a database transaction which is committed if fn
// returns nil and rolled back otherwise.
func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func parsePubKey(b []byte) (*btcec.PublicKey, error) {
	key, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("stored public key: %w", err)
	}
	return key, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Command merge-sql-schemas applies the ledger migrations against an in-memory
// SQLite database and exports a consolidated schema with a deterministic order.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/instapay/instapayd/internal/db"
)

func main() {
	err := run()
	if err != nil {
		log.Fatal(err)
	}
}

const (
	schemaOutDir   = "internal/db/schemas"
	schemaFilename = "generated_sqlite_schema.sql"

	dirPerm        = 0o750
	filePerm       = 0o600
	defaultTimeout = 3 * time.Minute
)

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	sqlDB, err := sql.Open(db.DriverSQLite, ":memory:")
	if err != nil {
		return fmt.Errorf("failed to open in-memory db: %w", err)
	}

	// Every connection of the pool gets its own in-memory database.
	sqlDB.SetMaxOpenConns(1)

	defer func() { _ = sqlDB.Close() }()

	_, err = db.New(ctx, sqlDB, db.DriverSQLite)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	schema, err := extractSchema(ctx, sqlDB)
	if err != nil {
		return err
	}

	outPath := filepath.Join(schemaOutDir, schemaFilename)

	err = writeSchema(outPath, schema)
	if err != nil {
		return err
	}

	log.Printf("Final consolidated schema written to %s", outPath)

	return nil
}

func extractSchema(ctx context.Context, sqlDB *sql.DB) (string, error) {
	rows, err := sqlDB.QueryContext(ctx, `
        SELECT type, name, sql FROM sqlite_master
        WHERE type IN ('table','view','index') AND sql IS NOT NULL
        ORDER BY
            CASE type
                WHEN 'table' THEN 1
                WHEN 'view' THEN 2
                WHEN 'index' THEN 3
                ELSE 4
            END,
            name`)
	if err != nil {
		return "", fmt.Errorf("failed to query schema: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var b strings.Builder
	for rows.Next() {
		var typ, name, sqlDef string

		err := rows.Scan(&typ, &name, &sqlDef)
		if err != nil {
			return "", fmt.Errorf(
				"failed to scan schema row: %w",
				err,
			)
		}

		b.WriteString(sqlDef)
		b.WriteString(";\n")
	}

	err = rows.Err()
	if err != nil {
		return "", fmt.Errorf("failed to iterate schema rows: %w", err)
	}

	return b.String(), nil
}

func writeSchema(outPath, schema string) error {
	outDir := filepath.Dir(outPath)

	// Ensure the destination directory exists.
	err := os.MkdirAll(outDir, dirPerm)
	if err != nil {
		return fmt.Errorf("failed to create schema dir: %w", err)
	}

	err = os.WriteFile(outPath, []byte(schema), filePerm)
	if err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}

	return nil
}

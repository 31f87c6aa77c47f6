package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSetting returns a stored value.
func (s *SQLStore) GetSetting(ctx context.Context, name string) ([]byte,
	error) {

	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM settings WHERE name = $1`, name,
	).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("setting %q: %w", name, ErrNotFound)

	case err != nil:
		return nil, fmt.Errorf("select setting: %w", err)
	}

	return value, nil
}

// PutSetting inserts or replaces a value.
func (s *SQLStore) PutSetting(ctx context.Context, name string,
	value []byte) error {

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		name, value,
	)
	if err != nil {
		return fmt.Errorf("put setting %q: %w", name, err)
	}

	return nil
}

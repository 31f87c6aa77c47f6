package db

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownDriver is returned for database drivers without a schema.
	ErrUnknownDriver = errors.New("unknown database driver")
)

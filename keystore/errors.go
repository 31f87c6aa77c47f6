package keystore

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	// ErrHeightLockTime is wrapped by InvalidLockTimeError when a block
	// height lock time is requested but no chain height is available to
	// evaluate it.
	ErrHeightLockTime = errors.New("height based lock time needs a " +
		"chain height source")

	// ErrLocked is returned when key material is requested but the
	// keystore has no crypto key.
	ErrLocked = errors.New("keystore is locked")
)

// UnknownClientError is returned for operations on a client key that was
// never registered.
type UnknownClientError struct {
	ClientPubKey []byte
}

// NewUnknownClientError returns an UnknownClientError for the given key.
func NewUnknownClientError(key *btcec.PublicKey) *UnknownClientError {
	return &UnknownClientError{ClientPubKey: key.SerializeCompressed()}
}

// Error implements the error interface.
func (e *UnknownClientError) Error() string {
	return fmt.Sprintf("unknown client %x", e.ClientPubKey)
}

// InvalidLockTimeError is returned when a requested lock time lies outside
// the accepted window.
type InvalidLockTimeError struct {
	LockTime int64

	// Earliest and Latest bound the accepted lock time window at the time
	// of the request, both inclusive.
	Earliest time.Time
	Latest   time.Time

	// Err optionally carries the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *InvalidLockTimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid lock time %d: %v", e.LockTime, e.Err)
	}

	return fmt.Sprintf("invalid lock time %d: must be between %v and %v",
		e.LockTime, e.Earliest.Unix(), e.Latest.Unix())
}

// Unwrap returns the underlying cause.
func (e *InvalidLockTimeError) Unwrap() error {
	return e.Err
}

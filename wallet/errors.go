package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrWalletShuttingDown is returned when an operation races with
	// shutdown.
	ErrWalletShuttingDown = errors.New("wallet shutting down")

	// ErrNotSynced is returned by calls that need the initial sync to have
	// completed.
	ErrNotSynced = errors.New("wallet is not synced to the chain")

	// ErrTxNotFound is returned when a transaction is not part of the
	// wallet's view.
	ErrTxNotFound = errors.New("transaction not found in wallet")

	// ErrOutputNotFound is returned when an outpoint does not refer to an
	// output of a transaction the wallet knows.
	ErrOutputNotFound = errors.New("output not found in wallet")
)

// BroadcastTransientError reports a failed network broadcast. The
// transaction stays in the durable queue and is retried.
type BroadcastTransientError struct {
	Hash chainhash.Hash
	Err  error
}

// Error implements the error interface.
func (e *BroadcastTransientError) Error() string {
	return fmt.Sprintf("broadcast of tx %v failed, will retry: %v", e.Hash,
		e.Err)
}

// Unwrap returns the underlying relay error.
func (e *BroadcastTransientError) Unwrap() error {
	return e.Err
}

package db

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// AccountStore defines the database actions for managing client accounts.
type AccountStore interface {
	// CreateAccount stores a new account. If an account for the client key
	// already exists the stored row is returned unchanged, so concurrent
	// registrations converge on one row.
	CreateAccount(ctx context.Context, params CreateAccountParams) (
		*Account, error)

	// GetAccount returns the account of the given client key or
	// ErrNotFound.
	GetAccount(ctx context.Context, clientPubKey *btcec.PublicKey) (
		*Account, error)
}

// AddressStore defines the database actions for managing time-locked
// addresses.
type AddressStore interface {
	// CreateAddress stores a new address. Creating an address that already
	// exists returns the stored row, so derivation stays idempotent.
	CreateAddress(ctx context.Context, params CreateAddressParams) (
		*TimeLockedAddress, error)

	// GetAddress returns the address with the given script hash or
	// ErrNotFound.
	GetAddress(ctx context.Context, addressHash [20]byte) (
		*TimeLockedAddress, error)

	// ListAddresses returns the addresses selected by the query, oldest
	// first.
	ListAddresses(ctx context.Context, query ListAddressesQuery) (
		[]TimeLockedAddress, error)
}

// TxStore defines the database actions for the per-client transaction
// ledger used by instant verification.
type TxStore interface {
	// CreateTx records a transaction and the outpoints it spends. Recording
	// a transaction twice for the same client is a no-op that returns the
	// existing row.
	CreateTx(ctx context.Context, params CreateTxParams) (*TxInfo, error)

	// GetTx returns one stored transaction or ErrNotFound.
	GetTx(ctx context.Context, query GetTxQuery) (*TxInfo, error)

	// ListTxns returns the stored transactions of a client.
	ListTxns(ctx context.Context, query ListTxnsQuery) ([]TxInfo, error)

	// ListSpenders returns the stored transactions of a client that have
	// an input spending the queried outpoint.
	ListSpenders(ctx context.Context, query SpendersQuery) ([]TxInfo,
		error)

	// ApproveTx flips the approved flag of a stored transaction. The update
	// is conditional on the flag still being false, and the returned bool
	// reports whether this call performed the transition. ErrNotFound is
	// returned if the transaction is not stored for the client.
	ApproveTx(ctx context.Context, params ApproveTxParams) (bool, error)
}

// BroadcastQueueStore defines the database actions for the durable
// broadcast queue.
type BroadcastQueueStore interface {
	// Enqueue adds a transaction to the queue. The returned bool is false
	// if the transaction was already queued.
	Enqueue(ctx context.Context, tx *wire.MsgTx, now time.Time) (bool,
		error)

	// Dequeue removes a transaction from the queue. The returned bool
	// reports whether an entry was removed.
	Dequeue(ctx context.Context, hash chainhash.Hash) (bool, error)

	// ListQueued returns all queued transactions, oldest first.
	ListQueued(ctx context.Context) ([]QueueEntry, error)

	// MarkAttempt records a broadcast attempt for a queued transaction.
	MarkAttempt(ctx context.Context, hash chainhash.Hash,
		at time.Time) error
}

// SettingsStore keeps small named blobs such as the key encryption
// parameters.
type SettingsStore interface {
	// GetSetting returns the stored value or ErrNotFound.
	GetSetting(ctx context.Context, name string) ([]byte, error)

	// PutSetting inserts or replaces a value.
	PutSetting(ctx context.Context, name string, value []byte) error
}

// Store is the complete ledger.
type Store interface {
	AccountStore
	AddressStore
	TxStore
	BroadcastQueueStore
	SettingsStore

	// RemoveConfirmedTx deletes a transaction from the ledger of every
	// client and from the broadcast queue in one database transaction.
	// The returned bool reports whether anything was removed.
	RemoveConfirmedTx(ctx context.Context, hash chainhash.Hash) (bool,
		error)

	// Close releases the database handle.
	Close() error
}

// Package db provides the persistent ledger of the payment server: client
// accounts, time-locked addresses, stored transactions with their approval
// flag, the durable broadcast queue and a small settings table. The same
// schema is served by SQLite and Postgres.
package db

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ============================================================================
// Entities
// ============================================================================

// Account is the server side identity of a client. The server key pair is
// generated once when the account is created and never rotated.
type Account struct {
	// ClientPubKey is the client's compressed public key and the primary
	// lookup key of the account.
	ClientPubKey *btcec.PublicKey

	// ServerPubKey is the public half of the server key pair dedicated to
	// this client.
	ServerPubKey *btcec.PublicKey

	// EncryptedServerPrivKey is the server private key sealed with the
	// keystore's crypto key. It is never returned to clients.
	EncryptedServerPrivKey []byte

	// CreatedAt is the time the account was registered.
	CreatedAt time.Time
}

// TimeLockedAddress is a P2SH address spendable by client and server
// together, or by the client alone once LockTime has passed.
type TimeLockedAddress struct {
	// AddressHash is the HASH160 of RedeemScript.
	AddressHash [20]byte

	// ClientPubKey identifies the owning account.
	ClientPubKey *btcec.PublicKey

	// LockTime is the absolute lock time encoded in the script. Values
	// below txscript.LockTimeThreshold are block heights, others are
	// UNIX timestamps.
	LockTime int64

	// RedeemScript is the serialized redeem script.
	RedeemScript []byte

	// CreatedAt is the time the address was first derived.
	CreatedAt time.Time
}

// TxInfo is a transaction stored for a client.
type TxInfo struct {
	ClientPubKey *btcec.PublicKey
	Hash         chainhash.Hash
	MsgTx        *wire.MsgTx

	// LockTime mirrors MsgTx.LockTime so spend queries do not need to
	// deserialize the transaction.
	LockTime uint32

	// Approved is set once the transaction has been accepted as instant.
	// It only ever transitions from false to true.
	Approved bool

	CreatedAt time.Time
}

// QueueEntry is a transaction waiting for a successful broadcast.
type QueueEntry struct {
	Hash        chainhash.Hash
	MsgTx       *wire.MsgTx
	Attempts    uint32
	CreatedAt   time.Time
	LastAttempt time.Time
}

// ============================================================================
// Method Parameters
// ============================================================================

// CreateAccountParams holds the values of a new account.
type CreateAccountParams struct {
	ClientPubKey           *btcec.PublicKey
	ServerPubKey           *btcec.PublicKey
	EncryptedServerPrivKey []byte
	CreatedAt              time.Time
}

// CreateAddressParams holds the values of a new time-locked address.
type CreateAddressParams struct {
	AddressHash  [20]byte
	ClientPubKey *btcec.PublicKey
	LockTime     int64
	RedeemScript []byte
	CreatedAt    time.Time
}

// ListAddressesQuery selects addresses. A nil ClientPubKey lists the
// addresses of every client.
type ListAddressesQuery struct {
	ClientPubKey *btcec.PublicKey
}

// CreateTxParams holds a transaction to record for a client.
type CreateTxParams struct {
	ClientPubKey *btcec.PublicKey
	MsgTx        *wire.MsgTx
	Approved     bool
	CreatedAt    time.Time
}

// GetTxQuery identifies one stored transaction.
type GetTxQuery struct {
	ClientPubKey *btcec.PublicKey
	Hash         chainhash.Hash
}

// ListTxnsQuery selects the stored transactions of a client.
type ListTxnsQuery struct {
	ClientPubKey *btcec.PublicKey
	ApprovedOnly bool
}

// SpendersQuery selects the stored transactions of a client that spend the
// given outpoint.
type SpendersQuery struct {
	ClientPubKey *btcec.PublicKey
	OutPoint     wire.OutPoint
	ApprovedOnly bool
}

// ApproveTxParams identifies the transaction to approve.
type ApproveTxParams struct {
	ClientPubKey *btcec.PublicKey
	Hash         chainhash.Hash
}

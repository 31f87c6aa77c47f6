// Package verifier decides whether an unconfirmed transaction of a client
// may be treated as final. A transaction is instant when it is already deep
// enough in the chain, or when every input was signed by the client exactly
// once, is protected by a time lock the client cannot redeem soon, and every
// parent is itself instant.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/keystore"
	"github.com/instapay/instapayd/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultLockThreshold is how far in the future a lock time must lie
	// for the client to be unable to use the refund path in the meantime.
	DefaultLockThreshold = 4 * time.Hour

	// DefaultMaxDepth bounds the number of unconfirmed ancestors examined
	// for one transaction.
	DefaultMaxDepth = 100
)

// Ledger is the part of the transaction ledger the verifier reads and
// approves in.
type Ledger interface {
	GetTx(ctx context.Context, query db.GetTxQuery) (*db.TxInfo, error)
	ListSpenders(ctx context.Context, query db.SpendersQuery) ([]db.TxInfo,
		error)
	ApproveTx(ctx context.Context, params db.ApproveTxParams) (bool, error)
}

// ChainView answers chain questions about transactions the wallet knows.
// *wallet.ChainWallet implements it.
type ChainView interface {
	FetchTx(hash chainhash.Hash) (*wire.MsgTx, error)
	Depth(hash chainhash.Hash) (int32, error)
	ConnectedOutput(op wire.OutPoint) (*wire.TxOut, error)
	BestHeight() (int32, error)
}

// AddressBook resolves time-locked addresses by script hash.
// *keystore.KeyStore implements it.
type AddressBook interface {
	AddressByHash(ctx context.Context, hash [20]byte) (*keystore.Address,
		error)
}

// Config holds the dependencies and policy of a Verifier.
type Config struct {
	Ledger    Ledger
	Chain     ChainView
	Addresses AddressBook

	// Clock defaults to the system clock.
	Clock clock.Clock

	// MinConf is the depth at which a transaction is instant regardless
	// of its history. Defaults to wallet.DefaultMinConf.
	MinConf int32

	// LockThreshold defaults to DefaultLockThreshold.
	LockThreshold time.Duration

	// MaxDepth defaults to DefaultMaxDepth.
	MaxDepth int
}

// Verifier evaluates instant payments.
type Verifier struct {
	cfg Config

	// checks collapses concurrent evaluations of the same transaction.
	checks singleflight.Group
}

// New creates a Verifier.
func New(cfg Config) *Verifier {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.MinConf <= 0 {
		cfg.MinConf = wallet.DefaultMinConf
	}
	if cfg.LockThreshold == 0 {
		cfg.LockThreshold = DefaultLockThreshold
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	return &Verifier{cfg: cfg}
}

// verdict is the outcome of the checks on a single transaction.
type verdict uint8

const (
	// verdictInstant means the transaction is instant without looking
	// at its parents.
	verdictInstant verdict = iota

	// verdictRejected means the transaction is not instant.
	verdictRejected

	// verdictParents means the transaction is instant if all of its
	// parents are.
	verdictParents
)

// frame is a transaction on the work-list whose parents are being checked.
type frame struct {
	tx   *wire.MsgTx
	hash chainhash.Hash

	// next is the index of the input whose parent is checked next.
	next int
}

// IsInstant reports whether tx can be accepted as final. A non-nil
// redeemScript must belong to the client. Transactions found instant are
// approved in the ledger, together with their unconfirmed ancestors.
//
// A false result is definitive. Errors are only returned when the ledger or
// the wallet cannot be read.
func (v *Verifier) IsInstant(ctx context.Context,
	clientPubKey *btcec.PublicKey, redeemScript []byte,
	tx *wire.MsgTx) (bool, error) {

	if tx == nil {
		return false, nil
	}

	if redeemScript != nil {
		policy, err := keystore.ParseTimeLockedScript(redeemScript)
		if err != nil {
			log.Debugf("Rejecting tx %v: %v", tx.TxHash(), err)
			return false, nil
		}
		if !policy.ClientPubKey.IsEqual(clientPubKey) {
			log.Debugf("Rejecting tx %v: redeem script belongs to "+
				"another client", tx.TxHash())
			return false, nil
		}
	}

	hash := tx.TxHash()
	key := fmt.Sprintf("%x:%v", clientPubKey.SerializeCompressed(), hash)
	result, err, _ := v.checks.Do(key, func() (interface{}, error) {
		return v.check(ctx, clientPubKey, tx)
	})
	if err != nil {
		return false, err
	}

	return result.(bool), nil
}

// check walks the unconfirmed ancestry of root depth first. A transaction is
// approved once all of its parents are known to be instant, so the walk
// stops at the first transaction that is not.
func (v *Verifier) check(ctx context.Context, client *btcec.PublicKey,
	root *wire.MsgTx) (bool, error) {

	var (
		visited = fn.NewSet[chainhash.Hash]()
		stack   []*frame
	)

	onStack := func(hash chainhash.Hash) bool {
		for _, f := range stack {
			if f.hash == hash {
				return true
			}
		}
		return false
	}

	// enter evaluates tx and queues it when its parents still need to be
	// checked. It reports false if tx is not instant.
	enter := func(tx *wire.MsgTx, hash chainhash.Hash) (bool, error) {
		if visited.Contains(hash) {
			if onStack(hash) {
				log.Warnf("Tx %v spends its own descendant", hash)
				return false, nil
			}
			return true, nil
		}

		if len(stack) >= v.cfg.MaxDepth {
			log.Warnf("Ancestry of tx %v deeper than %d unconfirmed "+
				"transactions", root.TxHash(), v.cfg.MaxDepth)
			return false, nil
		}

		result, err := v.evaluate(ctx, client, tx, hash)
		if err != nil {
			return false, err
		}

		switch result {
		case verdictRejected:
			return false, nil

		case verdictParents:
			stack = append(stack, &frame{tx: tx, hash: hash})
		}
		visited.Add(hash)

		return true, nil
	}

	if ok, err := enter(root, root.TxHash()); !ok || err != nil {
		return false, err
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.next == len(top.tx.TxIn) {
			if err := v.approve(ctx, client, top.hash); err != nil {
				return false, err
			}
			stack = stack[:len(stack)-1]
			continue
		}

		prev := top.tx.TxIn[top.next].PreviousOutPoint
		top.next++

		parent, err := v.fetchParent(ctx, client, prev.Hash)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return reject(top.hash, &UnresolvableFundingError{
				Tx:       top.hash,
				OutPoint: prev,
				Reason:   "has no known parent",
			}), nil
		}

		ok, err := enter(parent, prev.Hash)
		if !ok || err != nil {
			return false, err
		}
	}

	return true, nil
}

// evaluate runs the checks that only need the transaction itself.
func (v *Verifier) evaluate(ctx context.Context, client *btcec.PublicKey,
	tx *wire.MsgTx, hash chainhash.Hash) (verdict, error) {

	stored, err := v.cfg.Ledger.GetTx(ctx, db.GetTxQuery{
		ClientPubKey: client,
		Hash:         hash,
	})
	switch {
	case err == nil && stored.Approved:
		log.Tracef("Tx %v already approved", hash)
		return verdictInstant, nil

	case err != nil && !errors.Is(err, db.ErrNotFound):
		return 0, err
	}

	depth, err := v.cfg.Chain.Depth(hash)
	switch {
	case errors.Is(err, wallet.ErrTxNotFound):
		depth = 0

	case err != nil:
		return 0, err
	}
	if depth >= v.cfg.MinConf {
		log.Tracef("Tx %v has %d confirmations", hash, depth)
		return verdictInstant, nil
	}

	now := v.cfg.Clock.Now()
	bestHeight, err := v.cfg.Chain.BestHeight()
	if err != nil {
		return 0, err
	}

	ok, err := v.signedExactlyOnce(ctx, client, tx, hash, now, bestHeight)
	if err != nil || !ok {
		return verdictRejected, err
	}

	ok, err = v.inputsLocked(ctx, client, tx, hash, now, bestHeight)
	if err != nil || !ok {
		return verdictRejected, err
	}

	return verdictParents, nil
}

// signedExactlyOnce checks that the only stored transaction of the client
// spending each input of tx is tx itself. Stored transactions with a lock
// time beyond the threshold are not counted.
func (v *Verifier) signedExactlyOnce(ctx context.Context,
	client *btcec.PublicKey, tx *wire.MsgTx, hash chainhash.Hash,
	now time.Time, bestHeight int32) (bool, error) {

	for _, in := range tx.TxIn {
		prev := in.PreviousOutPoint
		spenders, err := v.cfg.Ledger.ListSpenders(ctx, db.SpendersQuery{
			ClientPubKey: client,
			OutPoint:     prev,
		})
		if err != nil {
			return false, err
		}

		var counted []chainhash.Hash
		for _, spender := range spenders {
			if v.lockedBeyondThreshold(
				int64(spender.LockTime), now, bestHeight,
			) {
				continue
			}
			counted = append(counted, spender.Hash)
		}

		switch {
		case len(counted) == 0:
			return reject(hash, fmt.Errorf("input %v is not "+
				"signed by the client", prev)), nil

		case len(counted) > 1 || counted[0] != hash:
			return reject(hash, &DoubleSpendDetectedError{
				Tx:       hash,
				OutPoint: prev,
				Spenders: counted,
			}), nil
		}
	}

	return true, nil
}

// inputsLocked checks that every input of tx spends an output paying to a
// time-locked address of the client that stays locked beyond the threshold.
func (v *Verifier) inputsLocked(ctx context.Context, client *btcec.PublicKey,
	tx *wire.MsgTx, hash chainhash.Hash, now time.Time,
	bestHeight int32) (bool, error) {

	for _, in := range tx.TxIn {
		prev := in.PreviousOutPoint
		unresolvable := func(reason string) bool {
			return reject(hash, &UnresolvableFundingError{
				Tx:       hash,
				OutPoint: prev,
				Reason:   reason,
			})
		}

		out, err := v.cfg.Chain.ConnectedOutput(prev)
		switch {
		case errors.Is(err, wallet.ErrTxNotFound),
			errors.Is(err, wallet.ErrOutputNotFound):

			return unresolvable("is unknown"), nil

		case err != nil:
			return false, err
		}

		if !txscript.IsPayToScriptHash(out.PkScript) {
			return unresolvable("is not pay to script hash"), nil
		}

		var scriptHash [20]byte
		copy(scriptHash[:], out.PkScript[2:22])

		addr, err := v.cfg.Addresses.AddressByHash(ctx, scriptHash)
		switch {
		case errors.Is(err, db.ErrNotFound):
			return unresolvable("pays to an unknown address"), nil

		case err != nil:
			return false, err
		}

		if !addr.ClientPubKey.IsEqual(client) {
			return unresolvable("pays to another client"), nil
		}

		if !v.lockedBeyondThreshold(addr.LockTime, now, bestHeight) {
			return unresolvable(fmt.Sprintf("is unlocked at %v",
				addr.LockedUntil(now, bestHeight))), nil
		}
	}

	return true, nil
}

// reject logs why a transaction is not instant and returns false.
func reject(hash chainhash.Hash, reason error) bool {
	log.Debugf("Tx %v not instant: %v", hash, reason)
	return false
}

// lockedBeyondThreshold reports whether an absolute lock time lies more than
// the threshold in the future. Heights are compared against the best height
// plus the threshold in blocks.
func (v *Verifier) lockedBeyondThreshold(lockTime int64, now time.Time,
	bestHeight int32) bool {

	if lockTime == 0 {
		return false
	}

	if lockTime < txscript.LockTimeThreshold {
		blocks := int64(v.cfg.LockThreshold / keystore.TargetBlockInterval)
		return lockTime > int64(bestHeight)+blocks
	}

	return time.Unix(lockTime, 0).After(now.Add(v.cfg.LockThreshold))
}

// fetchParent returns a transaction from the wallet, or from the client's
// ledger when the wallet has not seen it. It returns nil if neither knows
// it.
func (v *Verifier) fetchParent(ctx context.Context, client *btcec.PublicKey,
	hash chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := v.cfg.Chain.FetchTx(hash)
	switch {
	case err == nil:
		return tx, nil

	case !errors.Is(err, wallet.ErrTxNotFound):
		return nil, err
	}

	stored, err := v.cfg.Ledger.GetTx(ctx, db.GetTxQuery{
		ClientPubKey: client,
		Hash:         hash,
	})
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, nil

	case err != nil:
		return nil, err
	}

	return stored.MsgTx, nil
}

func (v *Verifier) approve(ctx context.Context, client *btcec.PublicKey,
	hash chainhash.Hash) error {

	approved, err := v.cfg.Ledger.ApproveTx(ctx, db.ApproveTxParams{
		ClientPubKey: client,
		Hash:         hash,
	})
	if err != nil {
		return fmt.Errorf("approve tx %v: %w", hash, err)
	}
	if approved {
		log.Infof("Approved instant tx %v", hash)
	}

	return nil
}

// IsBurned reports whether an input of tx is already spent by another
// transaction approved for the client.
func (v *Verifier) IsBurned(ctx context.Context, clientPubKey *btcec.PublicKey,
	tx *wire.MsgTx) (bool, error) {

	hash := tx.TxHash()
	for _, in := range tx.TxIn {
		spenders, err := v.cfg.Ledger.ListSpenders(ctx, db.SpendersQuery{
			ClientPubKey: clientPubKey,
			OutPoint:     in.PreviousOutPoint,
			ApprovedOnly: true,
		})
		if err != nil {
			return false, err
		}

		for _, spender := range spenders {
			if spender.Hash != hash {
				log.Debugf("Input %v of tx %v already spent by "+
					"approved tx %v", in.PreviousOutPoint,
					hash, spender.Hash)
				return true, nil
			}
		}
	}

	return false, nil
}

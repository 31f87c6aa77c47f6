// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// wtxmgrNamespaceKey is the top level bucket of the transaction view.
var wtxmgrNamespaceKey = []byte("wtxmgr")

// OutputSelector picks the outputs a balance is computed over.
type OutputSelector func(pkScript []byte) bool

// SelectPkScript returns a selector matching one output script.
func SelectPkScript(pkScript []byte) OutputSelector {
	return func(s []byte) bool {
		return bytes.Equal(s, pkScript)
	}
}

// txView is the wallet's record of transactions touching watched scripts,
// kept in a wtxmgr store.
type txView struct {
	db    walletdb.DB
	store *wtxmgr.Store
}

// openTxView opens the transaction store in db, creating its namespace on
// first use.
func openTxView(db walletdb.DB, params *chaincfg.Params) (*txView, error) {
	var store *wtxmgr.Store
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxmgrNamespaceKey)
		if ns == nil {
			var err error
			ns, err = tx.CreateTopLevelBucket(wtxmgrNamespaceKey)
			if err != nil {
				return err
			}
			if err := wtxmgr.Create(ns); err != nil {
				return err
			}
		}

		var err error
		store, err = wtxmgr.Open(ns, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open transaction store: %w", err)
	}

	return &txView{db: db, store: store}, nil
}

// insert records a transaction, mined when block is not nil, and credits the
// outputs paying to scripts accepted by isWatched.
func (v *txView) insert(rec *wtxmgr.TxRecord, block *wtxmgr.BlockMeta,
	isWatched OutputSelector) error {

	return walletdb.Update(v.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxmgrNamespaceKey)

		if err := v.store.InsertTx(ns, rec, block); err != nil {
			return err
		}

		for i, out := range rec.MsgTx.TxOut {
			if !isWatched(out.PkScript) {
				continue
			}

			err := v.store.AddCredit(ns, rec, block, uint32(i), false)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// details returns the stored details of a transaction or ErrTxNotFound.
func (v *txView) details(hash *chainhash.Hash) (*wtxmgr.TxDetails, error) {
	var details *wtxmgr.TxDetails
	err := walletdb.View(v.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)

		var err error
		details, err = v.store.TxDetails(ns, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	if details == nil {
		return nil, ErrTxNotFound
	}

	return details, nil
}

// minedTx is a transaction of the view and the height of its block.
type minedTx struct {
	Hash   chainhash.Hash
	Height int32
}

// minedAt returns the transactions mined in blocks between begin and end,
// both inclusive.
func (v *txView) minedAt(begin, end int32) ([]minedTx, error) {
	if end < begin {
		return nil, nil
	}

	var mined []minedTx
	err := walletdb.View(v.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)

		return v.store.RangeTransactions(ns, begin, end,
			func(details []wtxmgr.TxDetails) (bool, error) {
				for i := range details {
					mined = append(mined, minedTx{
						Hash:   details[i].Hash,
						Height: details[i].Block.Height,
					})
				}
				return false, nil
			},
		)
	})

	return mined, err
}

// rollback removes every block at or above height from the view.
func (v *txView) rollback(height int32) error {
	return walletdb.Update(v.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxmgrNamespaceKey)
		return v.store.Rollback(ns, height)
	})
}

// balance sums the unspent outputs matching sel. Mined outputs count once
// they have minConf confirmations at syncHeight, others only if include
// accepts their transaction.
func (v *txView) balance(sel OutputSelector, minConf, syncHeight int32,
	include func(chainhash.Hash) (bool, error)) (btcutil.Amount, error) {

	var credits []wtxmgr.Credit
	err := walletdb.View(v.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)

		var err error
		credits, err = v.store.UnspentOutputs(ns)
		return err
	})
	if err != nil {
		return 0, err
	}

	var total btcutil.Amount
	for _, c := range credits {
		if !sel(c.PkScript) {
			continue
		}

		if confirmed(minConf, c.Height, syncHeight) {
			total += c.Amount
			continue
		}

		if include == nil {
			continue
		}
		ok, err := include(c.Hash)
		if err != nil {
			return 0, err
		}
		if ok {
			total += c.Amount
		}
	}

	return total, nil
}

// confirmed checks whether a transaction at height txHeight has met minConf
// confirmations for a blockchain at height curHeight.
func confirmed(minConf, txHeight, curHeight int32) bool {
	return confirms(txHeight, curHeight) >= minConf
}

// confirms returns the number of confirmations for a transaction in a block at
// height txHeight (or -1 for an unconfirmed tx) given the chain height
// curHeight.
func confirms(txHeight, curHeight int32) int32 {
	switch {
	case txHeight == -1, txHeight > curHeight:
		return 0
	default:
		return curHeight - txHeight + 1
	}
}

// output returns an output of a stored transaction.
func (v *txView) output(op wire.OutPoint) (*wire.TxOut, error) {
	details, err := v.details(&op.Hash)
	if err != nil {
		return nil, err
	}
	if op.Index >= uint32(len(details.MsgTx.TxOut)) {
		return nil, ErrOutputNotFound
	}

	return details.MsgTx.TxOut[op.Index], nil
}

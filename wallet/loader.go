// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"

	// Register the bolt backed walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// WalletDBName specified the database filename for the wallet's
	// transaction view.
	WalletDBName = "wallet.db"

	// DefaultDBTimeout is the timeout used when opening the wallet
	// database.
	DefaultDBTimeout = 60 * time.Second
)

// IsDisposableNet reports whether the chain state of the network may be
// thrown away at every start.
func IsDisposableNet(params *chaincfg.Params) bool {
	return params.Net == wire.TestNet || params.Net == wire.SimNet
}

// ResetDisposableState removes the chain and wallet state kept in dir when
// running on a regression or simulation network, forcing a rebuild from
// scratch.
func ResetDisposableState(dir string, params *chaincfg.Params) error {
	if !IsDisposableNet(params) {
		return nil
	}

	log.Infof("Removing chain state in %s for %s", dir, params.Name)

	return os.RemoveAll(dir)
}

// OpenDB opens the wallet database in dir, creating the directory and the
// database when they do not exist yet.
func OpenDB(dir string, timeout time.Duration) (walletdb.DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, WalletDBName)
	if _, err := os.Stat(dbPath); err == nil {
		return walletdb.Open("bdb", dbPath, true, timeout, false)
	}

	return walletdb.Create("bdb", dbPath, true, timeout, false)
}

// DropTxView deletes the transaction view kept in db. The next start
// rebuilds it from a rescan of the watched addresses.
func DropTxView(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		err := tx.DeleteTopLevelBucket(wtxmgrNamespaceKey)
		if err != nil && !errors.Is(err, walletdb.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}

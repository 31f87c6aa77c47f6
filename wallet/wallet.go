// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet keeps a light client view of the time-locked addresses and
// the pot address: the transactions touching them, their balances and their
// confirmation depth. It also owns the durable broadcast queue.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/instapay/instapayd/chain"
	"github.com/instapay/instapayd/internal/db"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultMinConf is the confirmation depth after which a transaction
	// is final.
	DefaultMinConf = 6

	// DefaultRebroadcastInterval is the time between two broadcast
	// attempts of a queued transaction.
	DefaultRebroadcastInterval = 10 * time.Minute

	// minSafeMainNetConf is the depth below which reorgs on mainnet are
	// common enough to warn about.
	minSafeMainNetConf = 4
)

// Store is the part of the ledger the wallet writes to.
type Store interface {
	db.BroadcastQueueStore

	// RemoveConfirmedTx deletes a confirmed transaction from the ledger
	// and the broadcast queue.
	RemoveConfirmedTx(ctx context.Context, hash chainhash.Hash) (bool,
		error)
}

// WatchedAddress is an address the wallet tracks together with the time it
// was created. Blocks older than the birthday are not scanned for it.
type WatchedAddress struct {
	Address  btcutil.Address
	Birthday time.Time
}

// Config holds the dependencies and policy of a ChainWallet.
type Config struct {
	DB          walletdb.DB
	Store       Store
	Chain       chain.Interface
	ChainParams *chaincfg.Params

	// Clock defaults to the system clock.
	Clock clock.Clock

	// MinConf is the depth at which transactions are final and removed
	// from the ledger. Balances only count outputs at this depth.
	MinConf int32

	// RebroadcastTicker drives the retry of queued broadcasts. Defaults
	// to a ticker firing every DefaultRebroadcastInterval.
	RebroadcastTicker ticker.Ticker

	// ConfirmWorkers and ConfirmQueueSize size the pool running
	// confirmation events. They default to runtime.NumCPU() and
	// DefaultConfirmQueueSize.
	ConfirmWorkers   int
	ConfirmQueueSize int

	// WatchList returns the addresses to track at startup.
	WatchList func(ctx context.Context) ([]WatchedAddress, error)

	// PotAddress is the operator's collection address. It is always
	// watched.
	PotAddress  btcutil.Address
	PotBirthday time.Time

	// OnConfirmed is called after a transaction reached MinConf
	// confirmations and was removed from the ledger.
	OnConfirmed func(chainhash.Hash)
}

// ChainWallet is a light client wallet restricted to watched addresses.
type ChainWallet struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	cfg Config

	view     *txView
	pool     *workerPool
	confirms *confirmTracker

	watchMtx sync.RWMutex
	watched  map[string]WatchedAddress
	scanning bool

	syncHeight       atomic.Int32
	synced           chan struct{}
	syncOnce         sync.Once
	confirmInstalled atomic.Bool

	publishRequests chan *wire.MsgTx

	quit chan struct{}
	wg   sync.WaitGroup
}

// New opens the wallet's transaction view and prepares the wallet. Start
// connects it to the network.
func New(cfg Config) (*ChainWallet, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RebroadcastTicker == nil {
		cfg.RebroadcastTicker = ticker.New(DefaultRebroadcastInterval)
	}
	if cfg.ConfirmWorkers <= 0 {
		cfg.ConfirmWorkers = runtime.NumCPU()
	}
	if cfg.ConfirmQueueSize <= 0 {
		cfg.ConfirmQueueSize = DefaultConfirmQueueSize
	}

	if cfg.ChainParams.Net == wire.MainNet &&
		cfg.MinConf < minSafeMainNetConf {

		log.Warnf("Minimum confirmations set to %d on mainnet, "+
			"transactions may be reorganized out after being "+
			"treated as final", cfg.MinConf)
	}

	view, err := openTxView(cfg.DB, cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	w := &ChainWallet{
		cfg:  cfg,
		view: view,
		pool: newWorkerPool(
			cfg.ConfirmWorkers, cfg.ConfirmQueueSize,
		),
		confirms:        newConfirmTracker(),
		watched:         make(map[string]WatchedAddress),
		synced:          make(chan struct{}),
		publishRequests: make(chan *wire.MsgTx, publishQueueSize),
		quit:            make(chan struct{}),
	}
	w.syncHeight.Store(-1)

	if cfg.PotAddress != nil {
		_, err := w.addWatched(cfg.PotAddress, cfg.PotBirthday)
		if err != nil {
			return nil, err
		}
	}

	return w, nil
}

// Start loads the watch list, scans the chain for it and blocks until the
// view has caught up with the best block. Queued broadcasts are then
// replayed and confirmation events are enabled.
func (w *ChainWallet) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return errors.New("wallet already started")
	}

	if w.cfg.WatchList != nil {
		addrs, err := w.cfg.WatchList(ctx)
		if err != nil {
			return fmt.Errorf("load watch list: %w", err)
		}
		for _, addr := range addrs {
			_, err := w.addWatched(addr.Address, addr.Birthday)
			if err != nil {
				return err
			}
		}
	}

	if err := w.cfg.Chain.Start(); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.handleChainNotifications()

	if err := w.startRescan(); err != nil {
		return err
	}

	select {
	case <-w.synced:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrWalletShuttingDown
	}

	log.Infof("Wallet synced to height %d", w.syncHeight.Load())

	if err := w.rebroadcastQueued(ctx); err != nil {
		return err
	}

	// Install the handler before sweeping so blocks that arrive during
	// the sweep are not missed. Duplicates are filtered by the tracker.
	w.confirmInstalled.Store(true)
	if err := w.sweepConfirmations(ctx, w.syncHeight.Load()); err != nil {
		return fmt.Errorf("sweep confirmed transactions: %w", err)
	}

	w.wg.Add(1)
	go w.broadcastHandler()

	return nil
}

// startRescan scans the chain for every watched address from the earliest
// birthday.
func (w *ChainWallet) startRescan() error {
	w.watchMtx.Lock()
	defer w.watchMtx.Unlock()

	var (
		addrs    = make([]btcutil.Address, 0, len(w.watched))
		birthday time.Time
	)
	for _, watched := range w.watched {
		if len(addrs) == 0 || watched.Birthday.Before(birthday) {
			birthday = watched.Birthday
		}
		addrs = append(addrs, watched.Address)
	}

	log.Infof("Scanning chain for %d %s from %v", len(addrs),
		pickNoun(len(addrs), "address", "addresses"), birthday)

	w.scanning = true

	return w.cfg.Chain.Rescan(birthday, addrs)
}

// Stop shuts down the wallet's goroutines and the chain client.
func (w *ChainWallet) Stop() {
	if !atomic.CompareAndSwapInt32(&w.shutdown, 0, 1) {
		return
	}

	close(w.quit)
	if atomic.LoadInt32(&w.started) == 1 {
		w.cfg.Chain.Stop()
		w.cfg.Chain.WaitForShutdown()
	}
	w.wg.Wait()
	w.pool.stop()
}

// quitContext returns a context cancelled on shutdown.
func (w *ChainWallet) quitContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-w.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// addWatched adds an address to the watch set and reports whether it was
// new.
func (w *ChainWallet) addWatched(addr btcutil.Address,
	birthday time.Time) (bool, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return false, err
	}

	w.watchMtx.Lock()
	defer w.watchMtx.Unlock()

	if _, ok := w.watched[string(pkScript)]; ok {
		return false, nil
	}
	w.watched[string(pkScript)] = WatchedAddress{
		Address:  addr,
		Birthday: birthday,
	}

	return true, nil
}

// Watch adds an address to the watch set. Watching an address twice is a
// no-op. Addresses added after startup are watched from the current tip, so
// their birthday only matters before Start.
func (w *ChainWallet) Watch(addr btcutil.Address, birthday time.Time) error {
	added, err := w.addWatched(addr, birthday)
	if err != nil || !added {
		return err
	}

	w.watchMtx.RLock()
	scanning := w.scanning
	w.watchMtx.RUnlock()

	if !scanning {
		return nil
	}

	log.Debugf("Watching %v", addr)

	err = w.cfg.Chain.NotifyReceived([]btcutil.Address{addr})
	if err != nil {
		// Forget the address so a retry notifies the backend again.
		w.unwatch(addr)
		return err
	}

	return nil
}

// unwatch removes an address from the watch set.
func (w *ChainWallet) unwatch(addr btcutil.Address) {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return
	}

	w.watchMtx.Lock()
	delete(w.watched, string(pkScript))
	w.watchMtx.Unlock()
}

// isWatched reports whether an output script pays to a watched address.
func (w *ChainWallet) isWatched(pkScript []byte) bool {
	w.watchMtx.RLock()
	defer w.watchMtx.RUnlock()

	_, ok := w.watched[string(pkScript)]
	return ok
}

// handleChainNotifications applies chain notifications to the view in
// arrival order.
func (w *ChainWallet) handleChainNotifications() {
	defer w.wg.Done()

	ctx, cancel := w.quitContext()
	defer cancel()

	notifications := w.cfg.Chain.Notifications()
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return
			}

			var err error
			switch n := n.(type) {
			case chain.ClientConnected:
				log.Infof("Chain backend connected")

			case chain.FilteredBlockConnected:
				err = w.connectBlock(ctx, n)

			case chain.BlockDisconnected:
				err = w.disconnectBlock(wtxmgr.BlockMeta(n))

			case *chain.RescanFinished:
				w.syncHeight.Store(n.Height)
				w.syncOnce.Do(func() {
					close(w.synced)
				})
			}
			if err != nil {
				log.Errorf("Cannot handle chain server "+
					"notification: %v", err)
			}

		case <-w.quit:
			return
		}
	}
}

// connectBlock records the relevant transactions of a block and raises
// confirmation events for the block that just reached the minimum depth.
func (w *ChainWallet) connectBlock(ctx context.Context,
	n chain.FilteredBlockConnected) error {

	for _, rec := range n.RelevantTxs {
		if err := w.view.insert(rec, n.Block, w.isWatched); err != nil {
			return fmt.Errorf("insert tx %v: %w", rec.Hash, err)
		}
		log.Debugf("Recorded tx %v mined at height %d", rec.Hash,
			n.Block.Height)
	}

	w.syncHeight.Store(n.Block.Height)

	if w.confirmInstalled.Load() {
		w.dispatchConfirmations(ctx, n.Block.Height)
	}

	return nil
}

// disconnectBlock rolls the view back below a block reorganized out of the
// best chain.
func (w *ChainWallet) disconnectBlock(b wtxmgr.BlockMeta) error {
	log.Infof("Block %v at height %d disconnected", b.Hash, b.Height)

	if err := w.view.rollback(b.Height); err != nil {
		return err
	}
	w.syncHeight.Store(b.Height - 1)

	return nil
}

// IsSynced reports whether the initial sync has completed.
func (w *ChainWallet) IsSynced() bool {
	select {
	case <-w.synced:
		return true
	default:
		return false
	}
}

// BestHeight returns the height the view is synced to.
func (w *ChainWallet) BestHeight() (int32, error) {
	if !w.IsSynced() {
		return 0, ErrNotSynced
	}
	return w.syncHeight.Load(), nil
}

// ReceivePending records an unconfirmed transaction so that its outputs to
// watched addresses can be used before it is mined.
func (w *ChainWallet) ReceivePending(tx *wire.MsgTx) error {
	hash := tx.TxHash()
	_, err := w.view.details(&hash)
	switch {
	case err == nil:
		return nil

	case !errors.Is(err, ErrTxNotFound):
		return err
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, w.cfg.Clock.Now())
	if err != nil {
		return err
	}

	return w.view.insert(rec, nil, w.isWatched)
}

// FetchTx returns a transaction of the view.
func (w *ChainWallet) FetchTx(hash chainhash.Hash) (*wire.MsgTx, error) {
	details, err := w.view.details(&hash)
	if err != nil {
		return nil, err
	}

	return details.MsgTx.Copy(), nil
}

// Depth returns the number of confirmations of a transaction of the view.
// Unmined transactions have depth 0.
func (w *ChainWallet) Depth(hash chainhash.Hash) (int32, error) {
	details, err := w.view.details(&hash)
	if err != nil {
		return 0, err
	}

	return confirms(details.Block.Height, w.syncHeight.Load()), nil
}

// ConnectedOutput returns the output an outpoint refers to if its
// transaction is part of the view.
func (w *ChainWallet) ConnectedOutput(op wire.OutPoint) (*wire.TxOut, error) {
	return w.view.output(op)
}

// Balance sums the unspent outputs selected by sel that have at least
// MinConf confirmations.
func (w *ChainWallet) Balance(sel OutputSelector) (btcutil.Amount, error) {
	return w.BalanceWith(sel, nil)
}

// BalanceWith is Balance that additionally counts shallower outputs of
// transactions accepted by approved.
func (w *ChainWallet) BalanceWith(sel OutputSelector,
	approved func(chainhash.Hash) (bool, error)) (btcutil.Amount, error) {

	return w.view.balance(sel, w.cfg.MinConf, w.syncHeight.Load(),
		approved)
}

// AddressBalance returns the confirmed balance of one address.
func (w *ChainWallet) AddressBalance(addr btcutil.Address) (btcutil.Amount,
	error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return 0, err
	}

	return w.Balance(SelectPkScript(pkScript))
}

// PotBalance returns the confirmed balance of the pot address.
func (w *ChainWallet) PotBalance() (btcutil.Amount, error) {
	if w.cfg.PotAddress == nil {
		return 0, errors.New("no pot address configured")
	}

	return w.AddressBalance(w.cfg.PotAddress)
}

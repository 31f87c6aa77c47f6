// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/instapay/instapayd/chain"
	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/keystore"
	"github.com/instapay/instapayd/payment"
	"github.com/instapay/instapayd/rpc/payapi"
	"github.com/instapay/instapayd/verifier"
	"github.com/instapay/instapayd/wallet"
	"github.com/lightninglabs/neutrino"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// chainDirname holds the neutrino headers and the wallet's view of
	// the chain below the network directory.
	chainDirname = "chain"

	neutrinoDBName = "neutrino.db"

	// shutdownTimeout bounds how long in flight API requests may run
	// after an interrupt.
	shutdownTimeout = 10 * time.Second
)

var cfg *config

func main() {
	// Work around defer not working after os.Exit.
	if err := instapaydMain(); err != nil {
		os.Exit(1)
	}
}

// instapaydMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls to
// os.Exit. Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func instapaydMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version())

	ctx, stop := withShutdownSignal(context.Background())
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// run opens every component and serves the payment API until ctx is
// cancelled.
func run(ctx context.Context) error {
	netDir := networkDir(cfg.AppDataDir.Value, activeNet)
	chainDir := filepath.Join(netDir, chainDirname)

	err := wallet.ResetDisposableState(chainDir, activeNet.Params)
	if err != nil {
		return fmt.Errorf("reset chain state: %w", err)
	}

	store, err := db.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	crypter, err := openKeyCrypter(
		ctx, store, []byte(cfg.KeyPass), promptPassphrase,
	)
	if err != nil {
		return err
	}
	defer crypter.Zero()

	var pot *keystore.PotKey
	if cfg.PotKey != "" {
		pot, err = keystore.ParsePotKey(
			cfg.PotKey, time.Unix(cfg.PotBirthday, 0),
			activeNet.Params,
		)
		if err != nil {
			return err
		}
		defer pot.PrivKey.Zero()
	}

	spvDB, chainService, err := newChainService(chainDir)
	if err != nil {
		return err
	}
	defer spvDB.Close()
	defer func() {
		if err := chainService.Stop(); err != nil {
			log.Errorf("Unable to stop chain service: %v", err)
		}
	}()

	walletDB, err := wallet.OpenDB(chainDir, cfg.DBTimeout)
	if err != nil {
		return fmt.Errorf("open wallet database: %w", err)
	}
	defer walletDB.Close()

	var w *wallet.ChainWallet
	keys := keystore.New(keystore.Config{
		Store:       store,
		Crypter:     crypter,
		ChainParams: activeNet.Params,
		MinLockTime: cfg.MinLockTime,
		MaxLockTime: cfg.MaxLockTime,
		BestHeight: func() (int32, error) {
			return w.BestHeight()
		},
	})

	walletCfg := wallet.Config{
		DB:                walletDB,
		Store:             store,
		Chain:             chain.NewNeutrinoClient(chainService),
		ChainParams:       activeNet.Params,
		MinConf:           cfg.MinConf,
		RebroadcastTicker: ticker.New(cfg.Rebroadcast),
		ConfirmWorkers:    cfg.ConfWorkers,
		ConfirmQueueSize:  cfg.ConfQueue,
		WatchList:         watchList(keys),
		OnConfirmed: func(hash chainhash.Hash) {
			log.Debugf("Transaction %v is final", hash)
		},
	}
	if pot != nil {
		walletCfg.PotAddress = pot.Address
		walletCfg.PotBirthday = pot.Birthday
	}
	w, err = wallet.New(walletCfg)
	if err != nil {
		return err
	}
	defer w.Stop()

	verify := verifier.New(verifier.Config{
		Ledger:        store,
		Chain:         w,
		Addresses:     keys,
		MinConf:       cfg.MinConf,
		LockThreshold: cfg.InstantThreshold,
	})

	payments := payment.New(payment.Config{
		Keys:          keys,
		Ledger:        store,
		Wallet:        w,
		Verifier:      verify,
		RelayFeePerKb: cfg.DustRelayFee.Amount,
	})

	listeners, err := listen(cfg.APIListeners)
	if err != nil {
		return err
	}

	apiOpts := payapi.Options{
		Keys:        keys,
		Wallet:      w,
		Payments:    payments,
		ChainParams: activeNet.Params,
		MaxClients:  cfg.APIMaxClients,
	}
	if pot != nil {
		apiOpts.PotAddress = pot.Address
	}
	server := payapi.NewServer(apiOpts, listeners)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Starting wallet sync")
		return w.Start(gctx)
	})
	g.Go(func() error {
		server.Start()
		<-gctx.Done()

		log.Warn("Stopping payment API...")
		stopCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		server.Stop(stopCtx)
		log.Info("Payment API shutdown")

		return gctx.Err()
	})

	return g.Wait()
}

// newChainService creates the neutrino chain service and its header
// database in dir.
func newChainService(dir string) (walletdb.DB, *neutrino.ChainService,
	error) {

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, err
	}

	dbPath := filepath.Join(dir, neutrinoDBName)
	spvDB, err := walletdb.Create("bdb", dbPath, true, cfg.DBTimeout, false)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create neutrino DB: %w",
			err)
	}

	chainService, err := neutrino.NewChainService(neutrino.Config{
		DataDir:      dir,
		Database:     spvDB,
		ChainParams:  *activeNet.Params,
		ConnectPeers: cfg.ConnectPeers,
		AddPeers:     cfg.AddPeers,
	})
	if err != nil {
		spvDB.Close()
		return nil, nil, fmt.Errorf("couldn't create neutrino "+
			"ChainService: %w", err)
	}

	return spvDB, chainService, nil
}

// watchList returns the stored addresses for the wallet's initial scan.
func watchList(keys *keystore.KeyStore) func(
	context.Context) ([]wallet.WatchedAddress, error) {

	return func(ctx context.Context) ([]wallet.WatchedAddress, error) {
		addrs, err := keys.AllAddresses(ctx)
		if err != nil {
			return nil, err
		}

		watched := make([]wallet.WatchedAddress, 0, len(addrs))
		for _, addr := range addrs {
			encoded, err := addr.Encode(activeNet.Params)
			if err != nil {
				return nil, err
			}
			watched = append(watched, wallet.WatchedAddress{
				Address:  encoded,
				Birthday: addr.CreatedAt,
			})
		}

		return watched, nil
	}
}

// listen opens a TCP listener for every address.
func listen(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("unable to listen on %s: %w",
				addr, err)
		}
		listeners = append(listeners, lis)
	}

	return listeners, nil
}

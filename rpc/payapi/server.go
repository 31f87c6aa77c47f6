// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package payapi serves the JSON HTTP API clients use to register keys,
// derive time-locked addresses and submit payments.
package payapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/instapay/instapayd/keystore"
	"github.com/instapay/instapayd/payment"
	"github.com/julienschmidt/httprouter"
)

const (
	// DefaultMaxClients is the default number of requests served
	// concurrently.
	DefaultMaxClients = 100

	// maxBodySize bounds request bodies.
	maxBodySize = 1 << 20

	readTimeout = 30 * time.Second
)

// KeyStore registers clients and derives their addresses.
// *keystore.KeyStore implements it.
type KeyStore interface {
	RegisterClient(ctx context.Context, clientPubKey *btcec.PublicKey) (
		*btcec.PublicKey, error)
	DeriveTimeLockedAddress(ctx context.Context,
		clientPubKey *btcec.PublicKey, lockTime int64) (
		*keystore.Address, *btcec.PrivateKey, error)
}

// Wallet tracks derived addresses and reports balances.
// *wallet.ChainWallet implements it.
type Wallet interface {
	Watch(addr btcutil.Address, birthday time.Time) error
	AddressBalance(addr btcutil.Address) (btcutil.Amount, error)
	PotBalance() (btcutil.Amount, error)
}

// Payments handles transaction submissions. *payment.Service implements it.
type Payments interface {
	SignVerify(ctx context.Context, req *payment.Request) (*payment.Result,
		error)
	Refund(ctx context.Context, clientPubKey *btcec.PublicKey,
		tx *wire.MsgTx) (*payment.Result, error)
}

// Options contains the dependencies and limits of the API server.
type Options struct {
	Keys        KeyStore
	Wallet      Wallet
	Payments    Payments
	ChainParams *chaincfg.Params

	// PotAddress is reported by the pot endpoint.
	PotAddress btcutil.Address

	// MaxClients bounds concurrently served requests. Defaults to
	// DefaultMaxClients.
	MaxClients int64
}

// Server serves the payment API on a set of listeners.
type Server struct {
	opts       Options
	httpServer http.Server
	listeners  []net.Listener

	wg      sync.WaitGroup
	quit    chan struct{}
	quitMtx sync.Mutex
}

// NewServer creates a server for the given listeners. Serving starts with
// Start.
func NewServer(opts Options, listeners []net.Listener) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}

	s := &Server{
		opts:      opts,
		listeners: listeners,
		quit:      make(chan struct{}),
	}
	s.httpServer = http.Server{
		Handler:     throttled(opts.MaxClients, s.router()),
		ReadTimeout: readTimeout,
	}

	return s
}

// router registers the API routes.
func (s *Server) router() *httprouter.Router {
	mux := httprouter.New()

	// POST { clientPublicKey } -> { serverPublicKey }
	mux.POST("/v1/clients", s.registerClient)

	// POST { clientPublicKey, lockTime } -> { address, redeemScript, ... }
	mux.POST("/v1/addresses", s.createAddress)

	// GET /v1/addresses/:address/qr?amount=sat -> PNG
	mux.GET("/v1/addresses/:address/qr", s.getAddressQR)

	// POST { clientPublicKey, tx, signatures | psbt } -> { verdict, ... }
	mux.POST("/v1/transactions", s.submitTransaction)

	// POST { clientPublicKey, tx } -> { verdict, txHash }
	mux.POST("/v1/refunds", s.submitRefund)

	// GET /v1/balance/:address -> { confirmed, btc }
	mux.GET("/v1/balance/:address", s.getBalance)

	// GET /v1/pot -> { address, confirmed, btc }
	mux.GET("/v1/pot", s.getPot)

	return mux
}

// Start serves requests on every listener.
func (s *Server) Start() {
	for _, lis := range s.listeners {
		s.serve(lis)
	}
}

func (s *Server) serve(lis net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Infof("Payment API listening on %s", lis.Addr())
		err := s.httpServer.Serve(lis)
		log.Tracef("Finished serving payment API: %v", err)
	}()
}

// Stop shuts the server down, waiting for active requests up to the
// context's deadline.
func (s *Server) Stop(ctx context.Context) {
	s.quitMtx.Lock()
	select {
	case <-s.quit:
		s.quitMtx.Unlock()
		return
	default:
	}
	close(s.quit)
	s.quitMtx.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Errorf("Unable to shut down payment API: %v", err)
	}
	s.wg.Wait()
}

// throttled wraps an http.Handler with throttling of concurrent active
// clients by responding with an HTTP 429 when the threshold is crossed.
func throttled(threshold int64, h http.Handler) http.Handler {
	var active int64

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&active, 1)
		defer atomic.AddInt64(&active, -1)

		if current-1 >= threshold {
			log.Warnf("Reached threshold of %d concurrent active "+
				"clients", threshold)
			sendErrorResponse(w, http.StatusTooManyRequests,
				NotAvailable, "too many requests")
			return
		}

		h.ServeHTTP(w, r)
	})
}

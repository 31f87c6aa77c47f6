// Package payment co-signs client payments spending time-locked addresses,
// records them, hands them to the wallet for broadcast and reports whether
// they can be accepted as instant.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"
	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/keystore"
	"github.com/instapay/instapayd/wallet"
	"github.com/lightningnetwork/lnd/clock"
)

// Verdict is the outcome of a payment submission.
type Verdict uint8

const (
	// VerdictBurnedOutputs means an input is already spent by an approved
	// transaction of the client.
	VerdictBurnedOutputs Verdict = iota

	// VerdictInputMismatch means an input does not spend a time-locked
	// address of the client, or its signature is missing.
	VerdictInputMismatch

	// VerdictTxError means the transaction is malformed, pays dust or its
	// scripts do not verify.
	VerdictTxError

	// VerdictSuccessInstant means the transaction was signed, queued for
	// broadcast and accepted as instant.
	VerdictSuccessInstant

	// VerdictSuccessNotInstant means the transaction was signed and
	// queued for broadcast but must wait for confirmations.
	VerdictSuccessNotInstant
)

// String returns the wire name of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictBurnedOutputs:
		return "BURNED_OUTPUTS"
	case VerdictInputMismatch:
		return "INPUT_MISMATCH"
	case VerdictTxError:
		return "TX_ERROR"
	case VerdictSuccessInstant:
		return "SUCCESS_INSTANT"
	case VerdictSuccessNotInstant:
		return "SUCCESS_NOT_INSTANT"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

// Success reports whether the transaction was accepted.
func (v Verdict) Success() bool {
	return v == VerdictSuccessInstant || v == VerdictSuccessNotInstant
}

// Request is a client transaction to co-sign.
type Request struct {
	ClientPubKey *btcec.PublicKey

	// Tx is the unsigned transaction. Every input must spend a
	// time-locked address of the client.
	Tx *wire.MsgTx

	// ClientSigs holds the client's signature for each input, DER encoded
	// with the sighash type appended.
	ClientSigs [][]byte
}

// Result is the outcome of a submission.
type Result struct {
	Verdict Verdict

	// Tx is the fully signed transaction on success.
	Tx *wire.MsgTx

	// Reason describes why a transaction was rejected.
	Reason error
}

func reject(verdict Verdict, format string, args ...interface{}) *Result {
	return &Result{
		Verdict: verdict,
		Reason:  fmt.Errorf(format, args...),
	}
}

// KeyStore provides the server keys and the client's addresses.
type KeyStore interface {
	ServerKey(ctx context.Context, clientPubKey *btcec.PublicKey) (
		*btcec.PrivateKey, error)
	AddressByHash(ctx context.Context, hash [20]byte) (*keystore.Address,
		error)
}

// Ledger records submitted transactions.
type Ledger interface {
	CreateTx(ctx context.Context, params db.CreateTxParams) (*db.TxInfo,
		error)
}

// Wallet resolves spent outputs and broadcasts signed transactions.
// *wallet.ChainWallet implements it.
type Wallet interface {
	ConnectedOutput(op wire.OutPoint) (*wire.TxOut, error)
	ReceivePending(tx *wire.MsgTx) error
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// Verifier evaluates instant payments. *verifier.Verifier implements it.
type Verifier interface {
	IsInstant(ctx context.Context, clientPubKey *btcec.PublicKey,
		redeemScript []byte, tx *wire.MsgTx) (bool, error)
	IsBurned(ctx context.Context, clientPubKey *btcec.PublicKey,
		tx *wire.MsgTx) (bool, error)
}

// Config holds the dependencies of a Service.
type Config struct {
	Keys     KeyStore
	Ledger   Ledger
	Wallet   Wallet
	Verifier Verifier

	// Clock defaults to the system clock.
	Clock clock.Clock

	// RelayFeePerKb is the fee rate used to classify dust outputs.
	// Defaults to txrules.DefaultRelayFeePerKb.
	RelayFeePerKb btcutil.Amount
}

// Service handles payment submissions.
type Service struct {
	cfg Config
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RelayFeePerKb == 0 {
		cfg.RelayFeePerKb = txrules.DefaultRelayFeePerKb
	}

	return &Service{cfg: cfg}
}

// spentInput is an input together with the output and address it spends.
type spentInput struct {
	prevOut *wire.TxOut
	address *keystore.Address
}

// resolveInputs returns the client address spent by every input of tx. The
// result is nil with a rejection if an input does not belong to the client.
func (s *Service) resolveInputs(ctx context.Context,
	client *btcec.PublicKey, tx *wire.MsgTx) ([]spentInput, *Result,
	error) {

	inputs := make([]spentInput, len(tx.TxIn))
	for i, in := range tx.TxIn {
		prev := in.PreviousOutPoint

		out, err := s.cfg.Wallet.ConnectedOutput(prev)
		switch {
		case errors.Is(err, wallet.ErrTxNotFound),
			errors.Is(err, wallet.ErrOutputNotFound):

			return nil, reject(VerdictInputMismatch,
				"input %d spends unknown output %v", i, prev), nil

		case err != nil:
			return nil, nil, err
		}

		if !txscript.IsPayToScriptHash(out.PkScript) {
			return nil, reject(VerdictInputMismatch,
				"input %d does not spend a time-locked address",
				i), nil
		}

		var hash [20]byte
		copy(hash[:], out.PkScript[2:22])
		addr, err := s.cfg.Keys.AddressByHash(ctx, hash)
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil, reject(VerdictInputMismatch,
				"input %d spends unknown address %x", i,
				hash), nil

		case err != nil:
			return nil, nil, err
		}

		if !addr.ClientPubKey.IsEqual(client) {
			return nil, reject(VerdictInputMismatch,
				"input %d spends an address of another client",
				i), nil
		}

		inputs[i] = spentInput{prevOut: out, address: addr}
	}

	return inputs, nil, nil
}

// checkOutputs rejects malformed transactions and dust outputs.
func (s *Service) checkOutputs(tx *wire.MsgTx) *Result {
	if err := blockchain.CheckTransactionSanity(btcutil.NewTx(tx)); err != nil {
		return reject(VerdictTxError, "invalid transaction: %v", err)
	}

	for i, out := range tx.TxOut {
		if txrules.IsDustOutput(out, s.cfg.RelayFeePerKb) {
			return reject(VerdictTxError, "output %d of %v is dust",
				i, btcutil.Amount(out.Value))
		}
	}

	return nil
}

// verifyScripts runs every input of tx through the script engine.
func verifyScripts(tx *wire.MsgTx, inputs []spentInput) error {
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		prevOuts.AddPrevOut(in.PreviousOutPoint, inputs[i].prevOut)
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)

	for i, input := range inputs {
		vm, err := txscript.NewEngine(
			input.prevOut.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, sigHashes,
			input.prevOut.Value, prevOuts,
		)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	return nil
}

// SignVerify co-signs a client payment. Accepted payments are recorded,
// queued for broadcast and checked for instant acceptance.
func (s *Service) SignVerify(ctx context.Context, req *Request) (*Result,
	error) {

	client := req.ClientPubKey
	hash := req.Tx.TxHash()

	burned, err := s.cfg.Verifier.IsBurned(ctx, client, req.Tx)
	if err != nil {
		return nil, err
	}
	if burned {
		log.Warnf("Client %x submitted tx %v with burned outputs",
			client.SerializeCompressed(), hash)
		return reject(VerdictBurnedOutputs, "inputs already spent by "+
			"an approved transaction"), nil
	}

	if len(req.ClientSigs) != len(req.Tx.TxIn) {
		return reject(VerdictInputMismatch, "%d signatures for %d "+
			"inputs", len(req.ClientSigs), len(req.Tx.TxIn)), nil
	}

	inputs, rejection, err := s.resolveInputs(ctx, client, req.Tx)
	if err != nil || rejection != nil {
		return rejection, err
	}

	if rejection := s.checkOutputs(req.Tx); rejection != nil {
		return rejection, nil
	}

	serverKey, err := s.cfg.Keys.ServerKey(ctx, client)
	if err != nil {
		return nil, err
	}
	defer serverKey.Zero()

	signed := req.Tx.Copy()
	for i, input := range inputs {
		serverSig, err := txscript.RawTxInSignature(
			signed, i, input.address.RedeemScript,
			txscript.SigHashAll, serverKey,
		)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}

		scriptSig, err := input.address.SpendScriptSig(
			req.ClientSigs[i], serverSig,
		)
		if err != nil {
			return reject(VerdictTxError, "input %d: %v", i, err), nil
		}
		signed.TxIn[i].SignatureScript = scriptSig
	}

	if err := verifyScripts(signed, inputs); err != nil {
		log.Debugf("Tx %v failed script verification: %v", hash, err)
		return reject(VerdictTxError, "script verification failed: "+
			"%v", err), nil
	}

	signedHash := signed.TxHash()
	_, err = s.cfg.Ledger.CreateTx(ctx, db.CreateTxParams{
		ClientPubKey: client,
		MsgTx:        signed,
		CreatedAt:    s.cfg.Clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("record tx %v: %w", signedHash, err)
	}

	if err := s.cfg.Wallet.ReceivePending(signed); err != nil {
		return nil, fmt.Errorf("add pending tx %v: %w", signedHash, err)
	}

	err = s.cfg.Wallet.Broadcast(ctx, signed)
	var transient *wallet.BroadcastTransientError
	switch {
	case errors.As(err, &transient):
		log.Warnf("Broadcast of tx %v failed, will retry: %v",
			signedHash, err)

	case err != nil:
		return nil, fmt.Errorf("broadcast tx %v: %w", signedHash, err)
	}

	result := &Result{
		Verdict: VerdictSuccessNotInstant,
		Tx:      signed,
	}

	instant, err := s.cfg.Verifier.IsInstant(ctx, client, nil, signed)
	switch {
	case err != nil:
		log.Errorf("Unable to evaluate tx %v: %v", signedHash, err)

	case instant:
		result.Verdict = VerdictSuccessInstant
	}

	log.Infof("Signed tx %v for client %x: %v", signedHash,
		client.SerializeCompressed(), result.Verdict)
	log.Tracef("Signed tx %v: %v", signedHash, newLogClosure(func() string {
		return spew.Sdump(signed)
	}))

	return result, nil
}

// Refund records a refund transaction of the client, spending its
// time-locked addresses through the lock time path. The transaction is not
// co-signed or broadcast; it is kept so that instant checks account for it
// once its lock time comes close.
func (s *Service) Refund(ctx context.Context, client *btcec.PublicKey,
	tx *wire.MsgTx) (*Result, error) {

	inputs, rejection, err := s.resolveInputs(ctx, client, tx)
	if err != nil || rejection != nil {
		return rejection, err
	}

	if rejection := s.checkOutputs(tx); rejection != nil {
		return rejection, nil
	}

	for i, input := range inputs {
		if int64(tx.LockTime) < input.address.LockTime {
			return reject(VerdictTxError, "lock time %d of refund "+
				"before lock time %d of input %d", tx.LockTime,
				input.address.LockTime, i), nil
		}
		if tx.TxIn[i].Sequence == wire.MaxTxInSequenceNum {
			return reject(VerdictTxError, "input %d of refund is "+
				"final", i), nil
		}
	}

	if err := verifyScripts(tx, inputs); err != nil {
		return reject(VerdictTxError, "script verification failed: "+
			"%v", err), nil
	}

	_, err = s.cfg.Ledger.CreateTx(ctx, db.CreateTxParams{
		ClientPubKey: client,
		MsgTx:        tx,
		CreatedAt:    s.cfg.Clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("record refund %v: %w", tx.TxHash(), err)
	}

	log.Infof("Recorded refund %v for client %x, lock time %d",
		tx.TxHash(), client.SerializeCompressed(), tx.LockTime)

	return &Result{
		Verdict: VerdictSuccessNotInstant,
		Tx:      tx,
	}, nil
}

package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/internal/sqltest"
	"github.com/instapay/instapayd/keystore"
	"github.com/instapay/instapayd/snacl"
	"github.com/instapay/instapayd/verifier"
	"github.com/instapay/instapayd/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Unix(1700000000, 0)

	lockTime = testNow.Add(7 * 24 * time.Hour).Unix()
)

// fakeWallet serves both the payment service and the verifier from a fixed
// set of transactions.
type fakeWallet struct {
	mu           sync.Mutex
	txns         map[chainhash.Hash]*wire.MsgTx
	depths       map[chainhash.Hash]int32
	broadcasts   []chainhash.Hash
	broadcastErr error
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		txns:   make(map[chainhash.Hash]*wire.MsgTx),
		depths: make(map[chainhash.Hash]int32),
	}
}

func (w *fakeWallet) add(tx *wire.MsgTx, depth int32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.txns[tx.TxHash()] = tx
	w.depths[tx.TxHash()] = depth
}

func (w *fakeWallet) FetchTx(hash chainhash.Hash) (*wire.MsgTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, ok := w.txns[hash]
	if !ok {
		return nil, wallet.ErrTxNotFound
	}
	return tx, nil
}

func (w *fakeWallet) Depth(hash chainhash.Hash) (int32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	depth, ok := w.depths[hash]
	if !ok {
		return 0, wallet.ErrTxNotFound
	}
	return depth, nil
}

func (w *fakeWallet) ConnectedOutput(op wire.OutPoint) (*wire.TxOut, error) {
	tx, err := w.FetchTx(op.Hash)
	if err != nil {
		return nil, err
	}
	if op.Index >= uint32(len(tx.TxOut)) {
		return nil, wallet.ErrOutputNotFound
	}
	return tx.TxOut[op.Index], nil
}

func (w *fakeWallet) BestHeight() (int32, error) {
	return 1000, nil
}

func (w *fakeWallet) ReceivePending(tx *wire.MsgTx) error {
	w.add(tx, 0)
	return nil
}

func (w *fakeWallet) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.broadcasts = append(w.broadcasts, tx.TxHash())
	return w.broadcastErr
}

type testHarness struct {
	service *Service
	keys    *keystore.KeyStore
	store   *db.SQLStore
	wallet  *fakeWallet

	clientKey *btcec.PrivateKey
	client    *btcec.PublicKey
	address   *keystore.Address
	funding   *wire.MsgTx
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	ctx := context.Background()
	testDB := sqltest.NewSQLiteDB(t)
	store, err := db.New(ctx, testDB.DB, testDB.Driver)
	require.NoError(t, err)

	cryptoKey, err := snacl.GenerateCryptoKey()
	require.NoError(t, err)

	testClock := clock.NewTestClock(testNow)
	fake := newFakeWallet()
	keys := keystore.New(keystore.Config{
		Store:       store,
		Crypter:     cryptoKey,
		ChainParams: &chaincfg.RegressionNetParams,
		Clock:       testClock,
	})

	h := &testHarness{
		service: New(Config{
			Keys:   keys,
			Ledger: store,
			Wallet: fake,
			Verifier: verifier.New(verifier.Config{
				Ledger:    store,
				Chain:     fake,
				Addresses: keys,
				Clock:     testClock,
			}),
			Clock: testClock,
		}),
		keys:   keys,
		store:  store,
		wallet: fake,
	}

	h.clientKey, err = btcec.NewPrivateKey()
	require.NoError(t, err)
	h.client = h.clientKey.PubKey()

	_, err = keys.RegisterClient(ctx, h.client)
	require.NoError(t, err)

	h.address, _, err = keys.DeriveTimeLockedAddress(ctx, h.client, lockTime)
	require.NoError(t, err)

	h.funding = h.fund(t, h.address, wallet.DefaultMinConf)

	return h
}

// fund adds a transaction paying 1 BTC to addr at the given depth.
func (h *testHarness) fund(t *testing.T, addr *keystore.Address,
	depth int32) *wire.MsgTx {

	t.Helper()

	pkScript, err := addr.PkScript()
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash: chainhash.Hash{0xf0, byte(depth)},
	}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(btcutil.SatoshiPerBitcoin, pkScript))

	h.wallet.add(tx, depth)

	return tx
}

func payee(t *testing.T) []byte {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return pkScript
}

// payment spends output 0 of funding to a fresh payee.
func payment(t *testing.T, funding *wire.MsgTx,
	amount btcutil.Amount) *wire.MsgTx {

	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: funding.TxHash()}, nil,
		nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), payee(t)))

	return tx
}

// request signs every input of tx with the client key.
func (h *testHarness) request(t *testing.T, tx *wire.MsgTx,
	signer *btcec.PrivateKey) *Request {

	t.Helper()

	sigs := make([][]byte, len(tx.TxIn))
	for i := range tx.TxIn {
		sig, err := txscript.RawTxInSignature(
			tx, i, h.address.RedeemScript, txscript.SigHashAll,
			signer,
		)
		require.NoError(t, err)
		sigs[i] = sig
	}

	return &Request{
		ClientPubKey: h.client,
		Tx:           tx,
		ClientSigs:   sigs,
	}
}

func (h *testHarness) stored(t *testing.T, hash chainhash.Hash) *db.TxInfo {
	t.Helper()

	info, err := h.store.GetTx(context.Background(), db.GetTxQuery{
		ClientPubKey: h.client,
		Hash:         hash,
	})
	require.NoError(t, err)

	return info
}

func TestSignVerifyInstant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)

	tx := payment(t, h.funding, 50000)
	result, err := h.service.SignVerify(ctx, h.request(t, tx, h.clientKey))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccessInstant, result.Verdict, result.Reason)
	require.True(t, result.Verdict.Success())

	signed := result.Tx
	require.NotEmpty(t, signed.TxIn[0].SignatureScript)
	require.Empty(t, tx.TxIn[0].SignatureScript)

	// The signed transaction verifies against the funding output.
	vm, err := txscript.NewEngine(
		h.funding.TxOut[0].PkScript, signed, 0,
		txscript.StandardVerifyFlags, nil, nil,
		h.funding.TxOut[0].Value, txscript.NewCannedPrevOutputFetcher(
			h.funding.TxOut[0].PkScript, h.funding.TxOut[0].Value,
		),
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())

	require.True(t, h.stored(t, signed.TxHash()).Approved)
	require.Equal(t, []chainhash.Hash{signed.TxHash()}, h.wallet.broadcasts)

	depth, err := h.wallet.Depth(signed.TxHash())
	require.NoError(t, err)
	require.Zero(t, depth)

	// A second payment from the same output is burned.
	again := payment(t, h.funding, 40000)
	result, err = h.service.SignVerify(ctx, h.request(t, again, h.clientKey))
	require.NoError(t, err)
	require.Equal(t, VerdictBurnedOutputs, result.Verdict)
	require.Nil(t, result.Tx)
}

// TestSignVerifyNotInstant checks that payments from an unconfirmed
// funding transaction are signed but need confirmations.
func TestSignVerifyNotInstant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)
	funding := h.fund(t, h.address, 0)

	tx := payment(t, funding, 50000)
	result, err := h.service.SignVerify(ctx, h.request(t, tx, h.clientKey))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccessNotInstant, result.Verdict)
	require.NotNil(t, result.Tx)
	require.False(t, h.stored(t, result.Tx.TxHash()).Approved)
}

// TestSignVerifyTransientBroadcast checks that a failed relay does not fail
// the payment.
func TestSignVerifyTransientBroadcast(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.wallet.broadcastErr = &wallet.BroadcastTransientError{
		Err: errors.New("no peers"),
	}

	tx := payment(t, h.funding, 50000)
	result, err := h.service.SignVerify(
		context.Background(), h.request(t, tx, h.clientKey),
	)
	require.NoError(t, err)
	require.Equal(t, VerdictSuccessInstant, result.Verdict)
}

func TestSignVerifyRejects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("signature count", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		req := h.request(t, payment(t, h.funding, 50000), h.clientKey)
		req.ClientSigs = nil

		result, err := h.service.SignVerify(ctx, req)
		require.NoError(t, err)
		require.Equal(t, VerdictInputMismatch, result.Verdict)
	})

	t.Run("unknown output", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		tx := payment(t, h.funding, 50000)
		tx.TxIn[0].PreviousOutPoint.Index = 3

		result, err := h.service.SignVerify(
			ctx, h.request(t, tx, h.clientKey),
		)
		require.NoError(t, err)
		require.Equal(t, VerdictInputMismatch, result.Verdict)
	})

	t.Run("other client's address", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		otherKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		_, err = h.keys.RegisterClient(ctx, otherKey.PubKey())
		require.NoError(t, err)
		other, _, err := h.keys.DeriveTimeLockedAddress(
			ctx, otherKey.PubKey(), lockTime,
		)
		require.NoError(t, err)

		funding := h.fund(t, other, 1)
		result, err := h.service.SignVerify(
			ctx, h.request(t, payment(t, funding, 50000), h.clientKey),
		)
		require.NoError(t, err)
		require.Equal(t, VerdictInputMismatch, result.Verdict)
	})

	t.Run("dust output", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		tx := payment(t, h.funding, 100)

		result, err := h.service.SignVerify(
			ctx, h.request(t, tx, h.clientKey),
		)
		require.NoError(t, err)
		require.Equal(t, VerdictTxError, result.Verdict)
	})

	t.Run("wrong client signature", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		otherKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		tx := payment(t, h.funding, 50000)
		result, err := h.service.SignVerify(
			ctx, h.request(t, tx, otherKey),
		)
		require.NoError(t, err)
		require.Equal(t, VerdictTxError, result.Verdict)
		require.Empty(t, h.wallet.broadcasts)

		txns, err := h.store.ListTxns(ctx, db.ListTxnsQuery{
			ClientPubKey: h.client,
		})
		require.NoError(t, err)
		require.Empty(t, txns)
	})
}

func TestRequestFromPSBT(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	tx := payment(t, h.funding, 50000)
	req := h.request(t, tx, h.clientKey)

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	b64, err := packet.B64Encode()
	require.NoError(t, err)
	_, err = RequestFromPSBT(h.client, b64)
	require.ErrorIs(t, err, ErrMissingClientSig)

	packet.Inputs[0].PartialSigs = []*psbt.PartialSig{{
		PubKey:    h.client.SerializeCompressed(),
		Signature: req.ClientSigs[0],
	}}
	b64, err = packet.B64Encode()
	require.NoError(t, err)

	fromPSBT, err := RequestFromPSBT(h.client, b64)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), fromPSBT.Tx.TxHash())
	require.Equal(t, req.ClientSigs, fromPSBT.ClientSigs)

	result, err := h.service.SignVerify(context.Background(), fromPSBT)
	require.NoError(t, err)
	require.Equal(t, VerdictSuccessInstant, result.Verdict)

	_, err = RequestFromPSBT(h.client, "not a psbt")
	require.Error(t, err)
}

// refund returns a refund of output 0 of funding through the lock time path.
func (h *testHarness) refund(t *testing.T, funding *wire.MsgTx,
	txLockTime uint32) *wire.MsgTx {

	t.Helper()

	tx := payment(t, funding, 90000)
	tx.LockTime = txLockTime
	tx.TxIn[0].Sequence = 0

	sig, err := txscript.RawTxInSignature(
		tx, 0, h.address.RedeemScript, txscript.SigHashAll, h.clientKey,
	)
	require.NoError(t, err)

	tx.TxIn[0].SignatureScript, err = h.address.RefundScriptSig(sig)
	require.NoError(t, err)

	return tx
}

// TestRefund checks that refunds are recorded and that a far-future refund
// does not prevent instant payments from the same output.
func TestRefund(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)

	early := h.refund(t, h.funding, uint32(lockTime-1))
	result, err := h.service.Refund(ctx, h.client, early)
	require.NoError(t, err)
	require.Equal(t, VerdictTxError, result.Verdict)

	refund := h.refund(t, h.funding, uint32(lockTime))
	result, err = h.service.Refund(ctx, h.client, refund)
	require.NoError(t, err)
	require.Equal(t, VerdictSuccessNotInstant, result.Verdict, result.Reason)
	require.False(t, h.stored(t, refund.TxHash()).Approved)
	require.Empty(t, h.wallet.broadcasts)

	tx := payment(t, h.funding, 50000)
	result, err = h.service.SignVerify(ctx, h.request(t, tx, h.clientKey))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccessInstant, result.Verdict)
}

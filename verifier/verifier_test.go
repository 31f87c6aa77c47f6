package verifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/internal/sqltest"
	"github.com/instapay/instapayd/keystore"
	"github.com/instapay/instapayd/snacl"
	"github.com/instapay/instapayd/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

const testBestHeight = 1000

// fakeChain is a ChainView over a fixed set of transactions.
type fakeChain struct {
	mu     sync.Mutex
	txns   map[chainhash.Hash]*wire.MsgTx
	depths map[chainhash.Hash]int32
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		txns:   make(map[chainhash.Hash]*wire.MsgTx),
		depths: make(map[chainhash.Hash]int32),
	}
}

func (c *fakeChain) add(tx *wire.MsgTx, depth int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.txns[tx.TxHash()] = tx
	c.depths[tx.TxHash()] = depth
}

func (c *fakeChain) FetchTx(hash chainhash.Hash) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txns[hash]
	if !ok {
		return nil, wallet.ErrTxNotFound
	}
	return tx, nil
}

func (c *fakeChain) Depth(hash chainhash.Hash) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	depth, ok := c.depths[hash]
	if !ok {
		return 0, wallet.ErrTxNotFound
	}
	return depth, nil
}

func (c *fakeChain) ConnectedOutput(op wire.OutPoint) (*wire.TxOut, error) {
	tx, err := c.FetchTx(op.Hash)
	if err != nil {
		return nil, err
	}
	if op.Index >= uint32(len(tx.TxOut)) {
		return nil, wallet.ErrOutputNotFound
	}
	return tx.TxOut[op.Index], nil
}

func (c *fakeChain) BestHeight() (int32, error) {
	return testBestHeight, nil
}

type testHarness struct {
	verifier *Verifier
	keys     *keystore.KeyStore
	store    *db.SQLStore
	chain    *fakeChain

	client *btcec.PublicKey
}

func newTestHarness(t *testing.T, mod func(*Config)) *testHarness {
	t.Helper()

	ctx := context.Background()
	testDB := sqltest.NewSQLiteDB(t)
	store, err := db.New(ctx, testDB.DB, testDB.Driver)
	require.NoError(t, err)

	cryptoKey, err := snacl.GenerateCryptoKey()
	require.NoError(t, err)

	testClock := clock.NewTestClock(testNow)
	chain := newFakeChain()
	keys := keystore.New(keystore.Config{
		Store:       store,
		Crypter:     cryptoKey,
		ChainParams: &chaincfg.RegressionNetParams,
		Clock:       testClock,
		MinLockTime: time.Hour,
		MaxLockTime: 30 * 24 * time.Hour,
		BestHeight:  chain.BestHeight,
	})

	cfg := Config{
		Ledger:    store,
		Chain:     chain,
		Addresses: keys,
		Clock:     testClock,
		MinConf:   6,
	}
	if mod != nil {
		mod(&cfg)
	}

	h := &testHarness{
		verifier: New(cfg),
		keys:     keys,
		store:    store,
		chain:    chain,
		client:   newClientKey(t),
	}

	_, err = keys.RegisterClient(ctx, h.client)
	require.NoError(t, err)

	return h
}

func newClientKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

// lockedAddress derives a time-locked address of client and returns its
// output script and redeem script.
func (h *testHarness) lockedAddress(t *testing.T, client *btcec.PublicKey,
	lockTime int64) ([]byte, []byte) {

	t.Helper()

	addr, _, err := h.keys.DeriveTimeLockedAddress(
		context.Background(), client, lockTime,
	)
	require.NoError(t, err)

	pkScript, err := addr.PkScript()
	require.NoError(t, err)

	return pkScript, addr.RedeemScript
}

// fund returns a confirmed transaction paying to pkScript.
func (h *testHarness) fund(pkScript []byte, seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash: chainhash.Hash{0xf0, seed},
	}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(100000, pkScript))

	h.chain.add(tx, 6)

	return tx
}

// spend returns a transaction spending prev and paying to pkScript.
func spend(prev wire.OutPoint, pkScript []byte, lockTime uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(90000, pkScript))
	tx.LockTime = lockTime

	return tx
}

func (h *testHarness) record(t *testing.T, client *btcec.PublicKey,
	tx *wire.MsgTx) {

	t.Helper()

	_, err := h.store.CreateTx(context.Background(), db.CreateTxParams{
		ClientPubKey: client,
		MsgTx:        tx,
		CreatedAt:    testNow,
	})
	require.NoError(t, err)
}

func (h *testHarness) approved(t *testing.T, tx *wire.MsgTx) bool {
	t.Helper()

	info, err := h.store.GetTx(context.Background(), db.GetTxQuery{
		ClientPubKey: h.client,
		Hash:         tx.TxHash(),
	})
	require.NoError(t, err)

	return info.Approved
}

func (h *testHarness) isInstant(t *testing.T, tx *wire.MsgTx) bool {
	t.Helper()

	instant, err := h.verifier.IsInstant(
		context.Background(), h.client, nil, tx,
	)
	require.NoError(t, err)

	return instant
}

var sevenDays = testNow.Add(7 * 24 * time.Hour).Unix()

func TestIsInstantNil(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	require.False(t, h.isInstant(t, nil))
}

// TestIsInstantConfirmed checks that depth alone is enough, regardless of
// the signing history.
func TestIsInstantConfirmed(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	tx := spend(wire.OutPoint{Hash: chainhash.Hash{1}}, []byte{0x51}, 0)
	h.chain.add(tx, 6)
	require.True(t, h.isInstant(t, tx))

	shallow := spend(wire.OutPoint{Hash: chainhash.Hash{2}}, []byte{0x51}, 0)
	h.chain.add(shallow, 5)
	require.False(t, h.isInstant(t, shallow))
}

// TestIsInstantTwoHop checks a child of a confirmed root, signed once and
// funded by an address locked for seven days.
func TestIsInstantTwoHop(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	pkScript, redeemScript := h.lockedAddress(t, h.client, sevenDays)
	root := h.fund(pkScript, 1)

	child := spend(wire.OutPoint{Hash: root.TxHash()}, []byte{0x51}, 0)
	h.record(t, h.client, child)
	require.False(t, h.approved(t, child))

	instant, err := h.verifier.IsInstant(
		context.Background(), h.client, redeemScript, child,
	)
	require.NoError(t, err)
	require.True(t, instant)
	require.True(t, h.approved(t, child))

	// Approved transactions stay instant without rechecking.
	require.True(t, h.isInstant(t, child))
}

// TestIsInstantUnconfirmedAncestors checks that unconfirmed parents are
// evaluated and approved along with the child.
func TestIsInstantUnconfirmedAncestors(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	pkScript, _ := h.lockedAddress(t, h.client, sevenDays)
	root := h.fund(pkScript, 1)

	mid := spend(wire.OutPoint{Hash: root.TxHash()}, pkScript, 0)
	h.record(t, h.client, mid)
	h.chain.add(mid, 0)

	child := spend(wire.OutPoint{Hash: mid.TxHash()}, []byte{0x51}, 0)
	h.record(t, h.client, child)

	require.True(t, h.isInstant(t, child))
	require.True(t, h.approved(t, mid))
	require.True(t, h.approved(t, child))
}

// TestIsInstantMaxDepth checks that the ancestry walk is bounded.
func TestIsInstantMaxDepth(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, func(cfg *Config) {
		cfg.MaxDepth = 1
	})

	pkScript, _ := h.lockedAddress(t, h.client, sevenDays)
	root := h.fund(pkScript, 1)

	mid := spend(wire.OutPoint{Hash: root.TxHash()}, pkScript, 0)
	h.record(t, h.client, mid)
	h.chain.add(mid, 0)

	child := spend(wire.OutPoint{Hash: mid.TxHash()}, []byte{0x51}, 0)
	h.record(t, h.client, child)

	require.False(t, h.isInstant(t, child))
	require.False(t, h.approved(t, child))
}

// TestIsInstantDoubleSigned checks that an input signed by two stored
// transactions is not instant, unless the second one is locked far enough
// in the future.
func TestIsInstantDoubleSigned(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		otherLockTime uint32
		instant       bool
	}{{
		name:          "no lock time",
		otherLockTime: 0,
		instant:       false,
	}, {
		name:          "lock time within threshold",
		otherLockTime: uint32(testNow.Add(3 * time.Hour).Unix()),
		instant:       false,
	}, {
		name:          "lock time beyond threshold",
		otherLockTime: uint32(testNow.Add(5 * time.Hour).Unix()),
		instant:       true,
	}, {
		name:          "height within threshold",
		otherLockTime: testBestHeight + 20,
		instant:       false,
	}, {
		name:          "height beyond threshold",
		otherLockTime: testBestHeight + 30,
		instant:       true,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newTestHarness(t, nil)

			pkScript, _ := h.lockedAddress(t, h.client, sevenDays)
			root := h.fund(pkScript, 1)
			prev := wire.OutPoint{Hash: root.TxHash()}

			child := spend(prev, []byte{0x51}, 0)
			h.record(t, h.client, child)

			other := spend(prev, []byte{0x52}, test.otherLockTime)
			h.record(t, h.client, other)

			require.Equal(t, test.instant, h.isInstant(t, child))
		})
	}
}

// TestIsInstantNotSigned checks that a transaction the client never
// submitted is not instant.
func TestIsInstantNotSigned(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	pkScript, _ := h.lockedAddress(t, h.client, sevenDays)
	root := h.fund(pkScript, 1)

	child := spend(wire.OutPoint{Hash: root.TxHash()}, []byte{0x51}, 0)
	require.False(t, h.isInstant(t, child))
}

// TestIsInstantFunding covers inputs whose funding output does not protect
// the server.
func TestIsInstantFunding(t *testing.T) {
	t.Parallel()

	t.Run("unknown parent", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t, nil)
		child := spend(wire.OutPoint{Hash: chainhash.Hash{9}},
			[]byte{0x51}, 0)
		h.record(t, h.client, child)

		require.False(t, h.isInstant(t, child))
	})

	t.Run("not a time-locked address", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t, nil)
		root := h.fund([]byte{0x51}, 1)
		child := spend(wire.OutPoint{Hash: root.TxHash()},
			[]byte{0x51}, 0)
		h.record(t, h.client, child)

		require.False(t, h.isInstant(t, child))
	})

	t.Run("lock expires soon", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t, nil)
		pkScript, _ := h.lockedAddress(
			t, h.client, testNow.Add(2*time.Hour).Unix(),
		)
		root := h.fund(pkScript, 1)
		child := spend(wire.OutPoint{Hash: root.TxHash()},
			[]byte{0x51}, 0)
		h.record(t, h.client, child)

		require.False(t, h.isInstant(t, child))
	})

	t.Run("height lock", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t, nil)

		soon, _ := h.lockedAddress(t, h.client, testBestHeight+12)
		root := h.fund(soon, 1)
		child := spend(wire.OutPoint{Hash: root.TxHash()},
			[]byte{0x51}, 0)
		h.record(t, h.client, child)
		require.False(t, h.isInstant(t, child))

		later, _ := h.lockedAddress(t, h.client, testBestHeight+50)
		root = h.fund(later, 2)
		child = spend(wire.OutPoint{Hash: root.TxHash()},
			[]byte{0x51}, 0)
		h.record(t, h.client, child)
		require.True(t, h.isInstant(t, child))
	})

	t.Run("other client's address", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t, nil)
		other := newClientKey(t)
		_, err := h.keys.RegisterClient(context.Background(), other)
		require.NoError(t, err)

		pkScript, _ := h.lockedAddress(t, other, sevenDays)
		root := h.fund(pkScript, 1)
		child := spend(wire.OutPoint{Hash: root.TxHash()},
			[]byte{0x51}, 0)
		h.record(t, h.client, child)

		require.False(t, h.isInstant(t, child))
	})
}

func TestIsInstantForeignRedeemScript(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	other := newClientKey(t)
	_, err := h.keys.RegisterClient(context.Background(), other)
	require.NoError(t, err)

	pkScript, _ := h.lockedAddress(t, h.client, sevenDays)
	_, foreign := h.lockedAddress(t, other, sevenDays)
	root := h.fund(pkScript, 1)

	child := spend(wire.OutPoint{Hash: root.TxHash()}, []byte{0x51}, 0)
	h.record(t, h.client, child)

	instant, err := h.verifier.IsInstant(
		context.Background(), h.client, foreign, child,
	)
	require.NoError(t, err)
	require.False(t, instant)

	instant, err = h.verifier.IsInstant(
		context.Background(), h.client, []byte{0x51}, child,
	)
	require.NoError(t, err)
	require.False(t, instant)
}

// TestIsInstantConcurrent checks that parallel checks of the same
// transaction agree and approve it once.
func TestIsInstantConcurrent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	pkScript, _ := h.lockedAddress(t, h.client, sevenDays)
	root := h.fund(pkScript, 1)
	child := spend(wire.OutPoint{Hash: root.TxHash()}, []byte{0x51}, 0)
	h.record(t, h.client, child)

	var (
		wg      sync.WaitGroup
		results = make(chan bool, 20)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			instant, err := h.verifier.IsInstant(
				context.Background(), h.client, nil, child,
			)
			if err != nil {
				instant = false
			}
			results <- instant
		}()
	}
	wg.Wait()
	close(results)

	for instant := range results {
		require.True(t, instant)
	}
	require.True(t, h.approved(t, child))
}

// TestIsBurned checks that a second spend of an approved input is burned.
func TestIsBurned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t, nil)

	pkScript, _ := h.lockedAddress(t, h.client, sevenDays)
	root := h.fund(pkScript, 1)
	prev := wire.OutPoint{Hash: root.TxHash()}

	child := spend(prev, []byte{0x51}, 0)
	h.record(t, h.client, child)

	burned, err := h.verifier.IsBurned(ctx, h.client, child)
	require.NoError(t, err)
	require.False(t, burned)

	require.True(t, h.isInstant(t, child))

	burned, err = h.verifier.IsBurned(ctx, h.client, child)
	require.NoError(t, err)
	require.False(t, burned)

	doubleSpend := spend(prev, []byte{0x52}, 0)
	burned, err = h.verifier.IsBurned(ctx, h.client, doubleSpend)
	require.NoError(t, err)
	require.True(t, burned)

	// Approvals are per client.
	other := newClientKey(t)
	burned, err = h.verifier.IsBurned(ctx, other, doubleSpend)
	require.NoError(t, err)
	require.False(t, burned)
}

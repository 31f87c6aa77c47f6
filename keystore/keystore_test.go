package keystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/internal/sqltest"
	"github.com/instapay/instapayd/snacl"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

type testHarness struct {
	ks    *KeyStore
	store *db.SQLStore
	clock *clock.TestClock
}

func newTestHarness(t *testing.T, mod func(*Config)) *testHarness {
	t.Helper()

	testDB := sqltest.NewSQLiteDB(t)
	store, err := db.New(context.Background(), testDB.DB, testDB.Driver)
	require.NoError(t, err)

	cryptoKey, err := snacl.GenerateCryptoKey()
	require.NoError(t, err)

	testClock := clock.NewTestClock(testNow)
	cfg := Config{
		Store:       store,
		Crypter:     cryptoKey,
		ChainParams: &chaincfg.RegressionNetParams,
		Clock:       testClock,
		MinLockTime: time.Hour,
		MaxLockTime: 30 * 24 * time.Hour,
	}
	if mod != nil {
		mod(&cfg)
	}

	return &testHarness{
		ks:    New(cfg),
		store: store,
		clock: testClock,
	}
}

func newClientKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

func TestRegisterClientIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()
	client := newClientKey(t)

	first, err := h.ks.RegisterClient(ctx, client)
	require.NoError(t, err)

	second, err := h.ks.RegisterClient(ctx, client)
	require.NoError(t, err)
	require.True(t, first.IsEqual(second))

	// Distinct clients get distinct server keys.
	other, err := h.ks.RegisterClient(ctx, newClientKey(t))
	require.NoError(t, err)
	require.False(t, first.IsEqual(other))

	// The stored private key decrypts to the returned public key.
	priv, err := h.ks.ServerKey(ctx, client)
	require.NoError(t, err)
	require.True(t, priv.PubKey().IsEqual(first))

	acct, err := h.store.GetAccount(ctx, client)
	require.NoError(t, err)
	require.NotContains(t, string(acct.EncryptedServerPrivKey),
		string(priv.Serialize()))
}

func TestRegisterClientLocked(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, func(cfg *Config) {
		cfg.Crypter = nil
	})

	_, err := h.ks.RegisterClient(context.Background(), newClientKey(t))
	require.ErrorIs(t, err, ErrLocked)
}

func TestDeriveUnknownClient(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	_, _, err := h.ks.DeriveTimeLockedAddress(
		context.Background(), newClientKey(t),
		testNow.Add(48*time.Hour).Unix(),
	)

	var unknown *UnknownClientError
	require.True(t, errors.As(err, &unknown))
}

func TestDeriveLockTimeWindow(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()
	client := newClientKey(t)

	_, err := h.ks.RegisterClient(ctx, client)
	require.NoError(t, err)

	tests := []struct {
		name     string
		lockTime int64
		valid    bool
	}{
		{
			name:     "in the past",
			lockTime: testNow.Unix() - 1,
		},
		{
			name:     "just below minimum",
			lockTime: testNow.Add(time.Hour).Unix() - 1,
		},
		{
			name:     "lower boundary",
			lockTime: testNow.Add(time.Hour).Unix(),
			valid:    true,
		},
		{
			name:     "seven days",
			lockTime: testNow.Add(7 * 24 * time.Hour).Unix(),
			valid:    true,
		},
		{
			name:     "upper boundary",
			lockTime: testNow.Add(30 * 24 * time.Hour).Unix(),
			valid:    true,
		},
		{
			name:     "just above maximum",
			lockTime: testNow.Add(30*24*time.Hour).Unix() + 1,
		},
		{
			name:     "negative",
			lockTime: -1,
		},
	}

	for _, tc := range tests {
		addr, key, err := h.ks.DeriveTimeLockedAddress(
			ctx, client, tc.lockTime,
		)
		if !tc.valid {
			var invalid *InvalidLockTimeError
			require.True(t, errors.As(err, &invalid), tc.name)
			require.Equal(t, tc.lockTime, invalid.LockTime)
			continue
		}

		require.NoError(t, err, tc.name)
		require.Equal(t, tc.lockTime, addr.LockTime)
		require.True(t, addr.ClientPubKey.IsEqual(client))
		require.True(t, key.PubKey().IsEqual(addr.ServerPubKey))
	}
}

func TestDeriveIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()
	client := newClientKey(t)

	server, err := h.ks.RegisterClient(ctx, client)
	require.NoError(t, err)

	lockTime := testNow.Add(7 * 24 * time.Hour).Unix()
	first, _, err := h.ks.DeriveTimeLockedAddress(ctx, client, lockTime)
	require.NoError(t, err)

	h.clock.SetTime(testNow.Add(time.Minute))
	second, _, err := h.ks.DeriveTimeLockedAddress(ctx, client, lockTime)
	require.NoError(t, err)

	require.Equal(t, first.Hash, second.Hash)
	require.Equal(t, first.RedeemScript, second.RedeemScript)
	require.Equal(t, first.CreatedAt, second.CreatedAt)

	// The address is the pure function of the key triple.
	want, err := NewTimeLockedScript(client, server, lockTime).AddressHash()
	require.NoError(t, err)
	require.Equal(t, want, first.Hash)

	addrs, err := h.ks.Addresses(ctx, client)
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	stored, err := h.ks.AddressByHash(ctx, first.Hash)
	require.NoError(t, err)
	require.Equal(t, lockTime, stored.LockTime)

	encoded, err := stored.Encode(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	_, isP2SH := encoded.(*btcutil.AddressScriptHash)
	require.True(t, isP2SH)

	all, err := h.ks.AllAddresses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestDeriveHeightLockTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	h := newTestHarness(t, nil)
	client := newClientKey(t)
	_, err := h.ks.RegisterClient(ctx, client)
	require.NoError(t, err)

	_, _, err = h.ks.DeriveTimeLockedAddress(ctx, client, 1000)
	require.ErrorIs(t, err, ErrHeightLockTime)

	h = newTestHarness(t, func(cfg *Config) {
		cfg.BestHeight = func() (int32, error) {
			return 800000, nil
		}
	})
	_, err = h.ks.RegisterClient(ctx, client)
	require.NoError(t, err)

	// One day of blocks ahead is inside the window.
	addr, _, err := h.ks.DeriveTimeLockedAddress(ctx, client, 800144)
	require.NoError(t, err)
	require.True(t, addr.IsHeightLocked())

	// Three blocks ahead is below the one hour minimum.
	_, _, err = h.ks.DeriveTimeLockedAddress(ctx, client, 800003)
	var invalid *InvalidLockTimeError
	require.True(t, errors.As(err, &invalid))
}

func TestParsePotKey(t *testing.T) {
	t.Parallel()

	priv := testKey(9)
	wif, err := btcutil.NewWIF(priv, &chaincfg.RegressionNetParams, true)
	require.NoError(t, err)

	pot, err := ParsePotKey(wif.String(), testNow,
		&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		pot.Address.ScriptAddress())
	require.Equal(t, testNow, pot.Birthday)

	_, err = ParsePotKey(wif.String(), testNow, &chaincfg.MainNetParams)
	require.Error(t, err)

	_, err = ParsePotKey("not a key", testNow, &chaincfg.MainNetParams)
	require.Error(t, err)
}

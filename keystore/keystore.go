// Package keystore manages the server side of client accounts: one server key
// pair per client public key and the time-locked 2-of-2 addresses derived
// from the pair.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/internal/zero"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultMinLockTime is the minimum distance between now and the lock
	// time of a newly derived address.
	DefaultMinLockTime = 24 * time.Hour

	// DefaultMaxLockTime is the maximum distance between now and the lock
	// time of a newly derived address.
	DefaultMaxLockTime = 365 * 24 * time.Hour
)

// Store is the subset of the ledger the keystore needs.
type Store interface {
	db.AccountStore
	db.AddressStore
}

// KeyCrypter seals server private keys at rest. *snacl.SecretKey and
// *snacl.CryptoKey implement it.
type KeyCrypter interface {
	Encrypt(in []byte) ([]byte, error)
	Decrypt(in []byte) ([]byte, error)
}

// Config holds the dependencies and policy of a KeyStore.
type Config struct {
	Store       Store
	Crypter     KeyCrypter
	ChainParams *chaincfg.Params

	// Clock is the time source for the lock time window. Defaults to the
	// system clock.
	Clock clock.Clock

	// MinLockTime and MaxLockTime bound the accepted lock time relative to
	// now. Both bounds are inclusive.
	MinLockTime time.Duration
	MaxLockTime time.Duration

	// BestHeight optionally reports the current chain height. It is only
	// needed to accept block height lock times.
	BestHeight func() (int32, error)
}

// Address is a stored time-locked address together with its decoded policy.
type Address struct {
	*TimeLockedScript

	// Hash is the HASH160 of RedeemScript.
	Hash         [20]byte
	RedeemScript []byte
	CreatedAt    time.Time
}

// Encode returns the network specific P2SH address.
func (a *Address) Encode(params *chaincfg.Params) (btcutil.Address, error) {
	return btcutil.NewAddressScriptHashFromHash(a.Hash[:], params)
}

// KeyStore derives and persists client accounts and time-locked addresses.
type KeyStore struct {
	cfg Config
}

// New creates a KeyStore.
func New(cfg Config) *KeyStore {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.MinLockTime == 0 {
		cfg.MinLockTime = DefaultMinLockTime
	}
	if cfg.MaxLockTime == 0 {
		cfg.MaxLockTime = DefaultMaxLockTime
	}

	return &KeyStore{cfg: cfg}
}

// ChainParams returns the network the keystore derives addresses for.
func (k *KeyStore) ChainParams() *chaincfg.Params {
	return k.cfg.ChainParams
}

// RegisterClient returns the server public key of a client, creating the
// account with a fresh server key pair on first use.
func (k *KeyStore) RegisterClient(ctx context.Context,
	clientPubKey *btcec.PublicKey) (*btcec.PublicKey, error) {

	acct, err := k.cfg.Store.GetAccount(ctx, clientPubKey)
	switch {
	case err == nil:
		return acct.ServerPubKey, nil

	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	if k.cfg.Crypter == nil {
		return nil, ErrLocked
	}

	serverKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	defer zero.PrivKey(serverKey)

	keyBytes := serverKey.Serialize()
	sealed, err := k.cfg.Crypter.Encrypt(keyBytes)
	zero.Bytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("encrypt server key: %w", err)
	}

	// A concurrent registration may have won the race, in which case
	// the stored account is returned and the fresh key is discarded.
	acct, err = k.cfg.Store.CreateAccount(ctx, db.CreateAccountParams{
		ClientPubKey:           clientPubKey,
		ServerPubKey:           serverKey.PubKey(),
		EncryptedServerPrivKey: sealed,
		CreatedAt:              k.cfg.Clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Registered client %x", clientPubKey.SerializeCompressed())

	return acct.ServerPubKey, nil
}

// Account returns the account of a registered client.
func (k *KeyStore) Account(ctx context.Context,
	clientPubKey *btcec.PublicKey) (*db.Account, error) {

	acct, err := k.cfg.Store.GetAccount(ctx, clientPubKey)
	if errors.Is(err, db.ErrNotFound) {
		return nil, NewUnknownClientError(clientPubKey)
	}

	return acct, err
}

// ServerKey decrypts the server private key of a client. The caller should
// clear it with zero.PrivKey once done signing.
func (k *KeyStore) ServerKey(ctx context.Context,
	clientPubKey *btcec.PublicKey) (*btcec.PrivateKey, error) {

	acct, err := k.Account(ctx, clientPubKey)
	if err != nil {
		return nil, err
	}

	return k.decryptServerKey(acct)
}

func (k *KeyStore) decryptServerKey(acct *db.Account) (*btcec.PrivateKey,
	error) {

	if k.cfg.Crypter == nil {
		return nil, ErrLocked
	}

	keyBytes, err := k.cfg.Crypter.Decrypt(acct.EncryptedServerPrivKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt server key: %w", err)
	}
	defer zero.Bytes(keyBytes)

	priv, pub := btcec.PrivKeyFromBytes(keyBytes)
	if !pub.IsEqual(acct.ServerPubKey) {
		zero.PrivKey(priv)
		return nil, fmt.Errorf("server key of client %x does not "+
			"match its public key", acct.ClientPubKey.SerializeCompressed())
	}

	return priv, nil
}

// lockTimeWindow returns the accepted lock time bounds at now.
func (k *KeyStore) lockTimeWindow(now time.Time) (time.Time, time.Time) {
	now = now.Truncate(time.Second)
	return now.Add(k.cfg.MinLockTime), now.Add(k.cfg.MaxLockTime)
}

// checkLockTime enforces the lock time policy.
func (k *KeyStore) checkLockTime(lockTime int64) error {
	now := k.cfg.Clock.Now()
	earliest, latest := k.lockTimeWindow(now)

	invalid := &InvalidLockTimeError{
		LockTime: lockTime,
		Earliest: earliest,
		Latest:   latest,
	}

	if lockTime < 0 || lockTime > 0xffffffff {
		return invalid
	}

	unlock := time.Unix(lockTime, 0)
	if lockTime < txscript.LockTimeThreshold {
		if k.cfg.BestHeight == nil {
			invalid.Err = ErrHeightLockTime
			return invalid
		}

		height, err := k.cfg.BestHeight()
		if err != nil {
			invalid.Err = fmt.Errorf("%w: %v", ErrHeightLockTime,
				err)
			return invalid
		}
		unlock = LockTimeToTime(lockTime, now, height)
	}

	if unlock.Before(earliest) || unlock.After(latest) {
		return invalid
	}

	return nil
}

// DeriveTimeLockedAddress returns the time-locked address of a client for the
// given lock time together with the server key needed to co-sign spends from
// it. The address is persisted on first derivation and the stored row is
// returned on later calls. The private key is never persisted with the
// address.
func (k *KeyStore) DeriveTimeLockedAddress(ctx context.Context,
	clientPubKey *btcec.PublicKey, lockTime int64) (*Address,
	*btcec.PrivateKey, error) {

	acct, err := k.Account(ctx, clientPubKey)
	if err != nil {
		return nil, nil, err
	}

	if err := k.checkLockTime(lockTime); err != nil {
		return nil, nil, err
	}

	policy := NewTimeLockedScript(clientPubKey, acct.ServerPubKey, lockTime)
	script, err := policy.Script()
	if err != nil {
		return nil, nil, err
	}
	hash, err := policy.AddressHash()
	if err != nil {
		return nil, nil, err
	}

	row, err := k.cfg.Store.CreateAddress(ctx, db.CreateAddressParams{
		AddressHash:  hash,
		ClientPubKey: clientPubKey,
		LockTime:     lockTime,
		RedeemScript: script,
		CreatedAt:    k.cfg.Clock.Now(),
	})
	if err != nil {
		return nil, nil, err
	}

	serverKey, err := k.decryptServerKey(acct)
	if err != nil {
		return nil, nil, err
	}

	addr := &Address{
		TimeLockedScript: policy,
		Hash:             row.AddressHash,
		RedeemScript:     row.RedeemScript,
		CreatedAt:        row.CreatedAt,
	}

	log.Debugf("Derived time-locked address %x for client %x, lock "+
		"time %d", hash, clientPubKey.SerializeCompressed(), lockTime)

	return addr, serverKey, nil
}

// AddressByHash returns a stored address by its script hash.
func (k *KeyStore) AddressByHash(ctx context.Context,
	hash [20]byte) (*Address, error) {

	row, err := k.cfg.Store.GetAddress(ctx, hash)
	if err != nil {
		return nil, err
	}

	return addressFromRow(row)
}

// Addresses returns the stored addresses of a client.
func (k *KeyStore) Addresses(ctx context.Context,
	clientPubKey *btcec.PublicKey) ([]*Address, error) {

	return k.listAddresses(ctx, db.ListAddressesQuery{
		ClientPubKey: clientPubKey,
	})
}

// AllAddresses returns every stored address, used to rebuild the wallet's
// watch set at startup.
func (k *KeyStore) AllAddresses(ctx context.Context) ([]*Address, error) {
	return k.listAddresses(ctx, db.ListAddressesQuery{})
}

func (k *KeyStore) listAddresses(ctx context.Context,
	query db.ListAddressesQuery) ([]*Address, error) {

	rows, err := k.cfg.Store.ListAddresses(ctx, query)
	if err != nil {
		return nil, err
	}

	addrs := make([]*Address, 0, len(rows))
	for i := range rows {
		addr, err := addressFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

func addressFromRow(row *db.TimeLockedAddress) (*Address, error) {
	policy, err := ParseTimeLockedScript(row.RedeemScript)
	if err != nil {
		return nil, fmt.Errorf("stored address %x: %w", row.AddressHash,
			err)
	}

	return &Address{
		TimeLockedScript: policy,
		Hash:             row.AddressHash,
		RedeemScript:     row.RedeemScript,
		CreatedAt:        row.CreatedAt,
	}, nil
}

package keystore

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// PotKey is the operator's own collection key. Funds paid to its P2PKH
// address make up the pot balance.
type PotKey struct {
	PrivKey *btcec.PrivateKey
	Address *btcutil.AddressPubKeyHash

	// Birthday bounds the initial chain scan for the pot address.
	Birthday time.Time
}

// ParsePotKey decodes a WIF encoded pot key for the given network.
func ParsePotKey(wif string, birthday time.Time,
	params *chaincfg.Params) (*PotKey, error) {

	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("decode pot key: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("pot key is not for network %s",
			params.Name)
	}

	pkHash := btcutil.Hash160(decoded.SerializePubKey())
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, params)
	if err != nil {
		return nil, err
	}

	return &PotKey{
		PrivKey:  decoded.PrivKey,
		Address:  addr,
		Birthday: birthday,
	}, nil
}

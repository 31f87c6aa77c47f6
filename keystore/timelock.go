// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ErrNotTimeLocked is returned when a script does not have the exact shape of
// a time-locked 2-of-2 redeem script.
var ErrNotTimeLocked = errors.New("not a time-locked redeem script")

// maxScriptNumLen is the largest lock time push CHECKLOCKTIMEVERIFY accepts.
const maxScriptNumLen = 5

// TimeLockedScript is the spending policy of a time-locked address: client
// and server may spend together at any time, the client alone may spend once
// the lock time has passed.
//
// The serialized redeem script is
//
//	OP_IF
//	  <server pubkey> OP_CHECKSIGVERIFY
//	OP_ELSE
//	  <lock time> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	OP_ENDIF
//	<client pubkey> OP_CHECKSIG
type TimeLockedScript struct {
	ClientPubKey *btcec.PublicKey
	ServerPubKey *btcec.PublicKey

	// LockTime is a block height if below txscript.LockTimeThreshold and a
	// UNIX timestamp otherwise.
	LockTime int64
}

// NewTimeLockedScript returns the policy for the given keys and lock time.
func NewTimeLockedScript(client, server *btcec.PublicKey,
	lockTime int64) *TimeLockedScript {

	return &TimeLockedScript{
		ClientPubKey: client,
		ServerPubKey: server,
		LockTime:     lockTime,
	}
}

// Script serializes the redeem script. Public keys are always written in
// compressed form and the lock time as a minimal script number, so the
// result is a pure function of the two keys and the lock time.
func (s *TimeLockedScript) Script() ([]byte, error) {
	if s.LockTime < 0 || s.LockTime > 0xffffffff {
		return nil, fmt.Errorf("lock time %d out of range", s.LockTime)
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddData(s.ServerPubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddOp(txscript.OP_ELSE).
		AddInt64(s.LockTime).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_ENDIF).
		AddData(s.ClientPubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// AddressHash returns HASH160 of the redeem script.
func (s *TimeLockedScript) AddressHash() ([20]byte, error) {
	var hash [20]byte

	script, err := s.Script()
	if err != nil {
		return hash, err
	}
	copy(hash[:], btcutil.Hash160(script))

	return hash, nil
}

// Address returns the P2SH address of the redeem script on the given network.
func (s *TimeLockedScript) Address(
	params *chaincfg.Params) (*btcutil.AddressScriptHash, error) {

	script, err := s.Script()
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressScriptHash(script, params)
}

// PkScript returns the P2SH output script paying to the address.
func (s *TimeLockedScript) PkScript() ([]byte, error) {
	hash, err := s.AddressHash()
	if err != nil {
		return nil, err
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(hash[:]).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// SpendScriptSig returns the signature script that spends a P2SH output of
// this address through the 2-of-2 branch.
func (s *TimeLockedScript) SpendScriptSig(clientSig,
	serverSig []byte) ([]byte, error) {

	script, err := s.Script()
	if err != nil {
		return nil, err
	}

	return txscript.NewScriptBuilder().
		AddData(clientSig).
		AddData(serverSig).
		AddOp(txscript.OP_TRUE).
		AddData(script).
		Script()
}

// RefundScriptSig returns the signature script that spends a P2SH output of
// this address with the client signature alone. The spending transaction
// must carry a lock time at or beyond LockTime and a non-final sequence.
func (s *TimeLockedScript) RefundScriptSig(clientSig []byte) ([]byte, error) {
	script, err := s.Script()
	if err != nil {
		return nil, err
	}

	return txscript.NewScriptBuilder().
		AddData(clientSig).
		AddOp(txscript.OP_FALSE).
		AddData(script).
		Script()
}

// IsHeightLocked reports whether the lock time is a block height.
func (s *TimeLockedScript) IsHeightLocked() bool {
	return s.LockTime < txscript.LockTimeThreshold
}

// LockedUntil converts the lock time to wall clock time. Height based lock
// times are estimated from the best known height with ten minute blocks.
func (s *TimeLockedScript) LockedUntil(now time.Time,
	bestHeight int32) time.Time {

	return LockTimeToTime(s.LockTime, now, bestHeight)
}

// LockTimeToTime converts an absolute lock time to wall clock time, estimating
// heights from the best known height with ten minute blocks.
func LockTimeToTime(lockTime int64, now time.Time, bestHeight int32) time.Time {
	if lockTime >= txscript.LockTimeThreshold {
		return time.Unix(lockTime, 0)
	}

	blocks := lockTime - int64(bestHeight)
	return now.Add(time.Duration(blocks) * TargetBlockInterval)
}

// TargetBlockInterval is the expected time between two blocks.
const TargetBlockInterval = 10 * time.Minute

// ParseTimeLockedScript recovers the keys and lock time from a serialized
// redeem script. Only the exact canonical encoding produced by Script is
// accepted.
func ParseTimeLockedScript(script []byte) (*TimeLockedScript, error) {
	const scriptVersion = 0

	tokenizer := txscript.MakeScriptTokenizer(scriptVersion, script)

	next := func() (byte, []byte, error) {
		if !tokenizer.Next() {
			if err := tokenizer.Err(); err != nil {
				return 0, nil, fmt.Errorf("%w: %v",
					ErrNotTimeLocked, err)
			}
			return 0, nil, ErrNotTimeLocked
		}
		return tokenizer.Opcode(), tokenizer.Data(), nil
	}
	expect := func(op byte) error {
		got, _, err := next()
		if err != nil {
			return err
		}
		if got != op {
			return ErrNotTimeLocked
		}
		return nil
	}
	pubKey := func() (*btcec.PublicKey, error) {
		op, data, err := next()
		if err != nil {
			return nil, err
		}
		if op != txscript.OP_DATA_33 {
			return nil, ErrNotTimeLocked
		}
		return btcec.ParsePubKey(data)
	}

	if err := expect(txscript.OP_IF); err != nil {
		return nil, err
	}
	server, err := pubKey()
	if err != nil {
		return nil, err
	}
	if err := expect(txscript.OP_CHECKSIGVERIFY); err != nil {
		return nil, err
	}
	if err := expect(txscript.OP_ELSE); err != nil {
		return nil, err
	}

	op, data, err := next()
	if err != nil {
		return nil, err
	}
	var lockTime int64
	switch {
	case op == txscript.OP_0:
		lockTime = 0

	case op >= txscript.OP_1 && op <= txscript.OP_16:
		lockTime = int64(op - (txscript.OP_1 - 1))

	case op >= txscript.OP_DATA_1 && op <= txscript.OP_DATA_5:
		lockTime, err = decodeScriptNum(data)
		if err != nil {
			return nil, err
		}

	default:
		return nil, ErrNotTimeLocked
	}

	for _, op := range []byte{
		txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP,
		txscript.OP_ENDIF,
	} {
		if err := expect(op); err != nil {
			return nil, err
		}
	}

	client, err := pubKey()
	if err != nil {
		return nil, err
	}
	if err := expect(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}
	if tokenizer.Next() {
		return nil, ErrNotTimeLocked
	}

	parsed := NewTimeLockedScript(client, server, lockTime)

	// Reject non-minimal pushes and uncompressed keys by requiring the
	// canonical re-encoding to match byte for byte.
	canonical, err := parsed.Script()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, script) {
		return nil, ErrNotTimeLocked
	}

	return parsed, nil
}

// decodeScriptNum decodes a little endian sign-magnitude script number. Lock
// times are never negative.
func decodeScriptNum(v []byte) (int64, error) {
	if len(v) == 0 || len(v) > maxScriptNumLen {
		return 0, ErrNotTimeLocked
	}

	var result int64
	for i, b := range v {
		result |= int64(b) << uint8(8*i)
	}

	if v[len(v)-1]&0x80 != 0 {
		return 0, ErrNotTimeLocked
	}

	return result, nil
}

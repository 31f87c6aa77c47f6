// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snacl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Cheap scrypt parameters keep the tests fast.
const (
	testN = 16
	testR = 8
	testP = 1
)

var (
	password = []byte("sikrit")
	message  = []byte("32 bytes of server private key..")
)

func newTestKey(t *testing.T) *SecretKey {
	t.Helper()

	key, err := NewSecretKey(&password, testN, testR, testP)
	require.NoError(t, err)

	return key
}

func TestMarshalRoundTripDerivesSameKey(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)
	params := key.Marshal()

	var sk SecretKey
	require.NoError(t, sk.Unmarshal(params))
	require.NoError(t, sk.DeriveKey(&password))
	require.Equal(t, key.Key[:], sk.Key[:])
	require.Equal(t, key.Parameters, sk.Parameters)
}

func TestUnmarshalMalformed(t *testing.T) {
	t.Parallel()

	var sk SecretKey
	err := sk.Unmarshal([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDeriveKeyWrongPassword(t *testing.T) {
	t.Parallel()

	var sk SecretKey
	require.NoError(t, sk.Unmarshal(newTestKey(t).Marshal()))

	p := []byte("wrong password")
	require.ErrorIs(t, sk.DeriveKey(&p), ErrInvalidPassword)
}

func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)

	blob, err := key.Encrypt(message)
	require.NoError(t, err)
	require.Len(t, blob, NonceSize+len(message)+Overhead)

	decrypted, err := key.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, message, decrypted)

	// Two encryptions of the same plaintext use different nonces.
	blob2, err := key.Encrypt(message)
	require.NoError(t, err)
	require.NotEqual(t, blob, blob2)
}

func TestDecryptCorrupt(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)

	blob, err := key.Encrypt(message)
	require.NoError(t, err)

	blob[len(blob)-15]++
	_, err = key.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryptFailed)

	_, err = key.Decrypt(blob[:NonceSize-1])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestZeroThenDerive(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)
	want := *key.Key

	key.Zero()
	require.Equal(t, CryptoKey{}, *key.Key)

	require.NoError(t, key.DeriveKey(&password))
	require.Equal(t, want, *key.Key)

	bogus := []byte("bogus")
	require.ErrorIs(t, key.DeriveKey(&bogus), ErrInvalidPassword)
}

func TestGenerateCryptoKey(t *testing.T) {
	t.Parallel()

	k1, err := GenerateCryptoKey()
	require.NoError(t, err)
	k2, err := GenerateCryptoKey()
	require.NoError(t, err)
	require.NotEqual(t, *k1, *k2)
}

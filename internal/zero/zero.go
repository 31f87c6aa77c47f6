// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero clears key material from memory.
package zero

import "github.com/btcsuite/btcd/btcec/v2"

// Bytes sets all bytes in the passed slice to zero.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 clears the 32-byte array by filling it with the zero value.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// PrivKey clears the scalar of a private key. The key must not be used
// afterwards.
func PrivKey(k *btcec.PrivateKey) {
	if k == nil {
		return
	}
	k.Zero()
}

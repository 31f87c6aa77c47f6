// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// btcExponent is the decimal exponent between bitcoin and satoshi.
const btcExponent = 8

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Amount.String(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface. The value is an
// amount of bitcoin with at most eight decimal places, optionally followed
// by " BTC".
func (a *AmountFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(value, " BTC")
	btc, err := decimal.NewFromString(value)
	if err != nil {
		return err
	}

	sat := btc.Shift(btcExponent)
	if !sat.IsInteger() {
		return fmt.Errorf("amount %v has more than %d decimal places",
			value, btcExponent)
	}
	if sat.IsNegative() || sat.GreaterThan(
		decimal.NewFromInt(int64(btcutil.MaxSatoshi))) {

		return fmt.Errorf("amount %v out of range", value)
	}

	a.Amount = btcutil.Amount(sat.IntPart())
	return nil
}

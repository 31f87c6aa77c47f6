// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// APIPort is the default port of the payment API.
	APIPort string
}

// MainNetParams contains parameters specific running instapayd on the main
// network (wire.MainNet).
var MainNetParams = Params{
	Params:  &chaincfg.MainNetParams,
	APIPort: "8340",
}

// TestNet3Params contains parameters specific running instapayd on the test
// network (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:  &chaincfg.TestNet3Params,
	APIPort: "18340",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:  &chaincfg.RegressionNetParams,
	APIPort: "18341",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:  &chaincfg.SimNetParams,
	APIPort: "18342",
}

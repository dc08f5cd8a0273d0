// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/decred/dcrd/chaincfg/v3"
)

// activeNetParams is a pointer to the parameters specific to the currently
// active network.
var activeNetParams = &mainNetParams

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params
}

// mainNetParams contains parameters specific to the main network.
var mainNetParams = params{Params: chaincfg.MainNetParams()}

// testNet3Params contains parameters specific to the test network (version 3).
var testNet3Params = params{Params: chaincfg.TestNet3Params()}

// simNetParams contains parameters specific to the simulation test network.
var simNetParams = params{Params: chaincfg.SimNetParams()}

// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stemrouter

import "time"

// Peer represents a connected stem-capable peer from the point of view of the
// stem router.
//
// The interface contract requires that all of these methods are safe for
// concurrent access.
type Peer interface {
	// ID returns the unique identifier the server assigned to the peer
	// connection.  Identifiers are never reused for the lifetime of the
	// process.
	ID() int64

	// RequestMempool nudges the peer to advertise the contents of its
	// memory pool so that it is primed to request a stem transaction body
	// promptly after the inventory announcement.
	//
	// The nudge is fire and forget.  It MUST NOT block and MUST be
	// callable while router locks are held.
	RequestMempool()
}

// Config is a descriptor containing the stem router configuration.
type Config struct {
	// TimeSource defines the function to use to obtain the current
	// network-adjusted time.  All stem and route deadlines are derived
	// from it.
	//
	// This function must be safe for concurrent access.
	TimeSource func() time.Time

	// RandInt64 defines the function to use to draw a uniform random
	// integer in the half-open range [0, n).
	//
	// This function must be safe for concurrent access.
	RandInt64 func(n int64) int64

	// StemPeers defines the function to use to enumerate the currently
	// connected peers that advertise stem capability.
	//
	// This function must be safe for concurrent access and must not
	// acquire any lock that can be held by a caller into the router.
	StemPeers func() []Peer
}

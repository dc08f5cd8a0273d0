// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stemrouter

import (
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// StemState identifies the position of a stem inventory entry within the
// propagation state machine.  The numeric values are observable through
// IsInState and must not be changed.
type StemState uint16

const (
	// StateNew identifies an entry that has not been assigned a
	// destination peer yet.
	StateNew StemState = 1

	// StateAssigned identifies an entry that has been assigned a
	// destination peer by the Process tick.
	StateAssigned StemState = 2

	// StateNotified identifies an entry whose inventory has been announced
	// to the assigned destination peer.
	StateNotified StemState = 3

	// StateSent identifies an entry whose transaction body has been
	// delivered to the destination peer.  The entry lingers until its stem
	// deadline elapses so that duplicate relays are recognized.
	StateSent StemState = 4
)

// stemStateStrings is a map of stem states back to their constant names for
// pretty printing.
var stemStateStrings = map[StemState]string{
	StateNew:      "StateNew",
	StateAssigned: "StateAssigned",
	StateNotified: "StateNotified",
	StateSent:     "StateSent",
}

// String returns the StemState in human-readable form.
func (state StemState) String() string {
	if s, ok := stemStateStrings[state]; ok {
		return s
	}
	return "StateUnknown"
}

const (
	// DefaultStemTime is the base number of seconds a transaction remains
	// in the stem phase before the conventional broadcast takes over.
	DefaultStemTime int64 = 60

	// StemTimeRandomizer is the upper bound, in seconds, of the uniform
	// random amount added to the stem deadline of locally originated
	// transactions.
	StemTimeRandomizer int64 = 120

	// StemTimeDecay is the number of seconds of stem budget consumed by
	// the hop into this node.
	StemTimeDecay int64 = 10

	// DefaultNotifyExpire is the number of seconds an assigned or notified
	// entry may wait on its destination peer before the router retries
	// through a new destination.
	DefaultNotifyExpire int64 = 5

	// DefaultRouteTime is the base number of seconds a cached peer route
	// persists.
	DefaultRouteTime int64 = 480

	// RouteTimeRandomizer is the upper bound, in seconds, of the uniform
	// random amount added to a route expiry to prevent constant routing.
	RouteTimeRandomizer int64 = 240

	// PeerRouteCount is the number of outbound peers cached for each
	// inbound peer.
	PeerRouteCount = 2

	// SelfNodeID is the sentinel peer identifier for transactions
	// originated by this node rather than received from a peer.  It is
	// never a valid destination.
	SelfNodeID int64 = -1
)

// stem is a stem inventory entry.  All deadlines are network-adjusted unix
// seconds.
type stem struct {
	from      int64
	to        int64
	stemEnd   int64
	notifyEnd int64
	state     StemState
}

// routeEntry houses the cached outbound destinations for a single inbound
// peer along with the time the cached route expires.
type routeEntry struct {
	routes []int64
	expire int64
}

// Router holds the stem inventory and the per-source route cache and drives
// entries through the stem propagation state machine.  It is safe for
// concurrent access.
type Router struct {
	cfg Config

	// mtx protects stems and noPeersLatch.  When both mtx and routesMtx
	// must be held, mtx MUST be acquired first.
	mtx   sync.RWMutex
	stems map[chainhash.Hash]stem

	// routesMtx protects routes.
	routesMtx sync.Mutex
	routes    map[int64]routeEntry

	// noPeersLatch suppresses repeated insufficient-peer notices between
	// successful assignments.  It is protected by mtx.
	noPeersLatch bool
}

// New returns a new stem router for the provided configuration.
func New(cfg *Config) (*Router, error) {
	if cfg.TimeSource == nil {
		return nil, configError(ErrTimeSourceUnset, "a time source is "+
			"required to create a stem router")
	}
	if cfg.RandInt64 == nil {
		return nil, configError(ErrRandSourceUnset, "a random source is "+
			"required to create a stem router")
	}
	if cfg.StemPeers == nil {
		return nil, configError(ErrPeerSourceUnset, "a stem peer source "+
			"is required to create a stem router")
	}
	return &Router{
		cfg:    *cfg,
		stems:  make(map[chainhash.Hash]stem),
		routes: make(map[int64]routeEntry),
	}, nil
}

// now returns the current network-adjusted time in unix seconds.
func (r *Router) now() int64 {
	return r.cfg.TimeSource().Unix()
}

// fetchStem returns the stem entry for the provided hash when it exists.
//
// This function is safe for concurrent access.
func (r *Router) fetchStem(hash *chainhash.Hash) (stem, bool) {
	r.mtx.RLock()
	entry, exists := r.stems[*hash]
	r.mtx.RUnlock()
	return entry, exists
}

// AddNew adds a locally originated transaction to the stem inventory with a
// randomized stem deadline.  It returns false without side effect when no
// stem-capable peers are currently connected, in which case the caller should
// fall through to the conventional broadcast.
//
// This function is safe for concurrent access.
func (r *Router) AddNew(hash *chainhash.Hash) bool {
	if len(r.cfg.StemPeers()) == 0 {
		log.Debugf("Not stemming tx %v: no stem-capable peers", hash)
		return false
	}

	// The decay subtraction models the stem budget consumed by the hop
	// into this node.
	stemEnd := r.now() + DefaultStemTime +
		r.cfg.RandInt64(StemTimeRandomizer) - StemTimeDecay
	r.Add(hash, stemEnd, SelfNodeID)
	return true
}

// Add adds a transaction received from the given peer to the stem inventory
// with the provided stem deadline.  Adding a hash that is already present
// preserves the existing entry.
//
// This function is safe for concurrent access.
func (r *Router) Add(hash *chainhash.Hash, stemEnd int64, fromNodeID int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, exists := r.stems[*hash]; exists {
		return
	}
	r.stems[*hash] = stem{
		from:    fromNodeID,
		to:      SelfNodeID,
		stemEnd: stemEnd,
		state:   StateNew,
	}
	log.Debugf("Added stem tx %v from %d (stem deadline %d)", hash,
		fromNodeID, stemEnd)
}

// DeleteFromInventory removes the entry for the provided hash when it exists.
//
// This function is safe for concurrent access.
func (r *Router) DeleteFromInventory(hash *chainhash.Hash) {
	r.mtx.Lock()
	delete(r.stems, *hash)
	r.mtx.Unlock()
}

// CheckInventory returns whether the provided hash is in the stem inventory.
//
// This function is safe for concurrent access.
func (r *Router) CheckInventory(hash *chainhash.Hash) bool {
	_, exists := r.fetchStem(hash)
	return exists
}

// IsInStemPhase returns whether the provided hash is in the stem inventory
// with a stem deadline that has not yet elapsed.
//
// This function is safe for concurrent access.
func (r *Router) IsInStemPhase(hash *chainhash.Hash) bool {
	entry, exists := r.fetchStem(hash)
	return exists && entry.stemEnd > r.now()
}

// GetTimeStemPhaseEnd returns the stem deadline for the provided hash in unix
// seconds, or 0 when the hash is not in the stem inventory.
//
// This function is safe for concurrent access.
func (r *Router) GetTimeStemPhaseEnd(hash *chainhash.Hash) int64 {
	entry, exists := r.fetchStem(hash)
	if !exists {
		return 0
	}
	return entry.stemEnd
}

// IsInState returns whether the provided hash is in the stem inventory in the
// given state.
//
// This function is safe for concurrent access.
func (r *Router) IsInState(hash *chainhash.Hash, state StemState) bool {
	entry, exists := r.fetchStem(hash)
	return exists && entry.state == state
}

// IsInStateAndAssigned returns whether the provided hash is in the stem
// inventory in the given state with the given destination peer.
//
// This function is safe for concurrent access.
func (r *Router) IsInStateAndAssigned(hash *chainhash.Hash, state StemState, nodeID int64) bool {
	entry, exists := r.fetchStem(hash)
	return exists && entry.state == state && entry.to == nodeID
}

// IsFromNode returns whether the provided hash is in the stem inventory and
// was received from the given peer.  The origin of locally originated
// transactions is SelfNodeID.
//
// This function is safe for concurrent access.
func (r *Router) IsFromNode(hash *chainhash.Hash, nodeID int64) bool {
	entry, exists := r.fetchStem(hash)
	return exists && entry.from == nodeID
}

// IsAssignedToNode returns whether the provided hash is in the stem inventory
// awaiting announcement to the given destination peer.
//
// This function is safe for concurrent access.
func (r *Router) IsAssignedToNode(hash *chainhash.Hash, nodeID int64) bool {
	entry, exists := r.fetchStem(hash)
	return exists && entry.state == StateAssigned && entry.to == nodeID
}

// IsNodeNotified returns whether the provided hash is in the notified state,
// that is, announced to its destination peer and not yet marked sent.  An
// entry that has been marked sent reports false.  An absent hash reports true
// so that unknown inventory is treated as already handled by the conventional
// broadcast path.
//
// This function is safe for concurrent access.
func (r *Router) IsNodeNotified(hash *chainhash.Hash) bool {
	entry, exists := r.fetchStem(hash)
	if !exists {
		return true
	}
	return entry.state == StateNotified
}

// SetNodeNotified marks the provided hash as announced to the given peer and
// starts the notify expiry countdown.  It returns false without mutation when
// the hash is absent or the given peer is not the assigned destination, which
// protects against a peer acknowledging inventory that was not routed to it.
//
// This function is safe for concurrent access.
func (r *Router) SetNodeNotified(hash *chainhash.Hash, nodeID int64) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	entry, exists := r.stems[*hash]
	if !exists || entry.to != nodeID {
		return false
	}
	entry.notifyEnd = r.now() + DefaultNotifyExpire
	entry.state = StateNotified
	r.stems[*hash] = entry
	return true
}

// IsSent returns whether the transaction body for the provided hash has been
// delivered to the destination peer.  An absent hash reports true so that
// unknown inventory is treated as already handled by the conventional
// broadcast path.
//
// This function is safe for concurrent access.
func (r *Router) IsSent(hash *chainhash.Hash) bool {
	entry, exists := r.fetchStem(hash)
	if !exists {
		return true
	}
	return entry.state == StateSent
}

// MarkSent marks the transaction body for the provided hash as delivered.
// The entry is intentionally retained until its stem deadline elapses so that
// duplicate relays are recognized.  Marking an absent hash is a no-op.
//
// This function is safe for concurrent access.
func (r *Router) MarkSent(hash *chainhash.Hash) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	entry, exists := r.stems[*hash]
	if !exists {
		return
	}
	entry.state = StateSent
	r.stems[*hash] = entry
	log.Debugf("Marked stem tx %v sent to peer %d", hash, entry.to)
}

// Count returns the number of entries currently in the stem inventory.
//
// This function is safe for concurrent access.
func (r *Router) Count() int {
	r.mtx.RLock()
	count := len(r.stems)
	r.mtx.RUnlock()
	return count
}

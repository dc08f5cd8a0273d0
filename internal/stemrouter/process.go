// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stemrouter

import "github.com/decred/dcrd/chaincfg/chainhash"

// Process drives the stem inventory state machine one tick forward.  It is
// intended to be invoked periodically by the server message handler with the
// current snapshot of connected stem-capable peers.
//
// Each tick removes entries whose stem deadline has elapsed, demotes entries
// whose destination failed to fetch them before the notify deadline, and
// assigns a destination to every unassigned entry by consulting the route
// cache.  Entries that cannot be assigned because no eligible peer exists are
// left unassigned and retried on the next tick.
//
// This function is safe for concurrent access.
func (r *Router) Process(peers []Peer) {
	now := r.now()
	peersByID := make(map[int64]Peer, len(peers))
	for _, p := range peers {
		peersByID[p.ID()] = p
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	// Iterate a snapshot so removals during the sweep are safe.
	snapshot := make(map[chainhash.Hash]stem, len(r.stems))
	for hash, entry := range r.stems {
		snapshot[hash] = entry
	}

	for hash, entry := range snapshot {
		// Expired entries leave the stem phase entirely.  The server
		// re-enters the transaction into the conventional broadcast
		// when it next sees it.
		if entry.stemEnd < now {
			delete(r.stems, hash)
			log.Debugf("Erased expired stem tx %v", hash)
			continue
		}

		// The destination failed to fetch the transaction before the
		// notify deadline.  Demote the entry and force a fresh route
		// for its source so the retry draws from a newly selected route.
		// With few connected peers the new route may lead to the same
		// destination.
		stalled := entry.state == StateAssigned ||
			entry.state == StateNotified
		if stalled && entry.notifyEnd <= now {
			entry.state = StateNew
			entry.to = SelfNodeID
			entry.notifyEnd = 0
			r.stems[hash] = entry
			r.SelectPeerRoutes(entry.from)
			log.Debugf("Stem tx %v notify expired, reassigning", hash)
		}

		if entry.state != StateNew {
			continue
		}

		toNodeID := r.GetPeerNode(entry.from)
		if toNodeID == SelfNodeID {
			// Typically the only connected stem-capable peer is the
			// origin of the transaction.  Leave the entry unassigned
			// for the next tick rather than collapsing the stem back
			// to its source.
			if !r.noPeersLatch {
				log.Warnf("No eligible stem destination for tx "+
					"%v from peer %d", hash, entry.from)
				r.noPeersLatch = true
			}
			continue
		}
		r.noPeersLatch = false

		entry.to = toNodeID
		entry.notifyEnd = now + DefaultNotifyExpire
		entry.state = StateAssigned
		r.stems[hash] = entry

		// Prime the destination so it is ready to request the body
		// promptly once the inventory announcement goes out.
		if p, ok := peersByID[toNodeID]; ok {
			p.RequestMempool()
		}
		log.Debugf("Assigned stem tx %v from peer %d to peer %d", hash,
			entry.from, toNodeID)
	}
}

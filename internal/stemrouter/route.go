// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stemrouter

// Routing is keyed on the inbound peer so that two transactions from the same
// source deterministically take the same stem route within a cache epoch.
// Attackers linking transactions by observing their exit peer cannot learn
// more than they already knew from the common ingress.

// SelectPeerRoutes draws a fresh outbound route for the given inbound peer
// from the currently connected stem-capable peers and replaces any cached
// route for it.  It returns false when no viable route exists: the peer set
// is empty, the source is this node and fewer than two peers are connected,
// or every connected peer is the source itself.
//
// This function is safe for concurrent access.
func (r *Router) SelectPeerRoutes(nodeID int64) bool {
	peers := r.cfg.StemPeers()
	if len(peers) == 0 {
		return false
	}
	// A locally originated transaction needs at least one destination that
	// is not the self sentinel.
	if nodeID == SelfNodeID && len(peers) < 2 {
		return false
	}

	// Never route a transaction back to the peer it came from.
	candidates := make([]int64, 0, len(peers))
	for _, p := range peers {
		if id := p.ID(); id != nodeID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return false
	}

	// Duplicate destinations are only rejected when the candidate pool is
	// large enough to avoid them.  Small populations fall back to repeated
	// entries rather than failing the route.
	rejectDups := len(candidates) > PeerRouteCount
	routes := make([]int64, 0, PeerRouteCount)
drawing:
	for len(routes) < PeerRouteCount {
		pick := candidates[r.cfg.RandInt64(int64(len(candidates)))]
		if rejectDups {
			for _, chosen := range routes {
				if chosen == pick {
					continue drawing
				}
			}
		}
		routes = append(routes, pick)
	}

	expire := r.now() + DefaultRouteTime + r.cfg.RandInt64(RouteTimeRandomizer)
	r.routesMtx.Lock()
	r.routes[nodeID] = routeEntry{routes: routes, expire: expire}
	r.routesMtx.Unlock()

	log.Debugf("Selected stem route %v for peer %d (expire %d)", routes,
		nodeID, expire)
	return true
}

// GetRoute returns the outbound route for the given inbound peer, drawing a
// fresh one when no route is cached or the cached route has expired.
//
// This function is safe for concurrent access.
func (r *Router) GetRoute(nodeID int64) ([]int64, bool) {
	now := r.now()
	r.routesMtx.Lock()
	entry, exists := r.routes[nodeID]
	r.routesMtx.Unlock()
	if exists && entry.expire >= now {
		return append([]int64(nil), entry.routes...), true
	}

	if !r.SelectPeerRoutes(nodeID) {
		return nil, false
	}
	r.routesMtx.Lock()
	entry = r.routes[nodeID]
	r.routesMtx.Unlock()
	return append([]int64(nil), entry.routes...), true
}

// GetPeerNode resolves the outbound route for the given inbound peer and
// returns one of its entries drawn uniformly at random.  It returns
// SelfNodeID when no route can be established.
//
// This function is safe for concurrent access.
func (r *Router) GetPeerNode(nodeID int64) int64 {
	routes, ok := r.GetRoute(nodeID)
	if !ok {
		return SelfNodeID
	}
	return routes[r.cfg.RandInt64(int64(len(routes)))]
}

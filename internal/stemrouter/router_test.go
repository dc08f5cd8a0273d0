// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stemrouter

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/chaincfg/chainhash"
)

// testPeer is a minimal stem-capable peer for use throughout the tests.
type testPeer struct {
	id          int64
	mempoolReqs atomic.Int32
}

// ID returns the identifier associated with the test peer.
func (p *testPeer) ID() int64 {
	return p.id
}

// RequestMempool records the mempool nudge so tests can assert on it.
func (p *testPeer) RequestMempool() {
	p.mempoolReqs.Add(1)
}

// routerHarness provides a stem router backed by a manually advanced clock, a
// deterministic random source, and a mutable peer set.  This allows tests to
// exercise exact deadline and routing behavior without real time or real
// connections.
type routerHarness struct {
	t      *testing.T
	router *Router

	mtx      sync.Mutex
	now      int64
	rng      *rand.Rand
	scripted []int64
	peers    []*testPeer
}

// newRouterHarness returns a router harness with the clock set to the given
// unix time and one connected stem-capable peer per provided identifier.
func newRouterHarness(t *testing.T, now int64, peerIDs ...int64) *routerHarness {
	t.Helper()

	harness := &routerHarness{
		t:   t,
		now: now,
		rng: rand.New(rand.NewSource(0x57e3)),
	}
	for _, id := range peerIDs {
		harness.peers = append(harness.peers, &testPeer{id: id})
	}
	router, err := New(&Config{
		TimeSource: harness.timeSource,
		RandInt64:  harness.randInt64,
		StemPeers:  harness.stemPeers,
	})
	if err != nil {
		t.Fatalf("unable to create router: %v", err)
	}
	harness.router = router
	return harness
}

// timeSource returns the harness clock as the network-adjusted time.
func (h *routerHarness) timeSource() time.Time {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return time.Unix(h.now, 0)
}

// randInt64 returns the next scripted draw when one is queued and otherwise
// falls back to the seeded deterministic generator.  Scripted draws are
// clamped into [0, n) so tests may script indexes without knowing every
// intermediate collection size.
func (h *routerHarness) randInt64(n int64) int64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.scripted) > 0 {
		v := h.scripted[0]
		h.scripted = h.scripted[1:]
		if v >= n {
			v = n - 1
		}
		return v
	}
	return h.rng.Int63n(n)
}

// stemPeers returns the current peer set in the form the router consumes.
func (h *routerHarness) stemPeers() []Peer {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}

// scriptRand queues exact values for upcoming random draws.
func (h *routerHarness) scriptRand(vals ...int64) {
	h.mtx.Lock()
	h.scripted = append(h.scripted, vals...)
	h.mtx.Unlock()
}

// setNow moves the harness clock to the given unix time.
func (h *routerHarness) setNow(now int64) {
	h.mtx.Lock()
	h.now = now
	h.mtx.Unlock()
}

// addPeer connects an additional stem-capable peer to the harness.
func (h *routerHarness) addPeer(id int64) *testPeer {
	p := &testPeer{id: id}
	h.mtx.Lock()
	h.peers = append(h.peers, p)
	h.mtx.Unlock()
	return p
}

// peer returns the connected peer with the given identifier.
func (h *routerHarness) peer(id int64) *testPeer {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, p := range h.peers {
		if p.id == id {
			return p
		}
	}
	h.t.Fatalf("no harness peer with id %d", id)
	return nil
}

// process runs one Process tick with the current peer set.
func (h *routerHarness) process() {
	h.router.Process(h.stemPeers())
}

// testHash returns a hash suitable for use as a stem inventory key.
func testHash(b byte) *chainhash.Hash {
	var hash chainhash.Hash
	hash[0] = b
	return &hash
}

// TestNewConfigValidation ensures creating a router with missing collaborator
// callbacks fails with the expected error kinds.
func TestNewConfigValidation(t *testing.T) {
	timeSource := func() time.Time { return time.Unix(1000, 0) }
	randInt64 := func(n int64) int64 { return 0 }
	stemPeers := func() []Peer { return nil }

	tests := []struct {
		name string
		cfg  Config
		err  error
	}{{
		name: "no time source",
		cfg:  Config{RandInt64: randInt64, StemPeers: stemPeers},
		err:  ErrTimeSourceUnset,
	}, {
		name: "no random source",
		cfg:  Config{TimeSource: timeSource, StemPeers: stemPeers},
		err:  ErrRandSourceUnset,
	}, {
		name: "no peer source",
		cfg:  Config{TimeSource: timeSource, RandInt64: randInt64},
		err:  ErrPeerSourceUnset,
	}}

	for _, test := range tests {
		_, err := New(&test.cfg)
		if !errors.Is(err, test.err) {
			t.Errorf("%s: unexpected error -- got %v, want %v",
				test.name, err, test.err)
		}
		if !IsConfigError(err) {
			t.Errorf("%s: error is not a ConfigError", test.name)
		}
	}
}

// TestAddNewNoPeers ensures locally originated transactions are rejected when
// no stem-capable peers are connected.
func TestAddNewNoPeers(t *testing.T) {
	harness := newRouterHarness(t, 1000)
	hash := testHash(1)
	if harness.router.AddNew(hash) {
		t.Fatal("AddNew accepted a tx with no stem-capable peers")
	}
	if harness.router.CheckInventory(hash) {
		t.Fatal("rejected tx was added to the inventory")
	}
}

// TestAddNewDeadline ensures the stem deadline of a locally originated
// transaction includes the randomizer and the per-hop decay.
func TestAddNewDeadline(t *testing.T) {
	harness := newRouterHarness(t, 1000, 7, 9)
	harness.scriptRand(17)

	hash := testHash(1)
	if !harness.router.AddNew(hash) {
		t.Fatal("AddNew rejected a tx with stem-capable peers connected")
	}

	// 1000 + 60 (base) + 17 (randomizer) - 10 (decay).
	if end := harness.router.GetTimeStemPhaseEnd(hash); end != 1067 {
		t.Fatalf("unexpected stem deadline -- got %d, want 1067", end)
	}
}

// TestLocalOriginAssignment covers the local-origin happy path: a new local
// transaction enters the stem phase attributed to the self sentinel and the
// next Process tick assigns it to one of the connected peers.
func TestLocalOriginAssignment(t *testing.T) {
	harness := newRouterHarness(t, 1000, 7, 9)
	harness.scriptRand(0)

	hash := testHash(1)
	if !harness.router.AddNew(hash) {
		t.Fatal("AddNew rejected a tx with stem-capable peers connected")
	}
	if !harness.router.IsInStemPhase(hash) {
		t.Fatal("new local tx is not in the stem phase")
	}
	if !harness.router.IsFromNode(hash, SelfNodeID) {
		t.Fatal("new local tx is not attributed to the self sentinel")
	}
	if !harness.router.IsInState(hash, StateNew) {
		t.Fatal("new local tx is not in the new state")
	}

	harness.process()

	if !harness.router.IsInState(hash, StateAssigned) {
		entry, _ := harness.router.fetchStem(hash)
		t.Fatalf("tx was not assigned: %s", spew.Sdump(entry))
	}
	assigned7 := harness.router.IsAssignedToNode(hash, 7)
	assigned9 := harness.router.IsAssignedToNode(hash, 9)
	if !assigned7 && !assigned9 {
		t.Fatal("tx was not assigned to a connected peer")
	}

	// The stem must never loop back to the origin.
	entry, _ := harness.router.fetchStem(hash)
	if harness.router.IsFromNode(hash, entry.to) {
		t.Fatal("tx was assigned back to its origin")
	}
	if entry.notifyEnd != 1000+DefaultNotifyExpire {
		t.Fatalf("unexpected notify deadline -- got %d, want %d",
			entry.notifyEnd, 1000+DefaultNotifyExpire)
	}
}

// TestRelayOriginElimination covers the degenerate topology where the sole
// connected stem-capable peer is the origin of the transaction: the entry
// stays unassigned until another peer connects.
func TestRelayOriginElimination(t *testing.T) {
	harness := newRouterHarness(t, 1010, 5)

	hash := testHash(2)
	harness.router.Add(hash, 1100, 5)
	harness.process()

	if !harness.router.IsInState(hash, StateNew) {
		t.Fatal("tx with no eligible destination did not stay new")
	}

	harness.addPeer(12)
	harness.process()

	if !harness.router.IsAssignedToNode(hash, 12) {
		entry, _ := harness.router.fetchStem(hash)
		t.Fatalf("tx was not assigned to the new peer: %s",
			spew.Sdump(entry))
	}
	if reqs := harness.peer(12).mempoolReqs.Load(); reqs != 1 {
		t.Fatalf("unexpected mempool nudge count -- got %d, want 1", reqs)
	}
}

// TestNotifyHappyPath covers the assigned -> notified -> sent progression
// along with the destination check that rejects acknowledgements from peers
// the transaction was not routed to.
func TestNotifyHappyPath(t *testing.T) {
	harness := newRouterHarness(t, 1010, 5, 12)

	hash := testHash(2)
	harness.router.Add(hash, 1100, 5)
	harness.process()
	if !harness.router.IsAssignedToNode(hash, 12) {
		t.Fatal("tx was not assigned to the only eligible peer")
	}

	if harness.router.SetNodeNotified(hash, 5) {
		t.Fatal("notify from a peer other than the destination succeeded")
	}
	if !harness.router.IsInState(hash, StateAssigned) {
		t.Fatal("rejected notify mutated the entry state")
	}

	if !harness.router.SetNodeNotified(hash, 12) {
		t.Fatal("notify from the assigned destination failed")
	}
	if !harness.router.IsInState(hash, StateNotified) {
		t.Fatal("notified tx is not in the notified state")
	}
	if !harness.router.IsInStateAndAssigned(hash, StateNotified, 12) {
		t.Fatal("notified tx lost its destination")
	}
	if !harness.router.IsNodeNotified(hash) {
		t.Fatal("IsNodeNotified did not report the notified tx")
	}

	harness.router.MarkSent(hash)
	if !harness.router.IsSent(hash) {
		t.Fatal("sent tx is not reported as sent")
	}
	if !harness.router.CheckInventory(hash) {
		t.Fatal("sent tx was removed before its stem deadline")
	}
}

// TestSetNodeNotifiedUnassigned ensures notifies are rejected before a
// destination has been assigned and for unknown hashes.
func TestSetNodeNotifiedUnassigned(t *testing.T) {
	harness := newRouterHarness(t, 1000, 4, 8)

	if harness.router.SetNodeNotified(testHash(9), 8) {
		t.Fatal("notify for an unknown tx succeeded")
	}

	hash := testHash(3)
	harness.router.Add(hash, 2000, 4)
	if harness.router.SetNodeNotified(hash, 8) {
		t.Fatal("notify for an unassigned tx succeeded")
	}
}

// TestExpiry ensures entries whose stem deadline has elapsed are removed by
// the Process sweep and subsequently fall through to the conventional
// broadcast path via the absent semantics of the predicates.
func TestExpiry(t *testing.T) {
	harness := newRouterHarness(t, 1000, 4, 8)

	hash := testHash(4)
	harness.router.Add(hash, 1050, 4)
	harness.setNow(1100)
	harness.process()

	if harness.router.CheckInventory(hash) {
		t.Fatal("expired tx is still in the inventory")
	}
	if !harness.router.IsSent(hash) {
		t.Fatal("expired tx is not reported as sent")
	}
	if !harness.router.IsNodeNotified(hash) {
		t.Fatal("expired tx is not reported as notified")
	}
	if harness.router.IsInStemPhase(hash) {
		t.Fatal("expired tx is still reported in the stem phase")
	}
	if end := harness.router.GetTimeStemPhaseEnd(hash); end != 0 {
		t.Fatalf("unexpected stem deadline for absent tx -- got %d", end)
	}
}

// TestAbsentSemantics ensures every query predicate reports its documented
// value for hashes that were never added.
func TestAbsentSemantics(t *testing.T) {
	harness := newRouterHarness(t, 1000, 4, 8)
	hash := testHash(0xab)

	if harness.router.CheckInventory(hash) {
		t.Error("CheckInventory reported an absent tx")
	}
	if harness.router.IsInStemPhase(hash) {
		t.Error("IsInStemPhase reported an absent tx")
	}
	if harness.router.IsInState(hash, StateNew) {
		t.Error("IsInState reported an absent tx")
	}
	if harness.router.IsInStateAndAssigned(hash, StateAssigned, 8) {
		t.Error("IsInStateAndAssigned reported an absent tx")
	}
	if harness.router.IsFromNode(hash, 4) {
		t.Error("IsFromNode reported an absent tx")
	}
	if harness.router.IsAssignedToNode(hash, 8) {
		t.Error("IsAssignedToNode reported an absent tx")
	}
	if !harness.router.IsNodeNotified(hash) {
		t.Error("IsNodeNotified must report true for an absent tx")
	}
	if !harness.router.IsSent(hash) {
		t.Error("IsSent must report true for an absent tx")
	}

	// Mutators must be no-ops for absent hashes.
	harness.router.MarkSent(hash)
	harness.router.DeleteFromInventory(hash)
	if harness.router.CheckInventory(hash) {
		t.Error("no-op mutator added an absent tx")
	}
}

// TestAddFirstWriterWins ensures adding a hash that is already present
// preserves the existing entry.
func TestAddFirstWriterWins(t *testing.T) {
	harness := newRouterHarness(t, 1000, 5, 9)

	hash := testHash(5)
	harness.router.Add(hash, 1100, 5)
	harness.router.Add(hash, 2222, 9)

	if !harness.router.IsFromNode(hash, 5) {
		t.Fatal("second add replaced the source peer")
	}
	if end := harness.router.GetTimeStemPhaseEnd(hash); end != 1100 {
		t.Fatalf("second add replaced the stem deadline -- got %d", end)
	}
}

// TestDeleteFromInventory ensures explicit removal works and is idempotent.
func TestDeleteFromInventory(t *testing.T) {
	harness := newRouterHarness(t, 1000, 5, 9)

	hash := testHash(6)
	harness.router.Add(hash, 1100, 5)
	harness.router.DeleteFromInventory(hash)
	if harness.router.CheckInventory(hash) {
		t.Fatal("deleted tx is still in the inventory")
	}
	harness.router.DeleteFromInventory(hash)
}

// TestStemStateStringer tests the stringized output for the StemState type.
func TestStemStateStringer(t *testing.T) {
	tests := []struct {
		in   StemState
		want string
	}{
		{StateNew, "StateNew"},
		{StateAssigned, "StateAssigned"},
		{StateNotified, "StateNotified"},
		{StateSent, "StateSent"},
		{0, "StateUnknown"},
	}

	for i, test := range tests {
		result := test.in.String()
		if result != test.want {
			t.Errorf("stringer #%d: got %v, want %v", i, result,
				test.want)
		}
	}
}

// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stemrouter

import (
	"sync"
	"testing"
)

// TestProcessNotifyStall ensures entries whose destination failed to fetch
// them before the notify deadline are demoted and immediately reassigned with
// a fresh notify deadline within the same tick.
func TestProcessNotifyStall(t *testing.T) {
	harness := newRouterHarness(t, 1000, 4, 8)

	hash := testHash(3)
	harness.router.Add(hash, 2000, 4)
	harness.process()

	if !harness.router.IsAssignedToNode(hash, 8) {
		t.Fatal("tx was not assigned to the only eligible peer")
	}
	entry, _ := harness.router.fetchStem(hash)
	if entry.notifyEnd != 1005 {
		t.Fatalf("unexpected notify deadline -- got %d, want 1005",
			entry.notifyEnd)
	}

	// Advance past the notify deadline without a notify and tick again.
	harness.setNow(1010)
	harness.process()

	if !harness.router.IsAssignedToNode(hash, 8) {
		t.Fatal("stalled tx was not reassigned")
	}
	entry, _ = harness.router.fetchStem(hash)
	if entry.notifyEnd != 1015 {
		t.Fatalf("stalled tx kept its old notify deadline -- got %d, "+
			"want 1015", entry.notifyEnd)
	}
}

// TestProcessNotifiedStall ensures the stall demotion also applies to entries
// that were notified but never fetched.
func TestProcessNotifiedStall(t *testing.T) {
	harness := newRouterHarness(t, 1000, 4, 8)

	hash := testHash(3)
	harness.router.Add(hash, 2000, 4)
	harness.process()
	if !harness.router.SetNodeNotified(hash, 8) {
		t.Fatal("notify from the assigned destination failed")
	}

	harness.setNow(1011)
	harness.process()

	if !harness.router.IsInState(hash, StateAssigned) {
		t.Fatal("stalled notified tx was not demoted and reassigned")
	}
}

// TestProcessSentRetained ensures sent entries are not demoted or reassigned
// and remain until their stem deadline elapses.
func TestProcessSentRetained(t *testing.T) {
	harness := newRouterHarness(t, 1000, 4, 8)

	hash := testHash(3)
	harness.router.Add(hash, 2000, 4)
	harness.process()
	harness.router.SetNodeNotified(hash, 8)
	harness.router.MarkSent(hash)

	harness.setNow(1500)
	harness.process()
	if !harness.router.IsSent(hash) {
		t.Fatal("sent tx did not survive an intermediate tick")
	}

	harness.setNow(2001)
	harness.process()
	if harness.router.CheckInventory(hash) {
		t.Fatal("sent tx was not erased after its stem deadline")
	}
}

// TestProcessMixedSweep ensures a single tick expires stale entries while
// assigning live ones.
func TestProcessMixedSweep(t *testing.T) {
	harness := newRouterHarness(t, 1000, 4, 8)

	expired := testHash(10)
	live := testHash(11)
	harness.router.Add(expired, 900, 4)
	harness.router.Add(live, 2000, 4)
	harness.process()

	if harness.router.CheckInventory(expired) {
		t.Fatal("expired tx survived the sweep")
	}
	if !harness.router.IsAssignedToNode(live, 8) {
		t.Fatal("live tx was not assigned during the sweep")
	}
	if count := harness.router.Count(); count != 1 {
		t.Fatalf("unexpected inventory size -- got %d, want 1", count)
	}
}

// TestProcessInsufficientPeerLatch ensures the insufficient-peer notice latch
// engages while no destination exists and resets on the next successful
// assignment.
func TestProcessInsufficientPeerLatch(t *testing.T) {
	harness := newRouterHarness(t, 1000, 4)

	hash := testHash(12)
	harness.router.Add(hash, 2000, 4)

	harness.process()
	harness.router.mtx.RLock()
	latched := harness.router.noPeersLatch
	harness.router.mtx.RUnlock()
	if !latched {
		t.Fatal("latch did not engage with no eligible destination")
	}

	harness.process()

	harness.addPeer(8)
	harness.process()
	harness.router.mtx.RLock()
	latched = harness.router.noPeersLatch
	harness.router.mtx.RUnlock()
	if latched {
		t.Fatal("latch did not reset after a successful assignment")
	}
	if !harness.router.IsAssignedToNode(hash, 8) {
		t.Fatal("tx was not assigned once a destination existed")
	}
}

// TestProcessConcurrentQueries exercises the query surface from multiple
// goroutines while Process ticks are running to surface locking violations
// under the race detector.
func TestProcessConcurrentQueries(t *testing.T) {
	harness := newRouterHarness(t, 1000, 2, 3, 4, 5, 6)

	const numHashes = 32
	for i := 0; i < numHashes; i++ {
		harness.router.Add(testHash(byte(i)), 2000, 2)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			harness.process()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			hash := testHash(byte(i % numHashes))
			harness.router.CheckInventory(hash)
			harness.router.IsInStemPhase(hash)
			harness.router.IsNodeNotified(hash)
			harness.router.IsSent(hash)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			harness.router.GetPeerNode(2)
			harness.router.GetRoute(SelfNodeID)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			hash := testHash(byte(100 + i%50))
			harness.router.Add(hash, 2000, 3)
			harness.router.DeleteFromInventory(hash)
		}
	}()
	wg.Wait()
}

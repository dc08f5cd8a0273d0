// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package stemrouter implements the stem-phase leg of Dandelion transaction
propagation.

Freshly observed transaction inventory is held in an intermediate state for a
randomized interval and forwarded along a pseudorandom single-hop route chosen
from the subset of peers that advertise stem capability, instead of being
flooded to all peers immediately.  Each entry progresses through a four-state
machine (new, assigned, notified, sent) driven by the periodic Process tick,
and expires once its stem deadline passes so the conventional inventory
broadcast can take over.

The provided Router is safe for concurrent access by multiple peer-handling
goroutines and a housekeeping goroutine.
*/
package stemrouter

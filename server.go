// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/addrmgr/v3"
	"github.com/decred/dcrd/blockchain/v5"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/connmgr/v3"
	"github.com/decred/dcrd/container/apbf"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/peer/v3"
	"github.com/decred/dcrd/wire"

	"github.com/stemnet/stemd/internal/stemrouter"
	"github.com/stemnet/stemd/internal/version"
)

const (
	// userAgentName is the user agent name and is used to help identify
	// ourselves to other peers.
	userAgentName = "stemd"

	// sfNodeStem is the service flag bit advertised by peers that
	// participate in stem-phase transaction relay.  It lives in the
	// experimental range above the allocated dcrd service flags.
	sfNodeStem = wire.ServiceFlag(1 << 11)

	// defaultServices describes the default services that are supported by
	// the server.
	defaultServices = wire.SFNodeNetwork | sfNodeStem

	// defaultRequiredServices describes the default services that are
	// required to be supported by outbound peers.
	defaultRequiredServices = wire.SFNodeNetwork

	// defaultTargetOutbound is the default number of outbound peers to
	// maintain.
	defaultTargetOutbound = 8

	// connectionRetryInterval is the base amount of time to wait in
	// between retries when connecting to persistent peers.  It is adjusted
	// by the number of retries such that there is a retry backoff.
	connectionRetryInterval = time.Second * 5

	// maxProtocolVersion is the max protocol version the server supports.
	maxProtocolVersion = wire.RemoveRejectVersion

	// maxKnownInvsPerPeer is the maximum number of items to keep in the
	// per-peer known inventory filter.
	maxKnownInvsPerPeer = 10000

	// knownInvsFPRate is the false positive rate for the per-peer known
	// inventory filter.  It is set to a rate that ensures a relatively
	// small number of duplicate announcements at worst.
	knownInvsFPRate = 0.000001

	// maxRelayPoolTxns is the maximum number of transactions retained for
	// relay at any given moment.
	maxRelayPoolTxns = 5000

	// relayPoolTTL is the maximum amount of time a transaction is retained
	// for relay.  It comfortably exceeds the longest possible stem
	// residency so stem entries always outlive their deadline.
	relayPoolTTL = time.Minute * 15

	// requestedTxnTTL is the amount of time an outstanding transaction
	// request suppresses duplicate requests for the same hash.
	requestedTxnTTL = time.Minute * 2

	// stemProcessInterval is the amount of time in between stem router
	// ticks.
	stemProcessInterval = time.Second
)

// userAgentVersion is the user agent version and is used to help identify
// ourselves to other peers.
var userAgentVersion = fmt.Sprintf("%d.%d.%d", version.Major, version.Minor,
	version.Patch)

// relayMsg packages an inventory vector along with the transaction to relay
// and the peer it came from, if any.
type relayMsg struct {
	invVect *wire.InvVect
	tx      *dcrutil.Tx
	origin  int32
}

// hasServices returns whether or not the provided advertised service flags
// have all of the provided desired service flags set.
func hasServices(advertised, desired wire.ServiceFlag) bool {
	return advertised&desired == desired
}

// wireToAddrmgrNetAddress converts a wire NetAddress to an address manager
// NetAddress.
func wireToAddrmgrNetAddress(netAddr *wire.NetAddress) *addrmgr.NetAddress {
	newNetAddr := addrmgr.NewNetAddressIPPort(netAddr.IP, netAddr.Port,
		netAddr.Services)
	newNetAddr.Timestamp = netAddr.Timestamp
	return newNetAddr
}

// wireToAddrmgrNetAddresses converts a collection of wire net addresses to a
// collection of address manager net addresses.
func wireToAddrmgrNetAddresses(netAddr []*wire.NetAddress) []*addrmgr.NetAddress {
	addrs := make([]*addrmgr.NetAddress, len(netAddr))
	for i, wireAddr := range netAddr {
		addrs[i] = wireToAddrmgrNetAddress(wireAddr)
	}
	return addrs
}

// addrmgrToWireNetAddress converts an address manager net address to a wire
// net address.
func addrmgrToWireNetAddress(netAddr *addrmgr.NetAddress) *wire.NetAddress {
	return wire.NewNetAddressTimestamp(netAddr.Timestamp, netAddr.Services,
		netAddr.IP, netAddr.Port)
}

// serverPeer extends the peer to maintain state shared by the server.
type serverPeer struct {
	*peer.Peer

	// These fields are set at creation time and never modified afterwards,
	// so they do not need to be protected for concurrent access.
	server     *server
	persistent bool
	quit       chan struct{}

	// All fields below this point are either not set at creation time or
	// are otherwise modified during operation and thus need to consider
	// whether or not they need to be protected for concurrent access.

	connReq     atomic.Pointer[connmgr.ConnReq]
	stemCapable atomic.Bool

	// knownInvMtx protects knownInventory, which tracks inventory already
	// announced to or by the peer so it is not announced again.
	knownInvMtx    sync.Mutex
	knownInventory *apbf.Filter

	// addrsSent tracks whether or not the peer has already sent a getaddr
	// request.  It is only accessed in the peer input handler goroutine
	// and thus does not need to be protected for concurrent access.
	addrsSent bool
}

// newServerPeer returns a new serverPeer instance.
func newServerPeer(s *server, isPersistent bool) *serverPeer {
	return &serverPeer{
		server:         s,
		persistent:     isPersistent,
		quit:           make(chan struct{}),
		knownInventory: apbf.NewFilter(maxKnownInvsPerPeer, knownInvsFPRate),
	}
}

// addKnownInventory adds the passed inventory to the cache of known inventory
// for the peer.
//
// This function is safe for concurrent access.
func (sp *serverPeer) addKnownInventory(invVect *wire.InvVect) {
	sp.knownInvMtx.Lock()
	sp.knownInventory.Add(invVect.Hash[:])
	sp.knownInvMtx.Unlock()
}

// isKnownInventory returns whether or not the passed inventory is already
// known to the peer.
//
// This function is safe for concurrent access.
func (sp *serverPeer) isKnownInventory(invVect *wire.InvVect) bool {
	sp.knownInvMtx.Lock()
	known := sp.knownInventory.Contains(invVect.Hash[:])
	sp.knownInvMtx.Unlock()
	return known
}

// stemPeer adapts a server peer to the interface the stem router consumes.
type stemPeer struct {
	sp *serverPeer
}

// ID returns the peer id in the form the stem router consumes.
func (p stemPeer) ID() int64 {
	return int64(p.sp.ID())
}

// RequestMempool queues a mempool request to the peer so it is primed to
// request a stem transaction body promptly after the inventory announcement.
// The message is queued to the peer output handler, so it never blocks the
// caller.
func (p stemPeer) RequestMempool() {
	p.sp.QueueMessage(wire.NewMsgMemPool(), nil)
}

// Ensure stemPeer implements the stemrouter.Peer interface.
var _ stemrouter.Peer = stemPeer{}

// peerState houses the connected peers as well as information about them.
type peerState struct {
	sync.Mutex
	inboundPeers    map[int32]*serverPeer
	outboundPeers   map[int32]*serverPeer
	persistentPeers map[int32]*serverPeer
}

// makePeerState returns a peer state instance that is used to maintain the
// state of connected peers.
func makePeerState() peerState {
	return peerState{
		inboundPeers:    make(map[int32]*serverPeer),
		outboundPeers:   make(map[int32]*serverPeer),
		persistentPeers: make(map[int32]*serverPeer),
	}
}

// count returns the count of all known peers.
//
// This function MUST be called with the peer state lock held (for reads).
func (ps *peerState) count() int {
	return len(ps.inboundPeers) + len(ps.outboundPeers) +
		len(ps.persistentPeers)
}

// forAllPeers is a helper function that runs closure on all peers known to
// peerState.
//
// This function is safe for concurrent access.
func (ps *peerState) forAllPeers(closure func(sp *serverPeer)) {
	ps.Lock()
	for _, e := range ps.inboundPeers {
		closure(e)
	}
	for _, e := range ps.outboundPeers {
		closure(e)
	}
	for _, e := range ps.persistentPeers {
		closure(e)
	}
	ps.Unlock()
}

// server provides a stem relay server for handling communications to and from
// peers.
type server struct {
	shutdown atomic.Bool

	chainParams *chaincfg.Params
	addrManager *addrmgr.AddrManager
	connManager *connmgr.ConnManager
	stemRouter  *stemrouter.Router
	timeSource  blockchain.MedianTimeSource
	services    wire.ServiceFlag
	peerState   peerState

	// relayPool houses the transactions available for relay, keyed by
	// their hash.  Entries age out so transactions that have completed
	// both the stem and fluff legs do not accumulate.
	relayPool *lru.Map[chainhash.Hash, *dcrutil.Tx]

	// fluffed tracks the transactions that have already been entered into
	// the conventional broadcast so the stem tick does not announce them
	// again.
	fluffed *lru.Set[chainhash.Hash]

	// requestedTxns tracks outstanding transaction data requests so the
	// same hash is not requested from multiple announcements at once.
	requestedTxns *lru.Set[chainhash.Hash]

	newPeers  chan *serverPeer
	donePeers chan *serverPeer
	relayInv  chan relayMsg
	quit      chan struct{}
}

// haveTransaction returns whether or not the passed transaction hash is in
// the relay pool.
//
// This function is safe for concurrent access.
func (s *server) haveTransaction(hash *chainhash.Hash) bool {
	return s.relayPool.Exists(*hash)
}

// fetchTransaction returns the transaction associated with the passed hash
// from the relay pool when it exists.
//
// This function is safe for concurrent access.
func (s *server) fetchTransaction(hash *chainhash.Hash) (*dcrutil.Tx, bool) {
	return s.relayPool.Get(*hash)
}

// stemPeerList returns the currently connected peers that completed the
// version handshake and advertise stem capability.
//
// This function is safe for concurrent access.
func (s *server) stemPeerList() []*serverPeer {
	var peers []*serverPeer
	s.peerState.forAllPeers(func(sp *serverPeer) {
		if sp.Connected() && sp.stemCapable.Load() {
			peers = append(peers, sp)
		}
	})
	return peers
}

// stemPeers returns the currently connected stem-capable peers in the form
// the stem router consumes.  It is the peer oracle of the stem router.
//
// This function is safe for concurrent access.
func (s *server) stemPeers() []stemrouter.Peer {
	speers := s.stemPeerList()
	peers := make([]stemrouter.Peer, 0, len(speers))
	for _, sp := range speers {
		peers = append(peers, stemPeer{sp: sp})
	}
	return peers
}

// stemDeadline calculates a randomized stem deadline for a transaction that
// just arrived over a stem hop.
//
// This function is safe for concurrent access.
func (s *server) stemDeadline() int64 {
	return s.timeSource.AdjustedTime().Unix() + stemrouter.DefaultStemTime +
		rand.Int64N(stemrouter.StemTimeRandomizer) -
		stemrouter.StemTimeDecay
}

// RelayTransaction relays the passed transaction to all connected peers that
// are not already known to have it, except the peer it came from.  It is the
// conventional broadcast that takes over once a transaction leaves the stem
// phase.
//
// This function is safe for concurrent access.
func (s *server) RelayTransaction(tx *dcrutil.Tx, origin int32) {
	invVect := wire.NewInvVect(wire.InvTypeTx, tx.Hash())
	select {
	case <-s.quit:
	case s.relayInv <- relayMsg{invVect: invVect, tx: tx, origin: origin}:
	}
}

// AddLocalTransaction adds a locally originated transaction to the relay
// pool and enters it into the stem phase.  When no stem-capable peers are
// connected or stem relay is disabled, the transaction is broadcast
// conventionally instead.
//
// This function is safe for concurrent access.
func (s *server) AddLocalTransaction(tx *dcrutil.Tx) {
	hash := tx.Hash()
	s.relayPool.Put(*hash, tx)
	if cfg.NoStem || !s.stemRouter.AddNew(hash) {
		s.RelayTransaction(tx, -1)
	}
}

// OnVersion is invoked when a peer receives a version wire message and is
// used to negotiate the protocol version details as well as kick start the
// communications.
func (sp *serverPeer) OnVersion(_ *peer.Peer, msg *wire.MsgVersion) {
	// Update the address manager with the advertised services for outbound
	// connections in case they have changed.  This is skipped on simnet
	// since it is only intended to connect to specified peers.
	isInbound := sp.Inbound()
	remoteAddr := wireToAddrmgrNetAddress(sp.NA())
	addrManager := sp.server.addrManager
	if !cfg.SimNet && !isInbound {
		err := addrManager.SetServices(remoteAddr, msg.Services)
		if err != nil {
			srvrLog.Errorf("Setting services for address failed: %v", err)
		}
	}

	// Reject peers that have a protocol version that is too old.
	const reqProtocolVersion = int32(wire.RemoveRejectVersion)
	if msg.ProtocolVersion < reqProtocolVersion {
		srvrLog.Debugf("Rejecting peer %s with protocol version %d prior "+
			"to the required version %d", sp, msg.ProtocolVersion,
			reqProtocolVersion)
		sp.Disconnect()
		return
	}

	// Reject outbound peers that are not full nodes.
	wantServices := defaultRequiredServices
	if !isInbound && !hasServices(msg.Services, wantServices) {
		missingServices := wantServices & ^msg.Services
		srvrLog.Debugf("Rejecting peer %s with services %v due to not "+
			"providing desired services %v", sp, msg.Services,
			missingServices)
		sp.Disconnect()
		return
	}

	// Track whether the peer participates in stem-phase relay.  Only
	// peers advertising the stem service bit are eligible stem
	// destinations.
	sp.stemCapable.Store(hasServices(msg.Services, sfNodeStem))

	// Update the address manager and request known addresses from the
	// remote peer for outbound connections.  This is skipped on simnet
	// since it is only intended to connect to specified peers.
	if !cfg.SimNet && !isInbound {
		// Request known addresses if the server address manager needs
		// more.
		if addrManager.NeedMoreAddresses() {
			sp.QueueMessage(wire.NewMsgGetAddr(), nil)
		}

		// Mark the address as a known good address.
		err := addrManager.Good(remoteAddr)
		if err != nil {
			srvrLog.Errorf("Marking address as good failed: %v", err)
		}
	}

	// Add the remote peer time as a sample for creating an offset against
	// the local clock to keep the network time in sync.
	sp.server.timeSource.AddTimeSample(sp.Addr(), msg.Timestamp)

	// Add valid peer to the server.
	sp.server.AddPeer(sp)
}

// OnMemPool is invoked when a peer receives a mempool wire message.  It
// creates and sends an inventory message with the contents of the relay pool.
// Transactions that are still in the stem phase are withheld from the
// response unless this peer is their assigned destination, in which case the
// response doubles as the stem announcement.
func (sp *serverPeer) OnMemPool(_ *peer.Peer, msg *wire.MsgMemPool) {
	s := sp.server
	router := s.stemRouter
	peerID := int64(sp.ID())
	for _, hash := range s.relayPool.Keys() {
		hash := hash
		if router.CheckInventory(&hash) && router.IsInStemPhase(&hash) {
			if !router.IsAssignedToNode(&hash, peerID) {
				continue
			}
			router.SetNodeNotified(&hash, peerID)
		}
		iv := wire.NewInvVect(wire.InvTypeTx, &hash)
		sp.addKnownInventory(iv)
		sp.QueueInventory(iv)
	}
}

// OnTx is invoked when a peer receives a tx wire message.  The transaction is
// added to the relay pool and entered into the stem phase attributed to the
// peer it came from.  When stem relay is disabled or no stem-capable peers
// exist, it is broadcast conventionally instead.
func (sp *serverPeer) OnTx(_ *peer.Peer, msg *wire.MsgTx) {
	s := sp.server
	tx := dcrutil.NewTx(msg)
	hash := tx.Hash()

	iv := wire.NewInvVect(wire.InvTypeTx, hash)
	sp.addKnownInventory(iv)
	s.requestedTxns.Delete(*hash)

	// Duplicate transactions keep their original relay state.
	if s.haveTransaction(hash) {
		return
	}
	s.relayPool.Put(*hash, tx)

	if cfg.NoStem || len(s.stemPeerList()) == 0 {
		s.RelayTransaction(tx, sp.ID())
		return
	}

	// Enter the transaction into the stem phase with the remainder of the
	// stem budget.  The stem tick announces it to its assigned destination
	// and the conventional broadcast takes over once the deadline passes.
	s.stemRouter.Add(hash, s.stemDeadline(), int64(sp.ID()))
}

// OnInv is invoked when a peer receives an inv wire message and is used to
// request the advertised transactions that are not already known.
func (sp *serverPeer) OnInv(_ *peer.Peer, msg *wire.MsgInv) {
	s := sp.server
	gdmsg := wire.NewMsgGetData()
	for _, iv := range msg.InvList {
		if iv.Type != wire.InvTypeTx {
			continue
		}
		sp.addKnownInventory(iv)

		hash := iv.Hash
		if s.haveTransaction(&hash) || s.requestedTxns.Contains(hash) {
			continue
		}
		s.requestedTxns.Put(hash)
		gdmsg.AddInvVect(iv)
	}
	if len(gdmsg.InvList) > 0 {
		sp.QueueMessage(gdmsg, nil)
	}
}

// OnGetData is invoked when a peer receives a getdata wire message and is
// used to deliver transaction information.  Requests for transactions that
// are still in the stem phase are only honored when the requesting peer is
// the notified destination, at which point the entry is marked sent.
func (sp *serverPeer) OnGetData(_ *peer.Peer, msg *wire.MsgGetData) {
	s := sp.server
	router := s.stemRouter
	peerID := int64(sp.ID())

	notFound := wire.NewMsgNotFound()
	for _, iv := range msg.InvList {
		if iv.Type != wire.InvTypeTx {
			notFound.AddInvVect(iv)
			continue
		}

		hash := iv.Hash
		tx, ok := s.fetchTransaction(&hash)
		if !ok {
			notFound.AddInvVect(iv)
			continue
		}

		// Withhold stem-phase transactions from everyone except the
		// destination the router notified.  Unknown hashes fall through
		// to the conventional path by design of the router predicates.
		if router.CheckInventory(&hash) && router.IsInStemPhase(&hash) {
			if !router.IsInStateAndAssigned(&hash, stemrouter.StateNotified,
				peerID) {

				notFound.AddInvVect(iv)
				continue
			}
			sp.QueueMessage(tx.MsgTx(), nil)
			router.MarkSent(&hash)
			continue
		}

		sp.QueueMessage(tx.MsgTx(), nil)
	}
	if len(notFound.InvList) > 0 {
		sp.QueueMessage(notFound, nil)
	}
}

// OnGetAddr is invoked when a peer receives a getaddr wire message and is
// used to provide the peer with known addresses from the address manager.
func (sp *serverPeer) OnGetAddr(_ *peer.Peer, msg *wire.MsgGetAddr) {
	// Don't return any addresses when running on simnet.  This helps
	// prevent the network from becoming another public test network since
	// it will not be able to learn about other peers that have not
	// specifically been provided.
	if cfg.SimNet {
		return
	}

	// Do not accept getaddr requests from outbound peers.  This reduces
	// fingerprinting attacks.
	if !sp.Inbound() {
		return
	}

	// Only respond with addresses once per connection.  This helps reduce
	// traffic and further reduces fingerprinting attacks.
	if sp.addrsSent {
		peerLog.Tracef("Ignoring getaddr from %v - already sent", sp)
		return
	}
	sp.addrsSent = true

	// Push the current known addresses.
	addrCache := sp.server.addrManager.AddressCache()
	addrs := make([]*wire.NetAddress, 0, len(addrCache))
	for _, na := range addrCache {
		addrs = append(addrs, addrmgrToWireNetAddress(na))
	}
	_, err := sp.PushAddrMsg(addrs)
	if err != nil {
		peerLog.Errorf("Can't push address message to %s: %v", sp, err)
		sp.Disconnect()
	}
}

// OnAddr is invoked when a peer receives an addr wire message and is used to
// notify the server about advertised addresses.
func (sp *serverPeer) OnAddr(_ *peer.Peer, msg *wire.MsgAddr) {
	// Ignore addresses when running on simnet.
	if cfg.SimNet {
		return
	}

	// A message that has no addresses is invalid.
	if len(msg.AddrList) == 0 {
		peerLog.Errorf("Command [%s] from %s does not contain any "+
			"addresses", msg.Command(), sp)
		sp.Disconnect()
		return
	}

	now := time.Now()
	addrList := wireToAddrmgrNetAddresses(msg.AddrList)
	for _, na := range addrList {
		// Don't add more addresses if the peer is disconnecting.
		if !sp.Connected() {
			return
		}

		// Set the timestamp to 5 days ago if it's more than 10 minutes
		// in the future so this address is one of the first to be
		// removed when space is needed.
		if na.Timestamp.After(now.Add(time.Minute * 10)) {
			na.Timestamp = now.Add(-1 * time.Hour * 24 * 5)
		}
	}

	// Add addresses to the server address manager.  The address manager
	// handles the details of things such as preventing duplicate
	// addresses, max addresses, and last seen updates.
	remoteAddr := wireToAddrmgrNetAddress(sp.NA())
	sp.server.addrManager.AddAddresses(addrList, remoteAddr)
}

// Run starts additional async processing for the peer and blocks until the
// peer disconnects at which point it notifies the server that the peer has
// disconnected and performs other associated cleanup.
func (sp *serverPeer) Run() {
	// Wait for the peer to disconnect and notify the server accordingly.
	sp.WaitForDisconnect()
	sp.server.DonePeer(sp)

	// Shutdown remaining peer goroutines.
	close(sp.quit)
}

// newPeerConfig returns the configuration for the given serverPeer.
func newPeerConfig(sp *serverPeer) *peer.Config {
	var userAgentComments []string
	if version.PreRelease != "" {
		userAgentComments = append(userAgentComments, version.PreRelease)
	}

	return &peer.Config{
		Listeners: peer.MessageListeners{
			OnVersion: sp.OnVersion,
			OnMemPool: sp.OnMemPool,
			OnTx:      sp.OnTx,
			OnInv:     sp.OnInv,
			OnGetData: sp.OnGetData,
			OnGetAddr: sp.OnGetAddr,
			OnAddr:    sp.OnAddr,
		},
		HostToNetAddress: func(host string, port uint16, services wire.ServiceFlag) (*wire.NetAddress, error) {
			address, err := sp.server.addrManager.HostToNetAddress(host,
				port, services)
			if err != nil {
				return nil, err
			}
			return addrmgrToWireNetAddress(address), nil
		},
		Proxy:             cfg.Proxy,
		UserAgentName:     userAgentName,
		UserAgentVersion:  userAgentVersion,
		UserAgentComments: userAgentComments,
		Net:               sp.server.chainParams.Net,
		Services:          sp.server.services,
		ProtocolVersion:   maxProtocolVersion,
	}
}

// inboundPeerConnected is invoked by the connection manager when a new
// inbound connection is established.  It initializes a new inbound server
// peer instance, associates it with the connection, and starts all additional
// server peer processing goroutines.
func (s *server) inboundPeerConnected(conn net.Conn) {
	sp := newServerPeer(s, false)
	sp.Peer = peer.NewInboundPeer(newPeerConfig(sp))
	sp.AssociateConnection(conn)
	go sp.Run()
}

// outboundPeerConnected is invoked by the connection manager when a new
// outbound connection is established.  It initializes a new outbound server
// peer instance, associates it with the relevant state such as the connection
// request instance and the connection itself, and starts all additional
// server peer processing goroutines.
func (s *server) outboundPeerConnected(c *connmgr.ConnReq, conn net.Conn) {
	sp := newServerPeer(s, c.Permanent)
	p, err := peer.NewOutboundPeer(newPeerConfig(sp), c.Addr.String())
	if err != nil {
		srvrLog.Debugf("Cannot create outbound peer %s: %v", c.Addr, err)
		s.connManager.Disconnect(c.ID())
		return
	}
	sp.Peer = p
	sp.connReq.Store(c)
	sp.AssociateConnection(conn)
	go sp.Run()
}

// AddPeer adds a new peer that has already been connected to the server.
func (s *server) AddPeer(sp *serverPeer) {
	select {
	case <-s.quit:
	case s.newPeers <- sp:
	}
}

// DonePeer informs the server that a peer has disconnected.
func (s *server) DonePeer(sp *serverPeer) {
	select {
	case <-s.quit:
	case s.donePeers <- sp:
	}
}

// handleAddPeerMsg deals with adding new peers.  It is invoked from the
// peerHandler goroutine.
func (s *server) handleAddPeerMsg(state *peerState, sp *serverPeer) bool {
	if sp == nil {
		return false
	}

	// Ignore new peers while shutting down.
	if s.shutdown.Load() {
		srvrLog.Infof("New peer %s ignored - server is shutting down", sp)
		sp.Disconnect()
		return false
	}

	// Limit the max number of total peers.
	state.Lock()
	count := state.count()
	state.Unlock()
	if count+1 > cfg.MaxPeers {
		srvrLog.Infof("Max peers reached [%d] - disconnecting peer %s",
			cfg.MaxPeers, sp)
		sp.Disconnect()
		return false
	}

	// Add the new peer and start it.
	srvrLog.Debugf("New peer %s", sp)
	state.Lock()
	switch {
	case sp.Inbound():
		state.inboundPeers[sp.ID()] = sp
	case sp.persistent:
		state.persistentPeers[sp.ID()] = sp
	default:
		state.outboundPeers[sp.ID()] = sp
	}
	state.Unlock()
	return true
}

// handleDonePeerMsg deals with peers that have signalled they are done.  It
// is invoked from the peerHandler goroutine.
func (s *server) handleDonePeerMsg(state *peerState, sp *serverPeer) {
	state.Lock()
	switch {
	case sp.Inbound():
		delete(state.inboundPeers, sp.ID())
	case sp.persistent:
		delete(state.persistentPeers, sp.ID())
	default:
		delete(state.outboundPeers, sp.ID())
	}
	state.Unlock()

	// Notify the connection manager so it can adjust and, in the case of
	// persistent peers, retry the connection.
	if c := sp.connReq.Load(); c != nil {
		if sp.persistent {
			s.connManager.Disconnect(c.ID())
		} else {
			s.connManager.Remove(c.ID())
		}
	}

	srvrLog.Debugf("Removed peer %s", sp)
}

// handleRelayInvMsg deals with relaying inventory to peers that are not
// already known to have it.  It is invoked from the peerHandler goroutine.
func (s *server) handleRelayInvMsg(msg relayMsg) {
	s.peerState.forAllPeers(func(sp *serverPeer) {
		if !sp.Connected() || sp.ID() == msg.origin {
			return
		}
		if sp.isKnownInventory(msg.invVect) {
			return
		}

		// Queue the inventory to be relayed with the next batch.  It
		// will be ignored in case the peer is already known to have
		// the inventory by then.
		sp.addKnownInventory(msg.invVect)
		sp.QueueInventory(msg.invVect)
	})
}

// processStems runs a single stem router tick and performs the follow-up
// serialization work: newly assigned entries are announced to their
// destination peer only, and entries that have left the stem phase are
// entered into the conventional broadcast once by this tick.  Transactions
// that were broadcast directly on arrival are not recorded in the fluffed set,
// so they are passed to the broadcast once more here, where the per-peer
// known inventory filter keeps them from being announced twice.
//
// It is invoked from the peerHandler goroutine.
func (s *server) processStems() {
	speers := s.stemPeerList()
	rpeers := make([]stemrouter.Peer, 0, len(speers))
	for _, sp := range speers {
		rpeers = append(rpeers, stemPeer{sp: sp})
	}
	s.stemRouter.Process(rpeers)

	for _, hash := range s.relayPool.Keys() {
		hash := hash

		// Transactions no longer tracked by the router have completed
		// or abandoned their stem phase and are fluffed.
		if !s.stemRouter.CheckInventory(&hash) {
			if s.fluffed.Contains(hash) {
				continue
			}
			if tx, ok := s.fetchTransaction(&hash); ok {
				s.fluffed.Put(hash)
				s.RelayTransaction(tx, -1)
			}
			continue
		}

		// Announce newly assigned entries to their destination only and
		// start the notify countdown.  The destination must fetch the
		// transaction before the notify deadline or the router retries
		// through a new route.
		for _, sp := range speers {
			peerID := int64(sp.ID())
			if !s.stemRouter.IsAssignedToNode(&hash, peerID) {
				continue
			}
			iv := wire.NewInvVect(wire.InvTypeTx, &hash)
			invMsg := wire.NewMsgInvSizeHint(1)
			invMsg.AddInvVect(iv)
			sp.addKnownInventory(iv)
			sp.QueueMessage(invMsg, nil)
			s.stemRouter.SetNodeNotified(&hash, peerID)
			break
		}
	}
}

// peerHandler is used to handle peer operations such as adding and removing
// peers to and from the server, relaying inventory, and periodically driving
// the stem router.
//
// It must be run in a goroutine.
func (s *server) peerHandler(ctx context.Context) {
	// Start the address manager which is needed by peers.  Its lifecycle
	// is closely tied to this handler.
	s.addrManager.Start()

	srvrLog.Tracef("Starting peer handler")

	stemTicker := time.NewTicker(stemProcessInterval)
	defer stemTicker.Stop()

out:
	for {
		select {
		// New peers connected to the server.
		case p := <-s.newPeers:
			s.handleAddPeerMsg(&s.peerState, p)

		// Disconnected peers.
		case p := <-s.donePeers:
			s.handleDonePeerMsg(&s.peerState, p)

		// New inventory to potentially be relayed to other peers.
		case invMsg := <-s.relayInv:
			s.handleRelayInvMsg(invMsg)

		// Drive the stem router and its follow-up announcements.
		case <-stemTicker.C:
			if !cfg.NoStem {
				s.processStems()
			}

		case <-ctx.Done():
			break out
		}
	}

	// Drop all peers.
	s.peerState.forAllPeers(func(sp *serverPeer) {
		srvrLog.Tracef("Shutdown peer %s", sp)
		sp.Disconnect()
	})

	if err := s.addrManager.Stop(); err != nil {
		srvrLog.Errorf("Failed to stop address manager: %v", err)
	}

	// Drain the channels to unblock any callers waiting on them.
cleanup:
	for {
		select {
		case <-s.newPeers:
		case <-s.donePeers:
		case <-s.relayInv:
		default:
			break cleanup
		}
	}
	srvrLog.Tracef("Peer handler done")
}

// querySeeders queries the configured seeders to discover peers that support
// the required services and adds the discovered peers to the address manager.
// Each seeder is contacted in a separate goroutine.
func (s *server) querySeeders(ctx context.Context) {
	seeders := s.chainParams.Seeders()
	for _, seeder := range seeders {
		go func(seeder string) {
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()

			addrs, err := connmgr.SeedAddrs(ctx, seeder, cfg.dial,
				connmgr.SeedFilterServices(defaultRequiredServices))
			if err != nil {
				srvrLog.Infof("seeder '%s' error: %v", seeder, err)
				return
			}

			// Nothing to do if the seeder didn't return any
			// addresses.
			if len(addrs) == 0 {
				return
			}

			addresses := wireToAddrmgrNetAddresses(addrs)
			s.addrManager.AddAddresses(addresses, addresses[0])
		}(seeder)
	}
}

// Run starts the server and blocks until the provided context is cancelled.
func (s *server) Run(ctx context.Context) {
	srvrLog.Trace("Starting server")

	// Start the peer handler which in turn starts the address manager and
	// drives the stem router.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		s.peerHandler(ctx)
		wg.Done()
	}()

	// Query the seeders and start the connection manager.
	wg.Add(1)
	go func() {
		if !cfg.DisableSeeders {
			go s.querySeeders(ctx)
		}
		s.connManager.Run(ctx)
		wg.Done()
	}()

	// Shutdown the server when the context is cancelled.
	<-ctx.Done()
	s.shutdown.Store(true)
	close(s.quit)

	srvrLog.Warnf("Server shutting down")
	wg.Wait()
	srvrLog.Trace("Server stopped")
}

// newServer returns a new stemd server configured to listen on the given
// addresses relative to the provided network parameters.  Use Run to begin
// accepting connections from peers.
func newServer(ctx context.Context, listenAddrs []string, chainParams *chaincfg.Params) (*server, error) {
	amgr := addrmgr.New(cfg.HomeDir, cfg.lookup)

	s := &server{
		chainParams:   chainParams,
		addrManager:   amgr,
		timeSource:    blockchain.NewMedianTime(),
		services:      defaultServices,
		peerState:     makePeerState(),
		relayPool:     lru.NewMapWithDefaultTTL[chainhash.Hash, *dcrutil.Tx](maxRelayPoolTxns, relayPoolTTL),
		fluffed:       lru.NewSetWithDefaultTTL[chainhash.Hash](maxRelayPoolTxns, relayPoolTTL),
		requestedTxns: lru.NewSetWithDefaultTTL[chainhash.Hash](maxRelayPoolTxns, requestedTxnTTL),
		newPeers:      make(chan *serverPeer, cfg.MaxPeers),
		donePeers:     make(chan *serverPeer, cfg.MaxPeers),
		relayInv:      make(chan relayMsg, cfg.MaxPeers),
		quit:          make(chan struct{}),
	}

	// Create the stem router driven by the server peer oracle, the
	// network-adjusted clock, and the shared cryptographically secure
	// userspace PRNG.
	router, err := stemrouter.New(&stemrouter.Config{
		TimeSource: s.timeSource.AdjustedTime,
		RandInt64:  rand.Int64N,
		StemPeers:  s.stemPeers,
	})
	if err != nil {
		return nil, err
	}
	s.stemRouter = router

	// Create the listeners for the connection manager when listening is
	// enabled.
	var listeners []net.Listener
	if !cfg.DisableListen {
		listeners = make([]net.Listener, 0, len(listenAddrs))
		for _, addr := range listenAddrs {
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				srvrLog.Warnf("Can't listen on %s: %v", addr, err)
				continue
			}
			listeners = append(listeners, listener)
		}
		if len(listeners) == 0 {
			return nil, errors.New("no valid listen addresses")
		}
	}

	// Only setup a function to return new addresses to connect to when not
	// running in connect-only mode.
	var newAddressFunc func() (net.Addr, error)
	if len(cfg.ConnectPeers) == 0 {
		newAddressFunc = func() (net.Addr, error) {
			for tries := 0; tries < 100; tries++ {
				addr := s.addrManager.GetAddress()
				if addr == nil {
					break
				}

				// Skip recently attempted addresses until enough
				// other candidates have been tried.
				netAddr := addr.NetAddress()
				if tries < 30 {
					lastAttempt := addr.LastAttempt()
					if !lastAttempt.IsZero() &&
						time.Since(lastAttempt) < 10*time.Minute {
						continue
					}
				}

				addrString := net.JoinHostPort(netAddr.IP.String(),
					fmt.Sprintf("%d", netAddr.Port))
				return addrStringToNetAddr(addrString)
			}

			return nil, errors.New("no valid connect address")
		}
	}

	// Create a connection manager.
	targetOutbound := defaultTargetOutbound
	if cfg.MaxPeers < targetOutbound {
		targetOutbound = cfg.MaxPeers
	}
	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:      listeners,
		OnAccept:       s.inboundPeerConnected,
		RetryDuration:  connectionRetryInterval,
		TargetOutbound: uint32(targetOutbound),
		Dial:           cfg.dial,
		Timeout:        cfg.DialTimeout,
		OnConnection:   s.outboundPeerConnected,
		GetNewAddress:  newAddressFunc,
	})
	if err != nil {
		return nil, err
	}
	s.connManager = cmgr

	// Start up persistent peers.
	permanentPeers := cfg.ConnectPeers
	if len(permanentPeers) == 0 {
		permanentPeers = cfg.AddPeers
	}
	for _, addr := range permanentPeers {
		tcpAddr, err := addrStringToNetAddr(addr)
		if err != nil {
			return nil, err
		}

		go s.connManager.Connect(ctx, &connmgr.ConnReq{
			Addr:      tcpAddr,
			Permanent: true,
		})
	}

	return s, nil
}

// addrStringToNetAddr takes an address in the form of 'host:port' and returns
// a net.Addr which maps to the original address with any host names resolved
// to IP addresses.
func addrStringToNetAddr(addr string) (net.Addr, error) {
	host, strPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(strPort)
	if err != nil {
		return nil, err
	}

	// Skip if host is already an IP address.
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{
			IP:   ip,
			Port: port,
		}, nil
	}

	// Attempt to look up an IP address associated with the parsed host.
	ips, err := cfg.lookup(host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}

	return &net.TCPAddr{
		IP:   ips[0],
		Port: port,
	}, nil
}

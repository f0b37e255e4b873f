// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Context is the top-level orchestrator for a Channel Access client
// (§3, §4.1). It owns the channel table, the IO table, the server
// (virtual circuit) table, the beacon table, the sync-group table, the
// local-service registry, and the lazily created UDP search interface.
//
// Two locks guard this state, in a strict hierarchy (§5): cbMu (the
// callback-lock) is always acquired before stateMu (the state-lock),
// never the reverse, and no code path holds stateMu while invoking a
// user callback.
type Context struct {
	cfg    *Config
	notify Notify
	// preemptive is always true (enforced by NewContext): this client
	// only ever delivers callbacks preemptively. Retained as a field
	// rather than dropped so [Context.Stats]-style introspection can
	// report it the way the original API's enablePreemptiveCallback
	// constructor argument is itself inspectable.
	preemptive bool

	stateMu sync.Mutex
	cbMu    sync.Mutex

	channels      *registry[uint32, *Channel]
	ios           *registry[uint32, *ioBase]
	servers       *registry[serverKey, *TCPCircuit]
	beacons       *registry[string, *BHE]
	syncGroups    *registry[uint32, *SyncGroup]
	localServices *registry[string, LocalServiceFunc]

	udp *UDPSearch

	nextCID         atomic.Uint32
	nextIOID        atomic.Uint32
	nextSyncGroupID atomic.Uint32

	closed    bool
	closeOnce sync.Once

	metrics          *metricsSet
	programBeginTime time.Time

	// searchPort/broadcastAddrs configure the lazily created UDP search
	// interface; set once at construction (§4.1).
	searchPort     uint16
	broadcastAddrs []netip.Addr
}

// defaultSearchPort is the UDP port Channel Access servers listen for
// search requests on.
const defaultSearchPort = 5064

// NewContext creates a [*Context]. notify receives context-wide
// exceptions not scoped to a single outstanding IO. cfg may be nil, in
// which case [NewConfig] is used.
//
// preemptiveCallback must be true: this client only ever delivers
// [ChannelNotify] and completion callbacks preemptively, directly on the
// UDP search goroutine or a [*TCPCircuit]'s recv goroutine (§4.1, §5),
// the way the recv tasks themselves act as callback threads. Cooperative
// (event-pump-driven) callback delivery is a non-goal of this client —
// there is no queue for a user goroutine to drain — so passing false is
// rejected rather than silently ignored.
func NewContext(cfg *Config, notify Notify, preemptiveCallback bool) (*Context, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if notify == nil {
		return nil, errors.New("cac: notify must not be nil")
	}
	if !preemptiveCallback {
		return nil, errors.New("cac: cooperative callback mode is not implemented; preemptiveCallback must be true")
	}
	ctx := &Context{
		cfg:              cfg,
		notify:           notify,
		preemptive:       preemptiveCallback,
		channels:         newRegistry[uint32, *Channel](),
		ios:              newRegistry[uint32, *ioBase](),
		servers:          newRegistry[serverKey, *TCPCircuit](),
		beacons:          newRegistry[string, *BHE](),
		syncGroups:       newRegistry[uint32, *SyncGroup](),
		localServices:    newRegistry[string, LocalServiceFunc](),
		programBeginTime: cfg.TimeNow(),
		searchPort:       defaultSearchPort,
	}
	ctx.metrics = newMetricsSet(cfg.MetricsRegisterer)
	return ctx, nil
}

// SetBroadcastAddrs configures the subnet broadcast (or explicit unicast
// lookup) addresses used for UDP search (§4.1). Must be called before
// the first [Context.CreateChannel] that needs network search; a later
// call has no effect on an already-created search interface.
func (ctx *Context) SetBroadcastAddrs(addrs []netip.Addr, port uint16) {
	ctx.stateMu.Lock()
	defer ctx.stateMu.Unlock()
	ctx.broadcastAddrs = addrs
	if port != 0 {
		ctx.searchPort = port
	}
}

// ensureUDPLocked lazily creates the UDP search interface. Callers must
// hold the state-lock.
func (ctx *Context) ensureUDPLocked() error {
	if ctx.udp != nil {
		return nil
	}
	u, err := newUDPSearch(ctx, ctx.searchPort, ctx.broadcastAddrs)
	if err != nil {
		return err
	}
	ctx.udp = u
	u.start()
	return nil
}

// CreateChannel creates a named channel (§4.1). If a [LocalServiceFunc]
// is registered for name, the channel is served entirely in-process and
// Connect/AccessRights fire before CreateChannel returns. Otherwise the
// channel immediately begins searching for a server over UDP.
func (ctx *Context) CreateChannel(name string, notify ChannelNotify, priority int) (*Channel, error) {
	if notify == nil {
		return nil, errors.New("cac: notify must not be nil")
	}
	if priority < 0 || priority > 99 {
		return nil, ECABadPriority
	}

	ctx.stateMu.Lock()
	if ctx.closed {
		ctx.stateMu.Unlock()
		return nil, errors.New("cac: context is closed")
	}
	localFn, isLocal := ctx.localServices.lookup(name)
	ch := &Channel{
		cid:      ctx.allocCID(),
		name:     name,
		priority: priority,
		notify:   notify,
		ctx:      ctx,
		ios:      make(map[uint32]*ioBase),
	}
	if isLocal {
		ch.localFn = localFn
		ch.connected = true
		ch.readAccess = true
		ch.writeAccess = true
	}
	ctx.channels.add(ch.cid, ch)

	var udpErr error
	if !isLocal {
		udpErr = ctx.ensureUDPLocked()
		if udpErr == nil {
			ctx.udp.installChannelLocked(ch)
		}
	}
	ctx.stateMu.Unlock()

	if udpErr != nil {
		return nil, udpErr
	}

	if isLocal {
		ctx.cbMu.Lock()
		notify.AccessRights(ch, true, true)
		notify.Connect(ch)
		ctx.cbMu.Unlock()
	}
	return ch, nil
}

// DestroyChannel tears a channel down (§4.1): it stops searching or
// clears its claim on its circuit, exceptions every outstanding IO with
// [ECAChanDestroy], and removes it from the channel table. Destroying an
// already-destroyed channel is a no-op.
func (ctx *Context) DestroyChannel(ch *Channel) error {
	ctx.stateMu.Lock()
	if ch.destroyed {
		ctx.stateMu.Unlock()
		return nil
	}
	ch.destroyed = true
	ctx.channels.remove(ch.cid)
	circuit := ch.circuit
	if circuit != nil {
		circuit.uninstallChannelLocked(ch)
	} else if ctx.udp != nil {
		ctx.udp.uninstallChannelLocked(ch)
	}
	ctx.stateMu.Unlock()

	ctx.disconnectAllIO(ch, ECAChanDestroy)

	if circuit != nil && circuit.isConnected() {
		ctx.clearChannelRequest(ch, circuit)
	}
	return nil
}

// connectAllIO re-installs every subscription outstanding on ch against
// its (new) circuit, run after claimCIURespAction confirms a claim
// (§4.3). One-shot IO does not survive a disconnect, so there is
// nothing else to reinstate here.
func (ctx *Context) connectAllIO(ch *Channel) {
	ctx.stateMu.Lock()
	var subs []*ioBase
	for _, io := range ch.ios {
		if io.isSubscription() {
			subs = append(subs, io)
		}
	}
	circuit := ch.circuit
	ctx.stateMu.Unlock()

	for _, io := range subs {
		ctx.resendSubscription(ch, io, circuit)
	}
}

// finishLegacyClaim synthesizes the claim acknowledgement a pre-v4.2
// peer never sends (§4.2, §4.3 step 5): the client commits the channel
// as connected under the state-lock, resubscribes its durable IO, then
// fires Connect and, for a pre-v4.1 peer (which also never sends
// ACCESS_RIGHTS), AccessRights with read+write synthesized, under the
// callback-lock.
func (ctx *Context) finishLegacyClaim(ch *Channel, circuit *TCPCircuit) {
	ctx.stateMu.Lock()
	if ch.destroyed || ch.circuit != circuit || ch.connected {
		ctx.stateMu.Unlock()
		return
	}
	ch.connected = true
	v41 := circuit.ca_v41Ok()
	if !v41 {
		ch.readAccess = true
		ch.writeAccess = true
	}
	var subs []*ioBase
	for _, io := range ch.ios {
		if io.isSubscription() {
			subs = append(subs, io)
		}
	}
	ctx.stateMu.Unlock()

	for _, io := range subs {
		ctx.resendSubscription(ch, io, circuit)
	}

	ctx.cbMu.Lock()
	ch.notify.Connect(ch)
	if !v41 {
		ch.notify.AccessRights(ch, true, true)
	}
	ctx.cbMu.Unlock()
}

// synthesizeLegacyForCircuit runs finishLegacyClaim for every channel
// bound to circuit that has not yet been committed, called once this
// circuit's minor version is known to be pre-v4.2 (§4.2): either right
// after a search reply binds a channel to an already-negotiated legacy
// circuit, or, for a circuit whose version wasn't known yet at bind
// time, as soon as its VERSION frame arrives (see versionAction).
func (ctx *Context) synthesizeLegacyForCircuit(circuit *TCPCircuit) {
	ctx.stateMu.Lock()
	var pending []*Channel
	for _, ch := range circuit.channels {
		if !ch.connected {
			pending = append(pending, ch)
		}
	}
	ctx.stateMu.Unlock()

	for _, ch := range pending {
		ctx.finishLegacyClaim(ch, circuit)
	}
}

func (ctx *Context) resendSubscription(ch *Channel, io *ioBase, circuit *TCPCircuit) {
	payload := make([]byte, 16)
	payload[12] = byte(io.mask >> 8)
	payload[13] = byte(io.mask)
	frame := append(encodeHeader(cmdEventAdd, io.reqDataType, io.reqCount, ch.sid, io.ioid, uint32(len(payload))), payload...)
	circuit.enqueue(frame)
	ctx.flushIfRequired(circuit)
}

// disconnectAllIO exceptions every IO outstanding on ch with status: a
// subscription stays registered (it is reinstated by connectAllIO on
// reconnect); every one-shot read/write is destroyed, since it cannot
// complete on a circuit that no longer exists (§4.3, §4.4).
func (ctx *Context) disconnectAllIO(ch *Channel, status Status) {
	ctx.stateMu.Lock()
	var subs, oneShot []*ioBase
	for _, io := range ch.ios {
		if io.isSubscription() {
			subs = append(subs, io)
		} else {
			oneShot = append(oneShot, io)
		}
	}
	ctx.stateMu.Unlock()

	for _, io := range subs {
		ctx.ioExceptionNotify(io, status, ch.name)
	}
	for _, io := range oneShot {
		ctx.ioExceptionNotifyAndDestroy(io, status, ch.name)
	}
}

// disconnectChannel unbinds ch from its circuit, re-enrolls it for
// search unless it is being destroyed, exceptions its outstanding IO,
// and notifies its [ChannelNotify.Disconnect] (§4.4).
func (ctx *Context) disconnectChannel(ch *Channel) {
	ctx.stateMu.Lock()
	wasConnected := ch.connected
	ch.unbindLocked()
	if !ch.destroyed {
		if err := ctx.ensureUDPLocked(); err == nil {
			ctx.udp.installChannelLocked(ch)
		}
	}
	ctx.stateMu.Unlock()

	if !wasConnected {
		return
	}
	ctx.disconnectAllIO(ch, ECADisconn)
	ctx.cbMu.Lock()
	ch.notify.Disconnect(ch)
	ctx.cbMu.Unlock()
}

// forceDisconnectCircuit tears an entire virtual circuit down: every
// channel bound to it is disconnected and begins searching again, and
// the circuit itself is removed from the server table so a later search
// reply creates a fresh one (§4.4).
func (ctx *Context) forceDisconnectCircuit(circuit *TCPCircuit) {
	ctx.stateMu.Lock()
	var affected []*Channel
	for _, ch := range circuit.channels {
		affected = append(affected, ch)
	}
	ctx.servers.remove(serverKey{addr: circuit.addr.String(), priority: circuit.priority})
	ctx.stateMu.Unlock()

	circuit.initiateAbortShutdown()
	for _, ch := range affected {
		ctx.disconnectChannel(ch)
	}
}

// getOrCreateCircuitLocked returns the circuit for (addr, priority),
// creating and beginning to connect one if none exists yet (§4.2).
// Callers must hold the state-lock; the returned circuit may still be
// mid-connect.
func (ctx *Context) getOrCreateCircuitLocked(addr netip.AddrPort, priority int) *TCPCircuit {
	key := serverKey{addr: addr.String(), priority: priority}
	if c, ok := ctx.servers.lookup(key); ok {
		return c
	}
	c := newTCPCircuit(ctx, addr, priority)
	ctx.servers.add(key, c)
	go func() {
		if err := c.dialAndNegotiate(context.Background()); err != nil {
			ctx.cfg.Logger.Info("circuit: connect failed", logAddr(addr.Addr()), errAttr(err))
			ctx.forceDisconnectCircuit(c)
			return
		}
		c.start()
	}()
	return c
}

// CancelIO retires an outstanding read, write, or subscription before it
// would otherwise complete (§4.3). It follows the three-phase pattern
// used throughout this package (§5, doc.go): remove the IO from the
// tables under the state-lock so no in-flight response can find it
// again, take the callback-lock as a barrier to guarantee any callback
// already in progress for this IO has returned, then, for a
// subscription, ask its circuit to cancel it on the wire.
func (ctx *Context) CancelIO(ioid uint32) error {
	ctx.stateMu.Lock()
	io, ok := ctx.ios.remove(ioid)
	if !ok {
		ctx.stateMu.Unlock()
		return errors.New("cac: unknown ioid")
	}
	delete(io.channel.ios, ioid)
	ch := io.channel
	circuit := ch.circuit
	ctx.stateMu.Unlock()

	ctx.cbMu.Lock()
	ctx.cbMu.Unlock()

	if io.isSubscription() && circuit != nil && circuit.isConnected() {
		ctx.subscriptionCancelRequest(ch, io, circuit)
	}
	return nil
}

// Flush wakes the send task of every circuit in the server table
// (§4.2).
func (ctx *Context) Flush() {
	ctx.stateMu.Lock()
	var circuits []*TCPCircuit
	ctx.servers.each(func(_ serverKey, c *TCPCircuit) { circuits = append(circuits, c) })
	ctx.stateMu.Unlock()
	for _, c := range circuits {
		c.flushRequest()
	}
}

// ConnectionCount returns the number of currently connected virtual
// circuits.
func (ctx *Context) ConnectionCount() int {
	ctx.stateMu.Lock()
	defer ctx.stateMu.Unlock()
	n := 0
	ctx.servers.each(func(_ serverKey, c *TCPCircuit) {
		if c.isConnected() {
			n++
		}
	})
	return n
}

// Stats is a point-in-time snapshot of a [*Context]'s load, the Go
// analogue of cac::pvAlarmStats-style introspection used for health
// checks and the optional Prometheus export (§4.1).
type Stats struct {
	ConnectedCircuits int
	SearchingChannels int
	ConnectedChannels int
	PendingIO         int
}

// Stats returns a snapshot of this context's current load.
func (ctx *Context) Stats() Stats {
	ctx.stateMu.Lock()
	defer ctx.stateMu.Unlock()
	var s Stats
	ctx.servers.each(func(_ serverKey, c *TCPCircuit) {
		if c.isConnected() {
			s.ConnectedCircuits++
		}
	})
	if ctx.udp != nil {
		s.SearchingChannels = len(ctx.udp.searching)
	}
	ctx.channels.each(func(_ uint32, ch *Channel) {
		if ch.connected {
			s.ConnectedChannels++
		}
	})
	s.PendingIO = ctx.ios.len()
	ctx.metrics.refreshLocked(ctx)
	return s
}

// Close shuts every virtual circuit down, stops the search interface,
// and marks the context closed; subsequent [Context.CreateChannel]
// calls fail. Close is idempotent.
func (ctx *Context) Close() error {
	ctx.closeOnce.Do(func() {
		ctx.stateMu.Lock()
		ctx.closed = true
		var circuits []*TCPCircuit
		ctx.servers.each(func(_ serverKey, c *TCPCircuit) { circuits = append(circuits, c) })
		udp := ctx.udp
		ctx.stateMu.Unlock()

		for _, c := range circuits {
			c.initiateCleanShutdown()
		}
		if udp != nil {
			udp.shutdown()
		}
	})
	return nil
}

func (ctx *Context) allocCID() uint32 {
	return ctx.nextCID.Add(1)
}

func (ctx *Context) allocIOID() uint32 {
	return ctx.nextIOID.Add(1)
}

func (ctx *Context) allocSyncGroupID() uint32 {
	return ctx.nextSyncGroupID.Add(1)
}

// SPDX-License-Identifier: GPL-3.0-or-later

package cac

// Channel is a named process variable as seen by one client context
// (§4.1). Its transport binding moves from unbound (searching over UDP)
// to bound (claimed on a [*TCPCircuit]) and back again across circuit
// disconnects; [ChannelNotify] reports each transition.
//
// All fields below are guarded by the owning [*Context]'s state-lock
// except where noted; use the exported accessor methods from outside
// the package.
type Channel struct {
	cid      uint32
	name     string
	priority int
	notify   ChannelNotify
	ctx      *Context

	circuit    *TCPCircuit // nil while searching
	sid        uint32
	dataType   uint16
	count      uint32
	connected  bool
	readAccess bool

	writeAccess bool
	retryCount  uint32
	destroyed   bool

	// localFn is non-nil for a channel served by a [LocalServiceFunc]
	// (§4.1 channel creation policy). Such a channel never searches or
	// claims a circuit.
	localFn LocalServiceFunc

	ios map[uint32]*ioBase
}

// IsLocal reports whether this channel is served in-process by a
// [LocalServiceFunc] rather than over the network.
func (ch *Channel) IsLocal() bool {
	return ch.localFn != nil
}

// Name returns the channel's PV name.
func (ch *Channel) Name() string {
	return ch.name
}

// Priority returns the channel's priority level, used to select which
// virtual circuit (of potentially several to the same server) it binds
// to (§4.2).
func (ch *Channel) Priority() int {
	return ch.priority
}

// Connected reports whether the channel currently holds a claimed
// virtual circuit.
func (ch *Channel) Connected() bool {
	ch.ctx.stateMu.Lock()
	defer ch.ctx.stateMu.Unlock()
	return ch.connected
}

// NativeType returns the server-reported native data type and element
// count, valid once Connected reports true (§4.1).
func (ch *Channel) NativeType() (dataType uint16, count uint32) {
	ch.ctx.stateMu.Lock()
	defer ch.ctx.stateMu.Unlock()
	return ch.dataType, ch.count
}

// AccessRights returns the last access-rights state reported by the
// server, both false until the first [ChannelNotify.AccessRights] call.
func (ch *Channel) AccessRights() (read, write bool) {
	ch.ctx.stateMu.Lock()
	defer ch.ctx.stateMu.Unlock()
	return ch.readAccess, ch.writeAccess
}

// addIOLocked registers io on this channel's IO list. Callers must hold
// the state-lock.
func (ch *Channel) addIOLocked(io *ioBase) {
	ch.ios[io.ioid] = io
}

// bindToCircuitLocked transfers a channel from the UDP search list to a
// claimed virtual circuit, mirroring
// cac::lookupChannelAndTransferToTCP. Callers must hold the state-lock.
func (ch *Channel) bindToCircuitLocked(circuit *TCPCircuit) {
	if ch.circuit != nil {
		ch.circuit.uninstallChannelLocked(ch)
	} else if ch.ctx.udp != nil {
		ch.ctx.udp.uninstallChannelLocked(ch)
	}
	ch.circuit = circuit
	circuit.installChannelLocked(ch)
	ch.retryCount = 0
}

// unbindLocked detaches a channel from its circuit (on disconnect or
// destroy) and clears its connected flag and sid. It does not re-enroll
// the channel in the UDP search list; [Context.disconnectChannel] does
// that. Callers must hold the state-lock.
func (ch *Channel) unbindLocked() {
	if ch.circuit != nil {
		ch.circuit.uninstallChannelLocked(ch)
		ch.circuit = nil
	}
	ch.connected = false
	ch.sid = 0
}

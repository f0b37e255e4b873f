// SPDX-License-Identifier: GPL-3.0-or-later

package cac

// Notify is the context-wide callback sink supplied to [NewContext]. It
// receives exceptions that are not scoped to a single outstanding IO
// (§4.1, §7): diagnostics raised through [Context.signal], exceptions for
// a failed request the client no longer tracks (an unknown ioid, or a
// write exception whose sid matches no channel), and exceptions for
// request kinds with no handler of their own.
//
// Exception is invoked under the callback-lock (§5), so it must not call
// back into this package synchronously.
type Notify interface {
	Exception(status Status, context string)
}

// ChannelNotify receives connection-state changes for one [*Channel]
// (§4.1). All four methods are invoked under the callback-lock.
type ChannelNotify interface {
	// Connect is called once a channel has claimed a virtual circuit and
	// the server has confirmed its SID, native type, and element count.
	Connect(ch *Channel)

	// Disconnect is called when the channel's circuit is lost. The
	// channel automatically begins searching again; Connect is called
	// again if and when it reconnects.
	Disconnect(ch *Channel)

	// AccessRights is called on initial connect and whenever the
	// server reports a change in read/write permission for this
	// channel (§4.1 access rights).
	AccessRights(ch *Channel, read, write bool)

	// WriteException is called when the server reports a failed write
	// issued through [Context.WriteRequest] (§7). Because a plain write
	// carries no ioid, this is the only way such a failure is reported;
	// it is routed to the channel whose sid matches the failed
	// request's, not to the IO table.
	WriteException(ch *Channel, status Status, context string)
}

// EventCallback receives the result of a read, read-notify, or
// subscription-update completion (§4.3). data is only valid for the
// duration of the call.
type EventCallback func(status Status, dataType uint16, count uint32, data []byte)

// WriteCallback receives the result of a write-notify completion (§4.3).
type WriteCallback func(status Status)

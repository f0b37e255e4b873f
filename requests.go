// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"encoding/binary"
	"errors"
)

// ErrChannelNotConnected is returned by a request method when the
// channel has no claimed virtual circuit yet (§4.3: requests issued
// while searching are rejected rather than queued).
var ErrChannelNotConnected = errors.New("cac: channel is not connected")

// ErrChannelDestroyed is returned by a request method on a channel that
// has already been destroyed.
var ErrChannelDestroyed = errors.New("cac: channel has been destroyed")

// claimChannel sends the CREATE_CHAN (claim) request for ch on circuit,
// the first frame issued for a channel once its circuit is known
// (§4.2). The server's reply is handled by claimCIURespAction.
func (ctx *Context) claimChannel(ch *Channel, circuit *TCPCircuit) {
	name := []byte(ch.name)
	padded := len(name) + 1
	if padded%8 != 0 {
		padded += 8 - padded%8
	}
	payload := make([]byte, padded)
	copy(payload, name)

	frame := append(
		encodeHeader(cmdClaimCIU, 0, uint32(len(payload)), ch.cid, uint32(clientProtocolMinor), uint32(len(payload))),
		payload...,
	)
	circuit.enqueue(frame)
	ctx.flushIfRequired(circuit)
}

// WriteRequest issues a fire-and-forget write (§4.3): no completion is
// reported, errors surface only as a subsequent exception on the
// channel or context notify sink.
func (ctx *Context) WriteRequest(ch *Channel, dataType uint16, count uint32, data []byte) error {
	circuit, err := ctx.boundCircuit(ch)
	if err != nil {
		return err
	}
	frame := append(
		encodeHeader(cmdWrite, dataType, count, ch.sid, 0, uint32(len(data))),
		data...,
	)
	circuit.enqueue(frame)
	ctx.flushIfRequired(circuit)
	return nil
}

// WriteNotifyRequest issues a write and reports completion through cb
// (§4.3).
func (ctx *Context) WriteNotifyRequest(ch *Channel, dataType uint16, count uint32, data []byte, cb WriteCallback) (uint32, error) {
	circuit, err := ctx.boundCircuit(ch)
	if err != nil {
		return 0, err
	}

	ctx.stateMu.Lock()
	io := ctx.newIOBase(ch, ioKindWriteNotify, dataType, count)
	io.onWrite = cb
	ch.addIOLocked(io)
	ctx.ios.add(io.ioid, io)
	ctx.stateMu.Unlock()

	frame := append(
		encodeHeader(cmdWriteNotify, dataType, count, ch.sid, io.ioid, uint32(len(data))),
		data...,
	)
	circuit.enqueue(frame)
	ctx.flushIfRequired(circuit)
	return io.ioid, nil
}

// ReadNotifyRequest issues a read and reports completion through cb
// (§4.3).
func (ctx *Context) ReadNotifyRequest(ch *Channel, dataType uint16, count uint32, cb EventCallback) (uint32, error) {
	if ch.IsLocal() {
		dt, n, data, ok := ch.localFn()
		status := ECANormal
		if !ok {
			status = ECAInternal
		}
		if cb != nil {
			cb(status, dt, n, data)
		}
		return 0, nil
	}

	circuit, err := ctx.boundCircuit(ch)
	if err != nil {
		return 0, err
	}

	ctx.stateMu.Lock()
	io := ctx.newIOBase(ch, ioKindReadNotify, dataType, count)
	io.onEvent = cb
	ch.addIOLocked(io)
	ctx.ios.add(io.ioid, io)
	ctx.stateMu.Unlock()

	frame := encodeHeader(cmdReadNotify, dataType, count, ch.sid, io.ioid, 0)
	circuit.enqueue(frame)
	ctx.flushIfRequired(circuit)
	return io.ioid, nil
}

// SubscriptionRequest installs an event-add subscription delivering
// updates through cb until cancelled with [Context.CancelIO] (§4.3).
func (ctx *Context) SubscriptionRequest(ch *Channel, dataType uint16, count uint32, mask uint32, cb EventCallback) (uint32, error) {
	circuit, err := ctx.boundCircuit(ch)
	if err != nil {
		return 0, err
	}

	ctx.stateMu.Lock()
	io := ctx.newIOBase(ch, ioKindSubscription, dataType, count)
	io.onEvent = cb
	io.mask = mask
	ch.addIOLocked(io)
	ctx.ios.add(io.ioid, io)
	ctx.stateMu.Unlock()

	// The event-add payload is a low/high/mask triplet of the request's
	// data type; this client only ever sends a mask (no deadband
	// filtering), so low and high are left zero (§6).
	payload := make([]byte, 16)
	binary.BigEndian.PutUint16(payload[12:14], uint16(mask))
	frame := append(encodeHeader(cmdEventAdd, dataType, count, ch.sid, io.ioid, uint32(len(payload))), payload...)
	circuit.enqueue(frame)
	ctx.flushIfRequired(circuit)
	return io.ioid, nil
}

// subscriptionCancelRequest sends EVENT_CANCEL for io, used by
// [Context.CancelIO].
func (ctx *Context) subscriptionCancelRequest(ch *Channel, io *ioBase, circuit *TCPCircuit) {
	frame := encodeHeader(cmdEventCancel, io.reqDataType, io.reqCount, ch.sid, io.ioid, 0)
	circuit.enqueue(frame)
	ctx.flushIfRequired(circuit)
}

// clearChannelRequest sends CLEAR_CHANNEL for ch, the final frame issued
// before a channel is forgotten (§4.1 destroy sequence phase 3).
func (ctx *Context) clearChannelRequest(ch *Channel, circuit *TCPCircuit) {
	frame := encodeHeader(cmdClearChannel, 0, 0, ch.cid, ch.sid, 0)
	circuit.enqueue(frame)
	ctx.flushIfRequired(circuit)
}

// boundCircuit returns ch's current circuit, or an error if the channel
// has no circuit (still searching) or has been destroyed.
func (ctx *Context) boundCircuit(ch *Channel) (*TCPCircuit, error) {
	ctx.stateMu.Lock()
	defer ctx.stateMu.Unlock()
	if ch.destroyed {
		return nil, ErrChannelDestroyed
	}
	if ch.circuit == nil || !ch.connected {
		return nil, ErrChannelNotConnected
	}
	return ch.circuit, nil
}

// flushIfRequired implements §4.2's pacing rule in full: once a
// circuit's unsent backlog exceeds blockThresholdBytes, request an
// immediate flush and then, unless the calling goroutine is itself a
// callback thread (§5: blocking a callback thread here risks a
// push/pull deadlock against the send task, since the send task may be
// waiting on a response only that callback thread would process), block
// until the send task has drained the backlog back to a reasonable
// level. Below the block threshold, [TCPCircuit.enqueue] has already
// requested a flush once the early-flush threshold is crossed, so there
// is nothing further to do here.
func (ctx *Context) flushIfRequired(circuit *TCPCircuit) {
	if !circuit.aboveBlockThreshold() {
		return
	}
	circuit.flushRequest()
	if isCallbackThread() {
		return
	}
	circuit.waitForBacklogReasonable()
}

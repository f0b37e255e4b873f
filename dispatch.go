// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"fmt"
	"log/slog"
)

// responseHandler processes one inbound TCP frame. It is looked up by
// command code in tcpJumpTable, the Go analogue of cac.cpp's
// tcpJumpTableCAC (§6).
type responseHandler func(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error

var tcpJumpTable = map[uint16]responseHandler{
	cmdVersion:        versionAction,
	cmdEventAdd:       eventAddRespAction,
	cmdEventCancel:    eventCancelRespAction,
	cmdRead:           readRespAction,
	cmdError:          exceptionRespAction,
	cmdClearChannel:   clearChannelRespAction,
	cmdReadNotify:     readNotifyRespAction,
	cmdClaimCIU:       claimCIURespAction,
	cmdWriteNotify:    writeNotifyRespAction,
	cmdAccessRights:   accessRightsRespAction,
	cmdEcho:           echoRespAction,
	cmdServerDisconn0: serverDisconnRespAction,
	cmdServerDisconn1: serverDisconnRespAction,
}

// executeResponse dispatches one decoded frame from iiu's recv task to
// its handler, falling back to badTCPRespAction for a command this
// client does not recognize (§6, §7 ECA_INTERNAL).
func (ctx *Context) executeResponse(iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	handler, ok := tcpJumpTable[hdr.Command]
	if !ok {
		return ctx.badTCPRespAction(iiu, hdr, body)
	}
	return handler(ctx, iiu, hdr, body)
}

func (ctx *Context) badTCPRespAction(iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	ctx.cfg.Logger.Info("dispatch: unrecognized command, disconnecting circuit",
		slog.Int("command", int(hdr.Command)), slog.String("circuit", iiu.String()))
	ctx.forceDisconnectCircuit(iiu)
	return fmt.Errorf("cac: unrecognized command %d", hdr.Command)
}

// versionAction records the server's negotiated minor version, sent
// unsolicited right after connect (§4.2).
func versionAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	iiu.setMinorVersion(uint16(hdr.Count))
	ctx.cfg.Logger.Debug("dispatch: version", slog.Int("minor", int(hdr.Count)))
	if !iiu.ca_v42Ok() {
		// This peer will never send CLAIM_CIU; synthesize the claim
		// acknowledgement for any channel already bound here (§4.2).
		ctx.synthesizeLegacyForCircuit(iiu)
	}
	return nil
}

// claimCIURespAction completes channel creation: the server echoes the
// client's cid in Param1, assigns a server-side sid in Param2, and
// reports the PV's native type/count in DataType/Count (§4.1). This is
// the point at which [ChannelNotify.Connect] fires.
func claimCIURespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	cid := hdr.Param1
	ctx.stateMu.Lock()
	ch, ok := ctx.channels.lookup(cid)
	if !ok {
		ctx.stateMu.Unlock()
		ctx.cfg.Logger.Debug("dispatch: claim for unknown cid, dropped",
			slog.Int("cid", int(cid)))
		return nil
	}
	ch.sid = hdr.Param2
	ch.dataType = hdr.DataType
	ch.count = hdr.Count
	ch.connected = true
	ctx.stateMu.Unlock()

	ctx.cbMu.Lock()
	ch.notify.Connect(ch)
	ctx.cbMu.Unlock()

	ctx.connectAllIO(ch)
	return nil
}

// accessRightsRespAction updates a channel's read/write permission and
// notifies its [ChannelNotify] (§4.1). Bit 0 is read access, bit 1 is
// write access.
func accessRightsRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	cid := hdr.Param1
	rights := hdr.Param2
	read := rights&0x1 != 0
	write := rights&0x2 != 0

	ctx.stateMu.Lock()
	ch, ok := ctx.channels.lookup(cid)
	if !ok {
		ctx.stateMu.Unlock()
		return nil
	}
	ch.readAccess = read
	ch.writeAccess = write
	ctx.stateMu.Unlock()

	ctx.cbMu.Lock()
	ch.notify.AccessRights(ch, read, write)
	ctx.cbMu.Unlock()
	return nil
}

// eventAddRespAction completes a subscription update: Param2 carries the
// ioid, DataType/Count/body the delivered value (§4.3). A zero-postsize
// frame is the server's confirmation of EVENT_CANCEL racing an
// in-flight update rather than an actual value and carries nothing to
// deliver; it is silently dropped rather than handed to the
// subscription's [EventCallback] as an empty update.
func eventAddRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	if hdr.PayloadSz == 0 {
		return nil
	}
	ctx.dispatchIOCompletion(hdr.Param2, ECANormal, hdr.DataType, hdr.Count, body)
	return nil
}

// eventCancelRespAction acknowledges a subscription cancellation
// (§4.3). The IO was already removed client-side by [Context.CancelIO];
// nothing further to do.
func eventCancelRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	ctx.cfg.Logger.Debug("dispatch: event cancel ack", slog.Int("ioid", int(hdr.Param2)))
	return nil
}

// readRespAction completes a bare read (§4.3), same shape as
// readNotify.
func readRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	ctx.dispatchIOCompletion(hdr.Param2, ECANormal, hdr.DataType, hdr.Count, body)
	return nil
}

// readNotifyRespAction completes a readNotify request (§4.3).
func readNotifyRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	ctx.dispatchIOCompletion(hdr.Param2, ECANormal, hdr.DataType, hdr.Count, body)
	return nil
}

// writeNotifyRespAction completes a writeNotify request (§4.3). The
// payload carries no data; only the status, conveyed via Param1 as a
// raw server status code when non-zero.
func writeNotifyRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	status := ECANormal
	if hdr.Param1 != 0 {
		status = rawStatus(int(hdr.Param1))
	}
	ctx.dispatchIOCompletion(hdr.Param2, status, hdr.DataType, hdr.Count, body)
	return nil
}

// clearChannelRespAction acknowledges a CLEAR_CHANNEL request. The
// client has already removed its local state; this is purely
// informational.
func clearChannelRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	ctx.cfg.Logger.Debug("dispatch: clear channel ack", slog.Int("cid", int(hdr.Param1)))
	return nil
}

// echoRespAction is the keepalive reply; no client-visible effect.
func echoRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	return nil
}

// serverDisconnRespAction handles an explicit server-initiated circuit
// teardown notice (§4.4); the recv task's subsequent read failure (or
// this notice itself) drives the same forced-disconnect path as a
// socket error.
func serverDisconnRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	ctx.cfg.Logger.Info("dispatch: server requested disconnect", slog.String("circuit", iiu.String()))
	ctx.forceDisconnectCircuit(iiu)
	return nil
}

// exceptionHandler processes one cmdError frame once the original
// failed request's header has been recovered from the body. It is
// looked up by that request's command code in tcpExcepJumpTable, the
// Go analogue of cac.cpp's tcpExcepJumpTableCAC.
type exceptionHandler func(ctx *Context, iiu *TCPCircuit, status Status, context string, origHdr frameHeader)

// tcpExcepJumpTable routes a server exception to the callback for the
// kind of request that provoked it (§7). Unlisted commands, and a
// cmdError body too short to contain a failed-request header, fall
// back to defaultExcepAction.
var tcpExcepJumpTable = map[uint16]exceptionHandler{
	cmdEventAdd:    eventAddExcep,
	cmdRead:        readExcep,
	cmdWrite:       writeExcep,
	cmdReadNotify:  readNotifyExcep,
	cmdWriteNotify: writeNotifyExcep,
}

// exceptionRespAction handles a cmdError frame (§7): Param2 carries the
// status code, and the body begins with the 16-byte header of the
// request that failed. The failed request's own command code selects
// the exception handler, matching the original's per-command
// dispatch rather than folding every exception through one path.
func exceptionRespAction(ctx *Context, iiu *TCPCircuit, hdr frameHeader, body []byte) error {
	status := rawStatus(int(hdr.Param2))
	context := fmt.Sprintf("circuit %s", iiu)
	origHdr, err := decodeHeader(body)
	if err != nil {
		defaultExcepAction(ctx, iiu, status, context, origHdr)
		return nil
	}
	handler, ok := tcpExcepJumpTable[origHdr.Command]
	if !ok {
		handler = defaultExcepAction
	}
	handler(ctx, iiu, status, context, origHdr)
	return nil
}

// defaultExcepAction is used for a failed request this client does not
// route specially, and for a cmdError frame whose body is too short to
// carry a failed-request header at all. Both fall back to the
// context-wide [Notify], since there is no IO or channel to scope the
// exception to.
func defaultExcepAction(ctx *Context, iiu *TCPCircuit, status Status, context string, origHdr frameHeader) {
	ctx.cbMu.Lock()
	ctx.notify.Exception(status, context)
	ctx.cbMu.Unlock()
}

// dispatchIOException looks up the IO by ioid and delivers the
// exception, destroying the IO unless destroy is false (subscriptions
// survive a transient exception; one-shot reads and writes do not).
// Falls back to the context-wide [Notify] if the IO is no longer known,
// e.g. it already completed before the exception arrived.
func (ctx *Context) dispatchIOException(ioid uint32, status Status, context string, destroy bool) {
	ctx.stateMu.Lock()
	io, ok := ctx.ios.lookup(ioid)
	ctx.stateMu.Unlock()
	if !ok {
		ctx.cbMu.Lock()
		ctx.notify.Exception(status, context)
		ctx.cbMu.Unlock()
		return
	}
	if destroy {
		ctx.ioExceptionNotifyAndDestroy(io, status, context)
		return
	}
	ctx.ioExceptionNotify(io, status, context)
}

// eventAddExcep handles a failed EVENT_ADD: the subscription survives,
// since the client may still cancel it or the server may recover (§7).
func eventAddExcep(ctx *Context, iiu *TCPCircuit, status Status, context string, origHdr frameHeader) {
	ctx.dispatchIOException(origHdr.Param2, status, context, false)
}

// readExcep handles a failed bare read; the IO is one-shot and is
// destroyed (§7).
func readExcep(ctx *Context, iiu *TCPCircuit, status Status, context string, origHdr frameHeader) {
	ctx.dispatchIOException(origHdr.Param2, status, context, true)
}

// readNotifyExcep handles a failed readNotify; same shape as readExcep.
func readNotifyExcep(ctx *Context, iiu *TCPCircuit, status Status, context string, origHdr frameHeader) {
	ctx.dispatchIOException(origHdr.Param2, status, context, true)
}

// writeNotifyExcep handles a failed writeNotify; same shape as
// readExcep.
func writeNotifyExcep(ctx *Context, iiu *TCPCircuit, status Status, context string, origHdr frameHeader) {
	ctx.dispatchIOException(origHdr.Param2, status, context, true)
}

// writeExcep handles a failed plain WriteRequest (§4.3, §7). A bare
// write carries no ioid, so there is no IO to look up; the failed
// request's Param1 carries the sid it was addressed to (see
// [Context.WriteRequest]), which is used to find the channel and
// deliver [ChannelNotify.WriteException] directly.
func writeExcep(ctx *Context, iiu *TCPCircuit, status Status, context string, origHdr frameHeader) {
	ctx.channelWriteException(iiu, origHdr.Param1, status, context)
}

// channelWriteException finds the channel bound to iiu with the given
// sid and delivers a write exception to it, falling back to the
// context-wide [Notify] if no such channel is found, e.g. it was
// destroyed between the write and the server's reply.
func (ctx *Context) channelWriteException(iiu *TCPCircuit, sid uint32, status Status, context string) {
	ctx.stateMu.Lock()
	var found *Channel
	for _, ch := range iiu.channels {
		if ch.sid == sid {
			found = ch
			break
		}
	}
	ctx.stateMu.Unlock()

	ctx.cbMu.Lock()
	defer ctx.cbMu.Unlock()
	if found == nil {
		ctx.notify.Exception(status, context)
		return
	}
	found.notify.WriteException(found, status, context)
}

// dispatchIOCompletion looks up ioid and delivers a completion,
// destroying the IO unless it is a subscription (§4.3).
func (ctx *Context) dispatchIOCompletion(ioid uint32, status Status, dataType uint16, count uint32, data []byte) {
	ctx.stateMu.Lock()
	io, ok := ctx.ios.lookup(ioid)
	ctx.stateMu.Unlock()
	if !ok {
		return
	}
	if io.isSubscription() {
		ctx.ioCompletionNotify(io, status, dataType, count, data)
		return
	}
	ctx.ioCompletionNotifyAndDestroy(io, status, dataType, count, data)
}

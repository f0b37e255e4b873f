// SPDX-License-Identifier: GPL-3.0-or-later

package cac

// ioKind discriminates the four outstanding-IO shapes described in §4.3:
// a bare read, a read with completion notification, a write with
// completion notification, and a subscription (event-add).
type ioKind int

const (
	ioKindRead ioKind = iota
	ioKindReadNotify
	ioKindWriteNotify
	ioKindSubscription
)

func (k ioKind) String() string {
	switch k {
	case ioKindRead:
		return "read"
	case ioKindReadNotify:
		return "readNotify"
	case ioKindWriteNotify:
		return "writeNotify"
	case ioKindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// ioBase is the record kept in the IO table for one outstanding read,
// read-notify, write-notify, or subscription (§3, §4.3). A channel's IO
// list holds every ioBase created on its behalf; the IO table indexes the
// same objects by ioid for fast completion lookup. Both are guarded by
// the context's state-lock.
type ioBase struct {
	ioid    uint32
	kind    ioKind
	channel *Channel

	// reqDataType/reqCount are the type and element count the request
	// was made with, echoed back to onEvent on completion.
	reqDataType uint16
	reqCount    uint32

	// mask is the subscription event mask (§4.3); zero for the other
	// three kinds.
	mask uint32

	// onEvent is set for ioKindRead, ioKindReadNotify, and
	// ioKindSubscription. onWrite is set for ioKindWriteNotify. Exactly
	// one is non-nil.
	onEvent EventCallback
	onWrite WriteCallback
}

// isSubscription reports whether this IO survives a single completion,
// i.e. whether [Context.CancelIO] rather than automatic table removal is
// the only way to retire it (§4.3, §8 property: "every read/write
// completes exactly once; every subscription delivers zero or more
// updates until explicitly cancelled").
func (io *ioBase) isSubscription() bool {
	return io.kind == ioKindSubscription
}

// newIOBase allocates an IO record and assigns it the next ioid. Callers
// must hold the state-lock and add the returned record to both the
// channel's IO list and the context's IO table before releasing it.
func (ctx *Context) newIOBase(ch *Channel, kind ioKind, dataType uint16, count uint32) *ioBase {
	return &ioBase{
		ioid:        ctx.allocIOID(),
		kind:        kind,
		channel:     ch,
		reqDataType: dataType,
		reqCount:    count,
	}
}

// ioCompletionNotify delivers a successful completion to a read, read-
// notify, or subscription-update IO, or to a write-notify IO (§4.3). It
// is invoked under the callback-lock but not the state-lock, matching
// cac::ioCompletionNotify in the original implementation.
func (ctx *Context) ioCompletionNotify(io *ioBase, status Status, dataType uint16, count uint32, data []byte) {
	ctx.cbMu.Lock()
	defer ctx.cbMu.Unlock()
	if io.kind == ioKindWriteNotify {
		if io.onWrite != nil {
			io.onWrite(status)
		}
		return
	}
	if io.onEvent != nil {
		io.onEvent(status, dataType, count, data)
	}
}

// ioCompletionNotifyAndDestroy delivers a completion and then removes the
// IO from the channel's list and the context's IO table (§4.3: a read,
// read-notify, or write-notify IO is one-shot). Subscriptions never use
// this path; only [Context.CancelIO] destroys them.
func (ctx *Context) ioCompletionNotifyAndDestroy(io *ioBase, status Status, dataType uint16, count uint32, data []byte) {
	ctx.ioCompletionNotify(io, status, dataType, count, data)
	ctx.stateMu.Lock()
	ctx.removeIOLocked(io)
	ctx.stateMu.Unlock()
}

// ioExceptionNotify delivers an out-of-band exception to an IO's
// callback, e.g. a circuit disconnect while the IO is outstanding
// (§4.3, §4.4).
func (ctx *Context) ioExceptionNotify(io *ioBase, status Status, context string) {
	ctx.cbMu.Lock()
	defer ctx.cbMu.Unlock()
	if io.kind == ioKindWriteNotify {
		if io.onWrite != nil {
			io.onWrite(status)
		}
		return
	}
	if io.onEvent != nil {
		io.onEvent(status, io.reqDataType, 0, nil)
	}
}

// ioExceptionNotifyAndDestroy is [Context.ioExceptionNotify] followed by
// table removal, used when the exception is terminal for the IO (channel
// destroyed, circuit aborted for a one-shot IO).
func (ctx *Context) ioExceptionNotifyAndDestroy(io *ioBase, status Status, context string) {
	ctx.ioExceptionNotify(io, status, context)
	ctx.stateMu.Lock()
	ctx.removeIOLocked(io)
	ctx.stateMu.Unlock()
}

// removeIOLocked removes io from the IO table and its channel's IO list.
// Callers must hold the state-lock.
func (ctx *Context) removeIOLocked(io *ioBase) {
	if _, ok := ctx.ios.remove(io.ioid); !ok {
		return // already removed, e.g. raced with CancelIO
	}
	delete(io.channel.ios, io.ioid)
}

// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import "sync"

// SyncGroup batches a set of reads/writes so a caller can block until all
// of them complete, the synchronous-group facility layered on top of the
// otherwise fully asynchronous completion model (§4.1 Non-goals call out
// synchronous calls as out of scope for the core, but a sync group built
// from the async primitives is a thin, optional convenience left in for
// callers that want one).
type SyncGroup struct {
	id  uint32
	ctx *Context

	mu      sync.Mutex
	pending int
	done    chan struct{}
}

// CreateSyncGroup allocates a new, empty [*SyncGroup].
func (ctx *Context) CreateSyncGroup() *SyncGroup {
	sg := &SyncGroup{ctx: ctx, done: make(chan struct{})}
	ctx.stateMu.Lock()
	sg.id = ctx.allocSyncGroupID()
	ctx.syncGroups.add(sg.id, sg)
	ctx.stateMu.Unlock()
	return sg
}

// DestroySyncGroup removes a sync group. Outstanding IO started through
// it completes normally; it simply stops being tracked.
func (ctx *Context) DestroySyncGroup(sg *SyncGroup) {
	ctx.stateMu.Lock()
	ctx.syncGroups.remove(sg.id)
	ctx.stateMu.Unlock()
}

// add marks one more IO as pending in the group. Call before starting
// the request so a fast completion racing this call cannot be missed.
func (sg *SyncGroup) add() {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.pending++
}

// complete marks one pending IO as finished, closing done once the last
// one reports in.
func (sg *SyncGroup) complete() {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.pending--
	if sg.pending == 0 {
		close(sg.done)
		sg.done = make(chan struct{})
	}
}

// Wait blocks until every IO added since the last Wait has completed.
func (sg *SyncGroup) Wait() {
	sg.mu.Lock()
	done := sg.done
	pending := sg.pending
	sg.mu.Unlock()
	if pending == 0 {
		return
	}
	<-done
}

// wrapEvent returns an [EventCallback] that forwards to inner and then
// marks this group's IO complete.
func (sg *SyncGroup) wrapEvent(inner EventCallback) EventCallback {
	sg.add()
	return func(status Status, dataType uint16, count uint32, data []byte) {
		defer sg.complete()
		if inner != nil {
			inner(status, dataType, count, data)
		}
	}
}

// wrapWrite returns a [WriteCallback] that forwards to inner and then
// marks this group's IO complete.
func (sg *SyncGroup) wrapWrite(inner WriteCallback) WriteCallback {
	sg.add()
	return func(status Status) {
		defer sg.complete()
		if inner != nil {
			inner(status)
		}
	}
}

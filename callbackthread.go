// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// callbackThreadRegistry is the Go analogue of cac.cpp's
// epicsThreadPrivateId-backed caClientCallbackThreadId (§5, §6, §9): a
// process-wide record of which goroutines are currently delivering a
// user callback, so [Context.flushIfRequired] can refuse to block a
// callback goroutine on the send pipe. Blocking there would risk a
// push/pull deadlock: the send task may itself be waiting on a response
// that the blocked callback goroutine is the one responsible for
// processing.
//
// Go has no per-OS-thread storage and no process-exit hook to register
// a destructor with, unlike epicsThreadPrivateCreate/atexit; a
// goroutine-id-keyed map, built once behind [sync.Once], is the
// idiomatic substitute, and the garbage collector reclaims it at
// process exit in place of an explicit teardown call.
var (
	callbackThreadOnce sync.Once
	callbackThreadMu   sync.Mutex
	callbackThreadSet  map[uint64]int
)

func initCallbackThreadRegistry() {
	callbackThreadOnce.Do(func() {
		callbackThreadSet = make(map[uint64]int)
	})
}

// goroutineID extracts the calling goroutine's numeric id by parsing the
// header line [runtime.Stack] always emits first ("goroutine N ..."),
// the standard workaround every goroutine-local-storage shim in the
// ecosystem uses since the runtime exposes no public accessor for it.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// markCallbackThread runs fn with the calling goroutine recorded as a
// callback-delivery thread for fn's duration (§5). Nesting is reference
// counted so an inner return doesn't unmark an outer caller's scope.
func markCallbackThread(fn func()) {
	initCallbackThreadRegistry()
	id := goroutineID()

	callbackThreadMu.Lock()
	callbackThreadSet[id]++
	callbackThreadMu.Unlock()

	defer func() {
		callbackThreadMu.Lock()
		callbackThreadSet[id]--
		if callbackThreadSet[id] <= 0 {
			delete(callbackThreadSet, id)
		}
		callbackThreadMu.Unlock()
	}()

	fn()
}

// isCallbackThread reports whether the calling goroutine is currently
// marked as a callback-delivery thread (§5: "a thread-local marker
// identifies the callback role so that code paths can refuse to block
// on the send pipe").
func isCallbackThread() bool {
	initCallbackThreadRegistry()
	id := goroutineID()

	callbackThreadMu.Lock()
	defer callbackThreadMu.Unlock()
	return callbackThreadSet[id] > 0
}

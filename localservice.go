// SPDX-License-Identifier: GPL-3.0-or-later

package cac

// LocalServiceFunc answers a read for a process-local PV without ever
// touching the network (§4.1 channel creation policy: local services are
// tried before a network search is started). ok is false if the named
// value cannot currently be produced, in which case the read completes
// with [ECAInternal]; the channel stays local.
type LocalServiceFunc func() (dataType uint16, count uint32, data []byte, ok bool)

// RegisterLocalService installs a local responder for name. A channel
// created for this name is served entirely in-process: no search, no
// circuit, Connect and AccessRights(true, true) are delivered
// immediately and synchronously from [Context.CreateChannel].
func (ctx *Context) RegisterLocalService(name string, fn LocalServiceFunc) {
	ctx.stateMu.Lock()
	defer ctx.stateMu.Unlock()
	ctx.localServices.add(name, fn)
}

// UnregisterLocalService removes a previously registered local service.
// Existing channels bound to it are unaffected.
func (ctx *Context) UnregisterLocalService(name string) {
	ctx.stateMu.Lock()
	defer ctx.stateMu.Unlock()
	ctx.localServices.remove(name)
}

// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import "net/netip"

// NewEndpointFunc returns a [Func] that always returns the given [netip.AddrPort].
//
// This is a convenience wrapper around [ConstFunc] for the common case of
// injecting a search reply's server endpoint into the circuit-establishment
// pipeline built with [Compose2] in [TCPCircuit.dialAndNegotiate].
func NewEndpointFunc(endpoint netip.AddrPort) Func[Unit, netip.AddrPort] {
	return ConstFunc(endpoint)
}

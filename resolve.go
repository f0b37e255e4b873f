// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// reverseLookupTimeout bounds the PTR lookups done for the duplicate-PV
// diagnostic so a slow or unreachable resolver cannot stall the search
// task (§4.1, ECADblAddr).
const reverseLookupTimeout = 2 * time.Second

// resolverAddr is the DNS server used for the reverse lookups in
// reportDuplicate. Overridable in tests.
var resolverAddr = "127.0.0.1:53"

// reverseLookup resolves addr to a PTR hostname using [miekg/dns],
// falling back to the bare address string if the lookup fails or times
// out; this is a best-effort diagnostic aid, never a correctness
// dependency.
func reverseLookup(addr netip.Addr) string {
	rev, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return addr.String()
	}
	m := new(dns.Msg)
	m.SetQuestion(rev, dns.TypePTR)

	client := &dns.Client{Timeout: reverseLookupTimeout}
	resp, _, err := client.Exchange(m, resolverAddr)
	if err != nil || resp == nil || len(resp.Answer) == 0 {
		return addr.String()
	}
	if ptr, ok := resp.Answer[0].(*dns.PTR); ok {
		return ptr.Ptr
	}
	return addr.String()
}

// reportDuplicate signals ECADblAddr when two different servers answer
// a search for the same channel name, the Go analogue of the original
// implementation's multiply-defined-PV diagnostic. Resolution happens on
// its own goroutine so the UDP search task's recv loop is never blocked
// on DNS.
func (ctx *Context) reportDuplicate(name string, first, second netip.AddrPort) {
	go func() {
		a := reverseLookup(first.Addr())
		b := reverseLookup(second.Addr())
		ctx.signal(ECADblAddr, fmt.Sprintf("channel %q answered by both %s and %s", name, a, b))
	}()
}

// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// Search retry backoff (§4.1): the interval between search requests for a
// still-unresolved channel grows geometrically up to searchMaxInterval,
// reset to searchMinInterval whenever a beacon anomaly calls
// resetRetryCountsFor.
const (
	searchMinInterval = 200 * time.Millisecond
	searchMaxInterval = 30 * time.Second
	searchBackoffMul  = 2
)

// UDPSearch owns the broadcast search socket and the list of channels
// that have not yet been claimed on a virtual circuit (§4.1). It is
// created lazily on the first [Context.CreateChannel] call that needs
// network search, and torn down when [*Context] is closed.
type UDPSearch struct {
	ctx     *Context
	spanID  string
	conn    *ipv4.PacketConn
	rawConn net.PacketConn

	broadcastAddrs []netip.AddrPort

	mu          sync.Mutex
	retryCounts map[uint32]uint32 // cid -> consecutive rounds without a reply
	stopCh      chan struct{}
	stopOnce    sync.Once

	// searching mirrors the context's channel table filtered to
	// channels with no circuit. Guarded by ctx.stateMu.
	searching map[uint32]*Channel
}

// newUDPSearch opens the search socket; its background tasks are started
// separately by start.
// serverPort is the UDP port CA servers listen for search requests on
// (normally 5064); broadcastAddrs is the set of subnet broadcast
// addresses (or explicit server addresses, for unicast lookup lists) to
// send search requests to.
func newUDPSearch(ctx *Context, serverPort uint16, broadcastAddrs []netip.Addr) (*UDPSearch, error) {
	pc, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	p4 := ipv4.NewPacketConn(pc)
	if err := p4.SetControlMessage(ipv4.FlagDst, true); err != nil {
		pc.Close()
		return nil, err
	}

	u := &UDPSearch{
		ctx:         ctx,
		spanID:      NewSpanID(),
		conn:        p4,
		rawConn:     pc,
		retryCounts: make(map[uint32]uint32),
		stopCh:      make(chan struct{}),
		searching:   make(map[uint32]*Channel),
	}
	for _, a := range broadcastAddrs {
		u.broadcastAddrs = append(u.broadcastAddrs, netip.AddrPortFrom(a, serverPort))
	}
	return u, nil
}

func (u *UDPSearch) start() {
	go u.recvLoop()
	go u.searchLoop()
}

func (u *UDPSearch) shutdown() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
		u.rawConn.Close()
	})
}

// installChannelLocked enrolls ch in the search list. Callers must hold
// the state-lock.
func (u *UDPSearch) installChannelLocked(ch *Channel) {
	u.searching[ch.cid] = ch
}

// uninstallChannelLocked removes ch from the search list. Callers must
// hold the state-lock.
func (u *UDPSearch) uninstallChannelLocked(ch *Channel) {
	delete(u.searching, ch.cid)
	u.mu.Lock()
	delete(u.retryCounts, ch.cid)
	u.mu.Unlock()
}

func (u *UDPSearch) searchingCount() int {
	u.ctx.stateMu.Lock()
	defer u.ctx.stateMu.Unlock()
	return len(u.searching)
}

// resetRetryCountsFor clears the backoff counters for every channel
// currently searching, called on a beacon anomaly from addr (§4.5) so
// those channels are searched again on the next round instead of waiting
// out their existing backoff. addr does not narrow the set: a searching
// channel is not yet associated with any server.
func (u *UDPSearch) resetRetryCountsFor(addr netip.Addr) {
	u.ctx.stateMu.Lock()
	var cids []uint32
	for cid, ch := range u.searching {
		_ = ch
		cids = append(cids, cid)
	}
	u.ctx.stateMu.Unlock()

	u.mu.Lock()
	for _, cid := range cids {
		u.retryCounts[cid] = 0
	}
	u.mu.Unlock()
}

// searchLoop periodically rebuilds a SEARCH datagram for every channel
// still due for a retry and broadcasts it, backing off per-channel up to
// searchMaxInterval (§4.1).
func (u *UDPSearch) searchLoop() {
	ticker := time.NewTicker(searchMinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
			u.sendSearchRound()
		}
	}
}

func (u *UDPSearch) sendSearchRound() {
	u.ctx.stateMu.Lock()
	var due []*Channel
	for _, ch := range u.searching {
		due = append(due, ch)
	}
	u.ctx.stateMu.Unlock()
	if len(due) == 0 {
		return
	}

	u.mu.Lock()
	var frames [][]byte
	maxRounds := uint32(searchMaxInterval / searchMinInterval)
	for _, ch := range due {
		// n counts the rounds since the channel was enrolled or reset. It
		// is searched on rounds 0, 1, 2, 4, 8, ... so the gap doubles,
		// and every maxRounds rounds once that reaches searchMaxInterval.
		n := u.retryCounts[ch.cid]
		u.retryCounts[ch.cid]++
		if n >= maxRounds {
			if n%maxRounds != 0 {
				continue
			}
		} else if n&(n-1) != 0 {
			continue
		}
		frames = append(frames, u.buildSearchFrame(ch))
	}
	u.mu.Unlock()

	for _, addr := range u.broadcastAddrs {
		for _, frame := range frames {
			_, _ = u.rawConn.WriteTo(frame, net.UDPAddrFromAddrPort(addr))
		}
	}
}

// buildSearchFrame encodes a SEARCH request for ch: cid in param1 and
// param2 (per the wire convention of echoing the client ID in both
// fields so old servers that only forward one still work), data type 5
// (the no-reply flag: a server that does not host the name stays
// silent), the padded name length as element count and payload size, and
// the NUL-padded channel name as payload (§6).
func (u *UDPSearch) buildSearchFrame(ch *Channel) []byte {
	name := []byte(ch.name)
	padded := len(name) + 1
	if padded%8 != 0 {
		padded += 8 - padded%8
	}
	payload := make([]byte, padded)
	copy(payload, name)

	hdr := encodeHeader(cmdSearch, 5 /* DONTREPLY */, uint32(len(payload)), ch.cid, ch.cid, uint32(len(payload)))
	return append(hdr, payload...)
}

func (u *UDPSearch) recvLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, peer, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.stopCh:
				return
			default:
				continue
			}
		}
		src, ok := netip.AddrFromSlice(peer.(*net.UDPAddr).IP)
		if !ok {
			continue
		}
		datagram := buf[:n]
		// The search-reply path can synthesize a pre-v4.2 peer's claim
		// acknowledgement directly on this goroutine (§4.2, §4.3 step
		// 5), so it is marked a callback thread for the same reason the
		// TCP recv loop is (§5).
		markCallbackThread(func() {
			u.handleDatagram(src.Unmap(), datagram)
		})
	}
}

// handleDatagram decodes every frame in one UDP datagram. A datagram may
// carry multiple concatenated frames (§6): beacons, search replies, and
// occasionally an echo.
func (u *UDPSearch) handleDatagram(src netip.Addr, buf []byte) {
	now := u.ctx.cfg.TimeNow()
	for len(buf) > 0 {
		hdr, err := decodeHeader(buf)
		if err != nil {
			return
		}
		total := hdr.Size + int(hdr.PayloadSz)
		if len(buf) < total {
			return
		}
		body := buf[hdr.Size:total]

		switch hdr.Command {
		case cmdBeacon:
			u.ctx.beaconNotify(src, now, hdr.Param2)
		case cmdSearch:
			u.handleSearchReply(src, hdr, body)
		default:
			u.ctx.cfg.Logger.Debug("udp: unrecognized datagram command",
				slog.Int("command", int(hdr.Command)))
		}
		buf = buf[total:]
	}
}

// handleSearchReply resolves a channel's cid from the reply and, if it
// is still searching, creates (or reuses) the circuit to the replying
// server and claims the channel on it, mirroring
// cac::lookupChannelAndTransferToTCP. A reply for a channel already bound
// to a different server is reported through [Context.reportDuplicate].
func (u *UDPSearch) handleSearchReply(src netip.Addr, hdr frameHeader, body []byte) {
	cid := hdr.Param2
	_ = body // server version and access rights bytes, not interpreted here
	port := uint16(hdr.Param1)

	addr := netip.AddrPortFrom(src, port)

	u.ctx.stateMu.Lock()
	ch, ok := u.ctx.channels.lookup(cid)
	if !ok {
		u.ctx.stateMu.Unlock()
		return
	}
	if _, searching := u.searching[cid]; !searching && ch.circuit == nil {
		u.ctx.stateMu.Unlock()
		return
	}
	if ch.circuit != nil {
		existing := ch.circuit.addr
		u.ctx.stateMu.Unlock()
		if existing != addr {
			u.ctx.reportDuplicate(ch.name, existing, addr)
		}
		return
	}
	circuit := u.ctx.getOrCreateCircuitLocked(addr, ch.priority)
	ch.bindToCircuitLocked(circuit)
	u.ctx.stateMu.Unlock()

	u.ctx.claimChannel(ch, circuit)

	// If this reused an already-negotiated legacy circuit, its VERSION
	// frame arrived before this bind and versionAction's synthesis pass
	// already missed this channel; finish the claim here instead (§4.2,
	// §4.3 step 5). For a brand-new circuit the version is not known yet
	// and versionAction will handle it once VERSION arrives.
	if known, v42Ok := circuit.versionState(); known && !v42Ok {
		u.ctx.finishLegacyClaim(ch, circuit)
	}
}


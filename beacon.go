// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"net/netip"
	"time"
)

// beaconJitterFraction and beaconAnomalyFraction are the fractions of the
// running-average beacon period used to decide whether an observed
// inter-beacon gap is consistent or anomalous (§4.5, Open Question
// decision recorded in DESIGN.md): a gap under 0.25x the average is
// ignored as jitter, a gap over 2x the average (or a beacon-number
// regression) is an anomaly, which resets the search backoff of every
// searching channel.
const (
	beaconJitterFraction  = 0.25
	beaconAnomalyFraction = 2.0
)

// BHE (beacon history entry) tracks one server's beacon arrivals to
// estimate liveness independent of its virtual circuits (§4.5). A
// server that is only ever contacted over TCP still gets a BHE the
// first time its beacon is observed on the search socket.
type BHE struct {
	addr             netip.Addr
	first            time.Time
	last             time.Time
	haveAvgPeriod    bool
	avgPeriod        time.Duration
	lastBeaconNumber uint32
	haveBeaconNumber bool
	circuit          *TCPCircuit
}

func newBHE(addr netip.Addr, now time.Time) *BHE {
	return &BHE{addr: addr, first: now, last: now}
}

// update folds in one beacon arrival and reports whether it is anomalous
// (§4.5). The running average period is maintained with a simple
// exponential smoothing once two beacons have been observed.
func (b *BHE) update(now time.Time, beaconNumber uint32) (anomaly bool) {
	gap := now.Sub(b.last)
	b.last = now

	if b.haveBeaconNumber && beaconNumber < b.lastBeaconNumber {
		anomaly = true
	}
	b.lastBeaconNumber = beaconNumber
	b.haveBeaconNumber = true

	switch {
	case !b.haveAvgPeriod:
		if gap > 0 {
			b.avgPeriod = gap
			b.haveAvgPeriod = true
		}
		return anomaly
	case gap < time.Duration(float64(b.avgPeriod)*beaconJitterFraction):
		// Too soon to be the next beacon; likely a duplicate or
		// out-of-order delivery. Not folded into the average.
		return anomaly
	case gap > time.Duration(float64(b.avgPeriod)*beaconAnomalyFraction):
		anomaly = true
	}
	// Exponential smoothing, alpha = 0.25.
	b.avgPeriod = time.Duration(0.75*float64(b.avgPeriod) + 0.25*float64(gap))
	return anomaly
}

// registerCircuit associates a virtual circuit with this server's BHE so
// that a later beacon anomaly can be correlated with (but does not by
// itself tear down) the circuit.
func (b *BHE) registerCircuit(c *TCPCircuit) {
	b.circuit = c
}

func (b *BHE) unregisterCircuit() {
	b.circuit = nil
}

// beaconNotify is the UDP search task's entry point for an inbound
// beacon datagram, mirroring cac::beaconNotify. A new BHE is created on
// first sight of a server; an anomalous gap resets the retry counts of
// every searching channel (not only those the server may host) so they
// are searched again promptly instead of waiting out their current
// backoff (§4.5).
func (ctx *Context) beaconNotify(addr netip.Addr, now time.Time, beaconNumber uint32) {
	ctx.stateMu.Lock()
	bhe, ok := ctx.beacons.lookup(addr.String())
	if !ok {
		bhe = newBHE(addr, now)
		ctx.beacons.add(addr.String(), bhe)
		ctx.stateMu.Unlock()
		ctx.cfg.Logger.Info("beacon: new server", logAddr(addr))
		return
	}
	anomaly := bhe.update(now, beaconNumber)
	ctx.stateMu.Unlock()

	if anomaly {
		ctx.cfg.Logger.Info("beacon: anomaly detected, resetting search backoff", logAddr(addr))
		if ctx.udp != nil {
			ctx.udp.resetRetryCountsFor(addr)
		}
		if ctx.metrics != nil {
			ctx.metrics.beaconAnomalies.Inc()
		}
	}
}

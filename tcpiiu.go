// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// circuitState is a TCP virtual circuit's lifecycle state (§4.2).
type circuitState int

const (
	circuitConnecting circuitState = iota
	circuitConnected
	circuitCleanShutdown
	circuitAbortShutdown
	circuitDisconnected
)

func (s circuitState) String() string {
	switch s {
	case circuitConnecting:
		return "CONNECTING"
	case circuitConnected:
		return "CONNECTED"
	case circuitCleanShutdown:
		return "CLEAN-SHUTDOWN"
	case circuitAbortShutdown:
		return "ABORT-SHUTDOWN"
	case circuitDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Pacing thresholds for the send task (§4.2 flushIfRequired): enqueue
// wakes the send task for every frame, so queued frames never wait for an
// explicit Flush; once the queue holds earlyFlushThreshold frames the wake
// goes through flushRequest. Once more than blockThresholdBytes of payload
// is unsent, a request issued from a goroutine that is not a callback
// thread blocks in flushIfRequired until the backlog drains, the
// client-side analogue of TCP flow control.
const (
	earlyFlushThreshold = 16
	blockThresholdBytes = 4 << 20
)

// TCPCircuit is one virtual circuit to one (server, priority) pair
// (§4.2). It owns the socket, a send task that serializes every frame
// written to it, and a recv task that decodes inbound frames and hands
// them to [Context.executeResponse]. Per-circuit channel membership is
// guarded by the context's state-lock; the fields below it (conn, state,
// outbound queue) are guarded by the circuit's own mutex because the
// send/recv tasks must make progress without contending on the
// context-wide lock.
type TCPCircuit struct {
	ctx      *Context
	addr     netip.AddrPort
	priority int
	spanID   string

	mu           sync.Mutex
	backlogCond  *sync.Cond
	state        circuitState
	conn         net.Conn
	minorVersion uint16
	versionKnown bool
	outQueue     [][]byte
	outBytes     int
	wake         chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once

	cancel context.CancelFunc

	// channels mirrors this circuit's slice of the context's channel
	// table. Guarded by ctx.stateMu, not mu.
	channels map[uint32]*Channel

	backlogBytes atomic.Int64
}

func newTCPCircuit(ctx *Context, addr netip.AddrPort, priority int) *TCPCircuit {
	c := &TCPCircuit{
		ctx:      ctx,
		addr:     addr,
		priority: priority,
		spanID:   NewSpanID(),
		state:    circuitConnecting,
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
		channels: make(map[uint32]*Channel),
	}
	c.backlogCond = sync.NewCond(&c.mu)
	return c
}

// dialAndNegotiate establishes the socket and sends the client's VERSION
// frame, using the composable pipeline described in doc.go: dial, wrap
// for per-frame logging, bind the connection's lifetime to the circuit's
// governing context, then write VERSION. The server's own VERSION frame
// arrives asynchronously and is handled by versionAction in
// dispatch.go, which records the negotiated minor version on this
// circuit.
func (c *TCPCircuit) dialAndNegotiate(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	pipeline := Compose3(
		NewConnectFunc(c.ctx.cfg, "tcp", c.ctx.cfg.Logger),
		NewObserveConnFunc(c.ctx.cfg, c.ctx.cfg.Logger),
		NewCancelWatchFunc(),
	)
	conn, err := pipeline.Call(ctx, c.addr)
	if err != nil {
		cancel()
		return err
	}

	// Written directly rather than through the outbound queue: the send
	// task is not running yet, and VERSION must be the first frame on
	// the wire, ahead of anything a concurrent claimChannel call might
	// enqueue the instant this circuit becomes visible in the server
	// table (§4.2).
	versionFrame := encodeHeader(cmdVersion, uint16(c.priority), clientProtocolMinor, 0, 0, 0)
	if _, err := conn.Write(versionFrame); err != nil {
		conn.Close()
		cancel()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = circuitConnected
	c.mu.Unlock()

	c.ctx.cfg.Logger.Info("circuit: connected",
		logAddr(c.addr.Addr()),
		slog.Int("priority", c.priority),
		slog.String("span", c.spanID),
	)
	return nil
}

// start launches the circuit's send and recv tasks. Call once, after
// dialAndNegotiate succeeds.
func (c *TCPCircuit) start() {
	go c.sendLoop()
	go c.recvLoop()
}

func (c *TCPCircuit) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == circuitConnected
}

func (c *TCPCircuit) ca_v41Ok() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minorVersion >= 1
}

func (c *TCPCircuit) ca_v42Ok() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minorVersion >= 2
}

func (c *TCPCircuit) ca_v44Ok() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minorVersion >= 4
}

func (c *TCPCircuit) setMinorVersion(v uint16) {
	c.mu.Lock()
	c.minorVersion = v
	c.versionKnown = true
	c.mu.Unlock()
}

// versionState reports whether the peer's minor version has been
// negotiated yet and, if so, whether it satisfies v42Ok. Used by the
// pre-v4.2 claim-acknowledgement synthesis path (§4.2, §4.3 step 5):
// that path must not fire before the real minor version is known, since
// an unset minorVersion is indistinguishable from a legacy one.
func (c *TCPCircuit) versionState() (known, v42Ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionKnown, c.minorVersion >= 2
}

// enqueue appends a frame to the outbound queue and wakes the send task.
func (c *TCPCircuit) enqueue(frame []byte) {
	c.mu.Lock()
	c.outQueue = append(c.outQueue, frame)
	c.outBytes += len(frame)
	c.backlogBytes.Store(int64(c.outBytes))
	queueDepth := len(c.outQueue)
	c.mu.Unlock()

	if queueDepth >= earlyFlushThreshold {
		c.flushRequest()
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// flushRequest wakes the send task immediately regardless of queue
// depth, the equivalent of cac::flushIfRequired's unconditional flush
// path.
func (c *TCPCircuit) flushRequest() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// aboveBlockThreshold reports whether the unsent backlog exceeds
// blockThresholdBytes, the signal [Context.flushIfRequired] uses to make
// a request-issuing user goroutine wait for the send task to catch up
// rather than growing the queue without bound.
func (c *TCPCircuit) aboveBlockThreshold() bool {
	return c.backlogBytes.Load() > blockThresholdBytes
}

// waitForBacklogReasonable blocks the caller until the send task has
// drained this circuit's backlog back under blockThresholdBytes, or
// until the circuit leaves the CONNECTED state, whichever comes first
// (§4.2 flushIfRequired, §5). Callers must never be a callback thread
// (§5: "the callback thread must never block on the send pipe"); that
// check is [Context.flushIfRequired]'s job, not this method's.
func (c *TCPCircuit) waitForBacklogReasonable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.outBytes > blockThresholdBytes && c.state == circuitConnected {
		c.backlogCond.Wait()
	}
}

func (c *TCPCircuit) sendLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.outQueue) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.outQueue[0]
			c.outQueue = c.outQueue[1:]
			c.outBytes -= len(frame)
			c.backlogBytes.Store(int64(c.outBytes))
			conn := c.conn
			c.backlogCond.Broadcast()
			c.mu.Unlock()

			if conn == nil {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				c.ctx.cfg.Logger.Info("circuit: write failed, aborting",
					logAddr(c.addr.Addr()), slog.Any("err", err))
				c.initiateAbortShutdown()
				return
			}
		}
	}
}

func (c *TCPCircuit) recvLoop() {
	buf := make([]byte, 0, int(c.ctx.cfg.MaxArrayBytes))
	tmp := make([]byte, 65536)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(tmp)
		if err != nil {
			c.ctx.cfg.Logger.Info("circuit: read failed, disconnecting",
				logAddr(c.addr.Addr()), slog.Any("err", err))
			c.ctx.forceDisconnectCircuit(c)
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			hdr, err := decodeHeader(buf)
			if err != nil {
				break
			}
			total := hdr.Size + int(hdr.PayloadSz)
			if uint32(total) > c.ctx.cfg.MaxArrayBytes {
				c.ctx.cfg.Logger.Info("circuit: oversized frame, disconnecting",
					logAddr(c.addr.Addr()), slog.Int("declared", total))
				c.ctx.forceDisconnectCircuit(c)
				return
			}
			if len(buf) < total {
				break
			}
			body := buf[hdr.Size:total]
			// This goroutine is about to deliver any user callback the
			// frame's response action triggers directly and
			// synchronously (preemptive callback mode, §5); marking it
			// lets flushIfRequired refuse to block it on the send pipe.
			markCallbackThread(func() {
				if err := c.ctx.executeResponse(c, hdr, body); err != nil {
					c.ctx.cfg.Logger.Info("circuit: dispatch error",
						logAddr(c.addr.Addr()), slog.Any("err", err))
				}
			})
			buf = buf[total:]
		}
	}
}

func (c *TCPCircuit) installChannelLocked(ch *Channel) {
	c.channels[ch.cid] = ch
}

func (c *TCPCircuit) uninstallChannelLocked(ch *Channel) {
	delete(c.channels, ch.cid)
}

func (c *TCPCircuit) channelCountLocked() int {
	return len(c.channels)
}

// initiateCleanShutdown begins an orderly teardown: stop accepting new
// requests, flush what's queued, then close once the queue drains
// (§4.2). Called from [Context.Close].
func (c *TCPCircuit) initiateCleanShutdown() {
	c.mu.Lock()
	if c.state == circuitDisconnected || c.state == circuitAbortShutdown {
		c.mu.Unlock()
		return
	}
	c.state = circuitCleanShutdown
	c.mu.Unlock()
	c.flushRequest()
	c.closeCircuit()
}

// initiateAbortShutdown forces the socket closed immediately, the path
// taken on a send/read error or an explicit forced disconnect (§4.2).
func (c *TCPCircuit) initiateAbortShutdown() {
	c.mu.Lock()
	if c.state == circuitDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = circuitAbortShutdown
	c.mu.Unlock()
	c.closeCircuit()
}

func (c *TCPCircuit) closeCircuit() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		conn := c.conn
		c.state = circuitDisconnected
		c.backlogCond.Broadcast()
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *TCPCircuit) String() string {
	return fmt.Sprintf("tcpiiu(%s, priority=%d)", c.addr, c.priority)
}

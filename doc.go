// SPDX-License-Identifier: GPL-3.0-or-later

// Package cac implements the client-side runtime core for Channel Access
// (CA), the publish/subscribe and request/reply protocol used to access
// named process variables (PVs) served by distributed servers on a LAN.
//
// # Core Abstraction
//
// A [*Context] is the top-level orchestrator: it owns the channel table, the
// IO table, the server (virtual circuit) table, the beacon table, and the
// lazily created UDP search interface. Users create named [*Channel]s
// through a [*Context], issue reads/writes/subscriptions on them, and
// receive completions and connection-state changes through the
// [ChannelNotify] / [Notify] callbacks they supplied at creation.
//
// # Components
//
//   - [BHE] (beacon history entry): per-server liveness estimator.
//   - [UDPSearch]: owns the search datagram socket and searches for
//     channels that have not yet found a server.
//   - [TCPCircuit]: one per (server, priority) pair; owns the send/recv
//     tasks that multiplex many channels' requests and responses.
//   - [Channel]: a named PV as seen by the client: its current transport
//     binding, server-assigned identifiers, and its outstanding IO.
//   - the four IO kinds (ioKindRead, ioKindReadNotify, ioKindWriteNotify,
//     ioKindSubscription of ioBase): one outstanding operation each, see
//     io.go.
//
// Request flow: user → [*Context] → the channel's current transport (UDP
// while searching, TCP once bound) → server. Response flow: a TCP-IIU's
// recv task → [*Context] dispatch (dispatch.go) → channel/IO → user
// callback.
//
// # Concurrency model
//
// [*Context] uses two locks with a strict hierarchy (§5): an outer
// callback-lock held around every user-visible callback, and an inner
// state-lock guarding all tables, per-circuit channel lists, and per-channel
// IO lists. No code path acquires the callback-lock while holding the
// state-lock. [Context.CancelIO] demonstrates the pattern used throughout:
// remove under state-lock, then take the callback-lock as a barrier
// (guaranteeing any in-flight callback for the removed object has
// returned) before sending a subscription's cancel request with neither
// lock held.
//
// # Composable primitives
//
// [TCPCircuit] establishes its connection with a small pipeline built from
// [Func], [Compose2], [ConnectFunc], [ObserveConnFunc], and
// [CancelWatchFunc]: dial the server, wrap the socket for per-frame
// logging, bind its lifetime to the circuit's governing context, then
// negotiate VERSION. [NewSpanID] gives each circuit and each search
// interface a correlation identifier; the circuit's "connected" log line
// carries it.
//
// # Observability
//
// All components log through [SLogger] (compatible with [log/slog]),
// disabled by default. Frame- and IO-level events log at Debug; circuit and
// channel lifecycle events log at Info; diagnostics delivered through
// [Context.signal] log at Warn whatever their severity. Set
// [Config.Logger] to a real [*slog.Logger] to enable output, and
// [Config.ErrClassifier] to control how I/O errors are classified in those
// logs.
package cac

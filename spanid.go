package cac

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single, specific
// way, such as a TCP circuit's connect-through-VERSION-exchange.
// [TCPCircuit] and [UDPSearch] each hold a span ID; the circuit's
// "connected" log line carries it. Other log lines do not.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MinTCPFrame is the minimum accepted value for MaxArrayBytes, equal to the
// historical base MTU size used by Channel Access TCP circuits. Values
// configured below this floor are rounded up to it (§4.1).
const MinTCPFrame = 16384

// headerOverhead is the bytes added on top of a caller-requested array size
// so that EPICS_CA_MAX_ARRAY_BYTES describes payload, not wire overhead: a
// 16-byte header plus an 8-byte large-payload annex (§6).
const headerOverhead = wireHeaderSize + 2*4

// DefaultConnTimeout is used when EPICS_CA_CONN_TMO is unset or unparseable.
const DefaultConnTimeout = 30 * time.Second

// Config holds common configuration for a [*Context].
//
// Pass this to [NewContext] to pre-wire dependencies. All fields have
// sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used to establish TCP virtual circuits.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// Logger is the [SLogger] used for structured logging.
	//
	// Set by [NewConfig] to [DefaultSLogger].
	Logger SLogger

	// ConnTimeout is the circuit-liveness probe period (§4.1).
	//
	// Set by [NewConfig] from EPICS_CA_CONN_TMO, or [DefaultConnTimeout]
	// when that variable is unset or unparseable.
	ConnTimeout time.Duration

	// MaxArrayBytes bounds inbound TCP payload size including the header
	// and any large-payload annex (§4.1, §6).
	//
	// Set by [NewConfig] from EPICS_CA_MAX_ARRAY_BYTES, rounded up to
	// [MinTCPFrame] when below it, or defaulted to [MinTCPFrame] when the
	// variable is unset, unparseable, or negative.
	MaxArrayBytes uint32

	// MetricsRegisterer, when non-nil, is used to register this
	// package's Prometheus collectors (§4.1 Stats). Left nil by
	// [NewConfig]; metrics collection is opt-in.
	MetricsRegisterer prometheus.Registerer
}

// NewConfig creates a [*Config] with sensible defaults, reading
// EPICS_CA_CONN_TMO and EPICS_CA_MAX_ARRAY_BYTES from the environment the
// way cac::cac() does in the original implementation: a malformed or
// missing value is reported through logger and the built-in default used,
// construction never fails because of it.
func NewConfig() *Config {
	cfg := &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		TimeNow:       time.Now,
		Logger:        DefaultSLogger(),
		ConnTimeout:   DefaultConnTimeout,
		MaxArrayBytes: MinTCPFrame,
	}
	cfg.loadConnTimeout()
	cfg.loadMaxArrayBytes()
	return cfg
}

func (cfg *Config) loadConnTimeout() {
	raw, ok := os.LookupEnv("EPICS_CA_CONN_TMO")
	if !ok {
		cfg.Logger.Info(
			"config: EPICS_CA_CONN_TMO is not set, using default",
			slog.Duration("default", DefaultConnTimeout),
		)
		return
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		cfg.Logger.Warn(
			"config: EPICS_CA_CONN_TMO is not a positive number, using default",
			slog.String("value", raw),
			slog.Duration("default", DefaultConnTimeout),
		)
		return
	}
	cfg.ConnTimeout = time.Duration(seconds * float64(time.Second))
}

func (cfg *Config) loadMaxArrayBytes() {
	raw, ok := os.LookupEnv("EPICS_CA_MAX_ARRAY_BYTES")
	if !ok {
		cfg.Logger.Info(
			"config: EPICS_CA_MAX_ARRAY_BYTES is not set, using default",
			slog.Int("default", MinTCPFrame),
		)
		return
	}
	requested, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || requested < 0 {
		cfg.Logger.Warn(
			"config: EPICS_CA_MAX_ARRAY_BYTES was not a positive integer, using default",
			slog.String("value", raw),
		)
		return
	}
	total := requested + headerOverhead
	if total < MinTCPFrame {
		cfg.Logger.Warn(
			"config: EPICS_CA_MAX_ARRAY_BYTES was rounded up to the minimum frame size",
			slog.Int64("requested", requested),
			slog.Int("minimum", MinTCPFrame),
		)
		total = MinTCPFrame
	}
	if total > 0xffffffff {
		total = 0xffffffff
	}
	cfg.MaxArrayBytes = uint32(total)
}

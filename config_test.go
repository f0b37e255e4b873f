// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)

	// Dialer should be set to *net.Dialer
	_, ok := cfg.Dialer.(*net.Dialer)
	assert.True(t, ok, "Dialer should be *net.Dialer")

	// ErrClassifier should use errclass by default
	assert.Equal(t, "", cfg.ErrClassifier.Classify(nil))
	assert.Equal(t, "ETIMEDOUT", cfg.ErrClassifier.Classify(context.DeadlineExceeded))

	// TimeNow should be set and return a valid time
	now := cfg.TimeNow()
	assert.False(t, now.IsZero())

	// CA-specific defaults
	assert.Equal(t, DefaultConnTimeout, cfg.ConnTimeout)
	assert.Equal(t, uint32(MinTCPFrame), cfg.MaxArrayBytes)
}

func TestConfigEnvConnTimeout(t *testing.T) {
	t.Setenv("EPICS_CA_CONN_TMO", "12.5")
	cfg := NewConfig()
	assert.Equal(t, 12500*time.Millisecond, cfg.ConnTimeout)
}

func TestConfigEnvConnTimeoutMalformed(t *testing.T) {
	t.Setenv("EPICS_CA_CONN_TMO", "not-a-number")
	cfg := NewConfig()
	assert.Equal(t, DefaultConnTimeout, cfg.ConnTimeout)
}

func TestConfigEnvMaxArrayBytes(t *testing.T) {
	t.Setenv("EPICS_CA_MAX_ARRAY_BYTES", "1000000")
	cfg := NewConfig()
	assert.Equal(t, uint32(1000000+headerOverhead), cfg.MaxArrayBytes)
}

func TestConfigEnvMaxArrayBytesRoundedUp(t *testing.T) {
	t.Setenv("EPICS_CA_MAX_ARRAY_BYTES", "10")
	cfg := NewConfig()
	assert.Equal(t, uint32(MinTCPFrame), cfg.MaxArrayBytes)
}

func TestConfigEnvMaxArrayBytesNegativeRejected(t *testing.T) {
	t.Setenv("EPICS_CA_MAX_ARRAY_BYTES", "-5")
	cfg := NewConfig()
	assert.Equal(t, uint32(MinTCPFrame), cfg.MaxArrayBytes)
}

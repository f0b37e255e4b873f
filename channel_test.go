// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelBindAndUnbind(t *testing.T) {
	ctx, _ := newTestContext(t)
	ch, err := ctx.CreateChannel("test:pv", &recordingChannelNotify{}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Priority())
	assert.Equal(t, "test:pv", ch.Name())

	c1 := newTCPCircuit(ctx, netip.MustParseAddrPort("127.0.0.1:5064"), 1)
	ctx.stateMu.Lock()
	ch.bindToCircuitLocked(c1)
	assert.Same(t, c1, ch.circuit)
	assert.Same(t, ch, c1.channels[ch.cid])

	c2 := newTCPCircuit(ctx, netip.MustParseAddrPort("127.0.0.1:5065"), 1)
	ch.bindToCircuitLocked(c2)
	assert.Same(t, c2, ch.circuit)
	_, stillOnC1 := c1.channels[ch.cid]
	assert.False(t, stillOnC1)

	ch.unbindLocked()
	assert.Nil(t, ch.circuit)
	assert.False(t, ch.connected)
	ctx.stateMu.Unlock()
}

func TestChannelNativeTypeAndAccessRightsDefaults(t *testing.T) {
	ctx, _ := newTestContext(t)
	ch, err := ctx.CreateChannel("test:pv", &recordingChannelNotify{}, 0)
	require.NoError(t, err)

	dt, count := ch.NativeType()
	assert.Zero(t, dt)
	assert.Zero(t, count)

	read, write := ch.AccessRights()
	assert.False(t, read)
	assert.False(t, write)
}

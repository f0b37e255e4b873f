// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLocalServiceServesReadNotifyInProcess(t *testing.T) {
	ctx, _ := newTestContext(t)
	ctx.RegisterLocalService("local:counter", func() (uint16, uint32, []byte, bool) {
		return 6, 1, []byte{42}, true
	})

	ch, err := ctx.CreateChannel("local:counter", &recordingChannelNotify{}, 0)
	require.NoError(t, err)
	require.True(t, ch.IsLocal())

	var gotStatus Status
	var gotData []byte
	ioid, err := ctx.ReadNotifyRequest(ch, 6, 1, func(status Status, _ uint16, _ uint32, data []byte) {
		gotStatus = status
		gotData = data
	})
	require.NoError(t, err)
	assert.Zero(t, ioid)
	assert.Equal(t, ECANormal, gotStatus)
	assert.Equal(t, []byte{42}, gotData)
}

func TestUnregisterLocalServiceDoesNotAffectExistingChannel(t *testing.T) {
	ctx, _ := newTestContext(t)
	ctx.RegisterLocalService("local:x", func() (uint16, uint32, []byte, bool) {
		return 6, 1, nil, true
	})
	ch, err := ctx.CreateChannel("local:x", &recordingChannelNotify{}, 0)
	require.NoError(t, err)

	ctx.UnregisterLocalService("local:x")
	assert.True(t, ch.IsLocal())
}

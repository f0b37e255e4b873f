// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeaderShort(t *testing.T) {
	frame := encodeHeader(cmdReadNotify, 6, 1, 42, 7, 4)
	hdr, err := decodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(cmdReadNotify), hdr.Command)
	assert.Equal(t, uint16(6), hdr.DataType)
	assert.Equal(t, uint32(1), hdr.Count)
	assert.Equal(t, uint32(42), hdr.Param1)
	assert.Equal(t, uint32(7), hdr.Param2)
	assert.Equal(t, uint32(4), hdr.PayloadSz)
	assert.Equal(t, wireHeaderSize, hdr.Size)
}

func TestEncodeDecodeHeaderLargePayload(t *testing.T) {
	frame := encodeHeader(cmdEventAdd, 6, 100000, 1, 2, 70000)
	hdr, err := decodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(100000), hdr.Count)
	assert.Equal(t, uint32(70000), hdr.PayloadSz)
	assert.Equal(t, wireHeaderSize+wireAnnexSize, hdr.Size)
}

func TestDecodeHeaderShortFrame(t *testing.T) {
	_, err := decodeHeader(make([]byte, 8))
	assert.ErrorIs(t, err, errShortFrame)
}

func TestDecodeHeaderShortAnnex(t *testing.T) {
	frame := encodeHeader(cmdEventAdd, 6, 100000, 1, 2, 70000)
	_, err := decodeHeader(frame[:wireHeaderSize+4])
	assert.ErrorIs(t, err, errShortAnnex)
}

func TestErrOversizedFrame(t *testing.T) {
	err := &errOversizedFrame{declared: 1 << 20, limit: MinTCPFrame}
	assert.Contains(t, err.Error(), "exceeds configured limit")
}

// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wireHeaderSize is the size in bytes of the fixed Channel Access frame
// header (§6): command, payload size, data type, element count, and two
// 32-bit parameters.
const wireHeaderSize = 16

// wireAnnexSize is the size in bytes of the large-payload annex appended
// after the header when either the count or size field carries the
// largePayloadFlag sentinel (§6).
const wireAnnexSize = 8

// largePayloadFlag is the sentinel value (0xffff) used in the header's
// payload-size or element-count field to signal that an 8-byte annex
// carrying the true 32-bit size and count follows (§6).
const largePayloadFlag = 0xffff

// Command codes dispatched by the client (§6). Only the subset the client
// needs to recognize is named; any other code is a protocol violation.
const (
	cmdVersion        = 0
	cmdEventAdd       = 1
	cmdEventCancel    = 2
	cmdRead           = 3
	cmdWrite          = 4
	cmdSearch         = 6
	cmdBeacon         = 13
	cmdError          = 11
	cmdClearChannel   = 12
	cmdReadNotify     = 15
	cmdClaimCIU       = 18
	cmdWriteNotify    = 19
	cmdAccessRights   = 22
	cmdEcho           = 23
	cmdServerDisconn0 = 26
	cmdServerDisconn1 = 27
)

// clientProtocolMinor is the minor protocol revision this client
// advertises in its VERSION frame (§4.2). ca_v41Ok/ca_v42Ok/ca_v44Ok
// gate optional behavior on the server's reported minor version, not
// this constant.
const clientProtocolMinor = 13

// errShortFrame is returned by [decodeHeader] when fewer than wireHeaderSize
// bytes are available.
var errShortFrame = errors.New("cac: short frame header")

// errShortAnnex is returned by [decodeHeader] when the large-payload
// sentinel is set but fewer than wireAnnexSize further bytes are available.
var errShortAnnex = errors.New("cac: short large-payload annex")

// frameHeader is the decoded form of a Channel Access frame header plus its
// optional large-payload annex (§6). Size is the header's own byte size
// (wireHeaderSize or wireHeaderSize+wireAnnexSize).
type frameHeader struct {
	Command   uint16
	DataType  uint16
	Count     uint32
	Param1    uint32
	Param2    uint32
	PayloadSz uint32
	Size      int
}

// decodeHeader parses a frame header (and annex, if present) from buf.
// It returns the decoded header, whose Size field is the number of bytes
// consumed, or an error if buf is too short to contain a complete header.
func decodeHeader(buf []byte) (frameHeader, error) {
	if len(buf) < wireHeaderSize {
		return frameHeader{}, errShortFrame
	}
	h := frameHeader{
		Command:   binary.BigEndian.Uint16(buf[0:2]),
		PayloadSz: uint32(binary.BigEndian.Uint16(buf[2:4])),
		DataType:  binary.BigEndian.Uint16(buf[4:6]),
		Count:     uint32(binary.BigEndian.Uint16(buf[6:8])),
		Param1:    binary.BigEndian.Uint32(buf[8:12]),
		Param2:    binary.BigEndian.Uint32(buf[12:16]),
		Size:      wireHeaderSize,
	}
	if h.PayloadSz == largePayloadFlag || h.Count == largePayloadFlag {
		if len(buf) < wireHeaderSize+wireAnnexSize {
			return frameHeader{}, errShortAnnex
		}
		h.PayloadSz = binary.BigEndian.Uint32(buf[16:20])
		h.Count = binary.BigEndian.Uint32(buf[20:24])
		h.Size = wireHeaderSize + wireAnnexSize
	}
	return h, nil
}

// encodeHeader serializes a header into the short (16-byte) or, when the
// payload size or count requires it, long (24-byte) wire form.
func encodeHeader(command uint16, dataType uint16, count uint32, p1, p2 uint32, payloadSz uint32) []byte {
	if payloadSz >= largePayloadFlag || count >= largePayloadFlag {
		buf := make([]byte, wireHeaderSize+wireAnnexSize)
		binary.BigEndian.PutUint16(buf[0:2], command)
		binary.BigEndian.PutUint16(buf[2:4], largePayloadFlag)
		binary.BigEndian.PutUint16(buf[4:6], dataType)
		binary.BigEndian.PutUint16(buf[6:8], largePayloadFlag)
		binary.BigEndian.PutUint32(buf[8:12], p1)
		binary.BigEndian.PutUint32(buf[12:16], p2)
		binary.BigEndian.PutUint32(buf[16:20], payloadSz)
		binary.BigEndian.PutUint32(buf[20:24], count)
		return buf
	}
	buf := make([]byte, wireHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], command)
	binary.BigEndian.PutUint16(buf[2:4], uint16(payloadSz))
	binary.BigEndian.PutUint16(buf[4:6], dataType)
	binary.BigEndian.PutUint16(buf[6:8], uint16(count))
	binary.BigEndian.PutUint32(buf[8:12], p1)
	binary.BigEndian.PutUint32(buf[12:16], p2)
	return buf
}

// errOversizedFrame reports that a peer's declared payload size exceeds the
// configured [Config.MaxArrayBytes] (§4.2 framing, S5).
type errOversizedFrame struct {
	declared uint32
	limit    uint32
}

func (e *errOversizedFrame) Error() string {
	return fmt.Sprintf("cac: frame payload %d exceeds configured limit %d", e.declared, e.limit)
}

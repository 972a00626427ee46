// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_packet

import (
	"encoding/binary"
	"fmt"
)

// Packet is the framed message exchanged with the SFU WebSocket adapter:
// a sequence number, a timestamp and an opaque payload. This package is
// the only place the framing is produced or parsed.
type Packet struct {
	Sequence  uint32
	Timestamp uint32
	Payload   []byte
}

// headerSize is the fixed frame header: sequence, timestamp, payload length,
// each a big-endian uint32.
const headerSize = 12

// Encode writes a self-contained framed message. The payload is copied so
// the frame never aliases the caller's buffer.
func Encode(p Packet) []byte {
	out := make([]byte, headerSize+len(p.Payload))
	binary.BigEndian.PutUint32(out[0:4], p.Sequence)
	binary.BigEndian.PutUint32(out[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(p.Payload)))
	copy(out[headerSize:], p.Payload)
	return out
}

// Decode parses a framed message. The returned payload is a fresh copy,
// never a view into the incoming frame. A terminal odd byte is truncated so
// downstream PCM16 handling always sees whole samples.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < headerSize {
		return Packet{}, fmt.Errorf("packet: frame too short: %d bytes", len(frame))
	}
	length := binary.BigEndian.Uint32(frame[8:12])
	if int(length) != len(frame)-headerSize {
		return Packet{}, fmt.Errorf("packet: payload length mismatch: header says %d, frame carries %d",
			length, len(frame)-headerSize)
	}
	if length%2 != 0 {
		length--
	}
	payload := make([]byte, length)
	copy(payload, frame[headerSize:headerSize+int(length)])
	return Packet{
		Sequence:  binary.BigEndian.Uint32(frame[0:4]),
		Timestamp: binary.BigEndian.Uint32(frame[4:8]),
		Payload:   payload,
	}, nil
}

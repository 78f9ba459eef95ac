// Package wire defines the fixed in-payload message header carried by every
// benchmark message. The header is a 24-byte little-endian prefix of
// (sequence number, producer timestamp in nanoseconds, total payload size);
// brokers treat the whole payload as opaque bytes.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed byte length of the encoded header.
const HeaderSize = 24

// Header is the per-message prefix used to compute end-to-end latency and
// detect loss, duplication and reordering after the fact.
type Header struct {
	Seq         uint64
	TimestampNS uint64
	PayloadSize uint64
}

// EncodeInto writes the header into the first HeaderSize bytes of buf.
// Callers validate the payload-size precondition (>= HeaderSize) at role
// startup; buf shorter than HeaderSize is a programming error.
func (h Header) EncodeInto(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], h.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], h.TimestampNS)
	binary.LittleEndian.PutUint64(buf[16:24], h.PayloadSize)
}

// Decode interprets the first HeaderSize bytes of buf. Trailing bytes are
// ignored. A buffer shorter than HeaderSize is an error, not a panic.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: payload too short for header: %d bytes", len(buf))
	}
	return Header{
		Seq:         binary.LittleEndian.Uint64(buf[0:8]),
		TimestampNS: binary.LittleEndian.Uint64(buf[8:16]),
		PayloadSize: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// pattern fills payload bytes past the header so buffers are not
// compressible to nothing by transports that compress.
var pattern = []byte("mqbench-payload-")

// NewPayload allocates a payload buffer of the requested size with a
// pattern-filled body. The header area is left zeroed; callers stamp it per
// message with Stamp.
func NewPayload(size int) ([]byte, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("wire: payload size %d below header size %d", size, HeaderSize)
	}
	buf := make([]byte, size)
	for i := HeaderSize; i < size; i++ {
		buf[i] = pattern[(i-HeaderSize)%len(pattern)]
	}
	return buf, nil
}

// Stamp overwrites the header prefix of buf with a fresh (seq, now, size)
// header. buf must come from NewPayload.
func Stamp(buf []byte, seq, nowNS uint64) {
	Header{Seq: seq, TimestampNS: nowNS, PayloadSize: uint64(len(buf))}.EncodeInto(buf)
}

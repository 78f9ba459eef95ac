package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Seq: 0, TimestampNS: 0, PayloadSize: 24},
		{Seq: 1, TimestampNS: 1_700_000_000_000_000_000, PayloadSize: 256},
		{Seq: ^uint64(0), TimestampNS: ^uint64(0), PayloadSize: ^uint64(0)},
	}
	for _, h := range cases {
		buf := make([]byte, HeaderSize)
		h.EncodeInto(buf)
		got, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
}

func TestDecodeToleratesTrailingBytes(t *testing.T) {
	buf, err := NewPayload(256)
	require.NoError(t, err)
	Stamp(buf, 42, 1234567890)

	h, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), h.Seq)
	assert.Equal(t, uint64(1234567890), h.TimestampNS)
	assert.Equal(t, uint64(256), h.PayloadSize)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.Error(t, err)
}

func TestEncodingIsLittleEndian(t *testing.T) {
	buf := make([]byte, HeaderSize)
	Header{Seq: 0x0102030405060708, TimestampNS: 9, PayloadSize: 24}.EncodeInto(buf)
	assert.Equal(t, byte(0x08), buf[0])
	assert.Equal(t, byte(0x01), buf[7])
	assert.Equal(t, uint64(9), binary.LittleEndian.Uint64(buf[8:16]))
}

func TestNewPayloadMinimumSize(t *testing.T) {
	_, err := NewPayload(HeaderSize - 1)
	assert.Error(t, err)

	buf, err := NewPayload(HeaderSize)
	require.NoError(t, err)
	assert.Len(t, buf, HeaderSize)
}

func TestStampedSizeMatchesBuffer(t *testing.T) {
	buf, err := NewPayload(1024)
	require.NoError(t, err)
	Stamp(buf, 7, 99)
	h, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(buf)), h.PayloadSize)
}

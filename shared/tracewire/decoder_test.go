// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracewire_test

import (
	"testing"

	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/require"

	"storj.io/shmtrace/shared/tracewire"
)

func TestDecoder(t *testing.T) {
	// build a message with the gogo encoder so the decoder is checked
	// against an independent implementation.
	enc := proto.NewBuffer(nil)
	require.NoError(t, enc.EncodeVarint(uint64(tracewire.MakeTagVarInt(1))))
	require.NoError(t, enc.EncodeVarint(300))
	require.NoError(t, enc.EncodeVarint(uint64(tracewire.MakeTagFixed32(2))))
	require.NoError(t, enc.EncodeFixed32(0xdeadbeef))
	require.NoError(t, enc.EncodeVarint(uint64(tracewire.MakeTagFixed64(3))))
	require.NoError(t, enc.EncodeFixed64(0x0102030405060708))
	require.NoError(t, enc.EncodeVarint(uint64(tracewire.MakeTagLengthDelimited(4))))
	require.NoError(t, enc.EncodeRawBytes([]byte("hello")))
	require.NoError(t, enc.EncodeVarint(uint64(tracewire.MakeTagVarInt(5))))
	neg := int64(-7)
	require.NoError(t, enc.EncodeZigzag64(uint64(neg)))

	var fields []tracewire.Field
	d := tracewire.NewDecoder(enc.Bytes())
	for {
		f, ok := d.Next()
		if !ok {
			break
		}
		fields = append(fields, f)
	}
	require.False(t, d.Malformed())
	require.Len(t, fields, 5)

	require.Equal(t, uint32(1), fields[0].ID)
	require.Equal(t, uint64(300), fields[0].Int)
	require.Equal(t, tracewire.WireFixed32, fields[1].Type)
	require.Equal(t, uint64(0xdeadbeef), fields[1].Int)
	require.Equal(t, uint64(0x0102030405060708), fields[2].Int)
	require.Equal(t, "hello", string(fields[3].Bytes))
	require.Equal(t, int64(-7), fields[4].SInt64())

	f, ok := tracewire.Find(enc.Bytes(), 4)
	require.True(t, ok)
	require.Equal(t, "hello", string(f.Bytes))
}

func TestDecoderMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{"truncated tag", []byte{0x80}},
		{"zero field", []byte{0x00, 0x01}},
		{"truncated varint", []byte{0x08, 0x80}},
		{"truncated fixed32", []byte{0x15, 0x01, 0x02}},
		{"truncated fixed64", []byte{0x19, 0x01, 0x02, 0x03, 0x04}},
		{"length past end", []byte{0x22, 0x05, 'a', 'b'}},
		{"length over max", append([]byte{0x22}, proto.EncodeVarint(tracewire.MaxMessageLength+1)...)},
		{"bad wire type", []byte{0x0e, 0x00}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := tracewire.NewDecoder(tc.buf)
			f, ok := d.Next()
			require.False(t, ok)
			require.False(t, f.Valid)
			require.True(t, d.Malformed())

			// the decoder stays at the end after malformed input.
			_, ok = d.Next()
			require.False(t, ok)
			require.Equal(t, len(tc.buf), d.Offset())
		})
	}
}

func TestNested(t *testing.T) {
	buf, off := tracewire.BeginNested(nil, 7)
	buf = tracewire.AppendVarIntField(buf, 1, 42)
	buf = tracewire.AppendBytesField(buf, 2, []byte("inner"))
	tracewire.EndNested(buf, off)

	outer, ok := tracewire.Find(buf, 7)
	require.True(t, ok)
	require.Equal(t, tracewire.WireLengthDelimited, outer.Type)

	inner, ok := tracewire.Find(outer.Bytes, 2)
	require.True(t, ok)
	require.Equal(t, "inner", string(inner.Bytes))

	v, ok := tracewire.Find(outer.Bytes, 1)
	require.True(t, ok)
	require.Equal(t, uint64(42), v.Int)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracewire_test

import (
	"math"
	"math/bits"
	"testing"

	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/mwc"

	"storj.io/shmtrace/shared/tracewire"
)

func TestVarInt(t *testing.T) {
	t.Run("Round Trip", func(t *testing.T) {
		for i := 0; i < 64; i++ {
			// val has i+1 lower bits set
			val := (uint64(1) << uint(i+1)) - 1

			// the encoding should be related to the number of bits set
			buf := tracewire.AppendVarInt(nil, val)
			require.Equal(t, (i/7)+1, len(buf))
			require.Equal(t, len(buf), tracewire.VarIntSize(val))

			// it should decode to the same value
			got, n := tracewire.ParseVarInt(buf)
			require.Equal(t, len(buf), n)
			require.Equal(t, val, got)
		}
	})

	t.Run("Round Trip Fuzz", func(t *testing.T) {
		for i := 0; i < 10000; i++ {
			val := mwc.Uint64() >> mwc.Intn(64)
			buf := tracewire.AppendVarInt(nil, val)

			size := (bits.Len64(val) + 6) / 7
			if size == 0 {
				size = 1
			}
			require.Equal(t, size, len(buf))

			got, n := tracewire.ParseVarInt(buf)
			require.Equal(t, len(buf), n)
			require.Equal(t, val, got)
		}
	})

	t.Run("Matches Protobuf", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			val := mwc.Uint64() >> mwc.Intn(64)
			require.Equal(t, proto.EncodeVarint(val), tracewire.AppendVarInt(nil, val))

			got, n := proto.DecodeVarint(tracewire.AppendVarInt(nil, val))
			require.NotZero(t, n)
			require.Equal(t, val, got)
		}
	})

	t.Run("Incomplete", func(t *testing.T) {
		buf := tracewire.AppendVarInt(nil, math.MaxUint64)
		for i := 0; i < len(buf); i++ {
			_, n := tracewire.ParseVarInt(buf[:i])
			require.Zero(t, n)
		}
	})

	t.Run("Too Long", func(t *testing.T) {
		buf := make([]byte, 11)
		for i := range buf[:10] {
			buf[i] = 0x80
		}
		_, n := tracewire.ParseVarInt(buf)
		require.Zero(t, n)
	})

	t.Run("Overflow", func(t *testing.T) {
		buf := tracewire.AppendVarInt(nil, math.MaxUint64)
		require.Len(t, buf, tracewire.MaxVarIntSize)
		require.Equal(t, byte(1), buf[tracewire.MaxVarIntSize-1])

		// the last byte only has room for bit 63.
		for _, last := range []byte{2, 0x7f} {
			buf[tracewire.MaxVarIntSize-1] = last
			_, n := tracewire.ParseVarInt(buf)
			require.Zero(t, n)
		}
	})
}

func TestRedundantVarInt(t *testing.T) {
	check := func(v uint32) {
		var buf [tracewire.MessageLengthFieldSize]byte
		tracewire.WriteRedundantVarInt(v, buf[:])

		got, n := tracewire.ParseVarInt(buf[:])
		require.Equal(t, tracewire.MessageLengthFieldSize, n)
		require.Equal(t, uint64(v), got)

		got, n = proto.DecodeVarint(buf[:])
		require.Equal(t, tracewire.MessageLengthFieldSize, n)
		require.Equal(t, uint64(v), got)
	}

	check(0)
	check(1)
	check(127)
	check(128)
	check(tracewire.MaxMessageLength)
	for i := 0; i < 1000; i++ {
		check(uint32(mwc.Uint64n(tracewire.MaxMessageLength + 1)))
	}

	require.Panics(t, func() {
		var buf [tracewire.MessageLengthFieldSize]byte
		tracewire.WriteRedundantVarInt(tracewire.MaxMessageLength+1, buf[:])
	})
}

func TestZigZag(t *testing.T) {
	require.Equal(t, uint64(0), tracewire.ZigZagEncode(0))
	require.Equal(t, uint64(1), tracewire.ZigZagEncode(-1))
	require.Equal(t, uint64(2), tracewire.ZigZagEncode(1))
	require.Equal(t, uint64(3), tracewire.ZigZagEncode(-2))
	require.Equal(t, uint64(math.MaxUint64), tracewire.ZigZagEncode(math.MinInt64))

	for i := 0; i < 1000; i++ {
		v := int64(mwc.Uint64())
		require.Equal(t, v, tracewire.ZigZagDecode(tracewire.ZigZagEncode(v)))

		buf := proto.NewBuffer(nil)
		require.NoError(t, buf.EncodeZigzag64(uint64(v)))
		require.Equal(t, tracewire.AppendVarInt(nil, tracewire.ZigZagEncode(v)), buf.Bytes())
	}
}

func TestTags(t *testing.T) {
	require.Equal(t, uint32(1<<3|0), tracewire.MakeTagVarInt(1))
	require.Equal(t, uint32(2<<3|1), tracewire.MakeTagFixed64(2))
	require.Equal(t, uint32(3<<3|2), tracewire.MakeTagLengthDelimited(3))
	require.Equal(t, uint32(4<<3|5), tracewire.MakeTagFixed32(4))

	buf := tracewire.AppendTag(nil, 1<<20, tracewire.WireFixed32)
	require.Equal(t, proto.EncodeVarint(uint64(1<<20<<3|5)), buf)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracewire

const (
	// MaxVarIntSize is the largest number of bytes a 64 bit varint can use.
	MaxVarIntSize = 10

	// MessageLengthFieldSize is the size of a reserved, redundantly encoded
	// length field of a nested message.
	MessageLengthFieldSize = 4

	// MaxMessageLength is the largest length that fits in a length field of
	// MessageLengthFieldSize bytes.
	MaxMessageLength = 1<<(7*MessageLengthFieldSize) - 1

	// MaxTagEncodedSize is the largest encoding of a field tag.
	MaxTagEncodedSize = 5

	// MaxSimpleFieldEncodedSize is the largest encoding of a tag followed by
	// a varint or fixed value.
	MaxSimpleFieldEncodedSize = MaxTagEncodedSize + MaxVarIntSize
)

// AppendVarInt appends the base-128 encoding of v to buf.
func AppendVarInt(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// VarIntSize returns the number of bytes AppendVarInt uses for v.
func VarIntSize(v uint64) (n int) {
	for n = 1; v >= 0x80; n++ {
		v >>= 7
	}
	return n
}

// WriteRedundantVarInt writes v into the first MessageLengthFieldSize bytes
// of buf using a fixed width encoding padded with continuation bits. This
// allows a length field to be reserved before the length is known and
// backfilled in place later.
func WriteRedundantVarInt(v uint32, buf []byte) {
	if v > MaxMessageLength {
		panic(Error.New("redundant varint overflow: %d", v))
	}
	_ = buf[MessageLengthFieldSize-1]
	for i := 0; i < MessageLengthFieldSize; i++ {
		b := byte(v>>(7*i)) & 0x7f
		if i < MessageLengthFieldSize-1 {
			b |= 0x80
		}
		buf[i] = b
	}
}

// AppendRedundantVarInt appends the fixed width encoding written by
// WriteRedundantVarInt.
func AppendRedundantVarInt(buf []byte, v uint32) []byte {
	var tmp [MessageLengthFieldSize]byte
	WriteRedundantVarInt(v, tmp[:])
	return append(buf, tmp[:]...)
}

// ParseVarInt decodes a varint from the start of buf. It returns the value
// and the number of bytes consumed. If buf does not contain a complete
// varint, or the varint is longer than MaxVarIntSize bytes or overflows 64
// bits, n is zero and the caller must not advance.
func ParseVarInt(buf []byte) (v uint64, n int) {
	for i := 0; i < len(buf) && i < MaxVarIntSize; i++ {
		b := buf[i]
		if i == MaxVarIntSize-1 && b > 1 {
			return 0, 0
		}
		v |= uint64(b&0x7f) << (7 * i)
		if b < 0x80 {
			return v, i + 1
		}
	}
	return 0, 0
}

// ZigZagEncode maps signed values to unsigned values so that numbers with a
// small magnitude have a short varint encoding.
func ZigZagEncode(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// ZigZagDecode is the inverse of ZigZagEncode.
func ZigZagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracewire

import "encoding/binary"

// WireType is the low 3 bits of a field tag.
type WireType uint8

// Wire types understood by the encoder and decoder.
const (
	WireVarInt          WireType = 0
	WireFixed64         WireType = 1
	WireLengthDelimited WireType = 2
	WireStartGroup      WireType = 3
	WireEndGroup        WireType = 4
	WireFixed32         WireType = 5
)

func (w WireType) String() string {
	switch w {
	case WireVarInt:
		return "varint"
	case WireFixed64:
		return "fixed64"
	case WireLengthDelimited:
		return "length-delimited"
	case WireStartGroup:
		return "start-group"
	case WireEndGroup:
		return "end-group"
	case WireFixed32:
		return "fixed32"
	default:
		return "unknown"
	}
}

// MakeTag packs a field id and a wire type into a tag.
func MakeTag(field uint32, wt WireType) uint32 { return field<<3 | uint32(wt) }

// MakeTagVarInt returns the tag of a varint field.
func MakeTagVarInt(field uint32) uint32 { return MakeTag(field, WireVarInt) }

// MakeTagFixed32 returns the tag of a 32 bit fixed field.
func MakeTagFixed32(field uint32) uint32 { return MakeTag(field, WireFixed32) }

// MakeTagFixed64 returns the tag of a 64 bit fixed field.
func MakeTagFixed64(field uint32) uint32 { return MakeTag(field, WireFixed64) }

// MakeTagLengthDelimited returns the tag of a length-delimited field.
func MakeTagLengthDelimited(field uint32) uint32 { return MakeTag(field, WireLengthDelimited) }

// AppendTag appends the tag for the field and wire type.
func AppendTag(buf []byte, field uint32, wt WireType) []byte {
	return AppendVarInt(buf, uint64(MakeTag(field, wt)))
}

// AppendFixed32 appends v in little-endian order.
func AppendFixed32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

// AppendFixed64 appends v in little-endian order.
func AppendFixed64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

// AppendVarIntField appends a complete varint field.
func AppendVarIntField(buf []byte, field uint32, v uint64) []byte {
	return AppendVarInt(AppendTag(buf, field, WireVarInt), v)
}

// AppendBytesField appends a complete length-delimited field.
func AppendBytesField(buf []byte, field uint32, data []byte) []byte {
	buf = AppendTag(buf, field, WireLengthDelimited)
	buf = AppendVarInt(buf, uint64(len(data)))
	return append(buf, data...)
}

// BeginNested appends the tag of a nested message followed by a zeroed,
// reserved length field. The returned offset is passed to EndNested once
// the message body has been appended.
func BeginNested(buf []byte, field uint32) ([]byte, int) {
	buf = AppendTag(buf, field, WireLengthDelimited)
	off := len(buf)
	return append(buf, make([]byte, MessageLengthFieldSize)...), off
}

// EndNested backfills the reserved length field at off with the size of
// everything appended after it.
func EndNested(buf []byte, off int) {
	size := len(buf) - off - MessageLengthFieldSize
	WriteRedundantVarInt(uint32(size), buf[off:])
}

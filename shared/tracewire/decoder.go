// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracewire

import "encoding/binary"

// Field is a single decoded field of a message.
type Field struct {
	ID    uint32
	Type  WireType
	Int   uint64 // value of varint and fixed fields.
	Bytes []byte // value of length-delimited fields, aliasing the input.
	Valid bool
}

// Int64 returns the value of a varint field interpreted as a signed value.
func (f Field) Int64() int64 { return int64(f.Int) }

// SInt64 returns the value of a zigzag encoded field.
func (f Field) SInt64() int64 { return ZigZagDecode(f.Int) }

// Decoder iterates over the fields of an encoded message. It never panics
// on malformed input: once a field cannot be decoded, Next returns an
// invalid Field and the decoder stays at the end.
type Decoder struct {
	buf []byte
	off int
	bad bool
}

// NewDecoder returns a Decoder over buf. The decoded fields alias buf.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.off }

// Malformed reports if decoding stopped because of malformed input.
func (d *Decoder) Malformed() bool { return d.bad }

// Next decodes the next field. It returns false when there are no more
// valid fields. Callers should check Malformed to tell the end of the
// message apart from corruption.
func (d *Decoder) Next() (f Field, ok bool) {
	if d.bad || d.off >= len(d.buf) {
		return Field{}, false
	}

	rem := d.buf[d.off:]
	tag, n := ParseVarInt(rem)
	if n == 0 || tag>>3 == 0 || tag>>3 > 1<<29-1 {
		return d.fail()
	}
	rem = rem[n:]
	used := n

	f.ID = uint32(tag >> 3)
	f.Type = WireType(tag & 7)

	switch f.Type {
	case WireVarInt:
		v, n := ParseVarInt(rem)
		if n == 0 {
			return d.fail()
		}
		f.Int, used = v, used+n

	case WireFixed32:
		if len(rem) < 4 {
			return d.fail()
		}
		f.Int, used = uint64(binary.LittleEndian.Uint32(rem)), used+4

	case WireFixed64:
		if len(rem) < 8 {
			return d.fail()
		}
		f.Int, used = binary.LittleEndian.Uint64(rem), used+8

	case WireLengthDelimited:
		size, n := ParseVarInt(rem)
		if n == 0 || size > MaxMessageLength || size > uint64(len(rem)-n) {
			return d.fail()
		}
		f.Bytes, used = rem[n:n+int(size)], used+n+int(size)

	case WireStartGroup, WireEndGroup:
		// groups carry no payload of their own.

	default:
		return d.fail()
	}

	d.off += used
	f.Valid = true
	return f, true
}

// Find returns the last valid occurrence of the field id in buf.
func Find(buf []byte, id uint32) (Field, bool) {
	var found Field
	var ok bool
	for d := NewDecoder(buf); ; {
		f, more := d.Next()
		if !more {
			return found, ok
		}
		if f.ID == id {
			found, ok = f, true
		}
	}
}

func (d *Decoder) fail() (Field, bool) {
	d.bad = true
	d.off = len(d.buf)
	return Field{}, false
}

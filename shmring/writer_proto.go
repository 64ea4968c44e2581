// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package shmring

import (
	"storj.io/shmtrace/shared/tracewire"
)

// The helpers below append complete tag-value fields to the open message.
// Nested messages use group delimiters because a length prefix could not be
// patched once its bytes have been published to the reader.

// AppendVarInt appends a varint field.
func (w *Writer) AppendVarInt(field uint32, v uint64) {
	var scratch [tracewire.MaxSimpleFieldEncodedSize]byte
	buf := tracewire.AppendTag(scratch[:0], field, tracewire.WireVarInt)
	w.WriteBytes(tracewire.AppendVarInt(buf, v))
}

// AppendSignedVarInt appends a zigzag encoded varint field.
func (w *Writer) AppendSignedVarInt(field uint32, v int64) {
	w.AppendVarInt(field, tracewire.ZigZagEncode(v))
}

// AppendTinyVarInt appends a varint field whose value is expected to fit in
// a single byte.
func (w *Writer) AppendTinyVarInt(field uint32, v uint32) {
	if v >= 0x80 {
		w.AppendVarInt(field, uint64(v))
		return
	}
	var scratch [tracewire.MaxTagEncodedSize + 1]byte
	buf := tracewire.AppendTag(scratch[:0], field, tracewire.WireVarInt)
	w.WriteBytes(append(buf, byte(v)))
}

// AppendFixed32 appends a 32 bit fixed field.
func (w *Writer) AppendFixed32(field uint32, v uint32) {
	var scratch [tracewire.MaxSimpleFieldEncodedSize]byte
	buf := tracewire.AppendTag(scratch[:0], field, tracewire.WireFixed32)
	w.WriteBytes(tracewire.AppendFixed32(buf, v))
}

// AppendFixed64 appends a 64 bit fixed field.
func (w *Writer) AppendFixed64(field uint32, v uint64) {
	var scratch [tracewire.MaxSimpleFieldEncodedSize]byte
	buf := tracewire.AppendTag(scratch[:0], field, tracewire.WireFixed64)
	w.WriteBytes(tracewire.AppendFixed64(buf, v))
}

// AppendBytes appends a length-delimited field.
func (w *Writer) AppendBytes(field uint32, p []byte) {
	var scratch [tracewire.MaxSimpleFieldEncodedSize]byte
	buf := tracewire.AppendTag(scratch[:0], field, tracewire.WireLengthDelimited)
	w.WriteBytes(tracewire.AppendVarInt(buf, uint64(len(p))))
	w.WriteBytes(p)
}

// AppendString appends a length-delimited field holding s.
func (w *Writer) AppendString(field uint32, s string) {
	w.AppendBytes(field, []byte(s))
}

// BeginNestedMessage opens a nested message as a group.
func (w *Writer) BeginNestedMessage(field uint32) {
	var scratch [tracewire.MaxTagEncodedSize]byte
	w.WriteBytes(tracewire.AppendTag(scratch[:0], field, tracewire.WireStartGroup))
}

// EndNestedMessage closes the group opened by BeginNestedMessage.
func (w *Writer) EndNestedMessage(field uint32) {
	var scratch [tracewire.MaxTagEncodedSize]byte
	w.WriteBytes(tracewire.AppendTag(scratch[:0], field, tracewire.WireEndGroup))
}

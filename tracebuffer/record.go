// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracebuffer

import (
	"encoding/binary"
	"fmt"
)

// ProducerID identifies a producer connected to the service.
type ProducerID uint16

// WriterID identifies a writer within a producer.
type WriterID uint16

// ChunkID is the per sequence chunk counter. It wraps around.
type ChunkID uint32

// MaxChunkID is the largest chunk id before wrapping back to zero.
const MaxChunkID = ChunkID(^uint32(0))

// Flags describe how the fragments of a chunk relate to its neighbours.
type Flags uint8

const (
	// FirstPacketContinuesFromPrevChunk is set when the first fragment is
	// the tail of a packet started in the previous chunk.
	FirstPacketContinuesFromPrevChunk Flags = 1 << 0

	// LastPacketContinuesOnNextChunk is set when the last fragment is
	// continued by the next chunk.
	LastPacketContinuesOnNextChunk Flags = 1 << 1

	// ChunkNeedsPatching is set while some length fields of the chunk are
	// waiting to be patched out of band.
	ChunkNeedsPatching Flags = 1 << 2
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	return fmt.Sprintf("cont_prev=%t cont_next=%t needs_patching=%t",
		f&FirstPacketContinuesFromPrevChunk != 0,
		f&LastPacketContinuesOnNextChunk != 0,
		f&ChunkNeedsPatching != 0)
}

const (
	// RecordHeaderSize is the size of the header in front of every record.
	RecordHeaderSize = 16

	// RecordAlignment is the alignment of every record in the arena.
	RecordAlignment = RecordHeaderSize

	// MaxRecordSize is the largest record, header included, the buffer
	// accepts.
	MaxRecordSize = 64 << 10

	paddingBit        = 1 << 31
	recordFlagsOffset = 14
)

// recordHeader is the decoded form of the 16 bytes in front of every record:
//
//	[0:4]   size (bit 31 set for padding records)
//	[4:6]   producer id
//	[6:8]   writer id
//	[8:12]  chunk id
//	[12:14] number of fragments
//	[14]    flags
//	[15]    reserved
type recordHeader struct {
	size         uint32
	padding      bool
	producer     ProducerID
	writer       WriterID
	chunkID      ChunkID
	numFragments uint16
	flags        Flags
}

func (h recordHeader) key() chunkKey {
	return chunkKey{producer: h.producer, writer: h.writer, chunkID: h.chunkID}
}

func (h recordHeader) encode(dst []byte) {
	_ = dst[RecordHeaderSize-1]
	size := h.size
	if h.padding {
		size |= paddingBit
	}
	binary.LittleEndian.PutUint32(dst[0:4], size)
	binary.LittleEndian.PutUint16(dst[4:6], uint16(h.producer))
	binary.LittleEndian.PutUint16(dst[6:8], uint16(h.writer))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(h.chunkID))
	binary.LittleEndian.PutUint16(dst[12:14], h.numFragments)
	dst[recordFlagsOffset] = byte(h.flags)
	dst[15] = 0
}

func decodeRecordHeader(src []byte) recordHeader {
	_ = src[RecordHeaderSize-1]
	size := binary.LittleEndian.Uint32(src[0:4])
	return recordHeader{
		size:         size &^ paddingBit,
		padding:      size&paddingBit != 0,
		producer:     ProducerID(binary.LittleEndian.Uint16(src[4:6])),
		writer:       WriterID(binary.LittleEndian.Uint16(src[6:8])),
		chunkID:      ChunkID(binary.LittleEndian.Uint32(src[8:12])),
		numFragments: binary.LittleEndian.Uint16(src[12:14]),
		flags:        Flags(src[recordFlagsOffset]),
	}
}

func alignRecord(n int) int {
	return (n + RecordAlignment - 1) &^ (RecordAlignment - 1)
}

// chunkKey orders chunks by sequence and then by chunk id.
type chunkKey struct {
	producer ProducerID
	writer   WriterID
	chunkID  ChunkID
}

func (k chunkKey) less(o chunkKey) bool {
	if k.producer != o.producer {
		return k.producer < o.producer
	}
	if k.writer != o.writer {
		return k.writer < o.writer
	}
	return k.chunkID < o.chunkID
}

func (k chunkKey) sameSequence(o chunkKey) bool {
	return k.producer == o.producer && k.writer == o.writer
}

// sequenceKey identifies a (producer, writer) sequence.
type sequenceKey struct {
	producer ProducerID
	writer   WriterID
}

// chunkMeta is the index entry of a record.
type chunkMeta struct {
	key    chunkKey
	offset int // of the record header in the arena.
	size   int // of the whole record.
	uid    uint32

	numFragments   uint16
	fragmentsRead  uint16
	fragmentOffset int // into the payload, of the next unread fragment.
	flags          Flags
}

func (m *chunkMeta) fullyRead() bool { return m.fragmentsRead >= m.numFragments }

func chunkMetaLess(a, b *chunkMeta) bool { return a.key.less(b.key) }

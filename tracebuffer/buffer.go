// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tracebuffer implements the service side arena that collects chunk
// records copied out of producer memory and plays their packets back in
// order.
//
// Records are written one after the other into a fixed size byte arena,
// overwriting the oldest records when the arena wraps around. An ordered
// index keyed by (producer, writer, chunk id) allows reading every
// (producer, writer) sequence in chunk id order, stitching packets that were
// fragmented across chunks.
//
// The contents of the chunks are untrusted: malformed metadata is counted in
// Stats.ABIViolations and skipped, it never causes a panic.
//
// A Buffer is not safe for concurrent use.
package tracebuffer

import (
	"github.com/google/btree"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/memory"
)

var mon = monkit.Package()

// Error is the error class for this package.
var Error = errs.Class("tracebuffer")

// Stats are the counters of a Buffer.
type Stats struct {
	ChunksWritten             uint64 // records written, padding excluded.
	BytesWritten              uint64 // aligned record bytes written: header, payload and alignment, not payload alone.
	ChunksRead                uint64 // records whose fragments were all consumed.
	BytesRead                 uint64 // aligned record bytes of the chunks read, like BytesWritten.
	ChunksOverwritten         uint64 // records overwritten before being fully read.
	BytesOverwritten          uint64 // aligned record bytes of the chunks overwritten, like BytesWritten.
	PaddingBytesWritten       uint64 // bytes covered by padding records.
	PaddingBytesCleared       uint64 // padding bytes reclaimed by later records.
	WriteWrapCount            uint64 // times the write pointer went back to the start.
	ChunksCommittedOutOfOrder uint64 // chunks older than the newest of their sequence.
	ReadaheadsSucceeded       uint64 // fragmented packets stitched together.
	ReadaheadsFailed          uint64 // stitching attempts that found a gap.
	PatchesSucceeded          uint64 // individual patches applied.
	PatchesFailed             uint64 // patch requests rejected.
	ABIViolations             uint64 // malformed producer input detected.
}

// ChunkInfo is the trusted metadata about a chunk: the producer and uid are
// assigned by the service, the rest is reported by the producer.
type ChunkInfo struct {
	Producer     ProducerID
	UID          uint32
	Writer       WriterID
	ChunkID      ChunkID
	NumFragments uint16
	Flags        Flags
}

// Buffer is the service side trace buffer.
type Buffer struct {
	data          []byte
	wptr          int
	maxRecordSize int

	index       *btree.BTreeG[*chunkMeta]
	lastChunkID map[sequenceKey]ChunkID
	iter        sequenceIterator

	stats Stats
}

// New allocates a Buffer of the given size. The size must be a positive
// multiple of RecordAlignment.
func New(size memory.Size) (*Buffer, error) {
	if size <= 0 || size.Int64()%RecordAlignment != 0 {
		return nil, Error.New("size %d must be a positive multiple of %d", size.Int64(), RecordAlignment)
	}

	b := &Buffer{
		data:          make([]byte, size.Int()),
		maxRecordSize: min(size.Int(), MaxRecordSize),
		index:         btree.NewG(8, chunkMetaLess),
		lastChunkID:   make(map[sequenceKey]ChunkID),
	}
	b.iter = b.sequenceStartingAt(nil)
	return b, nil
}

// Size returns the size of the arena.
func (b *Buffer) Size() memory.Size { return memory.Size(len(b.data)) }

// Chunks returns the number of records in the index.
func (b *Buffer) Chunks() int { return b.index.Len() }

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats { return b.stats }

// CopyChunkUntrusted copies a chunk into the arena, evicting the oldest
// records if needed. Nothing but a bulk copy is done with src: the producer
// may be changing it concurrently.
//
// Writing invalidates any read in progress: BeginRead must be called again.
func (b *Buffer) CopyChunkUntrusted(info ChunkInfo, src []byte) {
	recordSize := alignRecord(len(src) + RecordHeaderSize)
	if len(src) > b.maxRecordSize || recordSize > b.maxRecordSize {
		b.abiViolation()
		return
	}

	if toEnd := len(b.data) - b.wptr; recordSize > toEnd {
		b.deleteNextChunksFor(toEnd)
		b.addPadding(toEnd)
		b.wptr = 0
		b.stats.WriteWrapCount++
	}

	padding := b.deleteNextChunksFor(recordSize)

	meta := &chunkMeta{
		key:          chunkKey{producer: info.Producer, writer: info.Writer, chunkID: info.ChunkID},
		offset:       b.wptr,
		size:         recordSize,
		uid:          info.UID,
		numFragments: info.NumFragments,
		flags:        info.Flags,
	}
	b.stats.ChunksWritten++
	b.stats.BytesWritten += uint64(recordSize)
	if _, replaced := b.index.ReplaceOrInsert(meta); replaced {
		// the producer committed the same chunk id twice.
		b.abiViolation()
	}

	record := b.data[b.wptr : b.wptr+recordSize]
	recordHeader{
		size:         uint32(recordSize),
		producer:     info.Producer,
		writer:       info.Writer,
		chunkID:      info.ChunkID,
		numFragments: info.NumFragments,
		flags:        info.Flags,
	}.encode(record)
	n := copy(record[RecordHeaderSize:], src)
	clear(record[RecordHeaderSize+n:])

	b.wptr += recordSize
	if b.wptr >= len(b.data) {
		b.wptr = 0
		b.stats.WriteWrapCount++
	}

	b.updateLastChunkID(sequenceKey{producer: info.Producer, writer: info.Writer}, info.ChunkID)

	if padding > 0 {
		b.addPadding(padding)
	}

	b.iter = sequenceIterator{done: true}
}

// updateLastChunkID remembers the newest chunk id of the sequence, comparing
// ids modulo wrapping.
func (b *Buffer) updateLastChunkID(seq sequenceKey, id ChunkID) {
	last, ok := b.lastChunkID[seq]
	switch {
	case !ok || int32(id-last) > 0:
		b.lastChunkID[seq] = id
	case id != last:
		b.stats.ChunksCommittedOutOfOrder++
	}
}

// deleteNextChunksFor removes every record overlapping the next n bytes
// after the write pointer from the index. It returns how many bytes past
// those n the last removed record extends, which must be covered with
// padding.
func (b *Buffer) deleteNextChunksFor(n int) int {
	next, end := b.wptr, b.wptr+n
	for next < end {
		hdr := decodeRecordHeader(b.data[next:])

		// the untouched zero part of the arena only starts at the write
		// pointer, and it is all zeros until the end.
		if hdr.size == 0 {
			if next != b.wptr {
				panic(Error.New("zero sized record at %d, write pointer at %d", next, b.wptr))
			}
			return 0
		}
		if hdr.size%RecordAlignment != 0 || next+int(hdr.size) > len(b.data) {
			panic(Error.New("broken record chain at %d: size %d", next, hdr.size))
		}

		if hdr.padding {
			b.stats.PaddingBytesCleared += uint64(hdr.size)
		} else {
			b.evict(next, hdr)
		}
		next += int(hdr.size)
	}
	return next - end
}

// evict removes the index entry pointing at the record at offset.
func (b *Buffer) evict(offset int, hdr recordHeader) {
	meta, ok := b.index.Get(&chunkMeta{key: hdr.key()})
	// a duplicate chunk id replaced the index entry of this record.
	if !ok || meta.offset != offset {
		return
	}
	if !meta.fullyRead() {
		b.stats.ChunksOverwritten++
		b.stats.BytesOverwritten += uint64(meta.size)
	}
	b.index.Delete(meta)

	seq := sequenceKey{producer: hdr.producer, writer: hdr.writer}
	if b.firstInSequence(seq) == nil {
		delete(b.lastChunkID, seq)
	}
}

// addPadding writes a padding record at the write pointer without advancing
// it.
func (b *Buffer) addPadding(n int) {
	recordHeader{size: uint32(n), padding: true}.encode(b.data[b.wptr:])
	b.stats.PaddingBytesWritten += uint64(n)
}

func (b *Buffer) abiViolation() {
	b.stats.ABIViolations++
	mon.Counter("abi_violations").Inc(1)
}

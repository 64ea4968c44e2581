// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package shmring

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the error class for this package.
var Error = errs.Class("shmring")

const (
	// HeaderSize is the size of the shared header at the start of the buffer.
	HeaderSize = 16

	// ChunkSize is the size of every chunk, including its header.
	ChunkSize = 256

	// ChunkHeaderSize is the size of the atomic header of a chunk.
	ChunkHeaderSize = 4

	// ChunkPayloadSize is the number of payload bytes in a chunk.
	ChunkPayloadSize = ChunkSize - ChunkHeaderSize

	// MinSize is the smallest region that can hold a buffer.
	MinSize = HeaderSize + ChunkSize

	// MaxFragmentSize is the largest fragment a chunk can carry: the whole
	// payload minus the length prefix.
	MaxFragmentSize = ChunkPayloadSize - 1
)

// sharedHeader is the layout of the first HeaderSize bytes of the region.
type sharedHeader struct {
	writeOff   atomic.Uint32 // next chunk index handed out to writers
	readOff    atomic.Uint32 // next chunk index consumed by the reader
	dataLosses atomic.Uint32 // saturating count of writer bankruptcies
	futex      atomic.Uint32 // reserved for blocking waits
}

// Buffer is a fixed size circular array of chunks living in a memory region
// that may be shared between processes. It only provides addressing and
// atomic access: the protocol lives in Writer and Reader.
type Buffer struct {
	mem       []byte
	hdr       *sharedHeader
	numChunks uint32
}

// New wraps the memory region as a ring buffer. A zeroed region is an empty
// buffer. The region must be at least MinSize bytes and 8 byte aligned.
func New(mem []byte) (*Buffer, error) {
	if !littleEndian() {
		return nil, Error.New("big endian hosts are not supported")
	}
	if len(mem) < MinSize {
		return nil, Error.New("region too small: %d < %d", len(mem), MinSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, Error.New("region is not 8 byte aligned")
	}
	numChunks := (len(mem) - HeaderSize) / ChunkSize
	if uint64(numChunks) > math.MaxUint32 {
		return nil, Error.New("region too large: %d chunks", numChunks)
	}

	return &Buffer{
		mem:       mem,
		hdr:       (*sharedHeader)(unsafe.Pointer(&mem[0])),
		numChunks: uint32(numChunks),
	}, nil
}

// NewOwned allocates a zeroed, process private region able to hold the given
// number of chunks and wraps it. It is useful for in-process transports and
// tests.
func NewOwned(numChunks int) (*Buffer, error) {
	if numChunks < 1 {
		return nil, Error.New("invalid number of chunks: %d", numChunks)
	}
	// allocate as uint64s so that the region is 8 byte aligned.
	words := make([]uint64, (HeaderSize+numChunks*ChunkSize)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return New(mem)
}

// SizeFor returns the size of a region holding the given number of chunks.
func SizeFor(numChunks int) int { return HeaderSize + numChunks*ChunkSize }

// NumChunks returns the number of chunks in the buffer.
func (b *Buffer) NumChunks() uint32 { return b.numChunks }

// WriteOffset returns the index of the next chunk handed out to writers.
func (b *Buffer) WriteOffset() uint32 { return b.hdr.writeOff.Load() }

// ReadOffset returns the index of the next chunk the reader consumes.
func (b *Buffer) ReadOffset() uint32 { return b.hdr.readOff.Load() }

// DataLosses returns the number of times a writer found the buffer full.
func (b *Buffer) DataLosses() uint32 { return b.hdr.dataLosses.Load() }

// IncrementDataLosses bumps the shared data loss counter, saturating at the
// maximum value instead of wrapping.
func (b *Buffer) IncrementDataLosses() {
	for {
		cur := b.hdr.dataLosses.Load()
		if cur == math.MaxUint32 || b.hdr.dataLosses.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// LoadHeader atomically loads the header of chunk i.
func (b *Buffer) LoadHeader(i uint32) ChunkHeader {
	return ChunkHeader(b.header(i).Load())
}

// CompareAndSwapHeader atomically replaces the header of chunk i if it is
// still old.
func (b *Buffer) CompareAndSwapHeader(i uint32, old, updated ChunkHeader) bool {
	return b.header(i).CompareAndSwap(uint32(old), uint32(updated))
}

// StoreHeader atomically stores the header of chunk i.
func (b *Buffer) StoreHeader(i uint32, h ChunkHeader) {
	b.header(i).Store(uint32(h))
}

// Payload returns the payload bytes of chunk i. Only the holder of
// FlagAcquiredForWriting may mutate them.
func (b *Buffer) Payload(i uint32) []byte {
	off := b.chunkOffset(i) + ChunkHeaderSize
	return b.mem[off : off+ChunkPayloadSize : off+ChunkPayloadSize]
}

func (b *Buffer) chunkOffset(i uint32) int {
	if i >= b.numChunks {
		panic(Error.New("chunk index out of range: %d >= %d", i, b.numChunks))
	}
	return HeaderSize + int(i)*ChunkSize
}

func (b *Buffer) header(i uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&b.mem[b.chunkOffset(i)]))
}

// distance returns the number of chunks from one index forward to another.
func (b *Buffer) distance(from, to uint32) uint32 {
	d := to - from
	if to < from {
		d += b.numChunks
	}
	return d
}

func (b *Buffer) next(i uint32) uint32 {
	return uint32((uint64(i) + 1) % uint64(b.numChunks))
}

func littleEndian() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}

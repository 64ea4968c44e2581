// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package shmring

import (
	"fmt"
	"strings"
)

// WriterID identifies a logical writer. Zero is reserved to mean that a chunk
// is free or in transition, so no real writer may use it.
type WriterID uint16

// Flags are the per chunk state bits stored in the top byte of a header.
type Flags uint8

// Chunk header flags.
const (
	// FlagAcquiredForWriting is set while a writer owns the chunk payload.
	FlagAcquiredForWriting Flags = 1 << iota

	// FlagContinuesOnNextChunk marks that the last fragment is continued by
	// the first fragment of the writer's next chunk.
	FlagContinuesOnNextChunk

	// FlagContinuesFromPrevChunk marks that the first fragment continues the
	// last fragment of the writer's previous chunk.
	FlagContinuesFromPrevChunk

	// FlagDataLoss marks that the writer dropped data before this chunk.
	FlagDataLoss

	// FlagNeedsRewrite is set by the reader on a chunk it refused to wait
	// for. The writer must move the payload to a fresh chunk on release.
	FlagNeedsRewrite
)

var flagNames = [...]string{
	"acquired",
	"continues-on-next",
	"continues-from-prev",
	"data-loss",
	"needs-rewrite",
}

func (f Flags) String() string {
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := f &^ (1<<len(flagNames) - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// ChunkHeader is the packed 32 bit header word of a chunk: the writer id in
// bits 0-15, the payload size in bits 16-23 and the flags in bits 24-31.
type ChunkHeader uint32

// Pack builds a chunk header from its parts.
func Pack(id WriterID, size uint8, flags Flags) ChunkHeader {
	return ChunkHeader(uint32(id) | uint32(size)<<16 | uint32(flags)<<24)
}

// WriterID returns the writer that owns the chunk.
func (h ChunkHeader) WriterID() WriterID { return WriterID(h) }

// PayloadSize returns the number of payload bytes in use.
func (h ChunkHeader) PayloadSize() uint8 { return uint8(h >> 16) }

// Flags returns the flags of the chunk.
func (h ChunkHeader) Flags() Flags { return Flags(h >> 24) }

// Has reports if all of the flags are set.
func (h ChunkHeader) Has(f Flags) bool { return h.Flags()&f == f }

// WithFlags returns the header with the flags added.
func (h ChunkHeader) WithFlags(f Flags) ChunkHeader { return h | ChunkHeader(f)<<24 }

func (h ChunkHeader) String() string {
	return fmt.Sprintf("{writer:%d size:%d flags:%v}", h.WriterID(), h.PayloadSize(), h.Flags())
}

const (
	// invalidHeader is the cached header of a writer that is bound to no
	// chunk. It can never be observed in shared memory because its payload
	// size is out of range, so a compare and swap against it always fails.
	invalidHeader = ChunkHeader(0xff<<24 | 0xff<<16)

	// rewriteMarker is the header the reader leaves on a free chunk that a
	// writer has reserved but not yet claimed.
	rewriteMarker = ChunkHeader(FlagNeedsRewrite) << 24

	// markerPass is toggled in a marker every time the reader passes it, so
	// that a writer comparing and swapping an older observation fails.
	markerPass = ChunkHeader(1) << 16
)

// isRewriteMarker reports whether the header is a marker left by the reader
// rather than the header of a writer.
func (h ChunkHeader) isRewriteMarker() bool {
	return h.WriterID() == 0 && h.Has(FlagNeedsRewrite)
}

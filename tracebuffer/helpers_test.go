// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracebuffer

import (
	"bytes"
	"testing"

	"github.com/zeebo/assert"

	"storj.io/common/memory"
	"storj.io/shmtrace/shared/tracewire"
)

func newTestBuffer(t *testing.T, size memory.Size) *Buffer {
	t.Helper()
	b, err := New(size)
	assert.NoError(t, err)
	return b
}

// fakeChunk builds the payload of a chunk out of fragments.
type fakeChunk struct {
	b    *Buffer
	info ChunkInfo
	data []byte
}

func newChunk(b *Buffer, p ProducerID, w WriterID, c ChunkID) *fakeChunk {
	return &fakeChunk{b: b, info: ChunkInfo{Producer: p, UID: uint32(p) * 1000, Writer: w, ChunkID: c}}
}

// addPacket appends a fragment taking size bytes in total, length prefix
// included, filled with seed.
func (c *fakeChunk) addPacket(size int, seed byte, flags ...Flags) *fakeChunk {
	payload := fragmentPayloadSize(size)
	c.data = tracewire.AppendVarInt(c.data, uint64(payload))
	c.data = append(c.data, bytes.Repeat([]byte{seed}, payload)...)
	c.info.NumFragments++
	for _, f := range flags {
		c.info.Flags |= f
	}
	return c
}

// addRaw appends bytes without touching the fragment count.
func (c *fakeChunk) addRaw(data ...byte) *fakeChunk {
	c.data = append(c.data, data...)
	return c
}

func (c *fakeChunk) fragments(n uint16) *fakeChunk {
	c.info.NumFragments = n
	return c
}

func (c *fakeChunk) flags(f Flags) *fakeChunk {
	c.info.Flags |= f
	return c
}

// copyInto copies the chunk into the buffer and returns the record size.
func (c *fakeChunk) copyInto() int {
	c.b.CopyChunkUntrusted(c.info, c.data)
	return alignRecord(len(c.data) + RecordHeaderSize)
}

// fragmentPayloadSize returns how many payload bytes fit in a fragment of
// size bytes, for sizes below 16 KiB.
func fragmentPayloadSize(size int) int {
	if size-1 < 0x80 {
		return size - 1
	}
	return size - 2
}

// fragment is the expected content of one slice of a packet.
func fragment(size int, seed byte) string {
	payload := fragmentPayloadSize(size)
	return string(bytes.Repeat([]byte{seed}, payload))
}

// readPacket returns the slices of the next packet, or nil if there is none.
func readPacket(t *testing.T, b *Buffer) []string {
	t.Helper()
	pkt, _, ok := b.ReadNextTracePacket()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(pkt.Slices))
	for _, s := range pkt.Slices {
		out = append(out, string(s))
	}
	return out
}

func sizeToEnd(b *Buffer) int { return len(b.data) - b.wptr }

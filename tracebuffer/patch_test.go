// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracebuffer

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/assert"
	"github.com/zeebo/mwc"

	"storj.io/common/memory"
	"storj.io/shmtrace/shared/tracewire"
)

func lengthPatch(offset uint32, length uint32) Patch {
	p := Patch{Offset: offset}
	tracewire.WriteRedundantVarInt(length, p.Data[:])
	return p
}

// newUnpatchedChunk adds a chunk with a single fragment whose length field
// is still zero.
func newUnpatchedChunk(b *Buffer, id ChunkID, body string, flags ...Flags) {
	c := newChunk(b, 1, 1, id).addRaw(0, 0, 0, 0).addRaw([]byte(body)...).fragments(1).flags(ChunkNeedsPatching)
	for _, f := range flags {
		c.flags(f)
	}
	c.copyInto()
}

func TestPatching_Simple(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	newUnpatchedChunk(b, 0, "hello")
	newChunk(b, 1, 2, 0).addPacket(10, 'z').copyInto()

	// the unpatched sequence is held back without blocking the others.
	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{fragment(10, 'z')})
	assertNoPacket(t, b)

	assert.True(t, b.TryPatchChunkContents(1, 1, 0, []Patch{lengthPatch(0, 5)}, false))
	assert.Equal(t, b.Stats().PatchesSucceeded, 1)

	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{"hello"})
	assertNoPacket(t, b)
}

func TestPatching_OtherPatchesPending(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	newUnpatchedChunk(b, 0, "hello")

	assert.True(t, b.TryPatchChunkContents(1, 1, 0, []Patch{lengthPatch(0, 5)}, true))
	b.BeginRead()
	assertNoPacket(t, b)

	assert.True(t, b.TryPatchChunkContents(1, 1, 0, nil, false))
	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{"hello"})
}

func TestPatching_ChunkDoesNotExist(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	newUnpatchedChunk(b, 0, "hello")

	assert.False(t, b.TryPatchChunkContents(1, 1, 1, []Patch{lengthPatch(0, 5)}, false))
	assert.False(t, b.TryPatchChunkContents(2, 1, 0, []Patch{lengthPatch(0, 5)}, false))
	assert.Equal(t, b.Stats().PatchesFailed, 2)
	assert.Equal(t, b.Stats().PatchesSucceeded, 0)
}

func TestPatching_Bounds(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	// 9 bytes of payload make a 32 byte record, leaving 16 patchable bytes.
	newUnpatchedChunk(b, 0, "hello")
	before := bytes.Clone(b.data)

	for _, offset := range []uint32{13, 16, 1 << 31, ^uint32(0)} {
		patches := []Patch{lengthPatch(0, 5), lengthPatch(offset, 1)}
		assert.False(t, b.TryPatchChunkContents(1, 1, 0, patches, false))
	}
	assert.Equal(t, b.Stats().PatchesFailed, 4)
	// a rejected request leaves everything as it was, valid patches included.
	assert.That(t, bytes.Equal(before, b.data))

	assert.True(t, b.TryPatchChunkContents(1, 1, 0, []Patch{lengthPatch(12, 1), lengthPatch(0, 5)}, false))
	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{"hello"})
}

func TestPatching_ReadAheadWaitsForPatch(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	newChunk(b, 1, 1, 0).addPacket(10, 'a', contOnNext).copyInto()
	newUnpatchedChunk(b, 1, "tail", contFromPrev)

	b.BeginRead()
	assertNoPacket(t, b)
	assert.Equal(t, b.Stats().ReadaheadsFailed, 1)

	assert.True(t, b.TryPatchChunkContents(1, 1, 1, []Patch{lengthPatch(0, 4)}, false))

	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{fragment(10, 'a'), "tail"})
	assertNoPacket(t, b)
}

func TestMalicious_ChunkTooBig(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	newChunk(b, 1, 1, 0).addPacket(100, 'a').copyInto()

	data := bytes.Clone(b.data)
	chunks, wptr := b.Chunks(), b.wptr
	expected := b.Stats()
	expected.ABIViolations++

	b.CopyChunkUntrusted(ChunkInfo{Producer: 1, Writer: 1, ChunkID: 1, NumFragments: 1}, make([]byte, 4096-RecordHeaderSize+1))
	b.CopyChunkUntrusted(ChunkInfo{Producer: 1, Writer: 1, ChunkID: 2, NumFragments: 1}, make([]byte, 1<<20))

	expected.ABIViolations++
	assert.Equal(t, cmp.Diff(expected, b.Stats()), "")
	assert.That(t, bytes.Equal(data, b.data))
	assert.Equal(t, b.Chunks(), chunks)
	assert.Equal(t, b.wptr, wptr)

	// the largest record that fits is accepted.
	newChunk(b, 1, 1, 3).addPacket(4096-RecordHeaderSize, 'b').copyInto()
	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{fragment(4096-RecordHeaderSize, 'b')})
}

func TestMalicious_MoreFragmentsThanData(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	// the fragment fills the payload exactly, the second one does not exist.
	newChunk(b, 1, 1, 0).addPacket(16, 'a').fragments(2).copyInto()
	newChunk(b, 1, 1, 1).addPacket(10, 'b').copyInto()

	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{fragment(16, 'a')})
	assert.DeepEqual(t, readPacket(t, b), []string{fragment(10, 'b')})
	assertNoPacket(t, b)
	assert.Equal(t, b.Stats().ABIViolations, 1)
	assert.Equal(t, b.Stats().ChunksRead, 2)

	b.BeginRead()
	assertNoPacket(t, b)
	assert.Equal(t, b.Stats().ABIViolations, 1)
}

func TestMalicious_ZeroSizedFragment(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	newChunk(b, 1, 1, 0).addRaw(0x00, 0x01, 'b').fragments(2).copyInto()

	b.BeginRead()
	assertNoPacket(t, b)
	assert.Equal(t, b.Stats().ABIViolations, 1)

	// only the bad fragment is dropped.
	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{"b"})
	assertNoPacket(t, b)
}

func TestMalicious_BadLengths(t *testing.T) {
	for _, header := range [][]byte{
		{0xff, 0xff, 0xff, 0xff, 0x01}, // longer than a redundant varint.
		{0xff, 0xff, 0xff, 0x7f},       // far beyond the record.
		{0x80},                         // truncated by the end of the record.
	} {
		b := newTestBuffer(t, 4*memory.KiB)

		c := newChunk(b, 1, 1, 0).addRaw(header...).fragments(2)
		if len(header) == 1 {
			// put the truncated varint right at the end of the payload.
			c.data = append(bytes.Repeat([]byte{0}, 15), header...)
			c.data[0], c.data[1] = 14, 'x'
		}
		c.copyInto()
		newChunk(b, 1, 1, 1).addPacket(10, 'z').copyInto()

		b.BeginRead()
		if len(header) == 1 {
			assert.DeepEqual(t, readPacket(t, b), []string{"x" + string(make([]byte, 13))})
		}
		assert.DeepEqual(t, readPacket(t, b), []string{fragment(10, 'z')})
		assertNoPacket(t, b)
		assert.Equal(t, b.Stats().ABIViolations, 1)
	}
}

func TestMalicious_DuplicateChunkID(t *testing.T) {
	b := newTestBuffer(t, 4*memory.KiB)

	newChunk(b, 1, 1, 0).addPacket(512-16, 'a').copyInto()
	newChunk(b, 1, 1, 0).addPacket(512-16, 'b').copyInto()
	assert.Equal(t, b.Stats().ABIViolations, 1)
	assert.Equal(t, b.Chunks(), 1)

	newChunk(b, 1, 1, 1).addPacket(3072-16, 'c').copyInto()
	// overwrites the stale record of the first chunk 0.
	newChunk(b, 1, 1, 2).addPacket(512-16, 'd').copyInto()
	assert.Equal(t, b.Chunks(), 3)
	assert.Equal(t, b.Stats().ChunksOverwritten, 0)

	b.BeginRead()
	assert.DeepEqual(t, readPacket(t, b), []string{fragment(512-16, 'b')})
	assert.DeepEqual(t, readPacket(t, b), []string{fragment(3072-16, 'c')})
	assert.DeepEqual(t, readPacket(t, b), []string{fragment(512-16, 'd')})
	assertNoPacket(t, b)
}

func TestMalicious_RandomChunks(t *testing.T) {
	b := newTestBuffer(t, 16*memory.KiB)

	// garbage must never panic, whatever the metadata says.
	for id := ChunkID(0); id < 2000; id++ {
		data := make([]byte, mwc.Intn(300))
		_, _ = mwc.Rand().Read(data)
		b.CopyChunkUntrusted(ChunkInfo{
			Producer:     ProducerID(mwc.Intn(3)),
			Writer:       WriterID(mwc.Intn(3)),
			ChunkID:      ChunkID(mwc.Intn(50)),
			NumFragments: uint16(mwc.Intn(10)),
			Flags:        Flags(mwc.Intn(8)),
		}, data)
		_ = b.TryPatchChunkContents(ProducerID(mwc.Intn(3)), WriterID(mwc.Intn(3)), ChunkID(mwc.Intn(50)),
			[]Patch{{Offset: uint32(mwc.Intn(400))}}, mwc.Intn(2) == 0)

		if id%10 == 0 {
			b.BeginRead()
			for {
				if _, _, ok := b.ReadNextTracePacket(); !ok {
					break
				}
			}
		}
	}
}

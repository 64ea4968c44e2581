// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracebuffer

// PatchSize is the number of bytes replaced by a Patch: a redundant varint
// length field.
const PatchSize = 4

// Patch overwrites PatchSize bytes of a chunk payload. The offset comes from
// the producer and is not trusted.
type Patch struct {
	Offset uint32
	Data   [PatchSize]byte
}

// TryPatchChunkContents applies the patches to the payload of a chunk still
// in the buffer. It returns false, changing nothing, if the chunk is gone or
// any patch falls outside of its payload. When otherPatchesPending is false
// the chunk stops being held back from reading.
func (b *Buffer) TryPatchChunkContents(producer ProducerID, writer WriterID, chunkID ChunkID, patches []Patch, otherPatchesPending bool) bool {
	meta, ok := b.index.Get(&chunkMeta{key: chunkKey{producer: producer, writer: writer, chunkID: chunkID}})
	if !ok {
		b.stats.PatchesFailed++
		return false
	}

	payload := b.data[meta.offset+RecordHeaderSize : meta.offset+meta.size]
	for _, p := range patches {
		// either the producer wrapped over the chunk before the patch
		// arrived or it is misbehaving.
		if uint64(p.Offset)+PatchSize > uint64(len(payload)) {
			b.stats.PatchesFailed++
			return false
		}
	}

	for _, p := range patches {
		copy(payload[p.Offset:], p.Data[:])
	}
	b.stats.PatchesSucceeded += uint64(len(patches))

	if !otherPatchesPending {
		meta.flags &^= ChunkNeedsPatching
		b.data[meta.offset+recordFlagsOffset] = byte(meta.flags)
	}
	return true
}

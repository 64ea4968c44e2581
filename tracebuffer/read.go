// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tracebuffer

import (
	"storj.io/shmtrace/shared/tracewire"
)

// Packet is a trace packet read back from the buffer, made of one fragment
// or of several fragments stitched across chunks.
type Packet struct {
	Slices [][]byte
}

// Size returns the total size of the packet.
func (p Packet) Size() (n int) {
	for _, s := range p.Slices {
		n += len(s)
	}
	return n
}

// Bytes returns the concatenated contents of the packet.
func (p Packet) Bytes() []byte {
	if len(p.Slices) == 1 {
		return p.Slices[0]
	}
	out := make([]byte, 0, p.Size())
	for _, s := range p.Slices {
		out = append(out, s...)
	}
	return out
}

// sequenceIterator walks the chunks of one (producer, writer) sequence in
// chunk id order. Chunk ids wrap, so the walk starts right after the last
// chunk id written and ends at it.
type sequenceIterator struct {
	seq        sequenceKey
	wrappingID ChunkID
	first      ChunkID
	cur        *chunkMeta // nil once the sequence is done.
	done       bool       // no sequences left at all.
}

// BeginRead resets the read position to the first sequence.
func (b *Buffer) BeginRead() {
	first, _ := b.index.Min()
	b.iter = b.sequenceStartingAt(first)
}

// sequenceStartingAt returns an iterator over the sequence of the given
// chunk, which must be the first one of its sequence in the index.
func (b *Buffer) sequenceStartingAt(first *chunkMeta) sequenceIterator {
	if first == nil {
		return sequenceIterator{done: true}
	}

	seq := sequenceKey{producer: first.key.producer, writer: first.key.writer}
	wrappingID, ok := b.lastChunkID[seq]
	if !ok {
		wrappingID = b.lastInSequence(seq).key.chunkID
	}

	cur := b.nextInSequence(chunkKey{producer: seq.producer, writer: seq.writer, chunkID: wrappingID})
	if cur == nil {
		cur = first
	}
	return sequenceIterator{seq: seq, wrappingID: wrappingID, first: cur.key.chunkID, cur: cur}
}

// moveNext advances to the next chunk of the sequence, wrapping around once.
func (it *sequenceIterator) moveNext(b *Buffer) {
	if it.cur == nil || it.cur.key.chunkID == it.wrappingID {
		it.cur = nil
		return
	}
	next := b.nextInSequence(it.cur.key)
	if next == nil {
		next = b.firstInSequence(it.seq)
	}
	if next == nil || next.key.chunkID == it.first {
		it.cur = nil
		return
	}
	it.cur = next
}

// moveToEnd abandons the rest of the sequence for this read pass.
func (it *sequenceIterator) moveToEnd() { it.cur = nil }

// nextInSequence returns the chunk of the same sequence with the smallest id
// greater than key's.
func (b *Buffer) nextInSequence(key chunkKey) (next *chunkMeta) {
	b.index.AscendGreaterOrEqual(&chunkMeta{key: key}, func(m *chunkMeta) bool {
		if m.key == key {
			return true
		}
		if m.key.sameSequence(key) {
			next = m
		}
		return false
	})
	return next
}

func (b *Buffer) firstInSequence(seq sequenceKey) (first *chunkMeta) {
	b.index.AscendGreaterOrEqual(&chunkMeta{key: chunkKey{producer: seq.producer, writer: seq.writer}}, func(m *chunkMeta) bool {
		if m.key.producer == seq.producer && m.key.writer == seq.writer {
			first = m
		}
		return false
	})
	return first
}

func (b *Buffer) lastInSequence(seq sequenceKey) (last *chunkMeta) {
	b.index.DescendLessOrEqual(&chunkMeta{key: chunkKey{producer: seq.producer, writer: seq.writer, chunkID: MaxChunkID}}, func(m *chunkMeta) bool {
		if m.key.producer == seq.producer && m.key.writer == seq.writer {
			last = m
		}
		return false
	})
	return last
}

// firstAfterSequence returns the first chunk of the sequence following seq.
func (b *Buffer) firstAfterSequence(seq sequenceKey) *chunkMeta {
	last := chunkKey{producer: seq.producer, writer: seq.writer, chunkID: MaxChunkID}
	var next *chunkMeta
	b.index.AscendGreaterOrEqual(&chunkMeta{key: last}, func(m *chunkMeta) bool {
		if m.key == last {
			return true
		}
		next = m
		return false
	})
	return next
}

type readAction int

const (
	actionSkip readAction = iota
	actionReadOne
	actionReadAhead
)

type readAheadResult int

const (
	readAheadSucceeded readAheadResult = iota
	readAheadMoveToNextSequence
	readAheadStayOnSameSequence
)

// nextAction decides what to do with the next unread fragment of a chunk.
func nextAction(m *chunkMeta) readAction {
	last := m.fragmentsRead == m.numFragments-1
	continues := m.flags&LastPacketContinuesOnNextChunk != 0

	if m.fragmentsRead == 0 && m.flags&FirstPacketContinuesFromPrevChunk != 0 {
		// the beginning of the packet was lost, the tail is useless.
		return actionSkip
	}
	if last && continues {
		return actionReadAhead
	}
	return actionReadOne
}

// ReadNextTracePacket returns the next complete packet. Packets of one
// sequence come out in chunk id order; a sequence whose next chunk still
// needs patching or whose next packet is missing a fragment is left for a
// later read pass. Along with the packet it returns the uid of the
// producer. It returns false when nothing else is readable.
func (b *Buffer) ReadNextTracePacket() (Packet, uint32, bool) {
	for ; ; b.iter.moveNext(b) {
		if b.iter.cur == nil {
			if b.iter.done {
				return Packet{}, 0, false
			}
			next := b.firstAfterSequence(b.iter.seq)
			if next == nil {
				b.iter.done = true
				return Packet{}, 0, false
			}
			b.iter = b.sequenceStartingAt(next)
		}

		meta := b.iter.cur
		if meta.flags&ChunkNeedsPatching != 0 {
			b.iter.moveToEnd()
			continue
		}
		uid := meta.uid

	fragments:
		for !meta.fullyRead() {
			switch nextAction(meta) {
			case actionSkip:
				_, _ = b.readFragment(meta)

			case actionReadOne:
				data, ok := b.readFragment(meta)
				if ok {
					return Packet{Slices: [][]byte{data}}, uid, true
				}
				break fragments

			case actionReadAhead:
				pkt, result := b.readAhead()
				switch result {
				case readAheadSucceeded:
					b.stats.ReadaheadsSucceeded++
					return pkt, uid, true
				case readAheadMoveToNextSequence:
					b.stats.ReadaheadsFailed++
					b.iter.moveToEnd()
					break fragments
				case readAheadStayOnSameSequence:
					meta = b.iter.cur
				}
			}
		}
	}
}

// readAhead looks for the chunks completing the packet that starts with the
// last fragment of the current chunk. If they are all there, it consumes the
// fragments and leaves the iterator on the chunk holding the final one.
func (b *Buffer) readAhead() (Packet, readAheadResult) {
	nextID := b.iter.cur.key.chunkID + 1

	it := b.iter
	for it.moveNext(b); it.cur != nil; it.moveNext(b) {
		m := it.cur
		expected := nextID
		nextID++

		if m.numFragments == 0 {
			continue
		}
		// a missing chunk may still arrive. a present one that does not
		// continue the packet is a misbehaving producer.
		if m.key.chunkID != expected || m.flags&FirstPacketContinuesFromPrevChunk == 0 {
			return Packet{}, readAheadMoveToNextSequence
		}
		if m.flags&ChunkNeedsPatching != 0 {
			return Packet{}, readAheadMoveToNextSequence
		}
		// a large packet spans a whole chunk.
		if m.numFragments == 1 && m.flags&LastPacketContinuesOnNextChunk != 0 {
			continue
		}

		var pkt Packet
		corrupted := false
		for {
			if cur := b.iter.cur; cur.numFragments > 0 {
				data, ok := b.readFragment(cur)
				if ok {
					pkt.Slices = append(pkt.Slices, data)
				}
				corrupted = corrupted || !ok
			}
			if b.iter.cur == m {
				break
			}
			b.iter.moveNext(b)
		}
		if corrupted {
			return Packet{}, readAheadStayOnSameSequence
		}
		return pkt, readAheadSucceeded
	}
	return Packet{}, readAheadMoveToNextSequence
}

// readFragment consumes the next fragment of the chunk. Malformed framing is
// counted as an ABI violation and makes the rest of the chunk unreadable.
func (b *Buffer) readFragment(m *chunkMeta) ([]byte, bool) {
	if m.fullyRead() {
		b.abiViolation()
		return nil, false
	}

	payload := b.data[m.offset+RecordHeaderSize : m.offset+m.size]
	begin := m.fragmentOffset
	if begin >= len(payload) {
		// more fragments declared than the chunk holds.
		b.abiViolation()
		b.markRead(m)
		return nil, false
	}

	// the length is at most a redundant varint.
	header := payload[begin:min(begin+tracewire.MessageLengthFieldSize, len(payload))]
	size, n := tracewire.ParseVarInt(header)
	if n == 0 || size > uint64(len(payload)-begin-n) {
		b.abiViolation()
		b.markRead(m)
		return nil, false
	}

	end := begin + n + int(size)
	m.fragmentOffset = end
	b.fragmentRead(m)

	if size == 0 {
		b.abiViolation()
		return nil, false
	}
	return append([]byte(nil), payload[begin+n:end]...), true
}

func (b *Buffer) fragmentRead(m *chunkMeta) {
	m.fragmentsRead++
	if m.fullyRead() {
		b.stats.ChunksRead++
		b.stats.BytesRead += uint64(m.size)
	}
}

func (b *Buffer) markRead(m *chunkMeta) {
	m.fragmentOffset = 0
	if !m.fullyRead() {
		m.fragmentsRead = m.numFragments
		b.stats.ChunksRead++
		b.stats.BytesRead += uint64(m.size)
	}
}

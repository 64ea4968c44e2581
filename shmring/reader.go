// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package shmring

// slotOutcome is the result of one attempt at resolving the chunk under the
// read offset.
type slotOutcome uint8

const (
	slotConsumed    slotOutcome = iota // payload copied and chunk freed
	slotInvalidated                    // chunk flagged for the writer to rewrite
	slotSkipped                        // chunk carries nothing to read
	slotCorrupted                      // chunk header is impossible, chunk freed
	slotRetry                          // header changed under us, try again
)

// ReaderStats are counters about the behavior of the reader.
type ReaderStats struct {
	ChunksRead        uint64 // chunks whose payload was consumed.
	ChunksInvalidated uint64 // chunks flagged with the rewrite flag.
	ChunksSkipped     uint64 // chunks carrying an old rewrite marker.
	ChunksCorrupted   uint64 // chunks with an impossible header.
	Retries           uint64 // total header races lost.
	MaxRetries        uint64 // most races lost while resolving a single chunk.
	Messages          uint64 // completed messages.
	DataLosses        uint64 // loss events over all writers.
}

// Reader drains chunks from a Buffer in order and reassembles the messages
// of every writer. There must be a single Reader per buffer and it must be
// used by one goroutine at a time. ReadOneChunk never waits on a writer.
type Reader struct {
	buf     *Buffer
	asm     assembler
	scratch [ChunkPayloadSize]byte
	stats   ReaderStats
}

// NewReader returns the Reader of buf.
func NewReader(buf *Buffer) (*Reader, error) {
	if buf == nil {
		return nil, Error.New("nil buffer")
	}
	return &Reader{
		buf: buf,
		asm: newAssembler(),
	}, nil
}

// Move transfers the state of the reader to a new Reader and resets r to an
// unusable zero value.
func (r *Reader) Move() *Reader {
	moved := new(Reader)
	*moved = *r
	*r = Reader{}
	return moved
}

// Stats returns the counters of the reader.
func (r *Reader) Stats() ReaderStats {
	stats := r.stats
	stats.Messages = r.asm.messages
	stats.DataLosses = r.asm.totalLosses
	return stats
}

// DataLosses returns the number of loss events detected for the writer.
//
// A loss is only seen once a later chunk of the writer arrives carrying
// FlagDataLoss. Messages a writer lost into its bankruptcy chunk just before
// it stopped writing are counted by Buffer.DataLosses alone.
func (r *Reader) DataLosses(id WriterID) uint64 {
	if ws, ok := r.asm.writers[id]; ok {
		return ws.losses
	}
	return 0
}

// TakeCompletedMessages returns the messages completed so far and clears
// the internal list.
func (r *Reader) TakeCompletedMessages() []Message {
	return r.asm.take()
}

// ReadOneChunk resolves the chunk under the read offset and advances past
// it. It returns false if the buffer is empty.
func (r *Reader) ReadOneChunk() bool {
	if r.buf == nil {
		panic(Error.New("use of a moved or zero reader"))
	}

	rd := r.buf.hdr.readOff.Load()
	if rd == r.buf.hdr.writeOff.Load() {
		return false
	}

	hdr := r.buf.LoadHeader(rd)
	var retries uint64
	for {
		outcome, observed := r.resolve(rd, hdr)
		if outcome != slotRetry {
			r.count(outcome)
			break
		}
		hdr = observed
		retries++
	}
	r.stats.Retries += retries
	if retries > r.stats.MaxRetries {
		r.stats.MaxRetries = retries
	}

	r.buf.hdr.readOff.Store(r.buf.next(rd))
	return true
}

// resolve makes one attempt at the chunk. On slotRetry it returns the
// header observed after the lost race.
func (r *Reader) resolve(i uint32, hdr ChunkHeader) (slotOutcome, ChunkHeader) {
	switch {
	case hdr == 0:
		// a writer moved the write offset past this chunk but has not claimed
		// it yet. skipping it silently would let that writer publish behind
		// the reader, so mark it and make the writer pick another chunk.
		if r.buf.CompareAndSwapHeader(i, 0, rewriteMarker) {
			return slotInvalidated, 0
		}
		return slotRetry, r.buf.LoadHeader(i)

	case hdr.isRewriteMarker():
		// a marker left on an earlier pass that no writer has claimed yet.
		// toggle it so a writer that looked at it before we got here does
		// not claim it behind us.
		if r.buf.CompareAndSwapHeader(i, hdr, hdr^markerPass) {
			return slotSkipped, 0
		}
		return slotRetry, r.buf.LoadHeader(i)

	case hdr.WriterID() == 0:
		// no writer publishes with id 0.
		r.buf.StoreHeader(i, 0)
		return slotCorrupted, 0

	case int(hdr.PayloadSize()) > ChunkPayloadSize:
		// impossible unless a writer is buggy or hostile. do not trust the
		// payload, just free the chunk.
		r.buf.StoreHeader(i, 0)
		r.asm.lose(hdr.WriterID())
		return slotCorrupted, 0
	}

	if !hdr.Has(FlagAcquiredForWriting) {
		// copy first, then verify nothing changed: writers never touch
		// published payload bytes without holding the acquired flag.
		size := int(hdr.PayloadSize())
		copy(r.scratch[:size], r.buf.Payload(i))
		if r.buf.CompareAndSwapHeader(i, hdr, 0) {
			r.asm.process(r.scratch[:size], hdr)
			return slotConsumed, 0
		}
		hdr = r.buf.LoadHeader(i)
		if !hdr.Has(FlagAcquiredForWriting) {
			return slotRetry, hdr
		}
	}

	// the chunk is being written. do not wait for the writer: flag it so the
	// writer moves its payload to a fresh chunk when it releases.
	if r.buf.CompareAndSwapHeader(i, hdr, hdr.WithFlags(FlagNeedsRewrite)) {
		return slotInvalidated, 0
	}
	return slotRetry, r.buf.LoadHeader(i)
}

func (r *Reader) count(outcome slotOutcome) {
	switch outcome {
	case slotConsumed:
		r.stats.ChunksRead++
	case slotInvalidated:
		r.stats.ChunksInvalidated++
	case slotSkipped:
		r.stats.ChunksSkipped++
	case slotCorrupted:
		r.stats.ChunksCorrupted++
	}
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package shmring

// binding describes what kind of chunk a writer is currently bound to.
type binding uint8

const (
	boundNone     binding = iota // no chunk: the next BeginWrite acquires one
	boundShared                  // a chunk of the shared buffer
	boundBankrupt                // the private chunk used while the buffer is full
)

// acquireOutcome is the result of one attempt to reserve and claim a chunk.
type acquireOutcome uint8

const (
	acquireOK            acquireOutcome = iota // chunk claimed
	acquireClaimedMarker                       // chunk claimed over a marker the reader left on an earlier pass
	acquireContended                           // lost a race with another writer, retry
	acquireClearedMarker                       // the reader passed the chunk after we reserved it, cleared it, retry
	acquireFull                                // no free chunk
)

// releaseOutcome is the result of one attempt to release the bound chunk.
type releaseOutcome uint8

const (
	releaseOK        releaseOutcome = iota // header published
	releaseRewrite                         // reader flagged the chunk, payload must move
	releaseCorrupted                       // header changed in a way nobody is allowed to change it
)

// WriterStats are counters about the behavior of a single writer.
type WriterStats struct {
	ChunksAcquired uint64 // number of shared chunks claimed.
	Bankruptcies   uint64 // number of times the buffer was full.
	Rewrites       uint64 // number of times the payload was moved after the reader flagged it.
	MarkersCleared uint64 // number of reserved chunks the reader had already passed.
	MarkersClaimed uint64 // number of chunks claimed over a marker from an earlier pass.
}

// Writer appends length prefixed fragments into the chunks of a Buffer. A
// Writer is exclusively owned by one goroutine at a time and never blocks:
// if the buffer is full, data is written into a private chunk and discarded,
// and the loss is recorded in the buffer and on the next chunk.
//
// A Writer must not be copied. Use Move to transfer it.
type Writer struct {
	buf *Buffer
	id  WriterID

	bound    binding
	chunk    uint32      // index of the bound shared chunk
	payload  []byte      // payload of the bound chunk
	cached   ChunkHeader // last header published or claimed by us
	writeOff int         // next free byte in payload
	fragOff  int         // offset of the length prefix of the open fragment
	writing  bool        // between BeginWrite and EndWrite
	lost     bool        // set the data loss flag on the next claimed chunk

	bankrupt struct {
		hdr     ChunkHeader
		payload [ChunkPayloadSize]byte
	}

	stats WriterStats
}

// NewWriter returns a Writer appending to buf on behalf of the writer id.
func NewWriter(buf *Buffer, id WriterID) (*Writer, error) {
	if buf == nil {
		return nil, Error.New("nil buffer")
	}
	if id == 0 {
		return nil, Error.New("writer id 0 is reserved")
	}
	return &Writer{
		buf:    buf,
		id:     id,
		cached: invalidHeader,
	}, nil
}

// ID returns the writer id.
func (w *Writer) ID() WriterID { return w.id }

// Writing reports if a fragment is open.
func (w *Writer) Writing() bool { return w.writing }

// Stats returns the counters of the writer.
func (w *Writer) Stats() WriterStats { return w.stats }

// Move transfers the state of the writer to a new Writer and resets w to an
// unusable zero value. It panics if a fragment is open.
func (w *Writer) Move() *Writer {
	if w.writing {
		panic(Error.New("cannot move a writer in the middle of a write"))
	}
	moved := new(Writer)
	*moved = *w
	if moved.bound == boundBankrupt {
		moved.payload = moved.bankrupt.payload[:]
	}
	*w = Writer{}
	return moved
}

// WriteMessage writes p as a single message.
func (w *Writer) WriteMessage(p []byte) {
	w.BeginWrite()
	w.WriteBytes(p)
	w.EndWrite()
}

// BeginWrite opens a new message.
func (w *Writer) BeginWrite() { w.beginWrite(0) }

// EndWrite closes the open message and publishes it to the reader.
func (w *Writer) EndWrite() {
	if !w.writing {
		panic(Error.New("EndWrite called without BeginWrite"))
	}
	w.endWrite(0)
}

// WriteBytes appends p to the open message, continuing it on new chunks as
// needed.
func (w *Writer) WriteBytes(p []byte) {
	if !w.writing {
		panic(Error.New("WriteBytes called without BeginWrite"))
	}
	for len(p) > 0 {
		if w.writeOff == ChunkPayloadSize {
			w.endWrite(FlagContinuesOnNextChunk)
			w.beginWrite(FlagContinuesFromPrevChunk)
		}
		n := copy(w.payload[w.writeOff:], p)
		w.writeOff += n
		p = p[n:]
	}
}

func (w *Writer) beginWrite(extra Flags) {
	if w.buf == nil {
		panic(Error.New("use of a moved or zero writer"))
	}
	if w.writing {
		panic(Error.New("BeginWrite called while writing"))
	}

	// try to re-acquire the chunk of the last write. this fails if the reader
	// consumed it in the meantime or if we are bound to no chunk.
	desired := w.cached.WithFlags(FlagAcquiredForWriting | extra)
	if _, ok := w.casBound(w.cached, desired); ok {
		w.cached = desired
	} else {
		w.acquireNewChunk(extra)
	}

	// reserve the length prefix of the fragment. it is patched in endWrite.
	w.writing = true
	w.fragOff = w.writeOff
	w.payload[w.writeOff] = 0
	w.writeOff++
}

func (w *Writer) endWrite(extra Flags) {
	w.payload[w.fragOff] = byte(w.writeOff - w.fragOff - 1)

	for {
		switch observed, outcome := w.release(extra); outcome {
		case releaseOK:
			w.writing = false
			return
		case releaseRewrite:
			w.rewrite()
		default:
			panic(Error.New("shared memory corrupted: chunk %d has header %v, expected %v",
				w.chunk, observed, w.cached))
		}
	}
}

// release publishes the payload size and flags of the bound chunk and drops
// FlagAcquiredForWriting.
func (w *Writer) release(extra Flags) (ChunkHeader, releaseOutcome) {
	size := w.writeOff
	flags := w.cached.Flags()&^FlagAcquiredForWriting | extra
	updated := Pack(w.id, uint8(size), flags)

	observed, ok := w.casBound(w.cached, updated)
	switch {
	case ok:
		w.cached = updated
		// forget a nearly full chunk so that the next write does not start
		// with a doomed re-acquire. at least 1 free byte is required by
		// beginWrite for the length prefix. the private chunk is always
		// forgotten so the next write looks for room in the shared buffer.
		if size >= ChunkPayloadSize-4 || w.bound == boundBankrupt {
			w.unbind()
		}
		return updated, releaseOK
	case observed == w.cached.WithFlags(FlagNeedsRewrite):
		return observed, releaseRewrite
	default:
		return observed, releaseCorrupted
	}
}

// rewrite moves the whole payload of a chunk the reader flagged into a fresh
// chunk and frees the flagged one.
func (w *Writer) rewrite() {
	oldChunk, oldPayload := w.chunk, w.payload
	size, fragOff := w.writeOff, w.fragOff

	w.acquireNewChunk(w.cached.Flags() & (FlagContinuesFromPrevChunk | FlagDataLoss))
	copy(w.payload, oldPayload[:size])
	w.writeOff, w.fragOff = size, fragOff

	w.buf.StoreHeader(oldChunk, 0)
	w.stats.Rewrites++
}

// acquireNewChunk claims the next chunk of the shared buffer or, if there is
// none, binds the writer to its private bankruptcy chunk.
func (w *Writer) acquireNewChunk(extra Flags) {
	flags := FlagAcquiredForWriting | extra
	if w.lost {
		flags |= FlagDataLoss
	}
	hdr := Pack(w.id, 0, flags)

	for {
		switch outcome := w.tryAcquire(w.buf.hdr.writeOff.Load(), hdr); outcome {
		case acquireOK, acquireClaimedMarker:
			if outcome == acquireClaimedMarker {
				w.stats.MarkersClaimed++
			}
			w.lost = false
			w.stats.ChunksAcquired++
			return
		case acquireClearedMarker:
			w.stats.MarkersCleared++
		case acquireFull:
			w.goBankrupt(hdr)
			return
		case acquireContended:
		}
	}
}

func (w *Writer) tryAcquire(wr uint32, hdr ChunkHeader) acquireOutcome {
	next := w.buf.next(wr)
	if next == w.buf.hdr.readOff.Load() {
		return acquireFull
	}
	if !w.buf.hdr.writeOff.CompareAndSwap(wr, next) {
		return acquireContended
	}

	return w.claim(wr, hdr)
}

// claim takes the header of the chunk at wr after the write offset was moved
// past it. Owning the write offset does not mean owning the chunk: a
// descheduled writer may still be holding it, and the reader may have left
// a marker on it.
func (w *Writer) claim(wr uint32, hdr ChunkHeader) acquireOutcome {
	observed := ChunkHeader(0)
	for {
		switch {
		case observed == 0:
			if w.buf.CompareAndSwapHeader(wr, 0, hdr) {
				w.bindShared(wr, hdr)
				return acquireOK
			}

		case !observed.isRewriteMarker():
			return acquireContended

		case w.readerPassed(wr):
			// the reader passed over the chunk after we reserved it. using it
			// would break ordering, so free it and reserve another one.
			if w.buf.CompareAndSwapHeader(wr, observed, 0) {
				return acquireClearedMarker
			}

		default:
			// the marker is from an earlier pass and the reader has yet to
			// reach the chunk. the reader toggles a marker it passes, so the
			// swap fails if it got here in the meantime.
			if w.buf.CompareAndSwapHeader(wr, observed, hdr) {
				w.bindShared(wr, hdr)
				return acquireClaimedMarker
			}
		}
		observed = w.buf.LoadHeader(wr)
	}
}

// readerPassed reports whether the reader is past the reserved chunk at wr,
// that is wr is not in [readOff, writeOff).
func (w *Writer) readerPassed(wr uint32) bool {
	rd := w.buf.hdr.readOff.Load()
	wo := w.buf.hdr.writeOff.Load()
	return w.buf.distance(rd, wr) >= w.buf.distance(rd, wo)
}

func (w *Writer) goBankrupt(hdr ChunkHeader) {
	w.buf.IncrementDataLosses()
	mon.Counter("writer_bankruptcies").Inc(1)

	w.bound = boundBankrupt
	w.bankrupt.hdr = hdr
	w.payload = w.bankrupt.payload[:]
	w.cached = hdr
	w.writeOff = 0
	w.lost = true
	w.stats.Bankruptcies++
}

func (w *Writer) bindShared(i uint32, hdr ChunkHeader) {
	w.bound = boundShared
	w.chunk = i
	w.payload = w.buf.Payload(i)
	w.cached = hdr
	w.writeOff = 0
}

func (w *Writer) unbind() {
	w.bound = boundNone
	w.payload = nil
	w.cached = invalidHeader
	w.writeOff = 0
}

// casBound compares and swaps the header of the bound chunk, returning the
// header observed on failure.
func (w *Writer) casBound(old, updated ChunkHeader) (ChunkHeader, bool) {
	switch w.bound {
	case boundShared:
		if w.buf.CompareAndSwapHeader(w.chunk, old, updated) {
			return updated, true
		}
		return w.buf.LoadHeader(w.chunk), false
	case boundBankrupt:
		if w.bankrupt.hdr == old {
			w.bankrupt.hdr = updated
			return updated, true
		}
		return w.bankrupt.hdr, false
	default:
		return invalidHeader, false
	}
}

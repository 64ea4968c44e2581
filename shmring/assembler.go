// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package shmring

// Message is a reassembled message and the writer that wrote it.
type Message struct {
	WriterID WriterID
	Data     []byte
}

// writerState is the reassembly state of a single writer.
type writerState struct {
	pending    []byte // fragments of a message continued on a later chunk
	hasPending bool   // pending holds the start of a message, possibly empty
	dropping   bool   // the continuation of a lost message is being discarded
	losses     uint64 // loss events detected for the writer
}

// assembler turns chunk payloads into messages, tracking partially received
// messages per writer.
type assembler struct {
	writers     map[WriterID]*writerState
	completed   []Message
	messages    uint64
	totalLosses uint64
}

func newAssembler() assembler {
	return assembler{writers: make(map[WriterID]*writerState)}
}

func (a *assembler) state(id WriterID) *writerState {
	ws, ok := a.writers[id]
	if !ok {
		ws = new(writerState)
		a.writers[id] = ws
	}
	return ws
}

func (a *assembler) take() []Message {
	out := a.completed
	a.completed = nil
	return out
}

func (a *assembler) emit(id WriterID, data []byte) {
	a.completed = append(a.completed, Message{WriterID: id, Data: data})
	a.messages++
}

// lose records a loss event for the writer and forgets its pending message.
func (a *assembler) lose(id WriterID) {
	ws := a.state(id)
	ws.losses++
	a.totalLosses++
	ws.pending, ws.hasPending = nil, false
}

// process parses the payload of a consumed chunk: a sequence of fragments
// each made of a 1 byte length and that many bytes.
func (a *assembler) process(payload []byte, hdr ChunkHeader) {
	id := hdr.WriterID()
	ws := a.state(id)

	fromPrev := hdr.Has(FlagContinuesFromPrevChunk)
	onNext := hdr.Has(FlagContinuesOnNextChunk)

	// detect losses before looking at any fragment. the continuation of a
	// message whose beginning is gone is discarded.
	skipFirst := false
	switch {
	case hdr.Has(FlagDataLoss):
		a.lose(id)
		skipFirst = fromPrev
	case fromPrev && !ws.hasPending:
		if !ws.dropping {
			a.lose(id)
		}
		skipFirst = true
	case !fromPrev && ws.hasPending:
		a.lose(id)
	}
	if !fromPrev {
		ws.dropping = false
	}

	for off := 0; off < len(payload); {
		first := off == 0
		size := int(payload[off])
		off++
		if off+size > len(payload) {
			a.lose(id)
			ws.dropping = false
			return
		}
		frag := payload[off : off+size]
		off += size
		last := off >= len(payload)

		switch {
		case first && skipFirst:
			// keep discarding if the lost message continues even further.
			ws.dropping = last && onNext

		case first && fromPrev:
			ws.pending = append(ws.pending, frag...)
			if !last || !onNext {
				a.emit(id, ws.pending)
				ws.pending, ws.hasPending = nil, false
			}

		case last && onNext:
			ws.pending = append([]byte(nil), frag...)
			ws.hasPending = true

		default:
			a.emit(id, append([]byte(nil), frag...))
		}
	}
}

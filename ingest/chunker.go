// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingest

import (
	"storj.io/shmtrace/shared/tracewire"
	"storj.io/shmtrace/tracebuffer"
)

// chunker packs the messages of one writer into chunk records: every message
// becomes one or more varint prefixed fragments, and a message that does not
// fit in the current chunk continues in the next one.
type chunker struct {
	writer tracebuffer.WriterID
	limit  int
	nextID tracebuffer.ChunkID
	emit   func(info tracebuffer.ChunkInfo, data []byte)

	data      []byte
	fragments uint16
	flags     tracebuffer.Flags
}

func newChunker(writer tracebuffer.WriterID, limit int, emit func(tracebuffer.ChunkInfo, []byte)) *chunker {
	return &chunker{
		writer: writer,
		limit:  limit,
		emit:   emit,
		data:   make([]byte, 0, limit),
	}
}

// add appends a non empty message.
func (c *chunker) add(msg []byte) {
	for len(msg) > 0 {
		room := c.limit - len(c.data)
		n := min(len(msg), room)
		n = min(n, room-tracewire.VarIntSize(uint64(n)))
		if n <= 0 {
			c.flush()
			continue
		}

		c.data = tracewire.AppendVarInt(c.data, uint64(n))
		c.data = append(c.data, msg[:n]...)
		c.fragments++
		msg = msg[n:]

		if len(msg) > 0 {
			c.flags |= tracebuffer.LastPacketContinuesOnNextChunk
			c.flush()
			c.flags = tracebuffer.FirstPacketContinuesFromPrevChunk
		}
	}
}

// flush emits the chunk being built, if any.
func (c *chunker) flush() {
	if c.fragments == 0 {
		return
	}
	c.emit(tracebuffer.ChunkInfo{
		Writer:       c.writer,
		ChunkID:      c.nextID,
		NumFragments: c.fragments,
		Flags:        c.flags,
	}, c.data)

	c.nextID++
	c.data = c.data[:0]
	c.fragments = 0
	c.flags = 0
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package shmtest contains a self checking message workload for exercising
// ring buffer writers and readers.
package shmtest

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/errs"
	"github.com/zeebo/mwc"
	"github.com/zeebo/xxh3"

	"storj.io/shmtrace/shmring"
)

// Error is the error class for this package.
var Error = errs.Class("shmtest")

// Overhead is the number of bytes a message adds around its payload: a 4
// byte sequence number in front and an 8 byte checksum at the end.
const Overhead = 4 + 8

// NewMessage builds a message carrying the sequence number and payload.
func NewMessage(seq uint32, payload []byte) []byte {
	msg := make([]byte, 4, len(payload)+Overhead)
	binary.LittleEndian.PutUint32(msg, seq)
	msg = append(msg, payload...)
	return binary.LittleEndian.AppendUint64(msg, xxh3.Hash(msg))
}

// RandomMessage builds a message with a random payload of up to maxPayload
// bytes.
func RandomMessage(seq uint32, maxPayload int) []byte {
	payload := make([]byte, mwc.Intn(maxPayload+1))
	_, _ = mwc.Rand().Read(payload)
	return NewMessage(seq, payload)
}

// ParseMessage validates the checksum of a message and returns its parts.
func ParseMessage(data []byte) (seq uint32, payload []byte, err error) {
	if len(data) < Overhead {
		return 0, nil, Error.New("message too short: %d bytes", len(data))
	}
	body, sum := data[:len(data)-8], binary.LittleEndian.Uint64(data[len(data)-8:])
	if got := xxh3.Hash(body); got != sum {
		return 0, nil, Error.New("checksum mismatch: %016x != %016x", got, sum)
	}
	return binary.LittleEndian.Uint32(body), body[4:], nil
}

// Progress is what a Checker saw from a single writer.
type Progress struct {
	Delivered uint64 // messages received.
	Gaps      uint64 // runs of missing sequence numbers.
	Missing   uint64 // total missing sequence numbers.
	Last      uint32 // last sequence number received.
}

// Checker verifies that the messages of every writer are intact and arrive
// in strictly increasing sequence order.
type Checker struct {
	writers map[shmring.WriterID]*Progress
}

// NewChecker returns an empty Checker.
func NewChecker() *Checker {
	return &Checker{writers: make(map[shmring.WriterID]*Progress)}
}

// Observe checks a message received by a reader.
func (c *Checker) Observe(m shmring.Message) error {
	seq, _, err := ParseMessage(m.Data)
	if err != nil {
		return Error.New("writer %d: %w", m.WriterID, err)
	}

	p, ok := c.writers[m.WriterID]
	if !ok {
		p = new(Progress)
		c.writers[m.WriterID] = p
		if seq > 0 {
			p.Gaps++
			p.Missing += uint64(seq)
		}
	} else {
		if seq <= p.Last {
			return Error.New("writer %d: sequence went from %d to %d", m.WriterID, p.Last, seq)
		}
		if seq != p.Last+1 {
			p.Gaps++
			p.Missing += uint64(seq - p.Last - 1)
		}
	}
	p.Last = seq
	p.Delivered++
	return nil
}

// Finish accounts for messages missing at the end of each writer's stream,
// given how many messages every writer sent.
func (c *Checker) Finish(sent map[shmring.WriterID]uint32) {
	for id, n := range sent {
		p, ok := c.writers[id]
		if !ok {
			if n > 0 {
				c.writers[id] = &Progress{Gaps: 1, Missing: uint64(n)}
			}
			continue
		}
		if p.Last+1 < n {
			p.Gaps++
			p.Missing += uint64(n - p.Last - 1)
		}
	}
}

// Progress returns what was seen from the writer.
func (c *Checker) Progress(id shmring.WriterID) Progress {
	if p, ok := c.writers[id]; ok {
		return *p
	}
	return Progress{}
}

// Writers returns the ids of every writer seen, in increasing order.
func (c *Checker) Writers() []shmring.WriterID {
	ids := make([]shmring.WriterID, 0, len(c.writers))
	for id := range c.writers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

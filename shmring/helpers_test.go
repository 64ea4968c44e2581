// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package shmring

import (
	"bytes"
	"testing"

	"github.com/zeebo/assert"
)

func newTestBuffer(t testing.TB, chunks int) *Buffer {
	t.Helper()
	buf, err := NewOwned(chunks)
	assert.NoError(t, err)
	return buf
}

func newTestWriter(t testing.TB, buf *Buffer, id WriterID) *Writer {
	t.Helper()
	w, err := NewWriter(buf, id)
	assert.NoError(t, err)
	return w
}

func newTestReader(t testing.TB, buf *Buffer) *Reader {
	t.Helper()
	r, err := NewReader(buf)
	assert.NoError(t, err)
	return r
}

func drain(r *Reader) []Message {
	for r.ReadOneChunk() {
	}
	return r.TakeCompletedMessages()
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}

// frags builds a chunk payload out of the fragments.
func frags(fs ...string) []byte {
	var buf bytes.Buffer
	for _, f := range fs {
		buf.WriteByte(byte(len(f)))
		buf.WriteString(f)
	}
	return buf.Bytes()
}

func messageStrings(msgs []Message) (out []string) {
	for _, m := range msgs {
		out = append(out, string(m.Data))
	}
	return out
}

func assertPanics(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		assert.NotNil(t, recover())
	}()
	fn()
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build unix

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/assert"
)

func TestMmapShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment")

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	assert.NoError(t, err)
	defer func() { _ = fh.Close() }()
	assert.NoError(t, fh.Truncate(PageSize))

	a, closeA, err := Mmap(fh, int(PageSize))
	assert.NoError(t, err)
	defer func() { _ = closeA() }()

	b, closeB, err := MmapReadOnly(fh, int(PageSize))
	assert.NoError(t, err)
	defer func() { _ = closeB() }()

	AdviseRandom(a)
	AdviseSequential(b)

	// writes through one mapping are visible through the other.
	copy(a, "hello")
	assert.Equal(t, string(b[:5]), "hello")

	// closing twice is fine.
	assert.NoError(t, closeA())
	assert.NoError(t, closeA())
}

func TestFlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	fh1, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	assert.NoError(t, err)
	defer func() { _ = fh1.Close() }()

	fh2, err := os.OpenFile(path, os.O_RDWR, 0)
	assert.NoError(t, err)
	defer func() { _ = fh2.Close() }()

	assert.NoError(t, Flock(fh1))
	assert.Error(t, Flock(fh2))

	// the lock is released when the holder is closed.
	assert.NoError(t, fh1.Close())
	assert.NoError(t, Flock(fh2))
}

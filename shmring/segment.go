// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package shmring

import (
	"os"

	"github.com/zeebo/errs"

	"storj.io/common/memory"
	"storj.io/shmtrace/shmring/platform"
)

// Segment is a Buffer living in a memory mapped file, usually under /dev/shm,
// so that writers and the reader can be in different processes.
type Segment struct {
	path  string
	fh    *os.File
	data  []byte
	unmap func() error
	lock  *os.File

	buf *Buffer
}

// CreateSegment creates or truncates the file at path to hold a buffer of
// the given size and maps it. A freshly created segment is an empty buffer.
func CreateSegment(path string, size memory.Size) (_ *Segment, err error) {
	if size < MinSize {
		return nil, Error.New("segment size %v is smaller than %d bytes", size, MinSize)
	}

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, Error.New("unable to create segment=%q: %w", path, err)
	}
	if err := fh.Truncate(size.Int64()); err != nil {
		_ = fh.Close()
		return nil, Error.New("unable to size segment=%q: %w", path, err)
	}
	return mapSegment(path, fh, size.Int(), true)
}

// OpenSegment maps an existing segment for reading and writing.
func OpenSegment(path string) (*Segment, error) {
	return openSegment(path, true)
}

// OpenSegmentReadOnly maps an existing segment for inspection. Only loads
// are allowed on the returned buffer: the reader and writers must not be
// used with it.
func OpenSegmentReadOnly(path string) (*Segment, error) {
	return openSegment(path, false)
}

func openSegment(path string, writable bool) (*Segment, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	fh, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, Error.New("unable to open segment=%q: %w", path, err)
	}
	fi, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, Error.New("unable to stat segment=%q: %w", path, err)
	}
	return mapSegment(path, fh, int(fi.Size()), writable)
}

func mapSegment(path string, fh *os.File, size int, writable bool) (_ *Segment, err error) {
	s := &Segment{path: path, fh: fh}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	mmap := platform.Mmap
	if !writable {
		mmap = platform.MmapReadOnly
	}
	s.data, s.unmap, err = mmap(fh, size)
	if err != nil {
		return nil, Error.New("unable to map segment=%q: %w", path, err)
	}
	if writable {
		platform.AdviseRandom(s.data)
	} else {
		// inspection walks every chunk header in order.
		platform.AdviseSequential(s.data)
	}

	s.buf, err = New(s.data)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the path of the backing file.
func (s *Segment) Path() string { return s.path }

// Size returns the size of the mapping.
func (s *Segment) Size() memory.Size { return memory.Size(len(s.data)) }

// Buffer returns the ring buffer stored in the segment.
func (s *Segment) Buffer() *Buffer { return s.buf }

// LockReader takes an exclusive lock on a file next to the segment to make
// sure at most one process reads from it. The lock is released by Close.
func (s *Segment) LockReader() error {
	if s.lock != nil {
		return nil
	}
	fh, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return Error.New("unable to create lock file: %w", err)
	}
	if err := platform.Flock(fh); err != nil {
		_ = fh.Close()
		return Error.New("segment=%q already has a reader: %w", s.path, err)
	}
	s.lock = fh
	return nil
}

// Close unmaps the segment and releases the reader lock if held.
func (s *Segment) Close() error {
	var group errs.Group
	if s.unmap != nil {
		group.Add(s.unmap())
	}
	if s.fh != nil {
		group.Add(s.fh.Close())
	}
	if s.lock != nil {
		group.Add(s.lock.Close())
	}
	s.buf, s.data, s.unmap, s.fh, s.lock = nil, nil, nil, nil, nil
	return Error.Wrap(group.Err())
}

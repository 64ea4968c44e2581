// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package platform contains the operating system specific pieces needed to
// share memory between processes.
package platform

import (
	"os"
	"syscall"
)

// PageSize is the size of a memory page on the system.
var PageSize = int64(syscall.Getpagesize())

// Mmap maps size bytes of the file into memory shared with every other
// process mapping the same file, returning the byte slice and a function to
// close the mapping.
func Mmap(fh *os.File, size int) ([]byte, func() error, error) {
	return mmap(fh, size, true)
}

// MmapReadOnly is like Mmap but the returned mapping may only be read.
func MmapReadOnly(fh *os.File, size int) ([]byte, func() error, error) {
	return mmap(fh, size, false)
}

// AdviseRandom advises the kernel that the data will be accessed randomly.
func AdviseRandom(data []byte) {
	adviseRandom(data)
}

// AdviseSequential advises the kernel that the data will be accessed
// sequentially.
func AdviseSequential(data []byte) {
	adviseSequential(data)
}

// Flock takes an exclusive lock on the file without blocking. It returns an
// error if another open file description already holds the lock.
func Flock(fh *os.File) error {
	return flock(fh)
}

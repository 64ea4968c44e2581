// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build unix

package platform

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

func mmap(fh *os.File, size int, writable bool) ([]byte, func() error, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(fh.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return data, func() (err error) {
		once.Do(func() { err = unix.Munmap(data) })
		return err
	}, nil
}

func adviseRandom(data []byte) {
	_ = unix.Madvise(data, unix.MADV_RANDOM)
}

func adviseSequential(data []byte) {
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
}

func flock(fh *os.File) error {
	return unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

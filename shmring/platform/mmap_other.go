// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !unix

package platform

import (
	"os"

	"github.com/zeebo/errs"
)

var errUnsupported = errs.New("shared memory mapping is not supported on this platform")

func mmap(fh *os.File, size int, writable bool) ([]byte, func() error, error) {
	return nil, nil, errUnsupported
}

func adviseRandom(data []byte)     {}
func adviseSequential(data []byte) {}

func flock(fh *os.File) error { return errUnsupported }

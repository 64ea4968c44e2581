// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tracewire implements the tag-value wire encoding used by trace
// packets and by the fragment framing of the shared ring buffer.
package tracewire

import "github.com/zeebo/errs"

// Error is the error class for this package.
var Error = errs.Class("tracewire")

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/assert"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"
	"storj.io/shmtrace/ingest"
	"storj.io/shmtrace/shmring"
)

func TestStress(t *testing.T) {
	ctx := testcontext.New(t)
	log := zaptest.NewLogger(t)

	runCfg = RunConfig{
		Writers:    3,
		Messages:   500,
		MaxPayload: 300,
		Ingest: ingest.Config{
			Interval:       time.Millisecond,
			ChunksPerCycle: 1 << 16,
			ChunkBytes:     4 * memory.KiB,
			BufferSize:     16 * memory.MiB,
			Producer:       1,
		},
	}
	assert.NoError(t, runCfg.Verify())

	buf, err := shmring.NewOwned(4096)
	assert.NoError(t, err)
	service, err := ingest.NewService(log, nil, buf, runCfg.Ingest)
	assert.NoError(t, err)
	defer ctx.Check(service.Close)

	verifier := newVerifier(service)
	assert.NoError(t, stress(ctx, log, buf, service, verifier))

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	sent := map[shmring.WriterID]uint32{1: 500, 2: 500, 3: 500}
	assert.NoError(t, verifier.report(cmd, sent, time.Second))

	stats := service.Snapshot()
	for id := range sent {
		p := verifier.checker.Progress(id)
		assert.Equal(t, p.Delivered+p.Missing, 500)
		if stats.Reader.DataLosses == 0 {
			assert.Equal(t, p.Delivered, 500)
		}
	}
	assert.That(t, strings.HasPrefix(out.String(), "WRITER"))
}

func TestRunConfig_Verify(t *testing.T) {
	config := RunConfig{Writers: 0, Messages: -1}
	err := config.Verify()
	assert.Error(t, err)
	// the embedded ingest config is checked as well.
	assert.That(t, strings.Contains(err.Error(), "interval must be positive"))
}

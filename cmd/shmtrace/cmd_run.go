// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"github.com/zeebo/mwc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/process"
	"storj.io/common/sync2"
	"storj.io/shmtrace/ingest"
	"storj.io/shmtrace/shmring"
	"storj.io/shmtrace/shmring/shmtest"
	"storj.io/shmtrace/tracebuffer"
)

var mon = monkit.Package()

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if err := runCfg.Verify(); err != nil {
		return err
	}

	path := runCfg.Segment
	if path == "" {
		dir, tempErr := os.MkdirTemp("", "shmtrace")
		if tempErr != nil {
			return errs.Wrap(tempErr)
		}
		defer func() { err = errs.Combine(err, os.RemoveAll(dir)) }()
		path = filepath.Join(dir, "segment")
	}

	segment, err := shmring.CreateSegment(path, runCfg.SegmentSize)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, segment.Close()) }()

	if err := segment.LockReader(); err != nil {
		return err
	}

	service, err := ingest.NewService(log.Named("ingest"), monkit.Default, segment.Buffer(), runCfg.Ingest)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, service.Close()) }()

	log.Info("running",
		zap.String("segment", path),
		zap.Stringer("size", segment.Size()),
		zap.Int("writers", runCfg.Writers),
		zap.Int("messages", runCfg.Messages))

	start := time.Now()
	verifier := newVerifier(service)
	if err := stress(ctx, log, segment.Buffer(), service, verifier); err != nil {
		return err
	}
	elapsed := time.Since(start)

	sent := make(map[shmring.WriterID]uint32, runCfg.Writers)
	for i := 0; i < runCfg.Writers; i++ {
		sent[shmring.WriterID(i+1)] = uint32(runCfg.Messages)
	}
	return verifier.report(cmd, sent, elapsed)
}

// stress runs the writers, the ingest service and the verifier until every
// writer is done and everything they wrote has been checked.
func stress(ctx context.Context, log *zap.Logger, buf *shmring.Buffer, service *ingest.Service, verifier *verifier) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return service.Run(gctx) })

	checks := sync2.NewCycle(runCfg.Ingest.Interval)
	defer checks.Close()
	group.Go(func() error { return checks.Run(gctx, verifier.check) })

	var writers errgroup.Group
	for i := 0; i < runCfg.Writers; i++ {
		id := shmring.WriterID(i + 1)
		writers.Go(func() error { return write(gctx, buf, id) })
	}

	group.Go(func() error {
		err := writers.Wait()
		log.Info("writers finished")

		// one more round of both loops picks up what is left.
		service.Loop.TriggerWait()
		checks.TriggerWait()
		service.Loop.Stop()
		checks.Stop()
		return err
	})

	return group.Wait()
}

// write sends the configured number of messages from a single writer.
func write(ctx context.Context, buf *shmring.Buffer, id shmring.WriterID) error {
	w, err := shmring.NewWriter(buf, id)
	if err != nil {
		return err
	}
	for seq := 0; seq < runCfg.Messages; seq++ {
		if seq%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		w.WriteMessage(newTaggedMessage(id, uint32(seq), runCfg.MaxPayload.Int()))
	}
	return nil
}

// newTaggedMessage builds a checked message whose payload starts with the
// writer id, since packets read from the trace buffer do not carry it.
func newTaggedMessage(id shmring.WriterID, seq uint32, maxPayload int) []byte {
	payload := make([]byte, 2+mwc.Intn(maxPayload+1))
	binary.LittleEndian.PutUint16(payload, uint16(id))
	_, _ = mwc.Rand().Read(payload[2:])
	return shmtest.NewMessage(seq, payload)
}

// verifier checks every packet coming out of the service.
type verifier struct {
	service *ingest.Service

	mu      sync.Mutex
	checker *shmtest.Checker
	bytes   int64
}

func newVerifier(service *ingest.Service) *verifier {
	return &verifier{
		service: service,
		checker: shmtest.NewChecker(),
	}
}

func (v *verifier) check(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.service.ReadPackets(ctx, func(pkt tracebuffer.Packet, uid uint32) error {
		data := pkt.Bytes()
		_, payload, err := shmtest.ParseMessage(data)
		if err != nil {
			return err
		}
		if len(payload) < 2 {
			return errs.New("packet of %d bytes has no writer tag", len(data))
		}
		v.bytes += int64(len(data))
		id := shmring.WriterID(binary.LittleEndian.Uint16(payload))
		return v.checker.Observe(shmring.Message{WriterID: id, Data: data})
	})
}

func (v *verifier) report(cmd *cobra.Command, sent map[shmring.WriterID]uint32, elapsed time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.checker.Finish(sent)
	stats := v.service.Snapshot()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WRITER\tSENT\tDELIVERED\tGAPS\tMISSING")
	var gaps uint64
	for _, id := range v.checker.Writers() {
		p := v.checker.Progress(id)
		gaps += p.Gaps
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n", id, sent[id], p.Delivered, p.Gaps, p.Missing)
	}
	if err := tw.Flush(); err != nil {
		return errs.Wrap(err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%d messages, %d bytes in %v\n", stats.Messages, v.bytes, elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reader: %d chunks, %d invalidated, %d skipped, %d corrupted, %d losses, %d max retries\n",
		stats.Reader.ChunksRead, stats.Reader.ChunksInvalidated, stats.Reader.ChunksSkipped,
		stats.Reader.ChunksCorrupted, stats.Reader.DataLosses, stats.Reader.MaxRetries)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ring: %d bankruptcies\n", stats.RingDataLosses)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "trace buffer: %d chunks written, %d overwritten, %d abi violations\n",
		stats.Buffer.ChunksWritten, stats.Buffer.ChunksOverwritten, stats.Buffer.ABIViolations)

	// every gap must be explained by a loss seen by the reader or by the
	// trace buffer overwriting chunks nobody read yet.
	if gaps > stats.Reader.DataLosses && stats.Buffer.ChunksOverwritten == 0 {
		return errs.New("%d gaps but only %d recorded losses", gaps, stats.Reader.DataLosses)
	}
	return nil
}

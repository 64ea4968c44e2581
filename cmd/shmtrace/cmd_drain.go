// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/process"
	"storj.io/common/sync2"
	"storj.io/shmtrace/ingest"
	"storj.io/shmtrace/shmring"
	"storj.io/shmtrace/tracebuffer"
)

func cmdDrain(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	segment, err := shmring.OpenSegment(args[0])
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, segment.Close()) }()

	if err := segment.LockReader(); err != nil {
		return err
	}

	service, err := ingest.NewService(log.Named("ingest"), monkit.Default, segment.Buffer(), drainCfg.Ingest)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, service.Close()) }()

	log.Info("draining", zap.String("segment", segment.Path()), zap.Uint32("chunks", segment.Buffer().NumChunks()))

	packets := sync2.NewCycle(drainCfg.Ingest.Interval)
	defer packets.Close()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return service.Run(gctx) })
	group.Go(func() error {
		return packets.Run(gctx, func(ctx context.Context) error {
			return service.ReadPackets(ctx, func(pkt tracebuffer.Packet, uid uint32) error {
				log.Debug("packet", zap.Int("size", pkt.Size()), zap.Uint32("uid", uid), zap.Int("slices", len(pkt.Slices)))
				return nil
			})
		})
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stats := service.Snapshot()
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d messages, %d packets, %d losses, %d chunks overwritten before being read\n",
		stats.Messages, stats.Packets, stats.Reader.DataLosses, stats.Buffer.ChunksOverwritten)
	return err
}

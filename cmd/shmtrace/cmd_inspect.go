// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"storj.io/shmtrace/shmring"
)

func cmdInspect(cmd *cobra.Command, args []string) (err error) {
	segment, err := shmring.OpenSegmentReadOnly(args[0])
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, segment.Close()) }()

	buf := segment.Buffer()
	out := cmd.OutOrStdout()

	_, _ = fmt.Fprintf(out, "segment:      %s (%v)\n", segment.Path(), segment.Size())
	_, _ = fmt.Fprintf(out, "chunks:       %d\n", buf.NumChunks())
	_, _ = fmt.Fprintf(out, "write offset: %d\n", buf.WriteOffset())
	_, _ = fmt.Fprintf(out, "read offset:  %d\n", buf.ReadOffset())
	_, _ = fmt.Fprintf(out, "data losses:  %d\n\n", buf.DataLosses())

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHUNK\tWRITER\tSIZE\tFLAGS\tNOTE")
	for i := uint32(0); i < buf.NumChunks(); i++ {
		hdr := buf.LoadHeader(i)
		if hdr == 0 && !inspectCfg.All {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%v\t%s\n", i, hdr.WriterID(), hdr.PayloadSize(), hdr.Flags(), chunkNote(buf, i))
	}
	return errs.Wrap(tw.Flush())
}

// chunkNote points out where the reader and the writers are.
func chunkNote(buf *shmring.Buffer, i uint32) string {
	switch {
	case i == buf.ReadOffset() && i == buf.WriteOffset():
		return "read, write"
	case i == buf.ReadOffset():
		return "read"
	case i == buf.WriteOffset():
		return "write"
	}
	return ""
}

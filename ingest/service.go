// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ingest moves trace messages from a shared ring buffer into a
// service side trace buffer.
package ingest

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"
	"storj.io/common/sync2"
	"storj.io/shmtrace/shmring"
	"storj.io/shmtrace/tracebuffer"
)

// Error is the error class for this package.
var Error = errs.Class("ingest")

// Config configures the ingestion service.
type Config struct {
	Interval       time.Duration `help:"how often the ring buffer is drained" default:"100ms"`
	ChunksPerCycle int           `help:"maximum number of ring buffer chunks read in a single cycle" default:"65536"`
	ChunkBytes     memory.Size   `help:"payload size of the chunk records written to the trace buffer" default:"4KiB"`
	BufferSize     memory.Size   `help:"size of the trace buffer" default:"16MiB"`
	Producer       uint          `help:"producer id recorded for the segment" default:"1"`
	UID            uint          `help:"uid recorded as the trusted identity of the producer" default:"0"`
}

// Verify checks that the configuration is usable.
func (config Config) Verify() error {
	var group errs.Group
	if config.Interval <= 0 {
		group.Add(Error.New("interval must be positive: %v", config.Interval))
	}
	if config.ChunksPerCycle <= 0 {
		group.Add(Error.New("chunks per cycle must be positive: %d", config.ChunksPerCycle))
	}
	if config.ChunkBytes < 16 || config.ChunkBytes.Int()+tracebuffer.RecordHeaderSize > tracebuffer.MaxRecordSize {
		group.Add(Error.New("chunk bytes out of range: %v", config.ChunkBytes))
	}
	if config.BufferSize.Int() < config.ChunkBytes.Int()+tracebuffer.RecordHeaderSize {
		group.Add(Error.New("buffer size %v is smaller than a chunk record", config.BufferSize))
	}
	if config.Producer > math.MaxUint16 {
		group.Add(Error.New("producer id out of range: %d", config.Producer))
	}
	if config.UID > math.MaxUint32 {
		group.Add(Error.New("uid out of range: %d", config.UID))
	}
	return group.Err()
}

// Stats are the counters of the service.
type Stats struct {
	Cycles        uint64 // completed drain cycles.
	Messages      uint64 // messages taken from the ring buffer.
	EmptyMessages uint64 // zero length messages, which carry no packet.
	Chunks        uint64 // chunk records copied into the trace buffer.
	Packets       uint64 // packets handed out by ReadPackets.

	// RingDataLosses is the bankruptcy count of the ring buffer. It includes
	// losses no later chunk has reported to the reader yet.
	RingDataLosses uint32

	Reader shmring.ReaderStats
	Buffer tracebuffer.Stats
}

// Service drains a shared ring buffer into a trace buffer.
type Service struct {
	log    *zap.Logger
	mon    *monkit.Scope
	config Config
	Loop   *sync2.Cycle

	// ring, reader and chunkers are only used by the cycle.
	ring     *shmring.Buffer
	reader   *shmring.Reader
	chunkers map[shmring.WriterID]*chunker
	losses   map[shmring.WriterID]uint64

	mu     sync.Mutex
	buffer *tracebuffer.Buffer
	stats  Stats
}

var _ monkit.StatSource = &Service{}

// NewService creates a service reading from buf. It must be the only reader
// of buf.
func NewService(log *zap.Logger, registry *monkit.Registry, buf *shmring.Buffer, config Config) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := config.Verify(); err != nil {
		return nil, err
	}

	reader, err := shmring.NewReader(buf)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	buffer, err := tracebuffer.New(config.BufferSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	service := &Service{
		log:      log,
		config:   config,
		Loop:     sync2.NewCycle(config.Interval),
		ring:     buf,
		reader:   reader,
		chunkers: make(map[shmring.WriterID]*chunker),
		losses:   make(map[shmring.WriterID]uint64),
		buffer:   buffer,
	}
	if registry != nil {
		service.mon = registry.Package()
		service.mon.Chain(service)
	} else {
		service.mon = monkit.Package()
	}
	return service, nil
}

// Run drains the ring buffer every interval until the context is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer service.mon.Task()(&ctx)(&err)
	return service.Loop.Run(ctx, service.RunOnce)
}

// RunOnce drains what is currently in the ring buffer.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer service.mon.Task()(&ctx)(&err)

	read := 0
	for read < service.config.ChunksPerCycle && service.reader.ReadOneChunk() {
		read++
	}
	messages := service.reader.TakeCompletedMessages()

	service.mu.Lock()
	defer service.mu.Unlock()

	for _, msg := range messages {
		service.stats.Messages++
		if len(msg.Data) == 0 {
			service.stats.EmptyMessages++
			continue
		}
		service.chunkerFor(msg.WriterID).add(msg.Data)
	}
	for _, c := range service.chunkers {
		c.flush()
	}

	service.stats.Cycles++
	service.stats.Reader = service.reader.Stats()
	service.checkLosses(messages)
	service.checkRingLosses()

	service.log.Debug("drained ring buffer",
		zap.Int("chunks", read),
		zap.Int("messages", len(messages)),
		zap.Int("indexed", service.buffer.Chunks()))
	return nil
}

func (service *Service) chunkerFor(id shmring.WriterID) *chunker {
	c, ok := service.chunkers[id]
	if !ok {
		c = newChunker(tracebuffer.WriterID(id), service.config.ChunkBytes.Int(), service.copyChunk)
		service.chunkers[id] = c
	}
	return c
}

func (service *Service) copyChunk(info tracebuffer.ChunkInfo, data []byte) {
	info.Producer = tracebuffer.ProducerID(service.config.Producer)
	info.UID = uint32(service.config.UID)
	service.buffer.CopyChunkUntrusted(info, data)
	service.stats.Chunks++
}

// checkLosses logs writers whose loss counter went up since the last cycle.
func (service *Service) checkLosses(messages []shmring.Message) {
	seen := make(map[shmring.WriterID]struct{}, len(service.losses))
	for id := range service.losses {
		seen[id] = struct{}{}
	}
	for _, msg := range messages {
		seen[msg.WriterID] = struct{}{}
	}

	for id := range seen {
		losses := service.reader.DataLosses(id)
		if prev := service.losses[id]; losses > prev {
			service.log.Warn("writer lost messages",
				zap.Uint16("writer", uint16(id)),
				zap.Uint64("lost", losses-prev),
				zap.Uint64("total", losses))
			service.mon.Counter("writer_losses").Inc(int64(losses - prev))
		}
		service.losses[id] = losses
	}
}

// checkRingLosses logs bankruptcies of writers that may not have written
// since, which the per writer counters cannot see.
func (service *Service) checkRingLosses() {
	losses := service.ring.DataLosses()
	if prev := service.stats.RingDataLosses; losses != prev {
		service.log.Warn("ring buffer overflowed",
			zap.Uint32("bankruptcies", losses-prev),
			zap.Uint32("total", losses))
		service.mon.Counter("ring_data_losses").Inc(int64(losses - prev))
	}
	service.stats.RingDataLosses = losses
}

// ReadPackets hands every packet currently readable from the trace buffer to
// fn, in order within each writer. It stops at the first error.
func (service *Service) ReadPackets(ctx context.Context, fn func(pkt tracebuffer.Packet, uid uint32) error) (err error) {
	defer service.mon.Task()(&ctx)(&err)

	service.mu.Lock()
	defer service.mu.Unlock()

	service.buffer.BeginRead()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, uid, ok := service.buffer.ReadNextTracePacket()
		if !ok {
			return nil
		}
		service.stats.Packets++
		if err := fn(pkt, uid); err != nil {
			return err
		}
	}
}

// Snapshot returns the counters of the service.
func (service *Service) Snapshot() Stats {
	service.mu.Lock()
	defer service.mu.Unlock()

	stats := service.stats
	stats.Buffer = service.buffer.Stats()
	return stats
}

// Stats implements monkit.StatSource.
func (service *Service) Stats(cb func(key monkit.SeriesKey, field string, val float64)) {
	stats := service.Snapshot()

	key := monkit.NewSeriesKey("shmtrace_ingest")
	cb(key, "cycles", float64(stats.Cycles))
	cb(key, "messages", float64(stats.Messages))
	cb(key, "empty_messages", float64(stats.EmptyMessages))
	cb(key, "chunks", float64(stats.Chunks))
	cb(key, "packets", float64(stats.Packets))
	cb(key, "ring_data_losses", float64(stats.RingDataLosses))

	reader := monkit.NewSeriesKey("shmtrace_reader")
	cb(reader, "chunks_read", float64(stats.Reader.ChunksRead))
	cb(reader, "chunks_invalidated", float64(stats.Reader.ChunksInvalidated))
	cb(reader, "chunks_skipped", float64(stats.Reader.ChunksSkipped))
	cb(reader, "chunks_corrupted", float64(stats.Reader.ChunksCorrupted))
	cb(reader, "retries", float64(stats.Reader.Retries))
	cb(reader, "max_retries", float64(stats.Reader.MaxRetries))
	cb(reader, "data_losses", float64(stats.Reader.DataLosses))

	buffer := monkit.NewSeriesKey("shmtrace_trace_buffer")
	cb(buffer, "chunks_written", float64(stats.Buffer.ChunksWritten))
	cb(buffer, "bytes_written", float64(stats.Buffer.BytesWritten))
	cb(buffer, "chunks_read", float64(stats.Buffer.ChunksRead))
	cb(buffer, "bytes_read", float64(stats.Buffer.BytesRead))
	cb(buffer, "chunks_overwritten", float64(stats.Buffer.ChunksOverwritten))
	cb(buffer, "bytes_overwritten", float64(stats.Buffer.BytesOverwritten))
	cb(buffer, "padding_bytes_written", float64(stats.Buffer.PaddingBytesWritten))
	cb(buffer, "padding_bytes_cleared", float64(stats.Buffer.PaddingBytesCleared))
	cb(buffer, "write_wrap_count", float64(stats.Buffer.WriteWrapCount))
	cb(buffer, "chunks_committed_out_of_order", float64(stats.Buffer.ChunksCommittedOutOfOrder))
	cb(buffer, "readaheads_succeeded", float64(stats.Buffer.ReadaheadsSucceeded))
	cb(buffer, "readaheads_failed", float64(stats.Buffer.ReadaheadsFailed))
	cb(buffer, "patches_succeeded", float64(stats.Buffer.PatchesSucceeded))
	cb(buffer, "patches_failed", float64(stats.Buffer.PatchesFailed))
	cb(buffer, "abi_violations", float64(stats.Buffer.ABIViolations))
}

// Close stops the service.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

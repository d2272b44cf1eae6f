package storage

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/model"
)

// Backend is one (encoding, schema) sink over partitioned files, plus the
// reader for its own files.
type Backend interface {
	ID() BackendID
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Store enqueues one message without blocking. Returns false when the
	// inbound queue is full and the message was dropped.
	Store(msg Message) bool

	// QueryRange streams matching records in ts order. The tick channel
	// closes at end of range; a scan failure arrives on the error channel.
	QueryRange(ctx context.Context, q RangeQuery) (<-chan model.TickMessage, <-chan error)

	Stats() BackendStats
}

// filesKey indexes the open file per (contract, tick type). The current
// hour lives on the file itself.
type filesKey struct {
	cid uint32
	tt  model.TickType
}

// fileBackend consumes messages from its inbound queue and appends them to
// time-partitioned files in batches.
type fileBackend struct {
	id     BackendID
	cfg    Config
	cdc    codec
	logger *slog.Logger

	// Inbound queue from the publisher
	input chan Message

	// Batching
	batch       []Message
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// flushMu serializes writers; files and retired belong to it.
	flushMu sync.Mutex
	files   map[filesKey]*partitionFile
	retired []*partitionFile

	// Failed writes wait here for the next flush
	retry *ring[Message]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Counters
	stored      atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
	retriedN    atomic.Uint64
	rotations   atomic.Uint64
	lastWrite   atomic.Int64 // Unix µs of the newest successful write
}

// NewBackend creates one file-backed sink. No directories are created
// until the first message for a partition arrives.
func NewBackend(id BackendID, cfg Config, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileBackend{
		id:     id,
		cfg:    cfg,
		cdc:    newCodec(id),
		logger: logger,
		input:  make(chan Message, cfg.QueueSize),
		batch:  make([]Message, 0, cfg.BatchSize),
		files:  make(map[filesKey]*partitionFile),
		retry:  newRing[Message](cfg.RetryRingSize),
	}
}

func (b *fileBackend) ID() BackendID { return b.id }

// Start begins consuming messages and writing partitions.
func (b *fileBackend) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.flushTicker = time.NewTicker(b.cfg.FlushInterval)

	// Consumer goroutine
	b.wg.Add(1)
	go b.consumeLoop()

	// Flush ticker goroutine
	b.wg.Add(1)
	go b.flushLoop()

	b.logger.Info("storage backend started",
		"backend", b.id.String(),
		"root", b.cfg.Root,
		"batch_size", b.cfg.BatchSize,
		"flush_interval", b.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the inbound queue, flushes, and closes every open partition.
func (b *fileBackend) Stop(ctx context.Context) error {
	b.logger.Info("stopping storage backend", "backend", b.id.String())

	if b.cancel != nil {
		b.cancel()
	}
	if b.flushTicker != nil {
		b.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("storage backend stop timed out", "backend", b.id.String())
	}

	b.drainInput(ctx)
	b.flush()
	b.closeAll()

	b.logger.Info("storage backend stopped",
		"backend", b.id.String(),
		"stored", b.stored.Load(),
		"dropped", b.dropped.Load(),
		"write_errors", b.writeErrors.Load(),
	)
	return nil
}

// Store enqueues one message without blocking the publisher.
func (b *fileBackend) Store(msg Message) bool {
	select {
	case b.input <- msg:
		metrics.StorageQueueDepth.WithLabelValues(b.id.String()).Set(float64(len(b.input)))
		return true
	default:
		b.dropped.Add(1)
		metrics.StorageDrops.WithLabelValues(b.id.String()).Inc()
		return false
	}
}

// Stats returns current writer-side counters.
func (b *fileBackend) Stats() BackendStats {
	b.flushMu.Lock()
	open := len(b.files)
	b.flushMu.Unlock()

	st := BackendStats{
		Backend:     b.id.String(),
		Stored:      b.stored.Load(),
		Dropped:     b.dropped.Load(),
		WriteErrors: b.writeErrors.Load(),
		Retried:     b.retriedN.Load(),
		Rotations:   b.rotations.Load(),
		QueueLen:    len(b.input),
		OpenFiles:   open,
	}
	if us := b.lastWrite.Load(); us > 0 {
		st.LastWriteAt = time.UnixMicro(us).UTC()
	}
	return st
}

// consumeLoop reads from the inbound queue and accumulates batches.
func (b *fileBackend) consumeLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.input:
			b.handleMessage(msg)
		}
	}
}

// flushLoop periodically flushes the batch.
func (b *fileBackend) flushLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.flushTicker.C:
			b.flush()
		}
	}
}

// drainInput consumes whatever the pump left behind at shutdown.
func (b *fileBackend) drainInput(ctx context.Context) {
	for {
		select {
		case msg := <-b.input:
			b.handleMessage(msg)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

// handleMessage adds a message to the batch.
func (b *fileBackend) handleMessage(msg Message) {
	metrics.StorageQueueDepth.WithLabelValues(b.id.String()).Set(float64(len(b.input)))

	b.batchMu.Lock()
	b.batch = append(b.batch, msg)
	shouldFlush := len(b.batch) >= b.cfg.BatchSize
	b.batchMu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// flush writes the current batch to partition files. Concurrent callers
// serialize on flushMu so arrival order survives within each partition.
func (b *fileBackend) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.batchMu.Lock()
	batch := b.batch
	b.batch = make([]Message, 0, b.cfg.BatchSize)
	b.batchMu.Unlock()

	// Failed writes from earlier flushes go first: they are the oldest.
	if prior := b.retry.DrainTo(0); len(prior) > 0 {
		b.retriedN.Add(uint64(len(prior)))
		batch = append(prior, batch...)
	}
	if len(batch) == 0 {
		return
	}

	b.writeBatch(batch)
	b.closeRetired()
}

// writeBatch groups the batch by target file, preserving arrival order
// within each partition, and writes each group in one buffered write.
// Must be called with flushMu held.
func (b *fileBackend) writeBatch(batch []Message) {
	start := time.Now()

	type group struct {
		pf   *partitionFile
		buf  bytes.Buffer
		msgs []Message
	}
	groups := make(map[*partitionFile]*group)
	var order []*group

	for _, msg := range batch {
		pf, err := b.fileFor(msg)
		if err != nil {
			b.logger.Error("open partition failed",
				"backend", b.id.String(), "error", err)
			b.recordFailure(msg)
			continue
		}
		g := groups[pf]
		if g == nil {
			g = &group{pf: pf}
			groups[pf] = g
			order = append(order, g)
		}
		if err := b.cdc.encode(&g.buf, msg); err != nil {
			// Encoding failures are permanent; retrying cannot help.
			b.logger.Error("encode record failed",
				"backend", b.id.String(), "error", err)
			b.writeErrors.Add(1)
			metrics.WriteErrors.WithLabelValues(b.id.String()).Inc()
			continue
		}
		g.msgs = append(g.msgs, msg)
	}

	var written int
	for _, g := range order {
		if err := g.pf.write(g.buf.Bytes()); err != nil {
			b.logger.Error("partition write failed",
				"backend", b.id.String(),
				"path", g.pf.path,
				"count", len(g.msgs),
				"error", err,
			)
			for _, m := range g.msgs {
				b.recordFailure(m)
			}
			continue
		}
		written += len(g.msgs)
	}
	if written > 0 {
		b.stored.Add(uint64(written))
		b.lastWrite.Store(time.Now().UnixMicro())
		metrics.TicksStored.WithLabelValues(b.id.String()).Add(float64(written))
	}

	b.logger.Debug("flushed batch",
		"backend", b.id.String(),
		"count", written,
		"files", len(order),
		"duration", time.Since(start),
	)
}

// fileFor returns the open file for the message's partition, rotating on
// hour change or size cap. A rotated file is retired rather than closed so
// writes already grouped against it still land; closeRetired runs after
// the batch is written. Must be called with flushMu held.
func (b *fileBackend) fileFor(msg Message) (*partitionFile, error) {
	key := partitionOf(msg.Tick.CID, msg.Tick.TT, msg.Tick.TS)
	fk := filesKey{cid: key.CID, tt: key.TT}

	pf := b.files[fk]
	if pf != nil && (pf.key != key || pf.size >= b.cfg.MaxFileSize) {
		b.retired = append(b.retired, pf)
		pf = nil
	}
	if pf == nil {
		var err error
		pf, err = openPartitionFile(b.cfg.Root, b.id, key, msg.Tick.TS)
		if err != nil {
			return nil, err
		}
		b.files[fk] = pf
	}
	return pf, nil
}

// closeRetired syncs and closes files displaced by rotation. Must be
// called with flushMu held.
func (b *fileBackend) closeRetired() {
	for _, pf := range b.retired {
		if err := pf.close(); err != nil {
			b.logger.Error("close rotated partition failed",
				"backend", b.id.String(), "path", pf.path, "error", err)
		}
		b.rotations.Add(1)
		metrics.FileRotations.WithLabelValues(b.id.String()).Inc()
		b.logger.Debug("rotated partition file", "backend", b.id.String(), "path", pf.path)
	}
	b.retired = b.retired[:0]
}

// closeAll closes every open partition file at shutdown, syncing each.
func (b *fileBackend) closeAll() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for fk, pf := range b.files {
		if err := pf.close(); err != nil {
			b.logger.Error("close partition failed",
				"backend", b.id.String(), "path", pf.path, "error", err)
		}
		delete(b.files, fk)
	}
}

// recordFailure counts a failed write and parks the message for the next
// flush. The ring is bounded: under a persistent outage the oldest failed
// messages are shed, never the publisher's time.
func (b *fileBackend) recordFailure(msg Message) {
	b.writeErrors.Add(1)
	metrics.WriteErrors.WithLabelValues(b.id.String()).Inc()
	if b.retry.Push(msg) {
		b.dropped.Add(1)
		metrics.StorageDrops.WithLabelValues(b.id.String()).Inc()
	}
}

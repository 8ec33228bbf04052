package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostwaf/hostwaf/internal/domain/audit"
)

// AuditEmitter writes configuration-change records to the audit sink from a
// background worker. Records batch up and flush on size or interval;
// configuration writes never wait on the sink.
type AuditEmitter struct {
	sink          audit.Sink
	ch            chan audit.Record
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 drops immediately when full
	dropCount   atomic.Int64
	lastWarning atomic.Int64 // rate-limits depth warnings, unix nanos
}

// AuditOption configures an AuditEmitter.
type AuditOption func(*AuditEmitter)

// WithAuditBatchSize sets the number of records batched per sink append.
func WithAuditBatchSize(size int) AuditOption {
	return func(e *AuditEmitter) { e.batchSize = size }
}

// WithAuditFlushInterval sets the idle flush interval.
func WithAuditFlushInterval(d time.Duration) AuditOption {
	return func(e *AuditEmitter) { e.flushInterval = d }
}

// WithAuditChannelSize sets the pending-record buffer size.
func WithAuditChannelSize(size int) AuditOption {
	return func(e *AuditEmitter) {
		e.ch = make(chan audit.Record, size)
		e.channelSize = size
	}
}

// WithAuditSendTimeout bounds how long Record blocks on a full buffer
// before dropping.
func WithAuditSendTimeout(d time.Duration) AuditOption {
	return func(e *AuditEmitter) { e.sendTimeout = d }
}

// NewAuditEmitter creates an emitter over the given sink.
func NewAuditEmitter(sink audit.Sink, logger *slog.Logger, opts ...AuditOption) *AuditEmitter {
	const defaultChannelSize = 1000
	e := &AuditEmitter{
		sink:          sink,
		ch:            make(chan audit.Record, defaultChannelSize),
		logger:        logger,
		batchSize:     64,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
		sendTimeout:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the background worker.
func (e *AuditEmitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.worker(ctx)
}

// Stop closes the intake and waits for the final flush.
func (e *AuditEmitter) Stop() {
	close(e.ch)
	e.wg.Wait()
}

// Record enqueues one audit record. A full buffer blocks up to the send
// timeout, then drops and counts.
func (e *AuditEmitter) Record(rec audit.Record) {
	if depth := len(e.ch); depth >= e.channelSize*8/10 {
		e.warnDepth(depth)
	}

	select {
	case e.ch <- rec:
		return
	default:
	}

	if e.sendTimeout <= 0 {
		e.drop(rec)
		return
	}
	select {
	case e.ch <- rec:
	case <-time.After(e.sendTimeout):
		e.drop(rec)
	}
}

// Dropped returns the total records discarded since start.
func (e *AuditEmitter) Dropped() int64 { return e.dropCount.Load() }

func (e *AuditEmitter) drop(rec audit.Record) {
	drops := e.dropCount.Add(1)
	e.logger.Warn("audit record dropped",
		"action", rec.Action,
		"target", rec.TargetID,
		"total_drops", drops,
	)
}

// warnDepth logs a channel pressure warning at most once per second.
func (e *AuditEmitter) warnDepth(depth int) {
	now := time.Now().UnixNano()
	last := e.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if e.lastWarning.CompareAndSwap(last, now) {
		e.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", e.channelSize,
		)
	}
}

func (e *AuditEmitter) worker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]audit.Record, 0, e.batchSize)
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-e.ch:
			if !ok {
				e.finalFlush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= e.batchSize {
				e.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case rec, ok := <-e.ch:
					if !ok {
						e.finalFlush(batch)
						return
					}
					batch = append(batch, rec)
				default:
					e.finalFlush(batch)
					return
				}
			}
		}
	}
}

// finalFlush writes the remaining batch with a bounded deadline.
func (e *AuditEmitter) finalFlush(batch []audit.Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.flush(ctx, batch)
}

// flush appends a batch to the sink. Errors are logged, never propagated;
// audit must not fail configuration writes.
func (e *AuditEmitter) flush(ctx context.Context, batch []audit.Record) {
	if err := e.sink.Append(ctx, batch...); err != nil {
		e.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}

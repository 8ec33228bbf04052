package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostwaf/hostwaf/internal/domain/event"
)

// EventLogger records per-request decision events without blocking the
// request path. The buffer is bounded; under sustained sink pressure the
// OLDEST queued event is discarded to admit the newest, so the log tail
// stays current at the cost of a counted gap.
type EventLogger struct {
	sink          event.Sink
	ch            chan event.Record
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	dropCount   atomic.Int64
	// pendingDrops accumulates drops not yet surfaced to the sink; the next
	// flushed record carries them in its Dropped field.
	pendingDrops atomic.Int64
	lastWarning  atomic.Int64
}

// EventOption configures an EventLogger.
type EventOption func(*EventLogger)

// WithEventBatchSize sets the number of events batched per sink append.
func WithEventBatchSize(size int) EventOption {
	return func(l *EventLogger) { l.batchSize = size }
}

// WithEventFlushInterval sets the idle flush interval.
func WithEventFlushInterval(d time.Duration) EventOption {
	return func(l *EventLogger) { l.flushInterval = d }
}

// WithEventChannelSize sets the bounded buffer capacity.
func WithEventChannelSize(size int) EventOption {
	return func(l *EventLogger) {
		l.ch = make(chan event.Record, size)
		l.channelSize = size
	}
}

// NewEventLogger creates a logger over the given sink.
func NewEventLogger(sink event.Sink, logger *slog.Logger, opts ...EventOption) *EventLogger {
	const defaultChannelSize = 4096
	l := &EventLogger{
		sink:          sink,
		ch:            make(chan event.Record, defaultChannelSize),
		logger:        logger,
		batchSize:     128,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the background worker.
func (l *EventLogger) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.worker(ctx)
}

// Stop closes the intake and waits for the final flush.
func (l *EventLogger) Stop() {
	close(l.ch)
	l.wg.Wait()
}

// Log enqueues one decision event. On a full buffer the oldest queued
// event is evicted to make room; the newest decision is never the one
// lost.
func (l *EventLogger) Log(rec event.Record) {
	if depth := len(l.ch); depth >= l.channelSize*8/10 {
		l.warnDepth(depth)
	}

	for {
		select {
		case l.ch <- rec:
			return
		default:
		}
		// Evict the oldest queued event. The worker may have drained the
		// buffer in between, in which case nothing is lost and the send
		// retries.
		select {
		case <-l.ch:
			drops := l.dropCount.Add(1)
			l.pendingDrops.Add(1)
			if drops == 1 || drops%1000 == 0 {
				l.logger.Warn("decision events dropped", "total_drops", drops)
			}
		default:
		}
	}
}

// Dropped returns the total events discarded since start.
func (l *EventLogger) Dropped() int64 { return l.dropCount.Load() }

func (l *EventLogger) warnDepth(depth int) {
	now := time.Now().UnixNano()
	last := l.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if l.lastWarning.CompareAndSwap(last, now) {
		l.logger.Warn("event buffer approaching capacity",
			"depth", depth,
			"capacity", l.channelSize,
		)
	}
}

func (l *EventLogger) worker(ctx context.Context) {
	defer l.wg.Done()

	batch := make([]event.Record, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-l.ch:
			if !ok {
				l.finalFlush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= l.batchSize {
				l.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for {
				select {
				case rec, ok := <-l.ch:
					if !ok {
						l.finalFlush(batch)
						return
					}
					batch = append(batch, rec)
				default:
					l.finalFlush(batch)
					return
				}
			}
		}
	}
}

func (l *EventLogger) finalFlush(batch []event.Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.flush(ctx, batch)
}

// flush appends a batch to the sink, surfacing accumulated drops on the
// first record so the gap is visible in the stored stream.
func (l *EventLogger) flush(ctx context.Context, batch []event.Record) {
	if drops := l.pendingDrops.Swap(0); drops > 0 {
		batch[0].Dropped = drops
	}
	if err := l.sink.Append(ctx, batch...); err != nil {
		l.logger.Error("failed to write event batch",
			"error", err,
			"count", len(batch),
		)
	}
}

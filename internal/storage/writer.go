package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Writer persists analyses off the request path. Enqueue never blocks; when
// the queue is full the record is dropped and counted.
type Writer struct {
	sink    AnalysisStore
	queue   chan AnalysisRecord
	timeout time.Duration
	logger  zerolog.Logger

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// WriterStats are cumulative writer counters.
type WriterStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// NewWriter builds a writer over sink. A nil sink yields a writer that discards.
func NewWriter(sink AnalysisStore, queueSize int, timeout time.Duration, logger zerolog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		sink:    sink,
		queue:   make(chan AnalysisRecord, queueSize),
		timeout: timeout,
		logger:  logger.With().Str("component", "analysis_writer").Logger(),
	}
}

// Enabled reports whether records are persisted at all.
func (w *Writer) Enabled() bool { return w != nil && w.sink != nil }

// Enqueue schedules record for persistence.
func (w *Writer) Enqueue(record AnalysisRecord) bool {
	if !w.Enabled() {
		return false
	}
	select {
	case w.queue <- record:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn().Str("tx_hash", record.TxHash).Msg("persistence queue full; analysis dropped")
		return false
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (w *Writer) Run(ctx context.Context) error {
	if !w.Enabled() {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case record := <-w.queue:
			w.write(record)
		case <-ctx.Done():
			w.flush()
			return nil
		}
	}
}

func (w *Writer) flush() {
	for {
		select {
		case record := <-w.queue:
			w.write(record)
		default:
			return
		}
	}
}

func (w *Writer) write(record AnalysisRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.sink.UpsertAnalysis(ctx, record); err != nil {
		w.failed.Add(1)
		w.logger.Error().Err(err).Str("tx_hash", record.TxHash).Msg("persist analysis failed")
		return
	}
	w.written.Add(1)
	w.logger.Debug().Str("tx_hash", record.TxHash).Msg("analysis persisted")
}

// Stats snapshots the writer counters.
func (w *Writer) Stats() WriterStats {
	if w == nil {
		return WriterStats{}
	}
	return WriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Queued:  len(w.queue),
	}
}

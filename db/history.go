package db

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dex_aggregator/metrics"
	"dex_aggregator/models"
)

// Inserter writes one batch of snapshots. *ClickHouseDB satisfies it.
type Inserter interface {
	InsertTicks(ctx context.Context, ticks []models.TokenTick) error
}

// HistoryWriter buffers merged tokens and writes them in batches. Record
// never blocks the merge path; a full buffer drops the snapshot.
type HistoryWriter struct {
	sink          Inserter
	in            chan models.TokenTick
	batchSize     int
	flushInterval time.Duration
	log           *zap.SugaredLogger

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	done    chan struct{}
}

func NewHistoryWriter(sink Inserter, batchSize int, flushInterval time.Duration, log *zap.SugaredLogger) *HistoryWriter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HistoryWriter{
		sink:          sink,
		in:            make(chan models.TokenTick, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log,
		done:          make(chan struct{}),
	}
}

func (w *HistoryWriter) Record(tok *models.CanonicalToken) {
	if tok == nil {
		return
	}
	select {
	case w.in <- models.TickFromToken(tok):
	default:
		w.dropped.Add(1)
		metrics.Dropped("history_full")
	}
}

// Run flushes on batch size and on every interval until ctx is cancelled,
// then drains what is buffered and flushes once more.
func (w *HistoryWriter) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	buf := make([]models.TokenTick, 0, w.batchSize)
	for {
		select {
		case tick := <-w.in:
			buf = append(buf, tick)
			if len(buf) >= w.batchSize {
				buf = w.flush(ctx, buf)
			}
		case <-ticker.C:
			buf = w.flush(ctx, buf)
		case <-ctx.Done():
		drain:
			for {
				select {
				case tick := <-w.in:
					buf = append(buf, tick)
				default:
					break drain
				}
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.flush(flushCtx, buf)
			cancel()
			return
		}
	}
}

// Wait blocks until Run has returned.
func (w *HistoryWriter) Wait() {
	<-w.done
}

func (w *HistoryWriter) flush(ctx context.Context, buf []models.TokenTick) []models.TokenTick {
	if len(buf) == 0 {
		return buf
	}
	if err := w.sink.InsertTicks(ctx, buf); err != nil {
		w.failed.Add(uint64(len(buf)))
		metrics.IncrementErrors()
		w.log.Errorw("Error inserting snapshots", "rows", len(buf), "error", err)
	} else {
		w.written.Add(uint64(len(buf)))
		w.log.Debugw("Snapshots stored", "rows", len(buf))
	}
	return buf[:0]
}

// Stats returns rows written, dropped on a full buffer, and lost to failed
// inserts.
func (w *HistoryWriter) Stats() (written, dropped, failed uint64) {
	return w.written.Load(), w.dropped.Load(), w.failed.Load()
}

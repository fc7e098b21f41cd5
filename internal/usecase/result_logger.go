package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"go.uber.org/zap"
)

// BatchedResultLog buffers records and writes them to a sink once the batch is
// full or the flush interval elapses, whichever happens first.
type BatchedResultLog struct {
	sink      domain.RecordSink
	batchSize int
	logger    *zap.Logger

	mu        sync.Mutex
	buffer    []domain.LogRecord
	stopped   bool
	lastError error

	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewBatchedResultLog(sink domain.RecordSink, batchSize int, flushInterval time.Duration, logger *zap.Logger) (*BatchedResultLog, error) {
	if sink == nil {
		return nil, fmt.Errorf("result log requires a sink")
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("invalid batch size: %d", batchSize)
	}
	if flushInterval <= 0 {
		return nil, fmt.Errorf("invalid flush interval: %s", flushInterval)
	}

	l := &BatchedResultLog{
		sink:      sink,
		batchSize: batchSize,
		logger:    logger,
		buffer:    make([]domain.LogRecord, 0, batchSize),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go l.flushLoop(flushInterval)
	return l, nil
}

func (l *BatchedResultLog) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(l.done)

	for {
		select {
		case <-ticker.C:
			_ = l.Flush(context.Background())
		case <-l.stopChan:
			return
		}
	}
}

// Append buffers a record. A flush triggered by a full batch may fail; the
// records then stay buffered and the failure is reported by LastFlushError.
func (l *BatchedResultLog) Append(rec domain.LogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return domain.ErrLoggerStopped
	}
	l.buffer = append(l.buffer, rec)
	if len(l.buffer) >= l.batchSize {
		_ = l.flushLocked(context.Background())
	}
	return nil
}

// Flush writes everything buffered so far.
func (l *BatchedResultLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(ctx)
}

func (l *BatchedResultLog) flushLocked(ctx context.Context) error {
	if len(l.buffer) == 0 {
		return nil
	}
	batch := make([]domain.LogRecord, len(l.buffer))
	copy(batch, l.buffer)

	if err := l.sink.AppendRecords(ctx, batch); err != nil {
		l.lastError = err
		l.logger.Error("Failed to flush result records",
			zap.Int("buffered", len(batch)),
			zap.Error(err))
		return fmt.Errorf("failed to flush %d records: %w", len(batch), err)
	}
	l.buffer = l.buffer[:0]
	l.lastError = nil
	return nil
}

// Pending is the number of records not yet durable.
func (l *BatchedResultLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

func (l *BatchedResultLog) LastFlushError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}

// Stop halts the flush timer and writes what is left. Further appends are
// rejected. Calling Stop again retries a failed final flush.
func (l *BatchedResultLog) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		<-l.done
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	return l.flushLocked(ctx)
}

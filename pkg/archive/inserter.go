package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DataInserter is a generic interface for appending a batch of items to an
// analytical store. It abstracts the destination (BigQuery, a warehouse, ...).
type DataInserter[T any] interface {
	InsertBatch(ctx context.Context, items []*T) error
	Close() error
}

// BatchInserterConfig holds configuration for the BatchInserter.
type BatchInserterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// InsertTimeout bounds a single flush operation.
	InsertTimeout time.Duration
}

// NewBatchInserterDefaults provides a config with sensible defaults.
func NewBatchInserterDefaults() *BatchInserterConfig {
	return &BatchInserterConfig{
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// BatchInserter collects items of type T and flushes them to a DataInserter
// when the batch fills or the flush interval elapses. Unlike the router's
// durable store path, archive flushes are best-effort: a failed flush is
// logged and the batch dropped.
type BatchInserter[T any] struct {
	cfg       *BatchInserterConfig
	inserter  DataInserter[T]
	logger    zerolog.Logger
	inputChan chan *T
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBatchInserter creates a BatchInserter. A nil cfg uses defaults.
func NewBatchInserter[T any](cfg *BatchInserterConfig, inserter DataInserter[T], logger zerolog.Logger) (*BatchInserter[T], error) {
	if inserter == nil {
		return nil, fmt.Errorf("data inserter cannot be nil")
	}
	if cfg == nil {
		cfg = NewBatchInserterDefaults()
	}
	return &BatchInserter[T]{
		cfg:       cfg,
		inserter:  inserter,
		logger:    logger.With().Str("component", "BatchInserter").Logger(),
		inputChan: make(chan *T, cfg.BatchSize*2),
	}, nil
}

// Put enqueues one item for the next flush. It blocks only when the buffer is
// full, and gives up when ctx is cancelled.
func (b *BatchInserter[T]) Put(ctx context.Context, item *T) error {
	select {
	case b.inputChan <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins the batching worker.
func (b *BatchInserter[T]) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.logger.Info().
			Int("batch_size", b.cfg.BatchSize).
			Dur("flush_interval", b.cfg.FlushInterval).
			Msg("Starting archive batch worker...")
		b.wg.Add(1)
		go b.worker(ctx)
	})
}

// Stop closes the input, waits for the final flush and closes the backend,
// respecting the context's deadline.
func (b *BatchInserter[T]) Stop(ctx context.Context) error {
	var stopErr error
	b.stopOnce.Do(func() {
		close(b.inputChan)

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			b.logger.Info().Msg("Archive batch worker stopped gracefully.")
		case <-ctx.Done():
			b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for archive batch worker to stop.")
			stopErr = ctx.Err()
			return
		}

		if err := b.inserter.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Error closing underlying data inserter.")
		}
	})
	return stopErr
}

// worker collects items into a batch and flushes on size or interval.
func (b *BatchInserter[T]) worker(ctx context.Context) {
	defer b.wg.Done()
	batch := make([]*T, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush on shutdown uses a background context.
			b.flush(context.Background(), batch)
			return

		case item, ok := <-b.inputChan:
			if !ok {
				b.flush(ctx, batch)
				return
			}
			batch = append(batch, item)
			if len(batch) >= b.cfg.BatchSize {
				b.flush(ctx, batch)
				batch = make([]*T, 0, b.cfg.BatchSize)
				ticker.Reset(b.cfg.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]*T, 0, b.cfg.BatchSize)
			}
		}
	}
}

func (b *BatchInserter[T]) flush(ctx context.Context, batch []*T) {
	if len(batch) == 0 {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, b.cfg.InsertTimeout)
	defer cancel()

	if err := b.inserter.InsertBatch(insertCtx, batch); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to flush archive batch, dropping.")
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Archive batch flushed.")
}

package queueworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdiaco/eventbridge-router/pkg/events"
)

// BatchProcessor is the handler's downstream contract, satisfied by
// router.Router. An error return is critical: it means the whole batch should
// be redelivered.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch []events.Event) error
}

// BatchHandlerConfig holds configuration for the BatchHandler.
type BatchHandlerConfig struct {
	// BatchSize is the maximum events handed to the processor at once. Keep it
	// aligned with the router's configured batch size.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
}

// BatchHandler collects queue messages into batches of events and drives them
// through the batch processor. Structurally invalid payloads are acked and
// skipped, never retried. On a critical processor error every message of the
// batch is nacked so the queue redelivers it; otherwise all are acked —
// per-event failures are the router's business, not the queue's.
type BatchHandler struct {
	cfg       BatchHandlerConfig
	consumer  Consumer
	processor BatchProcessor
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// batchItem pairs a parsed event with the message it came from, so the flush
// can ack or nack the source.
type batchItem struct {
	event   events.Event
	message Message
}

// NewBatchHandler creates a BatchHandler.
func NewBatchHandler(cfg BatchHandlerConfig, consumer Consumer, processor BatchProcessor, logger zerolog.Logger) (*BatchHandler, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &BatchHandler{
		cfg:       cfg,
		consumer:  consumer,
		processor: processor,
		logger:    logger.With().Str("component", "BatchHandler").Logger(),
	}, nil
}

// Start begins the consumer and the collection loop.
func (h *BatchHandler) Start(ctx context.Context) error {
	h.logger.Info().Msg("Starting batch handler...")
	if err := h.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	h.wg.Add(1)
	go h.collectLoop(ctx)
	h.logger.Info().Msg("Batch handler started.")
	return nil
}

// Stop stops the consumer and waits for in-flight batches to drain.
func (h *BatchHandler) Stop(ctx context.Context) error {
	h.logger.Info().Msg("Stopping batch handler...")
	if err := h.consumer.Stop(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info().Msg("Batch handler stopped.")
		return nil
	case <-ctx.Done():
		h.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for batch handler to drain.")
		return ctx.Err()
	}
}

// collectLoop gathers messages into batches and flushes on size or interval.
func (h *BatchHandler) collectLoop(ctx context.Context) {
	defer h.wg.Done()
	batch := make([]batchItem, 0, h.cfg.BatchSize)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		h.flush(ctx, batch)
		batch = make([]batchItem, 0, h.cfg.BatchSize)
		ticker.Reset(h.cfg.FlushInterval)
	}

	for {
		select {
		case msg, ok := <-h.consumer.Messages():
			if !ok {
				flush()
				return
			}
			event, valid := h.parse(msg)
			if !valid {
				msg.Ack()
				continue
			}
			batch = append(batch, batchItem{event: event, message: msg})
			if len(batch) >= h.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// parse decodes and validates a queue payload. Invalid payloads are reported
// via the returned bool; the caller acks them so they are never retried.
func (h *BatchHandler) parse(msg Message) (events.Event, bool) {
	var event events.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		h.logger.Debug().Err(err).Str("msg_id", msg.ID).Msg("Skipping structurally invalid payload.")
		return events.Event{}, false
	}
	if err := event.Validate(); err != nil {
		h.logger.Debug().Err(err).Str("msg_id", msg.ID).Msg("Skipping payload failing event validation.")
		return events.Event{}, false
	}
	return event, true
}

// flush hands one batch to the processor and settles every source message.
func (h *BatchHandler) flush(ctx context.Context, batch []batchItem) {
	eventBatch := make([]events.Event, len(batch))
	for i, item := range batch {
		eventBatch[i] = item.event
	}

	if err := h.processor.ProcessBatch(ctx, eventBatch); err != nil {
		h.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Critical batch failure, Nacking all messages for redelivery.")
		for _, item := range batch {
			item.message.Nack()
		}
		return
	}
	for _, item := range batch {
		item.message.Ack()
	}
	h.logger.Debug().Int("batch_size", len(batch)).Msg("Batch acknowledged.")
}

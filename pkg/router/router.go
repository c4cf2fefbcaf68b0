package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sdiaco/eventbridge-router/pkg/dlq"
	"github.com/sdiaco/eventbridge-router/pkg/events"
	"github.com/sdiaco/eventbridge-router/pkg/eventstore"
	"github.com/sdiaco/eventbridge-router/pkg/plugin"
)

// Config holds the router's runtime configuration.
type Config struct {
	// EventsTable names the durable record table for dedup and storage.
	EventsTable string
	// DLQURL is the dead-letter destination. Empty disables DLQ emission.
	DLQURL string
	// BatchSize is the maximum batch size callers hand to the router. Defaults
	// to 50. ProcessBatch does not reject larger batches.
	BatchSize int
	// TTLDays sets record retention. Zero or negative disables TTL.
	// LoadConfigFromEnv defaults it to 30.
	TTLDays int
	// Now overrides the wall clock. Defaults to time.Now.
	Now func() time.Time
}

// LoadConfigFromEnv loads router configuration from environment variables.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		EventsTable: os.Getenv("EVENTS_TABLE_NAME"),
		DLQURL:      os.Getenv("DLQ_URL"),
		BatchSize:   50,
		TTLDays:     30,
	}
	if cfg.EventsTable == "" {
		return nil, fmt.Errorf("EVENTS_TABLE_NAME environment variable not set")
	}
	if bs := os.Getenv("BATCH_SIZE"); bs != "" {
		if val, err := strconv.Atoi(bs); err == nil {
			cfg.BatchSize = val
		}
	}
	if td := os.Getenv("TTL_DAYS"); td != "" {
		if val, err := strconv.Atoi(td); err == nil {
			cfg.TTLDays = val
		}
	}
	return cfg, nil
}

// Router drives batches of events through deduplication, phased plugin
// dispatch, durable storage and dead-letter emission. Individual event
// failures never surface as errors; ProcessBatch returns an error only on
// critical internal failures, for which the upstream adapter is expected to
// redeliver the whole batch.
type Router struct {
	cfg     Config
	manager *plugin.Manager
	store   eventstore.EventStore
	sink    dlq.Sink
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRouter creates a Router. sink may be nil when no DLQ is configured.
func NewRouter(cfg Config, manager *plugin.Manager, store eventstore.EventStore, sink dlq.Sink, logger zerolog.Logger) (*Router, error) {
	if manager == nil {
		return nil, fmt.Errorf("plugin manager cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if cfg.EventsTable == "" {
		return nil, fmt.Errorf("events table name cannot be empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		cfg:     cfg,
		manager: manager,
		store:   store,
		sink:    sink,
		logger:  logger.With().Str("component", "EventRouter").Logger(),
		now:     now,
	}, nil
}

// dispatchGroup pairs an event with the plugin names it will be dispatched to
// in one phase.
type dispatchGroup struct {
	event   events.Event
	plugins []string
}

// ProcessBatch runs one batch through the full pipeline. Events sharing a name
// and lacking an id collide on the error-map key; the later capture wins.
func (r *Router) ProcessBatch(ctx context.Context, batch []events.Event) error {
	start := r.now()
	logger := r.logger.With().Str("batch_id", uuid.New().String()).Logger()

	if len(batch) == 0 {
		logger.Debug().Msg("Received empty batch, nothing to do.")
		return nil
	}
	logger.Info().Msgf("Processing batch of %d events", len(batch))

	// Step 1: deduplicate against the record store.
	unique := r.deduplicate(ctx, logger, batch)
	if len(unique) == 0 {
		logger.Info().Msg("All events are duplicates, skipping processing")
		return nil
	}
	logger.Info().Msgf("After deduplication: %d unique events", len(unique))

	// Step 2: group each event's matching plugins by dispatch mode.
	asyncGroups, syncInlineGroups, syncWorkerGroups := r.groupByMode(unique)

	// Step 3, Phase A: all async groups, joined before Phase B starts.
	asyncErrs, err := r.runPhase(ctx, asyncGroups)
	if err != nil {
		return fmt.Errorf("async dispatch phase: %w", err)
	}
	logger.Info().Msgf("Executed %d async plugin invocations across %d events", countInvocations(asyncGroups), len(asyncGroups))

	// Step 4, Phase B: worker-strategy groups are a known stub, then sync-inline.
	if n := countInvocations(syncWorkerGroups); n > 0 {
		logger.Warn().Msgf("Worker invocation not implemented; %d invocations skipped", n)
	}
	syncErrs, err := r.runPhase(ctx, syncInlineGroups)
	if err != nil {
		return fmt.Errorf("sync dispatch phase: %w", err)
	}

	// Step 5: partition by the merged error map, sync capture winning collisions.
	eventErrs := asyncErrs
	for key, cause := range syncErrs {
		eventErrs[key] = cause
	}
	var succeeded, failed []events.Event
	for _, e := range unique {
		if _, ok := eventErrs[e.Key()]; ok {
			failed = append(failed, e)
		} else {
			succeeded = append(succeeded, e)
		}
	}

	// Step 6: store successes. Storage failures are logged, never reclassified;
	// the event's side effects already ran.
	r.storeSucceeded(ctx, logger, succeeded)

	// Step 7: dead-letter the failures.
	r.sendToDLQ(ctx, logger, failed, eventErrs)

	logger.Info().Msgf("Batch completed: %d succeeded, %d failed in %d ms",
		len(succeeded), len(failed), r.now().Sub(start).Milliseconds())
	return nil
}

// deduplicate drops events whose id is already recorded. A dedup failure falls
// back to treating every event as unique: plugins are required to be
// idempotent, so duplicate processing is preferred over data loss.
func (r *Router) deduplicate(ctx context.Context, logger zerolog.Logger, batch []events.Event) []events.Event {
	var ids []string
	for _, e := range batch {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return batch
	}

	duplicates, err := r.store.BatchCheckDuplicates(ctx, r.cfg.EventsTable, ids)
	if err != nil {
		logger.Error().Err(err).Msg("Batch deduplication failed, falling back to processing all events")
		return batch
	}
	if len(duplicates) > 0 {
		logger.Info().Msgf("Found %d duplicate events", len(duplicates))
	}

	unique := make([]events.Event, 0, len(batch))
	for _, e := range batch {
		if e.ID != "" {
			if _, dup := duplicates[e.ID]; dup {
				continue
			}
		}
		unique = append(unique, e)
	}
	return unique
}

// groupByMode builds the per-event dispatch groups for the three mode/strategy
// combinations.
func (r *Router) groupByMode(unique []events.Event) (async, syncInline, syncWorker []dispatchGroup) {
	for _, e := range unique {
		var asyncNames, inlineNames, workerNames []string
		for _, p := range r.manager.MatchingPlugins(e) {
			switch {
			case p.Mode == plugin.ModeAsync:
				asyncNames = append(asyncNames, p.Name)
			case p.Metadata.ExecutionStrategy == plugin.StrategyWorker:
				workerNames = append(workerNames, p.Name)
			default:
				inlineNames = append(inlineNames, p.Name)
			}
		}
		if len(asyncNames) > 0 {
			async = append(async, dispatchGroup{event: e, plugins: asyncNames})
		}
		if len(inlineNames) > 0 {
			syncInline = append(syncInline, dispatchGroup{event: e, plugins: inlineNames})
		}
		if len(workerNames) > 0 {
			syncWorker = append(syncWorker, dispatchGroup{event: e, plugins: workerNames})
		}
	}
	return async, syncInline, syncWorker
}

// runPhase dispatches every group concurrently and joins before returning. The
// result maps event keys to the first captured dispatch error. A precondition
// failure from the manager is critical and aborts the batch.
func (r *Router) runPhase(ctx context.Context, groups []dispatchGroup) (map[string]error, error) {
	captured := make(map[string]error)
	if len(groups) == 0 {
		return captured, nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		critErr error
	)
	for _, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.manager.TriggerEvent(ctx, g.event, g.plugins...)
			if err == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, plugin.ErrNotInitialized) {
				critErr = err
				return
			}
			captured[g.event.Key()] = err
		}()
	}
	wg.Wait()
	return captured, critErr
}

// storeSucceeded persists every succeeded event that carries an id, one
// concurrent write per record.
func (r *Router) storeSucceeded(ctx context.Context, logger zerolog.Logger, succeeded []events.Event) {
	now := r.now()
	var ttl int64
	if r.cfg.TTLDays > 0 {
		ttl = now.Unix() + int64(r.cfg.TTLDays)*86400
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		stored   int
		failures int
	)
	for _, e := range succeeded {
		if e.ID == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := events.NewRecord(e, events.StatusProcessed, now, ttl)
			err := r.store.StoreEvent(ctx, r.cfg.EventsTable, rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				logger.Error().Err(err).Str("event_id", e.ID).Msg("Failed to store event record.")
				return
			}
			stored++
		}()
	}
	wg.Wait()

	if stored > 0 {
		logger.Info().Msgf("Stored %d events in %s", stored, r.cfg.EventsTable)
	}
	if failures > 0 {
		logger.Error().Msgf("Failed to store %d/%d events in %s", failures, stored+failures, r.cfg.EventsTable)
	}
}

// sendToDLQ builds one envelope per failed event and sends them as a single
// batch. A sink failure is logged but never masks the batch outcome.
func (r *Router) sendToDLQ(ctx context.Context, logger zerolog.Logger, failed []events.Event, eventErrs map[string]error) {
	if len(failed) == 0 {
		return
	}
	if r.cfg.DLQURL == "" || r.sink == nil {
		logger.Warn().Msgf("%d events failed but no DLQ configured. Events lost.", len(failed))
		return
	}

	entries := make([]dlq.Entry, 0, len(failed))
	for i, e := range failed {
		envelope := events.NewEnvelope(e, eventErrs[e.Key()], r.now())
		body, err := json.Marshal(envelope)
		if err != nil {
			logger.Error().Err(err).Str("event", e.Name).Str("event_id", e.ID).Msg("Failed to serialize dead-letter envelope, dropping entry.")
			continue
		}
		entries = append(entries, dlq.Entry{ID: strconv.Itoa(i), MessageBody: string(body)})
	}
	if len(entries) == 0 {
		return
	}

	if err := r.sink.SendBatch(ctx, r.cfg.DLQURL, entries); err != nil {
		logger.Error().Err(err).Int("entry_count", len(entries)).Msg("Failed to send failed events to DLQ.")
		return
	}
	logger.Info().Msgf("Sent %d failed events to DLQ", len(entries))
}

func countInvocations(groups []dispatchGroup) int {
	total := 0
	for _, g := range groups {
		total += len(g.plugins)
	}
	return total
}

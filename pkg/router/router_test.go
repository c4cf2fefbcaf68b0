package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdiaco/eventbridge-router/pkg/dlq"
	"github.com/sdiaco/eventbridge-router/pkg/events"
	"github.com/sdiaco/eventbridge-router/pkg/plugin"
	"github.com/sdiaco/eventbridge-router/pkg/router"
)

// --- Mocks ---

// mockStore is a configurable EventStore test double.
type mockStore struct {
	mu         sync.Mutex
	duplicates map[string]struct{}
	dedupErr   error
	storeErr   error
	dedupCalls [][]string
	records    map[string]*events.Record
}

func newMockStore() *mockStore {
	return &mockStore{
		duplicates: make(map[string]struct{}),
		records:    make(map[string]*events.Record),
	}
}

func (m *mockStore) BatchCheckDuplicates(_ context.Context, _ string, ids []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedupCalls = append(m.dedupCalls, ids)
	if m.dedupErr != nil {
		return nil, m.dedupErr
	}
	found := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := m.duplicates[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (m *mockStore) StoreEvent(_ context.Context, _ string, rec *events.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	m.records[rec.EventID] = rec
	return nil
}

func (m *mockStore) storedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids
}

func (m *mockStore) dedupCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dedupCalls)
}

// mockSink is a DLQ sink test double capturing sent batches.
type mockSink struct {
	mu      sync.Mutex
	sendErr error
	batches [][]dlq.Entry
	urls    []string
}

func (m *mockSink) SendBatch(_ context.Context, url string, entries []dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.urls = append(m.urls, url)
	m.batches = append(m.batches, entries)
	return nil
}

func (m *mockSink) sentBatches() [][]dlq.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// --- Helpers ---

func event(id, name string) events.Event {
	return events.Event{ID: id, Name: name, Source: "s", Data: map[string]any{}}
}

type routerFixture struct {
	router *router.Router
	store  *mockStore
	sink   *mockSink
	logs   *bytes.Buffer
}

func newRouterFixture(t *testing.T, cfg router.Config, plugins ...*plugin.Plugin) *routerFixture {
	t.Helper()
	manager := plugin.NewManager(plugin.ManagerConfig{}, nil, nil, zerolog.Nop())
	require.NoError(t, manager.RegisterAll(plugins))
	require.NoError(t, manager.Init(context.Background()))

	store := newMockStore()
	sink := &mockSink{}
	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)

	if cfg.EventsTable == "" {
		cfg.EventsTable = "events"
	}
	r, err := router.NewRouter(cfg, manager, store, sink, logger)
	require.NoError(t, err)
	return &routerFixture{router: r, store: store, sink: sink, logs: logs}
}

func countingPlugin(name string, mode plugin.Mode, counter *atomic.Int32) *plugin.Plugin {
	return &plugin.Plugin{
		Name: name, Mode: mode,
		Events: plugin.OnNames("x"),
		OnEvent: func(context.Context, events.Event, *plugin.Context) error {
			counter.Add(1)
			return nil
		},
	}
}

// --- Seed scenarios ---

func TestProcessBatch_ThreeFreshEvents_AllSucceed(t *testing.T) {
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{DLQURL: "queue/dlq"}, countingPlugin("A", plugin.ModeAsync, &calls))

	batch := []events.Event{event("a", "x"), event("b", "x"), event("c", "x")}
	require.NoError(t, f.router.ProcessBatch(context.Background(), batch))

	assert.Equal(t, int32(3), calls.Load())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, f.store.storedIDs())
	assert.Empty(t, f.sink.sentBatches())
	assert.Contains(t, f.logs.String(), "After deduplication: 3 unique events")
	assert.Contains(t, f.logs.String(), "Batch completed: 3 succeeded, 0 failed")
}

func TestProcessBatch_OneDuplicateFiltered(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	p := &plugin.Plugin{
		Name: "A", Mode: plugin.ModeAsync,
		Events: plugin.OnNames("x"),
		OnEvent: func(_ context.Context, e events.Event, _ *plugin.Context) error {
			mu.Lock()
			seen = append(seen, e.ID)
			mu.Unlock()
			return nil
		},
	}
	f := newRouterFixture(t, router.Config{}, p)
	f.store.duplicates["b"] = struct{}{}

	batch := []events.Event{event("a", "x"), event("b", "x"), event("c", "x")}
	require.NoError(t, f.router.ProcessBatch(context.Background(), batch))

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "c"}, seen)
	mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "c"}, f.store.storedIDs())
	assert.Contains(t, f.logs.String(), "Found 1 duplicate events")
}

func TestProcessBatch_MixedModesWithFailures(t *testing.T) {
	async := &plugin.Plugin{
		Name: "A", Mode: plugin.ModeAsync,
		Events: plugin.OnNames("x"),
		OnEvent: func(_ context.Context, e events.Event, _ *plugin.Context) error {
			if e.ID == "a" {
				return errors.New("async handler exploded")
			}
			return nil
		},
	}
	syncInline := &plugin.Plugin{
		Name: "S", Mode: plugin.ModeSync,
		Events: plugin.OnNames("x"),
		OnEvent: func(_ context.Context, e events.Event, _ *plugin.Context) error {
			if e.ID == "b" {
				return errors.New("sync handler exploded")
			}
			return nil
		},
	}
	f := newRouterFixture(t, router.Config{DLQURL: "queue/dlq"}, async, syncInline)

	batch := []events.Event{event("a", "x"), event("b", "x"), event("c", "x")}
	require.NoError(t, f.router.ProcessBatch(context.Background(), batch))

	assert.Equal(t, []string{"c"}, f.store.storedIDs())
	assert.Contains(t, f.logs.String(), "1 succeeded, 2 failed")

	batches := f.sink.sentBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)

	var dlqIDs []string
	for _, entry := range batches[0] {
		var envelope events.Envelope
		require.NoError(t, json.Unmarshal([]byte(entry.MessageBody), &envelope))
		dlqIDs = append(dlqIDs, envelope.Event.ID)
		assert.NotEmpty(t, envelope.Error.Message)
		assert.NotEmpty(t, envelope.Timestamp)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, dlqIDs)
}

func TestProcessBatch_DedupFailureFallsBack(t *testing.T) {
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{}, countingPlugin("A", plugin.ModeAsync, &calls))
	f.store.dedupErr = errors.New("table unavailable")

	batch := []events.Event{event("a", "x"), event("b", "x")}
	require.NoError(t, f.router.ProcessBatch(context.Background(), batch))

	assert.Equal(t, int32(2), calls.Load())
	assert.ElementsMatch(t, []string{"a", "b"}, f.store.storedIDs())
	assert.Contains(t, f.logs.String(), "Batch deduplication failed, falling back")
}

func TestProcessBatch_DLQUnconfigured(t *testing.T) {
	failing := &plugin.Plugin{
		Name: "A", Mode: plugin.ModeSync,
		Events: plugin.OnNames("x"),
		OnEvent: func(context.Context, events.Event, *plugin.Context) error {
			return errors.New("boom")
		},
	}
	f := newRouterFixture(t, router.Config{}, failing)

	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{event("a", "x")}))

	assert.Contains(t, f.logs.String(), "events failed but no DLQ configured. Events lost.")
	assert.Empty(t, f.sink.sentBatches())
	assert.Empty(t, f.store.storedIDs())
}

func TestProcessBatch_EventWithoutID(t *testing.T) {
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{DLQURL: "queue/dlq"}, countingPlugin("A", plugin.ModeAsync, &calls))

	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{event("", "x")}))

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, f.store.dedupCallCount(), "dedup should not be called without ids")
	assert.Empty(t, f.store.storedIDs())
	assert.Empty(t, f.sink.sentBatches())
}

// --- Boundary behaviors and invariants ---

func TestProcessBatch_EmptyBatch(t *testing.T) {
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{}, countingPlugin("A", plugin.ModeAsync, &calls))

	require.NoError(t, f.router.ProcessBatch(context.Background(), nil))

	assert.Zero(t, calls.Load())
	assert.Zero(t, f.store.dedupCallCount())
	assert.Empty(t, f.store.storedIDs())
}

func TestProcessBatch_AllDuplicates(t *testing.T) {
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{DLQURL: "queue/dlq"}, countingPlugin("A", plugin.ModeAsync, &calls))
	f.store.duplicates["a"] = struct{}{}
	f.store.duplicates["b"] = struct{}{}

	batch := []events.Event{event("a", "x"), event("b", "x")}
	require.NoError(t, f.router.ProcessBatch(context.Background(), batch))

	assert.Zero(t, calls.Load())
	assert.Empty(t, f.store.storedIDs())
	assert.Empty(t, f.sink.sentBatches())
	assert.Contains(t, f.logs.String(), "All events are duplicates, skipping processing")
}

func TestProcessBatch_NoMatchingPluginStillStores(t *testing.T) {
	unmatched := &plugin.Plugin{
		Name: "other", Mode: plugin.ModeSync,
		Events:  plugin.OnNames("something.else"),
		OnEvent: func(context.Context, events.Event, *plugin.Context) error { t.Error("must not be invoked"); return nil },
	}
	f := newRouterFixture(t, router.Config{DLQURL: "queue/dlq"}, unmatched)

	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{event("a", "x")}))

	assert.Equal(t, []string{"a"}, f.store.storedIDs())
	assert.Empty(t, f.sink.sentBatches())
}

func TestProcessBatch_PhaseOrdering(t *testing.T) {
	const eventCount = 5
	var asyncDone atomic.Int32
	var violations atomic.Int32

	async := &plugin.Plugin{
		Name: "A", Mode: plugin.ModeAsync,
		Events: plugin.OnNames("x"),
		OnEvent: func(context.Context, events.Event, *plugin.Context) error {
			time.Sleep(5 * time.Millisecond)
			asyncDone.Add(1)
			return nil
		},
	}
	syncInline := &plugin.Plugin{
		Name: "S", Mode: plugin.ModeSync,
		Events: plugin.OnNames("x"),
		OnEvent: func(context.Context, events.Event, *plugin.Context) error {
			if asyncDone.Load() != eventCount {
				violations.Add(1)
			}
			return nil
		},
	}
	f := newRouterFixture(t, router.Config{}, async, syncInline)

	batch := make([]events.Event, 0, eventCount)
	for i := 0; i < eventCount; i++ {
		batch = append(batch, event(fmt.Sprintf("e%d", i), "x"))
	}
	require.NoError(t, f.router.ProcessBatch(context.Background(), batch))

	assert.Zero(t, violations.Load(), "no sync invocation may start before every async invocation returned")
}

func TestProcessBatch_WorkerStrategySkipped(t *testing.T) {
	worker := &plugin.Plugin{
		Name: "W", Mode: plugin.ModeSync,
		Events:   plugin.OnNames("x"),
		Metadata: plugin.Metadata{ExecutionStrategy: plugin.StrategyWorker},
		OnEvent:  func(context.Context, events.Event, *plugin.Context) error { t.Error("worker plugin must not be dispatched"); return nil },
	}
	f := newRouterFixture(t, router.Config{}, worker)

	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{event("a", "x")}))

	assert.Contains(t, f.logs.String(), "Worker invocation not implemented; 1 invocations skipped")
	// The event itself still succeeds and is stored.
	assert.Equal(t, []string{"a"}, f.store.storedIDs())
}

func TestProcessBatch_StorageFailureNotReclassified(t *testing.T) {
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{DLQURL: "queue/dlq"}, countingPlugin("A", plugin.ModeAsync, &calls))
	f.store.storeErr = errors.New("write throttled")

	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{event("a", "x")}))

	assert.Empty(t, f.sink.sentBatches(), "a stored-failed event must not be DLQ'd")
	assert.Contains(t, f.logs.String(), "Failed to store 1/1 events")
	assert.Contains(t, f.logs.String(), "Batch completed: 1 succeeded, 0 failed")
}

func TestProcessBatch_DLQSendFailureDoesNotPropagate(t *testing.T) {
	failing := &plugin.Plugin{
		Name: "A", Mode: plugin.ModeSync,
		Events:  plugin.OnNames("x"),
		OnEvent: func(context.Context, events.Event, *plugin.Context) error { return errors.New("boom") },
	}
	f := newRouterFixture(t, router.Config{DLQURL: "queue/dlq"}, failing)
	f.sink.sendErr = errors.New("queue unavailable")

	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{event("a", "x")}))
	assert.Contains(t, f.logs.String(), "Failed to send failed events to DLQ")
}

func TestProcessBatch_UninitializedManagerIsCritical(t *testing.T) {
	manager := plugin.NewManager(plugin.ManagerConfig{}, nil, nil, zerolog.Nop())
	require.NoError(t, manager.Register(&plugin.Plugin{
		Name: "A", Mode: plugin.ModeAsync,
		OnEvent: func(context.Context, events.Event, *plugin.Context) error { return nil },
	}))

	r, err := router.NewRouter(router.Config{EventsTable: "events"}, manager, newMockStore(), &mockSink{}, zerolog.Nop())
	require.NoError(t, err)

	err = r.ProcessBatch(context.Background(), []events.Event{event("a", "x")})
	require.ErrorIs(t, err, plugin.ErrNotInitialized)
}

func TestProcessBatch_DLQEnvelopePreservesEvent(t *testing.T) {
	failing := &plugin.Plugin{
		Name: "A", Mode: plugin.ModeSync,
		Events:  plugin.OnNames("x"),
		OnEvent: func(context.Context, events.Event, *plugin.Context) error { return errors.New("boom") },
	}
	f := newRouterFixture(t, router.Config{DLQURL: "queue/dlq"}, failing)

	original := events.Event{
		ID:         "a",
		Name:       "x",
		Source:     "payments",
		Data:       map[string]any{"amount": float64(42), "currency": "EUR"},
		Timestamp:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Attributes: map[string]any{"region": "eu-west-1"},
	}
	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{original}))

	batches := f.sink.sentBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "0", batches[0][0].ID)

	var envelope events.Envelope
	require.NoError(t, json.Unmarshal([]byte(batches[0][0].MessageBody), &envelope))
	assert.Equal(t, original.ID, envelope.Event.ID)
	assert.Equal(t, original.Name, envelope.Event.Name)
	assert.Equal(t, original.Source, envelope.Event.Source)
	assert.Equal(t, original.Data, envelope.Event.Data)
	assert.Equal(t, original.Attributes, envelope.Event.Attributes)
	assert.True(t, original.Timestamp.Equal(envelope.Event.Timestamp))
	assert.Contains(t, envelope.Error.Message, "boom")
}

func TestProcessBatch_IdempotentOnRetainedDedupRecords(t *testing.T) {
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{}, countingPlugin("A", plugin.ModeAsync, &calls))

	batch := []events.Event{event("a", "x"), event("b", "x")}
	require.NoError(t, f.router.ProcessBatch(context.Background(), batch))
	assert.Equal(t, int32(2), calls.Load())

	// Simulate store retention: everything stored is now a known duplicate.
	f.store.mu.Lock()
	for id := range f.store.records {
		f.store.duplicates[id] = struct{}{}
	}
	storedBefore := len(f.store.records)
	f.store.mu.Unlock()

	require.NoError(t, f.router.ProcessBatch(context.Background(), batch))
	assert.Equal(t, int32(2), calls.Load(), "second run must perform no plugin invocations")
	f.store.mu.Lock()
	assert.Equal(t, storedBefore, len(f.store.records), "second run must perform no new stores")
	f.store.mu.Unlock()
}

func TestProcessBatch_ZeroTTLDaysDisablesTTL(t *testing.T) {
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{TTLDays: 0}, countingPlugin("A", plugin.ModeAsync, &calls))

	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{event("a", "x")}))

	f.store.mu.Lock()
	rec := f.store.records["a"]
	f.store.mu.Unlock()
	require.NotNil(t, rec)
	assert.Zero(t, rec.TTL, "retention must be unbounded when TTLDays is zero")
}

func TestProcessBatch_RecordFields(t *testing.T) {
	fixedNow := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	f := newRouterFixture(t, router.Config{TTLDays: 7, Now: func() time.Time { return fixedNow }},
		countingPlugin("A", plugin.ModeAsync, &calls))

	e := event("a", "x")
	e.Timestamp = time.Date(2024, 5, 31, 8, 30, 0, 0, time.UTC)
	require.NoError(t, f.router.ProcessBatch(context.Background(), []events.Event{e}))

	f.store.mu.Lock()
	rec := f.store.records["a"]
	f.store.mu.Unlock()
	require.NotNil(t, rec)
	assert.Equal(t, "a", rec.EventID)
	assert.Equal(t, "x", rec.EventName)
	assert.Equal(t, "s", rec.Source)
	assert.Equal(t, events.StatusProcessed, rec.Status)
	assert.Equal(t, "2024-05-31T08:30:00Z", rec.Timestamp)
	assert.Equal(t, "2024-06-01T12:00:00Z", rec.ProcessedAt)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, fixedNow.Unix()+7*86400, rec.TTL)
}

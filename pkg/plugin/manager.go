package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sdiaco/eventbridge-router/pkg/events"
	"github.com/sdiaco/eventbridge-router/pkg/httpclient"
)

// Sentinel errors for the manager's precondition failures.
var (
	// ErrNotInitialized is returned by Trigger* before Init has completed.
	ErrNotInitialized = errors.New("plugin manager is not initialized")
	// ErrDuplicatePlugin is returned when registering a name that already exists.
	ErrDuplicatePlugin = errors.New("plugin name already registered")
	// ErrAlreadyInitialized is returned when registering after Init.
	ErrAlreadyInitialized = errors.New("plugin manager is already initialized")
)

// ManagerConfig holds the manager-level plugin configuration.
type ManagerConfig struct {
	// PluginConfigs maps a plugin name to its opaque config. A plugin with no
	// entry receives an empty map.
	PluginConfigs map[string]map[string]any
}

// Manager owns the plugin registry and coordinates initialization, dispatch
// and teardown. The registry is populated via Register before Init and is
// read-only afterwards, so concurrent Trigger* calls are safe as long as the
// plugin implementations themselves are.
type Manager struct {
	mu          sync.RWMutex
	plugins     map[string]*Plugin
	order       []string
	initialized bool

	configs map[string]map[string]any
	http    *httpclient.Client
	metrics Metrics
	logger  zerolog.Logger
}

// NewManager creates a Manager. httpClient and metrics may be nil; they are
// passed through to plugin contexts untouched.
func NewManager(cfg ManagerConfig, httpClient *httpclient.Client, metrics Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		plugins: make(map[string]*Plugin),
		configs: cfg.PluginConfigs,
		http:    httpClient,
		metrics: metrics,
		logger:  logger.With().Str("component", "PluginManager").Logger(),
	}
}

// Register adds a plugin to the registry. It fails on a duplicate name, an
// empty name, or when the manager has already been initialized.
func (m *Manager) Register(p *Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin cannot be nil")
	}
	if p.Name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return fmt.Errorf("cannot register plugin %q: %w", p.Name, ErrAlreadyInitialized)
	}
	if _, exists := m.plugins[p.Name]; exists {
		return fmt.Errorf("cannot register plugin %q: %w", p.Name, ErrDuplicatePlugin)
	}
	m.plugins[p.Name] = p
	m.order = append(m.order, p.Name)
	m.logger.Debug().Str("plugin", p.Name).Str("mode", string(p.Mode)).Msg("Plugin registered.")
	return nil
}

// RegisterAll registers each plugin in order. The first failure aborts the
// remainder and is returned to the caller.
func (m *Manager) RegisterAll(plugins []*Plugin) error {
	for _, p := range plugins {
		if err := m.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Init runs every plugin's Init hook in parallel and returns once all have
// completed. The first failure is returned and aborts startup; plugins that
// initialized before the failure are not rolled back. Calling Init on an
// already-initialized manager logs a warning and is a no-op.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		m.logger.Warn().Msg("Init called on an already-initialized manager, ignoring.")
		return nil
	}
	targets := m.snapshotLocked()
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range targets {
		if p.Init == nil {
			continue
		}
		g.Go(func() error {
			pctx := m.newContext(p)
			if err := p.Init(gctx, pctx); err != nil {
				return fmt.Errorf("plugin %q init failed: %w", p.Name, err)
			}
			m.logger.Debug().Str("plugin", p.Name).Msg("Plugin initialized.")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.logger.Info().Int("plugin_count", len(targets)).Msg("Plugin manager initialized.")
	return nil
}

// Destroy invokes every plugin's Destroy hook, logging failures without
// returning them, then clears the registry. The manager returns to its
// pre-init state and can be repopulated.
func (m *Manager) Destroy(ctx context.Context) {
	m.mu.Lock()
	targets := m.snapshotLocked()
	m.plugins = make(map[string]*Plugin)
	m.order = nil
	m.initialized = false
	m.mu.Unlock()

	for _, p := range targets {
		if p.Destroy == nil {
			continue
		}
		if err := m.safeDestroy(ctx, p); err != nil {
			m.logger.Error().Err(err).Str("plugin", p.Name).Msg("Plugin destroy failed.")
		}
	}
	m.logger.Info().Msg("Plugin manager destroyed.")
}

// GetPlugin returns the registered plugin with the given name.
func (m *Manager) GetPlugin(name string) (*Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// ListPlugins returns the registered plugins in registration order.
func (m *Manager) ListPlugins() []*Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// MatchingPlugins returns the plugins whose event filter accepts the event, in
// registration order.
func (m *Manager) MatchingPlugins(e events.Event) []*Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Plugin
	for _, name := range m.order {
		p := m.plugins[name]
		if p.Events.Matches(e.Name) {
			matched = append(matched, p)
		}
	}
	return matched
}

// TriggerEvent invokes OnEvent on every matching plugin concurrently and waits
// for all of them. Per-plugin failures are logged, routed to the plugin's own
// OnError, and never prevent sibling plugins from running; the first captured
// failure is returned so the caller can classify the event.
func (m *Manager) TriggerEvent(ctx context.Context, e events.Event, pluginNames ...string) error {
	return m.trigger(ctx, triggerEvent, e, pluginNames)
}

// TriggerReplay behaves as TriggerEvent but invokes OnReplay, falling back to
// OnEvent for plugins that do not define it.
func (m *Manager) TriggerReplay(ctx context.Context, e events.Event, pluginNames ...string) error {
	return m.trigger(ctx, triggerReplay, e, pluginNames)
}

// TriggerDLQ invokes OnDLQ on matching plugins that define it. No fallback.
func (m *Manager) TriggerDLQ(ctx context.Context, e events.Event, pluginNames ...string) error {
	return m.trigger(ctx, triggerDLQ, e, pluginNames)
}

type triggerKind string

const (
	triggerEvent  triggerKind = "event"
	triggerReplay triggerKind = "replay"
	triggerDLQ    triggerKind = "dlq"
)

func (m *Manager) trigger(ctx context.Context, kind triggerKind, e events.Event, pluginNames []string) error {
	m.mu.RLock()
	if !m.initialized {
		m.mu.RUnlock()
		return ErrNotInitialized
	}
	targets := m.matchLocked(e, pluginNames)
	m.mu.RUnlock()

	if len(targets) == 0 {
		m.logger.Debug().Str("event", e.Name).Str("trigger", string(kind)).Msg("No matching plugins for event.")
		return nil
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, p := range targets {
		hook := m.hookFor(p, kind)
		if hook == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.invoke(ctx, p, hook, e); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// invoke runs a single hook with a fresh context, capturing panics and routing
// failures to the plugin's OnError.
func (m *Manager) invoke(ctx context.Context, p *Plugin, hook HookFunc, e events.Event) (err error) {
	pctx := m.newContext(p)
	pctx.Logger = pctx.Logger.With().Str("event", e.Name).Str("event_id", e.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %q panicked: %v", p.Name, r)
			m.handleHookError(ctx, p, err, e, pctx)
		}
	}()

	if err = hook(ctx, e, pctx); err != nil {
		err = fmt.Errorf("plugin %q failed: %w", p.Name, err)
		m.handleHookError(ctx, p, err, e, pctx)
	}
	return err
}

func (m *Manager) handleHookError(ctx context.Context, p *Plugin, cause error, e events.Event, pctx *Context) {
	m.logger.Error().Err(cause).Str("plugin", p.Name).Str("event", e.Name).Str("event_id", e.ID).Msg("Plugin hook failed.")
	if p.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("plugin", p.Name).Msgf("Plugin onError handler panicked: %v", r)
		}
	}()
	p.OnError(ctx, cause, e, pctx)
}

func (m *Manager) safeDestroy(ctx context.Context, p *Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destroy panicked: %v", r)
		}
	}()
	return p.Destroy(ctx, m.newContext(p))
}

func (m *Manager) hookFor(p *Plugin, kind triggerKind) HookFunc {
	switch kind {
	case triggerReplay:
		if p.OnReplay != nil {
			return p.OnReplay
		}
		return p.OnEvent
	case triggerDLQ:
		return p.OnDLQ
	default:
		return p.OnEvent
	}
}

// newContext builds a fresh per-invocation context for the plugin. The config
// map is copied so plugin writes never reach the manager's view.
func (m *Manager) newContext(p *Plugin) *Context {
	config := make(map[string]any)
	for k, v := range m.configs[p.Name] {
		config[k] = v
	}
	return &Context{
		Logger:  m.logger.With().Str("plugin", p.Name).Logger(),
		Config:  config,
		HTTP:    m.http,
		Metrics: m.metrics,
		emit:    m.emitDetached,
	}
}

// emitDetached schedules a new dispatch of e through this manager. The caller
// never waits; failures on the emitted path are logged only.
func (m *Manager) emitDetached(e events.Event) {
	go func() {
		if err := m.TriggerEvent(context.Background(), e); err != nil {
			m.logger.Error().Err(err).Str("event", e.Name).Str("event_id", e.ID).Msg("Emitted event dispatch failed.")
		}
	}()
}

// matchLocked applies the matching rule: the optional name filter first, then
// the plugin's own event filter. Callers hold at least a read lock.
func (m *Manager) matchLocked(e events.Event, pluginNames []string) []*Plugin {
	var nameSet map[string]struct{}
	if len(pluginNames) > 0 {
		nameSet = make(map[string]struct{}, len(pluginNames))
		for _, n := range pluginNames {
			nameSet[n] = struct{}{}
		}
	}

	var matched []*Plugin
	for _, name := range m.order {
		p := m.plugins[name]
		if nameSet != nil {
			if _, ok := nameSet[p.Name]; !ok {
				continue
			}
		}
		if p.Events.Matches(e.Name) {
			matched = append(matched, p)
		}
	}
	return matched
}

func (m *Manager) snapshotLocked() []*Plugin {
	out := make([]*Plugin, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.plugins[name])
	}
	return out
}

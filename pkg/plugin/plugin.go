package plugin

import (
	"context"
	"time"

	"github.com/sdiaco/eventbridge-router/pkg/events"
)

// Mode selects the dispatch discipline for a plugin's downstream side effects.
//
// Note that ModeAsync does not mean the manager dispatches the plugin in the
// background: the router always waits for the whole dispatch group to return.
// It means the plugin's own external calls (HTTP, publishes) are expected to be
// fire-and-forget, so async groups stay bounded in time.
type Mode string

const (
	ModeAsync Mode = "async"
	ModeSync  Mode = "sync"
)

// Strategy selects how a sync-mode plugin is executed.
type Strategy string

const (
	// StrategyInline runs the plugin in-process. This is the default.
	StrategyInline Strategy = "inline"
	// StrategyWorker delegates execution to a separate worker process.
	// Declared but not implemented; the router logs and skips these groups.
	StrategyWorker Strategy = "worker"
)

// Metadata carries informational fields about a plugin. EstimatedDuration is a
// hint only and never enforced.
type Metadata struct {
	Version           string
	Description       string
	Owner             string
	ExecutionStrategy Strategy
	EstimatedDuration time.Duration
}

// HookFunc is the signature of the event-facing hooks.
type HookFunc func(ctx context.Context, e events.Event, pctx *Context) error

// Plugin is a registered unit of behavior. All hooks are optional; absence is a
// first-class case, not an error. Hook implementations must be safe under
// concurrent invocation: the manager may run the same plugin on different
// events in parallel.
type Plugin struct {
	// Name uniquely identifies the plugin within a manager. Used in logs and
	// error capture.
	Name string

	// Mode is the dispatch discipline, see Mode.
	Mode Mode

	// Events filters which event names this plugin handles. A nil filter
	// matches every event.
	Events *EventFilter

	Metadata Metadata

	// Init runs once, in parallel with every other plugin's Init, during
	// Manager.Init. A returned error aborts startup.
	Init func(ctx context.Context, pctx *Context) error

	// Destroy runs during Manager.Destroy. Failures are logged, never returned.
	Destroy func(ctx context.Context, pctx *Context) error

	// OnEvent handles a live event.
	OnEvent HookFunc

	// OnReplay handles a replayed event. When absent, TriggerReplay falls back
	// to OnEvent.
	OnReplay HookFunc

	// OnDLQ handles an event pulled back off the dead-letter queue. No fallback.
	OnDLQ HookFunc

	// OnError is invoked with the failure whenever another hook of this plugin
	// returns an error. Errors raised inside OnError itself are swallowed.
	OnError func(ctx context.Context, cause error, e events.Event, pctx *Context)
}

// EventFilter decides whether a plugin handles a given event name. A filter is
// either a finite name set or a predicate; the zero value (and a nil filter)
// matches everything.
type EventFilter struct {
	names map[string]struct{}
	pred  func(name string) bool
}

// OnNames builds a filter matching exactly the given event names.
func OnNames(names ...string) *EventFilter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &EventFilter{names: set}
}

// OnPredicate builds a filter from an arbitrary predicate over the event name.
func OnPredicate(pred func(name string) bool) *EventFilter {
	return &EventFilter{pred: pred}
}

// Matches reports whether the filter accepts the event name.
func (f *EventFilter) Matches(name string) bool {
	if f == nil {
		return true
	}
	if f.names != nil {
		_, ok := f.names[name]
		return ok
	}
	if f.pred != nil {
		return f.pred(name)
	}
	return true
}

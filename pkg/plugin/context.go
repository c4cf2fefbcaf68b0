package plugin

import (
	"github.com/rs/zerolog"

	"github.com/sdiaco/eventbridge-router/pkg/events"
	"github.com/sdiaco/eventbridge-router/pkg/httpclient"
)

// Metrics is the optional measurement capability exposed to plugins.
type Metrics interface {
	// Incr increments a named counter.
	Incr(name string)
}

// Context is the per-invocation view handed to every hook. A fresh Context is
// built for each dispatch; the config map is a copy, so plugins may read it
// freely but writes never reach the manager.
type Context struct {
	// Logger is scoped to the plugin and the dispatch that produced this context.
	Logger zerolog.Logger

	// Config is the entry under the plugin's name in the manager-level config
	// map, or an empty map when absent.
	Config map[string]any

	// HTTP is the shared retrying HTTP capability. May be nil.
	HTTP *httpclient.Client

	// Metrics may be nil.
	Metrics Metrics

	emit func(e events.Event)
}

// Emit schedules e for a new dispatch through the same manager as a detached
// task. The call returns immediately; errors on the emitted path are logged by
// the manager, never surfaced here.
func (c *Context) Emit(e events.Event) {
	if c.emit != nil {
		c.emit(e)
	}
}

package archive

import (
	"context"
	"time"

	"github.com/sdiaco/eventbridge-router/pkg/events"
	"github.com/sdiaco/eventbridge-router/pkg/plugin"
)

// PluginName is the registry name of the built-in archive plugin.
const PluginName = "event-archive"

// NewPlugin wraps a BatchInserter as an async-mode plugin that appends one
// record per dispatched event. The record reflects the dispatch, not the
// batch outcome: an event that later fails a sync plugin still appears in the
// archive. The batcher's lifecycle rides the plugin's Init and Destroy hooks.
func NewPlugin(batcher *BatchInserter[events.Record], filter *plugin.EventFilter) *plugin.Plugin {
	return &plugin.Plugin{
		Name:   PluginName,
		Mode:   plugin.ModeAsync,
		Events: filter,
		Metadata: plugin.Metadata{
			Description: "Appends every routed event to the analytical archive.",
			Owner:       "platform",
		},
		Init: func(ctx context.Context, _ *plugin.Context) error {
			batcher.Start(ctx)
			return nil
		},
		Destroy: func(ctx context.Context, _ *plugin.Context) error {
			return batcher.Stop(ctx)
		},
		OnEvent: func(ctx context.Context, e events.Event, pctx *plugin.Context) error {
			rec := events.NewRecord(e, events.StatusProcessed, time.Now(), 0)
			if err := batcher.Put(ctx, rec); err != nil {
				pctx.Logger.Warn().Err(err).Msg("Archive enqueue failed.")
				return err
			}
			return nil
		},
	}
}

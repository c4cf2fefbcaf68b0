package eventstore

import (
	"context"

	"github.com/sdiaco/eventbridge-router/pkg/events"
)

// EventStore is the durable record store behind the router's deduplication and
// persistence steps.
type EventStore interface {
	// BatchCheckDuplicates returns the subset of ids already present in the
	// table. Implementations must accept any batch up to the router's
	// configured batch size, chunking internally when the backend has a
	// smaller per-request cap.
	BatchCheckDuplicates(ctx context.Context, table string, ids []string) (map[string]struct{}, error)

	// StoreEvent upserts a record keyed by its EventID.
	StoreEvent(ctx context.Context, table string, rec *events.Record) error
}

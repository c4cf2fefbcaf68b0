package dlq

import "context"

// Entry is one serialized envelope in a dead-letter batch. ID is opaque to the
// sink and only needs to be unique within the batch.
type Entry struct {
	ID          string
	MessageBody string
}

// Sink delivers batches of failure envelopes to a dead-letter destination.
type Sink interface {
	// SendBatch sends all entries to the destination named by url. It must
	// accept at least the router's configured batch size, and partial failures
	// must surface as an error.
	SendBatch(ctx context.Context, url string, entries []Entry) error
}

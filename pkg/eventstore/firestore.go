package eventstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sdiaco/eventbridge-router/pkg/events"
)

// Firestore caps "in" queries at 30 disjuncts per request.
const firestoreInQueryLimit = 30

// FirestoreStore is an EventStore backed by Firestore. Each router table maps
// to a collection; records are documents keyed by event id.
//
// Firestore has no native TTL column here; records carry the ttl field and
// expiry is expected to be configured as a TTL policy on that field.
type FirestoreStore struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore around an existing client. The
// client's lifecycle is managed by the caller.
func NewFirestoreStore(client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	return &FirestoreStore{
		client: client,
		logger: logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// BatchCheckDuplicates returns the subset of ids that exist in the collection.
// The lookup runs as chunked "in" queries on the document id; a chunk whose
// query fails falls back to per-id lookups, and a per-id lookup that fails is
// treated as not-duplicate so a store outage degrades to reprocessing rather
// than data loss.
func (s *FirestoreStore) BatchCheckDuplicates(ctx context.Context, table string, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(ids) == 0 {
		return found, nil
	}

	col := s.client.Collection(table)
	for start := 0; start < len(ids); start += firestoreInQueryLimit {
		end := start + firestoreInQueryLimit
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		if err := s.checkChunk(ctx, col, chunk, found); err != nil {
			s.logger.Warn().Err(err).Int("chunk_size", len(chunk)).Msg("Chunked duplicate query failed, falling back to individual lookups.")
			s.checkIndividually(ctx, col, chunk, found)
		}
	}
	return found, nil
}

// checkChunk runs one "in" query and records the ids it finds.
func (s *FirestoreStore) checkChunk(ctx context.Context, col *firestore.CollectionRef, chunk []string, found map[string]struct{}) error {
	refs := make([]*firestore.DocumentRef, len(chunk))
	for i, id := range chunk {
		refs[i] = col.Doc(id)
	}

	iter := col.Query.Where(firestore.DocumentID, "in", refs).Select().Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("firestore duplicate query: %w", err)
		}
		found[snap.Ref.ID] = struct{}{}
	}
}

// checkIndividually looks ids up one at a time, swallowing per-id errors.
func (s *FirestoreStore) checkIndividually(ctx context.Context, col *firestore.CollectionRef, chunk []string, found map[string]struct{}) {
	for _, id := range chunk {
		_, err := col.Doc(id).Get(ctx)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				s.logger.Warn().Err(err).Str("event_id", id).Msg("Individual duplicate lookup failed, treating as not duplicate.")
			}
			continue
		}
		found[id] = struct{}{}
	}
}

// StoreEvent upserts the record as a document keyed by its event id.
func (s *FirestoreStore) StoreEvent(ctx context.Context, table string, rec *events.Record) error {
	if rec.EventID == "" {
		return fmt.Errorf("record is missing an event id")
	}
	_, err := s.client.Collection(table).Doc(rec.EventID).Set(ctx, rec)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", rec.EventID).Msg("Failed to write event record to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", rec.EventID, err)
	}
	s.logger.Debug().Str("event_id", rec.EventID).Msg("Event record written to Firestore.")
	return nil
}

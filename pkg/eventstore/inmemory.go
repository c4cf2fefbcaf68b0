package eventstore

import (
	"context"
	"sync"

	"github.com/sdiaco/eventbridge-router/pkg/events"
)

// InMemoryStore is a thread-safe, map-backed EventStore for development and
// tests. Records never expire; the TTL field is stored but not enforced.
type InMemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]*events.Record
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tables: make(map[string]map[string]*events.Record),
	}
}

// BatchCheckDuplicates returns the subset of ids present in the table.
func (s *InMemoryStore) BatchCheckDuplicates(_ context.Context, table string, ids []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]struct{})
	records := s.tables[table]
	for _, id := range ids {
		if _, ok := records[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

// StoreEvent upserts the record keyed by its EventID.
func (s *InMemoryStore) StoreEvent(_ context.Context, table string, rec *events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tables[table] == nil {
		s.tables[table] = make(map[string]*events.Record)
	}
	s.tables[table][rec.EventID] = rec
	return nil
}

// GetRecord is a test helper returning the stored record for an id.
func (s *InMemoryStore) GetRecord(table, id string) (*events.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[table][id]
	return rec, ok
}

// Len returns the number of records in the table.
func (s *InMemoryStore) Len(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sdiaco/eventbridge-router/pkg/events"
)

// RedisConfig holds the configuration for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore is an EventStore backed by Redis, for deployments where dedup
// latency matters more than long retention. Records are JSON values under
// "<table>:<id>" keys; expiry uses Redis TTLs derived from the record's ttl.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
}

// NewRedisStore creates and connects a RedisStore. It pings the server to
// ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// BatchCheckDuplicates checks all ids in a single pipelined round trip and
// returns the subset that exist.
func (s *RedisStore) BatchCheckDuplicates(ctx context.Context, table string, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(ids) == 0 {
		return found, nil
	}

	pipe := s.redisClient.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, recordKey(table, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipelined exists: %w", err)
	}

	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			found[ids[i]] = struct{}{}
		}
	}
	return found, nil
}

// StoreEvent writes the record as JSON under the table-scoped key. A non-zero
// ttl field becomes a relative Redis expiry; records already past their expiry
// are not written.
func (s *RedisStore) StoreEvent(ctx context.Context, table string, rec *events.Record) error {
	if rec.EventID == "" {
		return fmt.Errorf("record is missing an event id")
	}

	jsonData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	var expiry time.Duration
	if rec.TTL > 0 {
		expiry = time.Until(time.Unix(rec.TTL, 0))
		if expiry <= 0 {
			s.logger.Warn().Str("event_id", rec.EventID).Msg("Record TTL is already in the past, skipping write.")
			return nil
		}
	}

	if err := s.redisClient.Set(ctx, recordKey(table, rec.EventID), jsonData, expiry).Err(); err != nil {
		s.logger.Error().Err(err).Str("event_id", rec.EventID).Msg("Failed to write event record to Redis.")
		return fmt.Errorf("redis set for %s: %w", rec.EventID, err)
	}
	s.logger.Debug().Str("event_id", rec.EventID).Msg("Event record written to Redis.")
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}

func recordKey(table, id string) string {
	return table + ":" + id
}

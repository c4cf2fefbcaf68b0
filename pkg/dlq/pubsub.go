package dlq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubsubSinkConfig holds configuration for the Pub/Sub dead-letter sink.
type PubsubSinkConfig struct {
	// TopicExistsTimeout bounds the existence check made the first time a
	// topic is used.
	TopicExistsTimeout time.Duration
	// PublishConfirmationTimeout bounds the wait for each entry's publish result.
	PublishConfirmationTimeout time.Duration
}

// NewPubsubSinkDefaults provides a config with sensible defaults.
func NewPubsubSinkDefaults() *PubsubSinkConfig {
	return &PubsubSinkConfig{
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// PubsubSink delivers dead-letter batches to a Google Pub/Sub topic. The
// destination url's last path segment names the topic, so configurations can
// carry full resource URLs.
type PubsubSink struct {
	client *pubsub.Client
	cfg    *PubsubSinkConfig
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubsubSink creates a PubsubSink around an existing client. The client's
// lifecycle is managed by the caller.
func NewPubsubSink(cfg *PubsubSinkConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg == nil {
		cfg = NewPubsubSinkDefaults()
	}
	return &PubsubSink{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "PubsubSink").Logger(),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// SendBatch publishes every entry to the topic named by url and waits for all
// publish confirmations. Failed entries are aggregated into a single error so
// partial failures are visible to the caller.
func (s *PubsubSink) SendBatch(ctx context.Context, url string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	topic, err := s.topicFor(ctx, url)
	if err != nil {
		return err
	}

	results := make([]*pubsub.PublishResult, len(entries))
	for i, entry := range entries {
		results[i] = topic.Publish(ctx, &pubsub.Message{
			Data:       []byte(entry.MessageBody),
			Attributes: map[string]string{"entry_id": entry.ID},
		})
	}

	var failed []string
	for i, res := range results {
		getCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishConfirmationTimeout)
		_, err := res.Get(getCtx)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Str("entry_id", entries[i].ID).Msg("Failed to publish dead-letter entry.")
			failed = append(failed, entries[i].ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to publish %d/%d dead-letter entries (ids: %s)", len(failed), len(entries), strings.Join(failed, ","))
	}

	s.logger.Debug().Int("entry_count", len(entries)).Str("topic", topic.ID()).Msg("Dead-letter batch published.")
	return nil
}

// Stop flushes and stops all topics used by the sink.
func (s *PubsubSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range s.topics {
		topic.Stop()
	}
	s.topics = make(map[string]*pubsub.Topic)
}

// topicFor resolves the topic for a destination url, checking existence the
// first time it is seen.
func (s *PubsubSink) topicFor(ctx context.Context, url string) (*pubsub.Topic, error) {
	topicID := url
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		topicID = url[idx+1:]
	}
	if topicID == "" {
		return nil, fmt.Errorf("dead-letter url %q does not name a topic", url)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if topic, ok := s.topics[topicID]; ok {
		return topic, nil
	}

	topic := s.client.Topic(topicID)
	existsCtx, cancel := context.WithTimeout(ctx, s.cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	s.topics[topicID] = topic
	return topic, nil
}

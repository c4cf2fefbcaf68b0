package queueworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Message is one raw message pulled off the upstream queue. The queue is
// at-least-once: Ack removes the message, Nack requests redelivery.
type Message struct {
	ID          string
	Payload     []byte
	PublishTime time.Time
	Attributes  map[string]string

	Ack  func()
	Nack func()
}

// Consumer is a source of upstream queue messages.
type Consumer interface {
	// Messages returns the channel the handler reads batches from.
	Messages() <-chan Message
	// Start begins consumption.
	Start(ctx context.Context) error
	// Stop gracefully ceases consumption and waits for background tasks.
	Stop(ctx context.Context) error
	// Done is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// PubsubConsumerConfig holds configuration for the Pub/Sub consumer.
type PubsubConsumerConfig struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
}

// NewPubsubConsumerDefaults provides a config with sensible defaults for the
// given subscription.
func NewPubsubConsumerDefaults(subscriptionID string) *PubsubConsumerConfig {
	return &PubsubConsumerConfig{
		SubscriptionID:         subscriptionID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
	}
}

// PubsubConsumer implements Consumer over a Google Pub/Sub subscription.
type PubsubConsumer struct {
	subscription *pubsub.Subscription
	logger       zerolog.Logger
	outputChan   chan Message
	stopOnce     sync.Once
	cancelFunc   context.CancelFunc
	wg           sync.WaitGroup
	doneChan     chan struct{}
}

// NewPubsubConsumer creates a consumer and verifies the subscription exists.
func NewPubsubConsumer(cfg *PubsubConsumerConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubConsumer, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &PubsubConsumer{
		subscription: sub,
		logger:       logger.With().Str("component", "PubsubConsumer").Str("subscription_id", cfg.SubscriptionID).Logger(),
		outputChan:   make(chan Message, cfg.MaxOutstandingMessages),
		doneChan:     make(chan struct{}),
	}, nil
}

// Messages returns the read-only message channel.
func (c *PubsubConsumer) Messages() <-chan Message { return c.outputChan }

// Start begins receiving from the subscription in a background goroutine.
func (c *PubsubConsumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting Pub/Sub message consumption...")
	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.outputChan)
		defer close(c.doneChan)

		err := c.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			payloadCopy := make([]byte, len(msg.Data))
			copy(payloadCopy, msg.Data)

			queueMsg := Message{
				ID:          msg.ID,
				Payload:     payloadCopy,
				PublishTime: msg.PublishTime,
				Attributes:  msg.Attributes,
				Ack:         msg.Ack,
				Nack:        msg.Nack,
			}

			select {
			case c.outputChan <- queueMsg:
			case <-receiveCtx.Done():
				msg.Nack()
				c.logger.Warn().Str("msg_id", msg.ID).Msg("Consumer stopping, Nacking message.")
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
	}()
	return nil
}

// Stop cancels the receive loop and waits for it to finish, respecting the
// context's deadline.
func (c *PubsubConsumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Pub/Sub consumer...")
		if c.cancelFunc != nil {
			c.cancelFunc()
		}
		select {
		case <-c.doneChan:
			c.logger.Info().Msg("Pub/Sub receive goroutine confirmed stopped.")
		case <-ctx.Done():
			c.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub receive goroutine to stop.")
			stopErr = ctx.Err()
		}
	})
	return stopErr
}

// Done returns the channel closed when the consumer has fully stopped.
func (c *PubsubConsumer) Done() <-chan struct{} { return c.doneChan }

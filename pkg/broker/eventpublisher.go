package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// GoogleEventPublisher publishes operational events to a Pub/Sub topic.
// Events are fire-and-forget: Publish queues the event and the result is
// logged asynchronously; Stop waits for outstanding results.
type GoogleEventPublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewGoogleEventPublisher verifies that the target topic exists before returning.
func NewGoogleEventPublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*GoogleEventPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &GoogleEventPublisher{
		topic:  topic,
		logger: logger.With().Str("component", "GoogleEventPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish queues a single event.
func (p *GoogleEventPublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// A fresh context so a short-lived caller context does not cancel the wait.
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to publish event.")
			return
		}
		p.logger.Debug().Str("event_msg_id", msgID).Msg("Event published.")
	}()
	return nil
}

// Stop flushes pending events, respecting the context's timeout.
func (p *GoogleEventPublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	// topic.Stop() is blocking, so we wrap it to respect the context timeout.
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		p.wg.Wait()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package pubsub carries job specs over Google Cloud Pub/Sub so schedulers
// and executors can run in separate processes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/dishwire/dishwire/internal/pipeline"
)

// Queue publishes job specs to a topic and pulls them from a subscription.
// Pub/Sub does not reorder messages, so manual-ahead delivery relies on a
// per-message priority attribute honored by the local buffer.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	manual    chan pipeline.JobSpec
	scheduled chan pipeline.JobSpec
	started   bool
}

// New creates a Pub/Sub client and verifies the topic and subscription exist.
// It authenticates using Application Default Credentials.
func New(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		closeClient(client, logger)
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !ok {
		closeClient(client, logger)
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	sub := client.Subscription(subscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		closeClient(client, logger)
		return nil, fmt.Errorf("check subscription %q: %w", subscriptionID, err)
	}
	if !ok {
		closeClient(client, logger)
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", subscriptionID, projectID)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:    client,
		topic:     topic,
		sub:       sub,
		logger:    logger,
		manual:    make(chan pipeline.JobSpec, 16),
		scheduled: make(chan pipeline.JobSpec, 64),
	}, nil
}

// Enqueue publishes the spec and waits for the server acknowledgment, so a
// returned nil really means the job is durable.
func (q *Queue) Enqueue(ctx context.Context, spec pipeline.JobSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal job spec: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": string(spec.Kind)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job %s: %w", spec.ID, err)
	}
	return nil
}

// Start begins pulling from the subscription into the local buffer. It must
// be called once before Dequeue and returns immediately; the receive loop
// runs until ctx ends.
func (q *Queue) Start(ctx context.Context) {
	if q.started {
		return
	}
	q.started = true
	go func() {
		err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			var spec pipeline.JobSpec
			if err := json.Unmarshal(msg.Data, &spec); err != nil {
				q.logger.Error("drop undecodable job message", zap.Error(err))
				msg.Ack()
				return
			}
			lane := q.scheduled
			if spec.Kind == pipeline.KindManual {
				lane = q.manual
			}
			select {
			case lane <- spec:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			q.logger.Error("pubsub receive loop stopped", zap.Error(err))
		}
	}()
}

// Dequeue pops the next spec, manual lane first.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.JobSpec, error) {
	select {
	case spec := <-q.manual:
		return spec, nil
	default:
	}
	select {
	case <-ctx.Done():
		return pipeline.JobSpec{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case spec := <-q.manual:
		return spec, nil
	case spec := <-q.scheduled:
		return spec, nil
	}
}

// Close stops the publisher and closes the client connection.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func closeClient(client *pubsub.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil && logger != nil {
		logger.Warn("close pubsub client", zap.Error(err))
	}
}

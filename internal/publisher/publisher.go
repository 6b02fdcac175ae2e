package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/autopilot-defi/autopilot-indexer/pkg/events"
)

// Publisher publishes raw contract logs to Redis Streams.
type Publisher struct {
	pub         message.Publisher
	redisClient redis.UniversalClient
	topic       string
}

// New creates a new Publisher.
func New(redisClient redis.UniversalClient, topic string) (*Publisher, error) {
	logger := watermill.NewSlogLogger(nil)

	pub, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redisClient,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		pub:         pub,
		redisClient: redisClient,
		topic:       topic,
	}, nil
}

// PublishLog publishes one contract log, with its block timestamp
// already resolved, to the queue.
func (p *Publisher) PublishLog(ctx context.Context, env events.Envelope) error {
	start := time.Now()

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	msgUUID := watermill.NewUUID()
	msg := message.NewMessage(msgUUID, payload)

	err = p.pub.Publish(p.topic, msg)
	duration := time.Since(start)

	if err != nil {
		slog.Error("redis publish failed",
			"tx_hash", env.Log.TxHash,
			"log_index", uint64(env.Log.LogIndex),
			"msg_uuid", msgUUID,
			"duration_ms", duration.Milliseconds(),
			"err", err,
		)
		return err
	}

	slog.Debug("redis publish ok",
		"tx_hash", env.Log.TxHash,
		"log_index", uint64(env.Log.LogIndex),
		"msg_uuid", msgUUID,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return p.pub.Close()
}

// QueueLength returns the number of messages in the Redis stream.
func (p *Publisher) QueueLength(ctx context.Context) (int64, error) {
	return p.redisClient.XLen(ctx, p.topic).Result()
}

// Topic returns the Redis stream topic name.
func (p *Publisher) Topic() string {
	return p.topic
}

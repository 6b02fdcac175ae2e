package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/autopilot-defi/autopilot-indexer/internal/projector"
	"github.com/autopilot-defi/autopilot-indexer/pkg/events"
)

// Config configures the worker.
type Config struct {
	RedisClient   redis.UniversalClient
	Projector     *projector.Projector
	Topic         string
	ConsumerGroup string
	Concurrency   int
}

// QueueStats holds queue statistics.
type QueueStats struct {
	StreamLength int64
	Pending      int64
	Consumers    int64
}

// Worker consumes contract logs from Redis Streams and projects them
// into derived state.
type Worker struct {
	router        *message.Router
	projector     *projector.Projector
	redisClient   redis.UniversalClient
	topic         string
	consumerGroup string
	retryDelay    time.Duration
}

// New creates a new Worker.
func New(cfg Config) (*Worker, error) {
	logger := watermill.NewSlogLogger(nil)

	sub, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:        cfg.RedisClient,
			ConsumerGroup: cfg.ConsumerGroup,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		router:        router,
		projector:     cfg.Projector,
		redisClient:   cfg.RedisClient,
		topic:         cfg.Topic,
		consumerGroup: cfg.ConsumerGroup,
		retryDelay:    5 * time.Second,
	}

	router.AddNoPublisherHandler(
		"project-log",
		cfg.Topic,
		sub,
		w.handleLog,
	)

	return w, nil
}

// handleLog processes a single log message.
func (w *Worker) handleLog(msg *message.Message) error {
	start := time.Now()
	msgUUID := msg.UUID

	var env events.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		slog.Warn("worker invalid payload",
			"msg_uuid", msgUUID,
			"len", len(msg.Payload),
			"err", err,
		)
		return nil // ack invalid messages to avoid infinite retry
	}

	ev, err := events.Decode(env.Log, env.BlockTime)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			slog.Debug("worker skipping unknown event",
				"tx_hash", env.Log.TxHash,
				"log_index", uint64(env.Log.LogIndex),
				"msg_uuid", msgUUID,
			)
			return nil
		}
		slog.Warn("worker undecodable log",
			"tx_hash", env.Log.TxHash,
			"log_index", uint64(env.Log.LogIndex),
			"msg_uuid", msgUUID,
			"err", err,
		)
		return nil
	}

	meta := ev.EventMeta()
	ctx := context.Background()
	if err := w.projector.Apply(ctx, ev); err != nil {
		if errors.Is(err, projector.ErrMalformedEvent) {
			slog.Warn("worker malformed event",
				"owner", meta.Owner,
				"event_id", meta.ID(),
				"msg_uuid", msgUUID,
				"err", err,
			)
			return nil // redelivery cannot fix a malformed event
		}

		duration := time.Since(start)
		slog.Error("worker projection failed",
			"owner", meta.Owner,
			"event_id", meta.ID(),
			"msg_uuid", msgUUID,
			"duration_ms", duration.Milliseconds(),
			"err", err,
		)
		// Delay before retry to avoid hammering on errors
		time.Sleep(w.retryDelay)
		return err // will be redelivered
	}

	duration := time.Since(start)
	slog.Debug("worker projection done",
		"owner", meta.Owner,
		"event_id", meta.ID(),
		"block", meta.BlockNumber,
		"msg_uuid", msgUUID,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// Run starts the worker. It blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.router.Run(ctx)
}

// Close closes the worker.
func (w *Worker) Close() error {
	return w.router.Close()
}

// QueueStats returns current queue statistics.
func (w *Worker) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats

	length, err := w.redisClient.XLen(ctx, w.topic).Result()
	if err != nil {
		return stats, err
	}
	stats.StreamLength = length

	groups, err := w.redisClient.XInfoGroups(ctx, w.topic).Result()
	if err != nil {
		// Stream might not exist yet
		return stats, nil
	}

	for _, g := range groups {
		if g.Name == w.consumerGroup {
			stats.Pending = g.Pending
			stats.Consumers = g.Consumers
			break
		}
	}

	return stats, nil
}

// LogQueueStats logs current queue statistics.
func (w *Worker) LogQueueStats(ctx context.Context) {
	stats, err := w.QueueStats(ctx)
	if err != nil {
		slog.Warn("worker queue stats error", "err", err)
		return
	}

	slog.Info("worker queue stats",
		"stream_length", stats.StreamLength,
		"pending", stats.Pending,
		"consumers", stats.Consumers,
	)
}

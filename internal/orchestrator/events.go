package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a lifecycle event on the orchestration stream.
type EventType string

const (
	EventSubmitted         EventType = "submitted"
	EventDecomposed        EventType = "decomposed"
	EventSubtaskDispatched EventType = "subtask_dispatched"
	EventSubtaskSucceeded  EventType = "subtask_succeeded"
	EventSubtaskFailed     EventType = "subtask_failed"
	EventCompleted         EventType = "completed"
	EventFailed            EventType = "failed"
	EventCancelled         EventType = "cancelled"
)

// Event is one entry in an orchestration's lifecycle stream.
type Event struct {
	OrchestrationID string    `json:"orchestration_id"`
	Type            EventType `json:"type"`
	SubtaskID       string    `json:"subtask_id,omitempty"`
	AgentID         string    `json:"agent_id,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher emits lifecycle events. A nil publisher disables the feed.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// EventBus publishes orchestration lifecycle events to Redis Streams,
// one stream per orchestration.
type EventBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

const streamPrefix = "bazaar:orch:"

// NewEventBus connects a Redis-backed event bus.
func NewEventBus(redisURL string, logger *zap.Logger) (*EventBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &EventBus{rdb: rdb, logger: logger}, nil
}

// Client exposes the underlying Redis client for sharing with other
// components (classifier cache).
func (b *EventBus) Client() *redis.Client { return b.rdb }

// Publish appends an event to the orchestration's stream.
func (b *EventBus) Publish(ctx context.Context, ev *Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := streamPrefix + ev.OrchestrationID
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published event",
		zap.String("orchestration", ev.OrchestrationID),
		zap.String("type", string(ev.Type)))
	return nil
}

// Subscribe listens for events on an orchestration's stream from the
// beginning. Returns a channel that emits events. Cancel the context to
// stop.
func (b *EventBus) Subscribe(ctx context.Context, orchestrationID string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := streamPrefix + orchestrationID

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()
			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *EventBus) Close() error {
	return b.rdb.Close()
}

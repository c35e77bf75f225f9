package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyberinferno/go-tcpclient/logger"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are published on when
// none is configured.
const DefaultRedisChannel = "tcpclient:events"

// wireEvent is the JSON shape published to Redis. Field names follow the
// connect_id/connected/data naming callers of the command surface use.
type wireEvent struct {
	Event        string `json:"event"`
	ConnectionID uint32 `json:"connect_id"`
	Connected    bool   `json:"connected"`
	Data         string `json:"data"`
	Address      string `json:"address,omitempty"`
	Generation   string `json:"generation,omitempty"`
	ErrorClass   string `json:"error_class,omitempty"`
	Timestamp    int64  `json:"ts"`
}

func encodeEvent(e Event) ([]byte, error) {
	w := wireEvent{
		Event:        e.Kind.String(),
		ConnectionID: e.ConnectionID,
		Connected:    e.Connected,
		Data:         e.Message,
		Address:      e.Address,
		Generation:   e.Generation,
		ErrorClass:   e.ErrorClass,
		Timestamp:    e.Timestamp.UnixMilli(),
	}
	if e.Kind == Data {
		w.Data = e.Text()
	}

	return json.Marshal(w)
}

// RedisSink publishes every event as JSON on a Redis pub/sub channel so an
// out-of-process runtime can subscribe to connection activity.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	log     logger.Logger
}

// NewRedisSink creates a sink publishing on channel through client.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	sink := event.NewRedisSink(client, "", time.Second, log)
//
// Parameters:
//   - client: Connected go-redis client; the sink does not close it
//   - channel: Pub/sub channel name; DefaultRedisChannel when empty
//   - timeout: Upper bound for each publish; one second when zero
//   - l: Logger for publish failures
//
// Returns:
//   - A new *RedisSink
func NewRedisSink(client *redis.Client, channel string, timeout time.Duration, l logger.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	if l == nil {
		l = logger.NewNopLogger()
	}

	return &RedisSink{
		client:  client,
		channel: channel,
		timeout: timeout,
		log:     l.With(logger.F("component", "redis_sink"), logger.F("channel", channel)),
	}
}

// Emit implements Sink. Publish failures are logged and otherwise ignored.
func (s *RedisSink) Emit(e Event) {
	if err := s.Publish(context.Background(), e); err != nil {
		s.log.Warn("event publish failed", logger.Err(err), logger.F("connection_id", e.ConnectionID))
	}
}

// Publish encodes e and publishes it, bounded by the sink timeout.
//
// Parameters:
//   - ctx: Parent context for the publish
//   - e: The event to publish
//
// Returns:
//   - An error if encoding or publishing fails
func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	return nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitchlens/inference-scheduler/pkg/logging"
)

// RedisOptions configures the relay connection
type RedisOptions struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// DefaultRedisOptions returns local defaults
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Address: "localhost:6379",
		Channel: "inference-scheduler:events",
	}
}

// RedisRelay republishes bus events on a Redis pub/sub channel so other processes
// (dashboards, a second master in standby) can follow state changes.
type RedisRelay struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *logging.Logger
}

// NewRedisRelay connects to Redis and verifies the connection with PING
func NewRedisRelay(ctx context.Context, opts RedisOptions, logger *logging.Logger) (*RedisRelay, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultRedisOptions().Channel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Address, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisRelay{client: client, channel: opts.Channel, timeout: 2 * time.Second, logger: logger}, nil
}

// Encode serializes an event as its wire message
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e.Message())
}

// Decode parses a wire message produced by Encode
func Decode(data []byte) (Event, error) {
	var msg struct {
		Type    Type  `json:"type"`
		Payload Event `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, err
	}
	if msg.Payload.Type == "" {
		msg.Payload.Type = msg.Type
	}
	return msg.Payload, nil
}

// Handle is a bus Handler that publishes e to Redis
func (r *RedisRelay) Handle(e Event) {
	data, err := Encode(e)
	if err != nil {
		r.logger.Error(fmt.Sprintf("[RedisRelay] encode %s %s: %v", e.Type, e.EntityID, err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn(fmt.Sprintf("[RedisRelay] publish %s %s: %v", e.Type, e.EntityID, err))
	}
}

// Follow subscribes to the relay channel and calls fn for every decoded event until ctx is done
func (r *RedisRelay) Follow(ctx context.Context, fn Handler) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn(fmt.Sprintf("[RedisRelay] bad message: %v", err))
				continue
			}
			fn(e)
		}
	}
}

// Close closes the Redis client
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

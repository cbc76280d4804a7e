package publish

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of *redis.Client used for publishing.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Redis publishes each revolution with PUBLISH. The topic is the channel unless a
// channel override is set.
type Redis struct {
	client  redisClient
	channel string
}

// NewRedis connects to the server described by opts and checks it with PING.
func NewRedis(ctx context.Context, opts *redis.Options, channel string) (*Redis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", opts.Addr, err)
	}
	glog.Infof("Connected to redis %s", opts.Addr)
	return NewRedisWithClient(client, channel), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redisClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if r.channel != "" {
		topic = r.channel
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

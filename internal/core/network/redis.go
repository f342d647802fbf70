package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrEmptyRedisURL = errors.New("network: empty redis url")

// RedisPubSub federates hub nodes through redis PUBLISH/SUBSCRIBE.
type RedisPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *redis.Client
	buffer int
	log    zerolog.Logger
}

// NewRedisPubSub parses url (redis:// or rediss://) and verifies the server
// answers a PING before returning.
func NewRedisPubSub(parent context.Context, url string, logger zerolog.Logger) (*RedisPubSub, error) {
	if url == "" {
		return nil, ErrEmptyRedisURL
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(parent).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisPubSubFromClient(parent, client, logger), nil
}

// NewRedisPubSubFromClient wraps an existing client; Close closes it.
func NewRedisPubSubFromClient(parent context.Context, client *redis.Client, logger zerolog.Logger) *RedisPubSub {
	ctx, cancel := context.WithCancel(parent)
	return &RedisPubSub{
		ctx:    ctx,
		cancel: cancel,
		client: client,
		buffer: defaultTopicBuffer,
		log:    logger.With().Str("component", "redis").Logger(),
	}
}

func (r *RedisPubSub) Publish(topic string, payload []byte) error {
	return r.client.Publish(r.ctx, topic, payload).Err()
}

func (r *RedisPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	sub := r.client.Subscribe(r.ctx, topic)
	// Wait for the subscription confirmation so publishes issued right after
	// Subscribe returns are not missed.
	if _, err := sub.Receive(r.ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	in := sub.Channel()
	out := make(chan Message, r.buffer)
	go func() {
		defer close(out)
		for msg := range in {
			select {
			case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				r.log.Warn().Str("topic", topic).Msg("federation subscriber buffer full, message dropped")
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func (r *RedisPubSub) Close() error {
	r.cancel()
	return r.client.Close()
}

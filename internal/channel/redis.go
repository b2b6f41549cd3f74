package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Redis is a Channel backed by Redis pub/sub.
type Redis struct {
	Logger *log.Logger

	client *redis.Client
}

func NewRedis(rawURL string) (*Redis, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("missing redis url")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Publish(ctx context.Context, name string, payload []byte) error {
	if err := r.client.Publish(ctx, name, payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning so
// that publishes issued afterwards are observed.
func (r *Redis) Subscribe(ctx context.Context, name string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("missing handler")
	}
	ps := r.client.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	sub := &redisSubscription{ps: ps}
	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			if sub.stopped() {
				return
			}
			handler([]byte(msg.Payload))
		}
		if r.Logger != nil && !sub.stopped() {
			r.Logger.Warn("redis subscription ended", "channel", name)
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub

	mu     sync.Mutex
	closed bool
}

func (s *redisSubscription) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.ps.Close()
}

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannelPrefix namespaces room channels on a shared Redis.
const DefaultChannelPrefix = "ttt:"

// RedisHub fans envelopes out across server instances with Redis pub/sub.
type RedisHub struct {
	rdb    *redis.Client
	prefix string
	logger logrus.FieldLogger
}

// NewRedisHub wraps an already connected client.
func NewRedisHub(rdb *redis.Client, logger logrus.FieldLogger) *RedisHub {
	return &RedisHub{rdb: rdb, prefix: DefaultChannelPrefix, logger: logger}
}

func (h *RedisHub) channel(room string) string { return h.prefix + room }

func (h *RedisHub) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := h.rdb.Publish(ctx, h.channel(env.Room), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", env.Room, err)
	}
	return nil
}

// Subscribe returns a subscription that opens its Redis connection on the first Join.
func (h *RedisHub) Subscribe(_ context.Context) (Subscription, error) {
	return &redisSub{
		hub:  h,
		out:  make(chan Envelope, 32),
		done: make(chan struct{}),
	}, nil
}

type redisSub struct {
	hub *RedisHub

	mu     sync.Mutex
	ps     *redis.PubSub
	out    chan Envelope
	done   chan struct{}
	closed bool
}

func (s *redisSub) Join(ctx context.Context, rooms ...string) error {
	if len(rooms) == 0 {
		return nil
	}
	channels := make([]string, len(rooms))
	for i, r := range rooms {
		channels[i] = s.hub.channel(r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.ps != nil {
		return s.ps.Subscribe(ctx, channels...)
	}

	ps := s.hub.rdb.Subscribe(ctx, channels...)
	// wait for the server to confirm so publishes after Join are not missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	s.ps = ps
	go s.pump(ps.Channel())
	return nil
}

func (s *redisSub) Leave(ctx context.Context, rooms ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ps == nil || len(rooms) == 0 {
		return nil
	}
	channels := make([]string, len(rooms))
	for i, r := range rooms {
		channels[i] = s.hub.channel(r)
	}
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *redisSub) Events() <-chan Envelope { return s.out }

func (s *redisSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.ps == nil {
		close(s.out)
		return nil
	}
	return s.ps.Close()
}

// pump decodes Redis messages until the PubSub is closed, then closes out.
func (s *redisSub) pump(msgs <-chan *redis.Message) {
	defer close(s.out)
	for msg := range msgs {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			s.hub.logger.WithField("channel", msg.Channel).WithError(err).Warn("invalid envelope on channel")
			continue
		}
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

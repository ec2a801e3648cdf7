package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fundroom/internal/idgen"
)

// Channels used for cross-process invalidation.
const (
	TeamInvalidationChannel = "fundroom:tier:team"
	OrgInvalidationChannel  = "fundroom:tier:org"
)

const publishTimeout = 2 * time.Second

// PubSub is the transport a Broadcaster publishes invalidations on.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers payloads until ctx is cancelled, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

type invalidation struct {
	Origin string `json:"origin"`
	Op     string `json:"op"` // "invalidate" or "clear"
	Key    string `json:"key,omitempty"`
}

// Broadcaster decorates a local Cache so that Invalidate and Clear reach
// every process sharing the channel. Reads and writes stay local.
type Broadcaster[V any] struct {
	Cache[V]
	pubsub  PubSub
	channel string
	origin  string
	logger  *slog.Logger
}

// NewBroadcaster wraps local. Call Listen to apply remote invalidations.
func NewBroadcaster[V any](local Cache[V], ps PubSub, channel string, logger *slog.Logger) *Broadcaster[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[V]{
		Cache:   local,
		pubsub:  ps,
		channel: channel,
		origin:  idgen.New(),
		logger:  logger,
	}
}

func (b *Broadcaster[V]) Invalidate(key string) {
	b.Cache.Invalidate(key)
	b.publish(invalidation{Origin: b.origin, Op: "invalidate", Key: key})
}

func (b *Broadcaster[V]) Clear() {
	b.Cache.Clear()
	b.publish(invalidation{Origin: b.origin, Op: "clear"})
}

// publish is best effort. The local entry is already gone; a lost message
// leaves peers stale until their own TTL or next invalidation.
func (b *Broadcaster[V]) publish(msg invalidation) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("tier cache: encode invalidation", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.pubsub.Publish(ctx, b.channel, payload); err != nil {
		b.logger.Warn("tier cache: publish invalidation failed",
			"channel", b.channel, "op", msg.Op, "key", msg.Key, "error", err)
	}
}

// Listen applies invalidations published by other processes until ctx is
// cancelled. It blocks; run it in a goroutine.
func (b *Broadcaster[V]) Listen(ctx context.Context) error {
	msgs, err := b.pubsub.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("tier cache: subscribe %s: %w", b.channel, err)
	}
	for payload := range msgs {
		var msg invalidation
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.logger.Warn("tier cache: malformed invalidation", "channel", b.channel, "error", err)
			continue
		}
		if msg.Origin == b.origin {
			continue
		}
		switch msg.Op {
		case "invalidate":
			b.Cache.Invalidate(msg.Key)
		case "clear":
			b.Cache.Clear()
		}
	}
	return ctx.Err()
}

// RedisPubSub adapts a go-redis client to PubSub.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub connects to url (redis://...) and verifies the connection.
func NewRedisPubSub(ctx context.Context, url string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisPubSub{client: client}, nil
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Client exposes the underlying connection for health checks.
func (r *RedisPubSub) Client() redis.UniversalClient {
	return r.client
}

func (r *RedisPubSub) Close() error {
	return r.client.Close()
}

package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// HistoryLimit caps the per-world history list.
const HistoryLimit = 200

// EventsChannel returns the Pub/Sub channel for a world's events.
// Pattern: lobby:{world_id}:activity_events
func EventsChannel(worldID string) string {
	return fmt.Sprintf("lobby:%s:activity_events", worldID)
}

// HistoryKey returns the list holding a world's recent events, newest first.
// Pattern: lobby:{world_id}:activity
func HistoryKey(worldID string) string {
	return fmt.Sprintf("lobby:%s:activity", worldID)
}

// RedisPublisher publishes events to Redis and keeps a capped history.
// It is safe for concurrent use.
type RedisPublisher struct {
	rdb     *redis.Client
	worldID string
}

// NewRedisPublisher creates a publisher namespaced by worldID.
func NewRedisPublisher(opts *redis.Options, worldID string) (*RedisPublisher, error) {
	if worldID == "" {
		return nil, fmt.Errorf("world id cannot be empty")
	}
	return &RedisPublisher{rdb: redis.NewClient(opts), worldID: worldID}, nil
}

// NewRedisPublisherFromURL parses a redis:// URL.
func NewRedisPublisherFromURL(url, worldID string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewRedisPublisher(opts, worldID)
}

// Ping verifies Redis connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// Publish appends ev to the history and announces it on the events channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev *Event) error {
	stamp(ev, p.worldID)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal activity event: %w", err)
	}

	key := HistoryKey(p.worldID)
	pipe := p.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, HistoryLimit-1)
	pipe.Publish(ctx, EventsChannel(p.worldID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish activity event: %w", err)
	}
	return nil
}

// History returns up to n recent events, oldest first.
func (p *RedisPublisher) History(ctx context.Context, n int) ([]*Event, error) {
	if n <= 0 || n > HistoryLimit {
		n = HistoryLimit
	}
	raw, err := p.rdb.LRange(ctx, HistoryKey(p.worldID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read activity history: %w", err)
	}
	out := make([]*Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var ev Event
		if err := json.Unmarshal([]byte(raw[i]), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// Subscription is a live feed of events. Call Close when done.
type Subscription struct {
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan *Event { return s.events }

// Errors returns decode failures. The subscription continues after errors.
func (s *Subscription) Errors() <-chan error { return s.errors }

// Close stops the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe streams events published after the call returns.
func (p *RedisPublisher) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := p.rdb.Subscribe(ctx, EventsChannel(p.worldID))
	// Wait for the subscription to be confirmed so no event is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to activity events: %w", err)
	}

	events := make(chan *Event, 10)
	errs := make(chan error, 10)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errs <- fmt.Errorf("failed to unmarshal activity event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case events <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: events, errors: errs, cancel: cancel}, nil
}

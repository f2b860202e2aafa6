// Package lock provides the reconciler's distributed lock and an optional
// dispatch-wakeup pub/sub channel, both backed by Redis. It is never a
// second task queue — the engine has exactly one, Postgres-backed queue
// (internal/taskqueue); Redis here only arbitrates which engine instance
// runs the startup reconciliation sweep (P8). The pub/sub channel is not
// wired into the engine: the worker pool does not subscribe to it and
// nothing publishes on it, so workers rely on polling alone.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is a Redis-backed mutual-exclusion lock plus pub/sub, narrowed
// from the teacher's RedisRepository down to the operations the
// reconciler actually needs.
type Locker struct {
	client *redis.Client
}

func New(url string) (*Locker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Locker{client: client}, nil
}

// AcquireLock takes a TTL'd mutual-exclusion lock keyed by name. A true
// result means this caller holds the lock; the TTL bounds how long a
// crashed holder can block others.
func (l *Locker) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := "lock:" + name
	data, err := json.Marshal(map[string]any{"locked_at": time.Now().Format(time.RFC3339), "ttl": ttl.String()})
	if err != nil {
		return false, err
	}
	return l.client.SetNX(ctx, key, data, ttl).Result()
}

func (l *Locker) ReleaseLock(ctx context.Context, name string) error {
	return l.client.Del(ctx, "lock:"+name).Err()
}

func (l *Locker) IsLocked(ctx context.Context, name string) (bool, error) {
	exists, err := l.client.Exists(ctx, "lock:"+name).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Publish broadcasts a JSON-encoded wakeup notification (e.g. "task
// enqueued") on channel.
func (l *Locker) Publish(ctx context.Context, channel string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return l.client.Publish(ctx, channel, data).Err()
}

// Subscribe returns a channel of the raw payloads published to channel
// (the JSON bytes Publish wrote, not decoded).
// The returned channel is closed when ctx is done or the subscription
// ends.
func (l *Locker) Subscribe(ctx context.Context, channel string) <-chan []byte {
	pubsub := l.client.Subscribe(ctx, channel)
	out := make(chan []byte)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok || msg == nil {
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

	return out
}

func (l *Locker) Close() error {
	return l.client.Close()
}

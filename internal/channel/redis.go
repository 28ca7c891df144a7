package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPollInterval bounds each BLPOP so Receive notices ctx cancellation
// even on clients without context-aware reads.
const DefaultPollInterval = time.Second

// Redis is a Sender and Receiver backed by a Redis list holding JSON
// messages. One list per direction.
type Redis[T any] struct {
	client redis.UniversalClient
	key    string
	poll   time.Duration
}

// NewRedis uses client and the list named key.
func NewRedis[T any](client redis.UniversalClient, key string) *Redis[T] {
	return &Redis[T]{client: client, key: key, poll: DefaultPollInterval}
}

// WithPollInterval sets how long each BLPOP waits. Non-positive values keep
// the current interval.
func (r *Redis[T]) WithPollInterval(d time.Duration) *Redis[T] {
	if d > 0 {
		r.poll = d
	}
	return r
}

// NewRedisClient connects to a single Redis server.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Key returns the list name.
func (r *Redis[T]) Key() string {
	return r.key
}

// Send appends msg to the list.
func (r *Redis[T]) Send(ctx context.Context, msg T) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", r.key, err)
	}
	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		return unavailable(fmt.Sprintf("push to %s", r.key), err)
	}
	return nil
}

// Receive pops the oldest message, blocking until one arrives or ctx is done.
func (r *Redis[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := r.client.BLPop(ctx, r.poll, r.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, fmt.Errorf("pop from %s: %w", r.key, err)
		}
		// BLPOP returns [key, value].
		if len(res) != 2 {
			return zero, fmt.Errorf("pop from %s: unexpected reply of %d elements", r.key, len(res))
		}
		var msg T
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			return zero, fmt.Errorf("decode message from %s: %w", r.key, err)
		}
		return msg, nil
	}
}

// Len returns the list length.
func (r *Redis[T]) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", r.key, err)
	}
	return n, nil
}

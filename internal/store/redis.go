// ABOUTME: Redis-backed WaitingList implementation
// ABOUTME: Lets multiple gateway instances share one waiting queue

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	waitingQueueKey   = "livechat:waiting:queue"   // sorted set scored by enqueue time
	waitingEntriesKey = "livechat:waiting:entries" // hash user_id -> entry JSON
)

// RedisWaitingList implements the WaitingList interface on Redis so that the
// queue survives restarts and can be shared across gateway instances.
type RedisWaitingList struct {
	client *redis.Client
}

// NewRedisWaitingList connects to Redis and verifies the connection.
func NewRedisWaitingList(ctx context.Context, redisURL string) (*RedisWaitingList, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisWaitingList{client: client}, nil
}

// Close closes the Redis connection.
func (r *RedisWaitingList) Close() error {
	return r.client.Close()
}

// Enqueue inserts a waiting entry unless the user already has one.
func (r *RedisWaitingList) Enqueue(ctx context.Context, entry *WaitingEntry) error {
	e := *entry
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	body, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshaling waiting entry: %w", err)
	}

	// HSetNX guards idempotence; the queue member is only added when the
	// hash field was actually created.
	added, err := r.client.HSetNX(ctx, waitingEntriesKey, e.UserID, body).Result()
	if err != nil {
		return fmt.Errorf("storing waiting entry: %w", err)
	}
	if !added {
		return nil
	}

	err = r.client.ZAdd(ctx, waitingQueueKey, redis.Z{
		Score:  float64(e.EnqueuedAt.UnixNano()),
		Member: e.UserID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queueing waiting entry: %w", err)
	}
	return nil
}

// Dequeue removes a user's waiting entry. Removing an absent entry is a no-op.
func (r *RedisWaitingList) Dequeue(ctx context.Context, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, waitingQueueKey, userID)
	pipe.HDel(ctx, waitingEntriesKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing waiting entry: %w", err)
	}
	return nil
}

// ListQueued returns waiting entries in FIFO order.
func (r *RedisWaitingList) ListQueued(ctx context.Context) ([]*WaitingEntry, error) {
	userIDs, err := r.client.ZRange(ctx, waitingQueueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing waiting queue: %w", err)
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	raw, err := r.client.HMGet(ctx, waitingEntriesKey, userIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching waiting entries: %w", err)
	}

	entries := make([]*WaitingEntry, 0, len(raw))
	for _, v := range raw {
		body, ok := v.(string)
		if !ok {
			// Entry removed between ZRange and HMGet.
			continue
		}
		var e WaitingEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("unmarshaling waiting entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// InWaitingList reports whether the user has a waiting entry.
func (r *RedisWaitingList) InWaitingList(ctx context.Context, userID string) (bool, error) {
	exists, err := r.client.HExists(ctx, waitingEntriesKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("checking waiting entry: %w", err)
	}
	return exists, nil
}

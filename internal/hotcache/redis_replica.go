package hotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReplica mirrors hot entries to Redis so multiple scan-service
// instances in front of the same event see each other's counters.
type RedisReplica struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisReplica connects to Redis and verifies connectivity.
func NewRedisReplica(addr, password string, db int) (*RedisReplica, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisReplica{rdb: rdb, prefix: "scan:ticket:"}, nil
}

// Close shuts down the underlying redis client.
func (r *RedisReplica) Close() error {
	return r.rdb.Close()
}

func (r *RedisReplica) key(ticketID string) string {
	return r.prefix + ticketID
}

func (r *RedisReplica) Publish(ctx context.Context, e *Entry, ttl time.Duration) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return r.rdb.Set(ctx, r.key(e.TicketID), payload, ttl).Err()
}

func (r *RedisReplica) Fetch(ctx context.Context, ticketID string) (*Entry, error) {
	payload, err := r.rdb.Get(ctx, r.key(ticketID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry := &Entry{}
	if err := json.Unmarshal(payload, entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}

func (r *RedisReplica) Invalidate(ctx context.Context, ticketID string) error {
	return r.rdb.Del(ctx, r.key(ticketID)).Err()
}

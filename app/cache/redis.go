package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotHashKey = "regwatch:snapshot_hash"

// Cache is a best-effort Redis layer in front of the snapshot store. It keeps
// the last seen registry content hash so an unchanged listing can be skipped
// without touching SQLite. All failures degrade to a cache miss; the pipeline
// never depends on Redis being up.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr string, ttl time.Duration) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis unavailable, snapshot hash caching disabled", "addr", addr, "error", err)
	} else {
		slog.Debug("Connected to Redis", "addr", addr)
	}

	return &Cache{client: client, ttl: ttl}
}

// GetSnapshotHash returns the cached registry content hash, or "" on a miss
// or any Redis failure.
func (c *Cache) GetSnapshotHash(ctx context.Context) string {
	val, err := c.client.Get(ctx, snapshotHashKey).Result()
	if err == redis.Nil {
		return ""
	}
	if err != nil {
		slog.Debug("Snapshot hash cache read failed", "error", err)
		return ""
	}
	return val
}

// SetSnapshotHash stores the latest registry content hash. Failures are
// logged and swallowed.
func (c *Cache) SetSnapshotHash(ctx context.Context, hash string) {
	if err := c.client.Set(ctx, snapshotHashKey, hash, c.ttl).Err(); err != nil {
		slog.Debug("Snapshot hash cache write failed", "error", err)
	}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Package cache is an optional read-through cache for queue snapshots,
// backed by Redis. It is deliberately nil-safe: a SnapshotCache built with
// a nil client (or none configured) degrades to always-miss instead of
// panicking, so callers never have to branch on whether caching is on.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/queuemesh/hybridqueue/domain"
)

const keyPrefix = "hybridqueue:snapshot:"

// SnapshotCache fronts QueueEngine.Snapshot with a short-TTL Redis entry so
// a burst of get_queue_state requests during a recompute pass doesn't all
// fall through to a fresh ListActive scan.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// New builds a SnapshotCache. client may be nil, in which case every Get
// misses and every Set is a no-op.
func New(client *redis.Client, ttl time.Duration, log *zap.Logger) *SnapshotCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &SnapshotCache{client: client, ttl: ttl, log: log}
}

func snapshotKey(queueID uuid.UUID) string {
	return keyPrefix + queueID.String()
}

// Get returns the cached snapshot and true on a hit. Any Redis error other
// than a miss is logged and treated as a miss: a cold cache must never
// block a caller from falling back to the authoritative store.
func (c *SnapshotCache) Get(ctx context.Context, queueID uuid.UUID) (domain.QueueSnapshot, bool) {
	if c == nil || c.client == nil {
		return domain.QueueSnapshot{}, false
	}

	data, err := c.client.Get(ctx, snapshotKey(queueID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.QueueSnapshot{}, false
	}
	if err != nil {
		c.log.Warn("snapshot cache get failed", zap.String("queue_id", queueID.String()), zap.Error(err))
		return domain.QueueSnapshot{}, false
	}

	var snap domain.QueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.log.Warn("snapshot cache payload corrupt", zap.String("queue_id", queueID.String()), zap.Error(err))
		return domain.QueueSnapshot{}, false
	}
	return snap, true
}

// Set stores snap with the configured TTL. Failures are logged, not
// returned: a write-through miss degrades to recomputation on the next
// read, never a user-visible error.
func (c *SnapshotCache) Set(ctx context.Context, snap domain.QueueSnapshot) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.log.Warn("snapshot cache marshal failed", zap.String("queue_id", snap.QueueID.String()), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, snapshotKey(snap.QueueID), data, c.ttl).Err(); err != nil {
		c.log.Warn("snapshot cache set failed", zap.String("queue_id", snap.QueueID.String()), zap.Error(err))
	}
}

// Invalidate drops the cached snapshot for one queue. wsgateway calls it
// after each queue mutation it dispatches, so the next reader gets a fresh
// view. Changes made by the engine's periodic tasks (stale-called cleanup,
// estimate recompute) do not invalidate it; those show once the TTL expires.
func (c *SnapshotCache) Invalidate(ctx context.Context, queueID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, snapshotKey(queueID)).Err(); err != nil {
		c.log.Warn("snapshot cache invalidate failed", zap.String("queue_id", queueID.String()), zap.Error(err))
	}
}

// Dial connects to Redis at addr and verifies connectivity with a Ping.
// Returns a nil *redis.Client (not an error) when addr is empty, the
// signal cmd/queuectl uses to run with caching disabled.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}
	return client, nil
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/queuemesh/hybridqueue/domain"
)

func newTestCache(t *testing.T) *SnapshotCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Minute, nil)
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	queueID := uuid.New()

	snap := domain.QueueSnapshot{
		QueueID: queueID, Status: domain.QueueOpen,
		Waiting: []domain.Ticket{{ID: uuid.New(), Number: "Q-260701-001", Position: 1}},
		WaitingCount: 1, GeneratedAt: time.Now().UTC(),
	}
	c.Set(ctx, snap)

	got, ok := c.Get(ctx, queueID)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.QueueID != queueID || got.WaitingCount != 1 || len(got.Waiting) != 1 {
		t.Fatalf("round-tripped snapshot mismatch: %+v", got)
	}
}

func TestGetMissBeforeSet(t *testing.T) {
	c := newTestCache(t)
	if _, ok := c.Get(context.Background(), uuid.New()); ok {
		t.Fatal("expected miss on unset key")
	}
}

func TestInvalidateClearsEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	queueID := uuid.New()

	c.Set(ctx, domain.QueueSnapshot{QueueID: queueID})
	if _, ok := c.Get(ctx, queueID); !ok {
		t.Fatal("expected hit after set")
	}

	c.Invalidate(ctx, queueID)
	if _, ok := c.Get(ctx, queueID); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestNilClientIsSafe(t *testing.T) {
	c := New(nil, time.Minute, nil)
	ctx := context.Background()
	queueID := uuid.New()

	c.Set(ctx, domain.QueueSnapshot{QueueID: queueID}) // must not panic
	if _, ok := c.Get(ctx, queueID); ok {
		t.Fatal("expected nil-client cache to always miss")
	}
	c.Invalidate(ctx, queueID) // must not panic
}

func TestDialEmptyAddrDisablesCache(t *testing.T) {
	client, err := Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if client != nil {
		t.Fatal("expected nil client for empty addr")
	}
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testWait = 100 * time.Millisecond

func newRedisTestQueue(t *testing.T) (*RedisQueue, *redis.Client, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := NewRedisQueue(rdb, "claims-intake")
	q.now = clock.Now
	return q, rdb, clock
}

func TestRedisRoundTrip(t *testing.T) {
	q, _, _ := newRedisTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte(`{"intake_id":"i1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deliveries, err := q.Receive(ctx, 1, testWait, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if string(deliveries[0].Body) != `{"intake_id":"i1"}` {
		t.Fatalf("body = %q", deliveries[0].Body)
	}
	if deliveries[0].ReceiveCount != 1 {
		t.Fatalf("receive count = %d", deliveries[0].ReceiveCount)
	}

	if err := q.Acknowledge(ctx, deliveries[0].Receipt); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("depth = %d after acknowledge", depth)
	}
}

func TestRedisVisibilityExpiryRedelivers(t *testing.T) {
	q, _, clock := newRedisTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.Receive(ctx, 1, testWait, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(first))
	}

	clock.Advance(2 * time.Minute)

	again, err := q.Receive(ctx, 1, testWait, time.Minute)
	if err != nil {
		t.Fatalf("receive after expiry: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected redelivery, got %d", len(again))
	}
	if again[0].MessageID != first[0].MessageID {
		t.Fatal("different message redelivered")
	}
	if again[0].ReceiveCount != 2 {
		t.Fatalf("receive count = %d, want 2", again[0].ReceiveCount)
	}
	if again[0].Receipt == first[0].Receipt {
		t.Fatal("receipt not rotated on redelivery")
	}

	// the dead consumer's receipt must not settle the new delivery
	if err := q.Acknowledge(ctx, first[0].Receipt); err != nil {
		t.Fatalf("stale acknowledge: %v", err)
	}
	clock.Advance(2 * time.Minute)
	third, err := q.Receive(ctx, 1, testWait, time.Minute)
	if err != nil {
		t.Fatalf("receive after stale ack: %v", err)
	}
	if len(third) != 1 {
		t.Fatal("stale receipt deleted a message owned by another consumer")
	}
}

func TestRedisRecoversUnscoredInflight(t *testing.T) {
	q, rdb, _ := newRedisTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte(`{"intake_id":"i1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// a consumer that dies between moving the id into the working list
	// and recording its visibility deadline leaves no zset entry
	if err := rdb.LMove(ctx, q.pendingKey(), q.inflightKey()+":list", "RIGHT", "LEFT").Err(); err != nil {
		t.Fatalf("simulate interrupted receive: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("setup: pending depth = %d, want 0", depth)
	}

	deliveries, err := q.Receive(ctx, 1, testWait, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("stranded message not recovered, got %d deliveries", len(deliveries))
	}
	if string(deliveries[0].Body) != `{"intake_id":"i1"}` {
		t.Fatalf("body = %q", deliveries[0].Body)
	}

	stranded, err := rdb.LRange(ctx, q.inflightKey()+":list", 0, -1).Result()
	if err != nil {
		t.Fatalf("inspect working list: %v", err)
	}
	if len(stranded) != 1 {
		t.Fatalf("working list = %v", stranded)
	}
	if err := rdb.ZScore(ctx, q.inflightKey(), deliveries[0].MessageID).Err(); err != nil {
		t.Fatalf("recovered delivery has no visibility deadline: %v", err)
	}
}

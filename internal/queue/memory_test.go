package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue() (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := NewMemory()
	q.Now = clock.Now
	return q, clock
}

func TestReceiveHidesMessageUntilVisibilityExpires(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte(`{"intake_id":"i1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.Receive(ctx, 1, 0, 60*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(first))
	}

	// still invisible: the visibility timeout has not elapsed
	hidden, err := q.Receive(ctx, 1, 0, 60*time.Second)
	if err != nil {
		t.Fatalf("receive while hidden: %v", err)
	}
	if len(hidden) != 0 {
		t.Fatalf("message visible during timeout: %d deliveries", len(hidden))
	}

	clock.Advance(61 * time.Second)

	again, err := q.Receive(ctx, 1, 0, 60*time.Second)
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
}

func TestAcknowledgeDeletes(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deliveries, err := q.Receive(ctx, 1, 0, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := q.Acknowledge(ctx, deliveries[0].Receipt); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	clock.Advance(time.Minute)
	after, err := q.Receive(ctx, 1, 0, time.Second)
	if err != nil {
		t.Fatalf("receive after ack: %v", err)
	}
	if len(after) != 0 {
		t.Fatal("acknowledged message redelivered")
	}
}

func TestStaleReceiptIsIgnored(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, _ := q.Receive(ctx, 1, 0, time.Second)
	clock.Advance(2 * time.Second)
	second, _ := q.Receive(ctx, 1, 0, time.Minute)
	if len(second) != 1 {
		t.Fatalf("expected redelivery, got %d", len(second))
	}

	// the first consumer's receipt died with the visibility timeout
	if err := q.Acknowledge(ctx, first[0].Receipt); err != nil {
		t.Fatalf("stale acknowledge: %v", err)
	}
	clock.Advance(2 * time.Minute)
	after, _ := q.Receive(ctx, 1, 0, time.Second)
	if len(after) != 1 {
		t.Fatal("stale receipt deleted a message owned by another consumer")
	}
}

func TestDeadLetterKeepsCopy(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte(`not json`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deliveries, _ := q.Receive(ctx, 1, 0, time.Second)
	if err := q.DeadLetter(ctx, deliveries[0], "malformed"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	if err := q.Acknowledge(ctx, deliveries[0].Receipt); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if string(dead[0].Body) != "not json" {
		t.Fatalf("dead letter body = %q", dead[0].Body)
	}
}

func TestReceiveBatches(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, []byte(`{}`)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	deliveries, err := q.Receive(ctx, 3, 0, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(deliveries))
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
}

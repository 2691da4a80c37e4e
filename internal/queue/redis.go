// Package queue is the durable intake queue. Delivery is at-least-once:
// a received message stays invisible for the visibility timeout and
// returns to the pending list if not acknowledged in time, so consumers
// must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	deadLetterCap = 1000
)

// Delivery is one received message plus the handle needed to settle it.
type Delivery struct {
	MessageID    string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

type RedisQueue struct {
	rdb  *redis.Client
	name string
	now  func() time.Time
}

func NewRedisQueue(rdb *redis.Client, name string) *RedisQueue {
	return &RedisQueue{rdb: rdb, name: name, now: time.Now}
}

func (q *RedisQueue) pendingKey() string    { return q.name + ":pending" }
func (q *RedisQueue) inflightKey() string   { return q.name + ":inflight" }
func (q *RedisQueue) bodiesKey() string     { return q.name + ":bodies" }
func (q *RedisQueue) receiptsKey() string   { return q.name + ":receipts" }
func (q *RedisQueue) receivesKey() string   { return q.name + ":receives" }
func (q *RedisQueue) deadLetterKey() string { return q.name + ":deadletter" }

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) error {
	id := uuid.NewString()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.bodiesKey(), id, body)
	pipe.LPush(ctx, q.pendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Receive long-polls for up to wait and returns at most max messages,
// each invisible to other consumers until visibility elapses. Expired
// in-flight messages are returned to pending first, which is how a
// crashed consumer's work is recovered.
func (q *RedisQueue) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Delivery, error) {
	if err := q.reapExpired(ctx); err != nil {
		return nil, err
	}

	var deliveries []Delivery
	for len(deliveries) < max {
		var (
			id  string
			err error
		)
		if len(deliveries) == 0 {
			id, err = q.rdb.BLMove(ctx, q.pendingKey(), q.inflightKey()+":list", "RIGHT", "LEFT", wait).Result()
		} else {
			id, err = q.rdb.LMove(ctx, q.pendingKey(), q.inflightKey()+":list", "RIGHT", "LEFT").Result()
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return nil, fmt.Errorf("receive: %w", err)
		}

		delivery, err := q.claim(ctx, id, visibility)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, nil
}

func (q *RedisQueue) claim(ctx context.Context, id string, visibility time.Duration) (Delivery, error) {
	receipt := id + "/" + uuid.NewString()
	deadline := q.now().Add(visibility)

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.inflightKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: id})
	pipe.HSet(ctx, q.receiptsKey(), id, receipt)
	receives := pipe.HIncrBy(ctx, q.receivesKey(), id, 1)
	body := pipe.HGet(ctx, q.bodiesKey(), id)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Delivery{}, fmt.Errorf("claim message: %w", err)
	}

	raw, err := body.Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Delivery{}, fmt.Errorf("load message body: %w", err)
	}
	return Delivery{
		MessageID:    id,
		Body:         raw,
		Receipt:      receipt,
		ReceiveCount: int(receives.Val()),
	}, nil
}

// Acknowledge deletes the message. A receipt invalidated by visibility
// expiry is ignored: the message already belongs to whoever received it
// next.
func (q *RedisQueue) Acknowledge(ctx context.Context, receipt string) error {
	id, _, ok := strings.Cut(receipt, "/")
	if !ok {
		return fmt.Errorf("malformed receipt %q", receipt)
	}
	current, err := q.rdb.HGet(ctx, q.receiptsKey(), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("acknowledge: %w", err)
	}
	if current != receipt {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), id)
	pipe.LRem(ctx, q.inflightKey()+":list", 0, id)
	pipe.HDel(ctx, q.bodiesKey(), id)
	pipe.HDel(ctx, q.receiptsKey(), id)
	pipe.HDel(ctx, q.receivesKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}

type deadLetterEntry struct {
	MessageID string          `json:"message_id"`
	Body      json.RawMessage `json:"body"`
	Reason    string          `json:"reason"`
	At        time.Time       `json:"at"`
}

// DeadLetter records the message for manual inspection. The caller
// still acknowledges afterwards; dead-lettering alone does not settle
// the delivery.
func (q *RedisQueue) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	body := d.Body
	if !json.Valid(body) {
		quoted, err := json.Marshal(string(body))
		if err != nil {
			return err
		}
		body = quoted
	}
	entry, err := json.Marshal(deadLetterEntry{
		MessageID: d.MessageID,
		Body:      body,
		Reason:    reason,
		At:        q.now().UTC(),
	})
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.deadLetterKey(), entry)
	pipe.LTrim(ctx, q.deadLetterKey(), 0, deadLetterCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.rdb.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func (q *RedisQueue) reapExpired(ctx context.Context) error {
	now := q.now().UnixMilli()
	expired, err := q.rdb.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("reap expired: %w", err)
	}
	for _, id := range expired {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.LRem(ctx, q.inflightKey()+":list", 0, id)
		// old receipt is invalidated so a late acknowledge cannot
		// delete a message someone else now owns
		pipe.HDel(ctx, q.receiptsKey(), id)
		pipe.LPush(ctx, q.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue expired: %w", err)
		}
	}

	// ids in the working list with no visibility score were moved by a
	// consumer that died before claiming them; without a score the
	// expiry scan above never sees them, so requeue them here
	stranded, err := q.rdb.LRange(ctx, q.inflightKey()+":list", 0, -1).Result()
	if err != nil {
		return fmt.Errorf("reap expired: %w", err)
	}
	for _, id := range stranded {
		if err := q.rdb.ZScore(ctx, q.inflightKey(), id).Err(); err == nil {
			continue
		} else if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("reap expired: %w", err)
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.inflightKey()+":list", 0, id)
		pipe.HDel(ctx, q.receiptsKey(), id)
		pipe.LPush(ctx, q.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue expired: %w", err)
		}
	}
	return nil
}

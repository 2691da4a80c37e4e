package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process queue with the same visibility-timeout and
// receipt semantics as the Redis adapter. It backs tests and local
// development without a broker.
type Memory struct {
	mu       sync.Mutex
	pending  []string
	bodies   map[string][]byte
	inflight map[string]time.Time
	receipts map[string]string
	receives map[string]int
	dead     []Delivery
	Now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		bodies:   make(map[string][]byte),
		inflight: make(map[string]time.Time),
		receipts: make(map[string]string),
		receives: make(map[string]int),
		Now:      time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.bodies[id] = append([]byte(nil), body...)
	m.pending = append(m.pending, id)
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Delivery, error) {
	deadline := m.Now().Add(wait)
	for {
		deliveries := m.tryReceive(max, visibility)
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		if !m.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *Memory) tryReceive(max int, visibility time.Duration) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	for id, due := range m.inflight {
		if !due.After(now) {
			delete(m.inflight, id)
			delete(m.receipts, id)
			m.pending = append(m.pending, id)
		}
	}

	var deliveries []Delivery
	for len(deliveries) < max && len(m.pending) > 0 {
		id := m.pending[0]
		m.pending = m.pending[1:]
		receipt := id + "/" + uuid.NewString()
		m.inflight[id] = now.Add(visibility)
		m.receipts[id] = receipt
		m.receives[id]++
		deliveries = append(deliveries, Delivery{
			MessageID:    id,
			Body:         append([]byte(nil), m.bodies[id]...),
			Receipt:      receipt,
			ReceiveCount: m.receives[id],
		})
	}
	return deliveries
}

func (m *Memory) Acknowledge(_ context.Context, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _, ok := strings.Cut(receipt, "/")
	if !ok || m.receipts[id] != receipt {
		return nil
	}
	delete(m.inflight, id)
	delete(m.receipts, id)
	delete(m.receives, id)
	delete(m.bodies, id)
	return nil
}

func (m *Memory) DeadLetter(_ context.Context, d Delivery, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, d)
	return nil
}

func (m *Memory) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pending)), nil
}

// DeadLetters returns a snapshot for test assertions.
func (m *Memory) DeadLetters() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.dead...)
}

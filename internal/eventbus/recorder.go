package eventbus

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Recorder captures written messages in memory. Tests hand it to
// NewPublisher in place of a real kafka writer; FailNext simulates a
// bus outage for retry paths.
type Recorder struct {
	mu       sync.Mutex
	messages []kafka.Message
	failNext int
	err      error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) FailNext(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
	r.err = err
}

func (r *Recorder) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return r.err
	}
	r.messages = append(r.messages, msgs...)
	return nil
}

func (r *Recorder) Messages() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.messages...)
}

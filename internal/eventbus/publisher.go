// Package eventbus publishes domain events to the inter-service bus.
// Every detail payload passes the redaction boundary here, so a caller
// that forgets to pre-redact still cannot leak PHI onto the bus.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/advanciapayledger/claims-pipeline/internal/claims"
	"github.com/advanciapayledger/claims-pipeline/internal/redact"
)

const publishTimeout = 5 * time.Second

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	writer Writer
	bus    string
}

// NewWriter builds the kafka writer for the named bus.
func NewWriter(brokers []string, bus string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    bus,
		Balancer: &kafka.LeastBytes{},
	}
}

func NewPublisher(writer Writer, bus string) *Publisher {
	return &Publisher{writer: writer, bus: bus}
}

func (p *Publisher) Bus() string { return p.bus }

func (p *Publisher) Publish(ctx context.Context, event claims.Event) error {
	detail, ok := redact.Value(event.Detail).(map[string]interface{})
	if !ok {
		detail = map[string]interface{}{}
	}
	event.Detail = detail

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key, _ := detail["claim_ref_id"].(string)

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("publish %s: %w", event.DetailType, err)
	}
	return nil
}

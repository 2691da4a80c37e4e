package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/advanciapayledger/claims-pipeline/internal/claims"
	"github.com/advanciapayledger/claims-pipeline/internal/redact"
)

func TestPublishRedactsDetail(t *testing.T) {
	recorder := NewRecorder()
	publisher := NewPublisher(recorder, "phi-claims-events")

	// a caller that wrongly stuffs PHI into the detail still cannot
	// get it onto the bus
	err := publisher.Publish(context.Background(), claims.Event{
		Source:     "advancia.phi.claims",
		DetailType: "ClaimCreated",
		Detail: map[string]interface{}{
			"claim_ref_id": "ref-1",
			"tenant_id":    "t1",
			"status":       "submitted",
			"first_name":   "Jane",
			"note":         "ssn 123-45-6789",
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	messages := recorder.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if string(messages[0].Key) != "ref-1" {
		t.Fatalf("message key = %q", messages[0].Key)
	}

	var event claims.Event
	if err := json.Unmarshal(messages[0].Value, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Detail["first_name"] != redact.Marker {
		t.Fatalf("first_name leaked: %v", event.Detail["first_name"])
	}
	if note := event.Detail["note"].(string); strings.Contains(note, "123-45-6789") {
		t.Fatalf("ssn leaked: %q", note)
	}
	if event.Detail["claim_ref_id"] != "ref-1" {
		t.Fatalf("claim ref mangled: %v", event.Detail["claim_ref_id"])
	}
}

func TestPublishPropagatesWriterError(t *testing.T) {
	recorder := NewRecorder()
	recorder.FailNext(1, errors.New("broker unavailable"))
	publisher := NewPublisher(recorder, "phi-claims-events")

	err := publisher.Publish(context.Background(), claims.ClaimCreatedEvent("advancia.phi.claims", claims.Claim{
		ClaimRefID: "ref-1",
		TenantID:   "t1",
		Status:     claims.ClaimSubmitted,
	}, time.Now()))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(recorder.Messages()) != 0 {
		t.Fatal("message recorded despite failure")
	}
}

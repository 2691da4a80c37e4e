package redact

import (
	"bytes"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func TestStringScrubsPatterns(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"ssn", "patient ssn is 123-45-6789 on file"},
		{"member id", "member ZGP123456789 enrolled"},
		{"dob", "born 1985-07-15 in MA"},
		{"email", "contact jane.doe@example.com for records"},
		{"phone", "call (555) 987-6543 before noon"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := String(tc.in)
			if !strings.Contains(out, Marker) {
				t.Fatalf("expected marker in %q", out)
			}
			if out == tc.in {
				t.Fatalf("expected %q to change", tc.in)
			}
		})
	}
}

func TestStringLeavesCleanTextAlone(t *testing.T) {
	in := "claim 7f3a validated for payer BCBS"
	if out := String(in); out != in {
		t.Fatalf("clean text changed: %q", out)
	}
}

func TestValueBlocksFieldsAndScrubsText(t *testing.T) {
	in := map[string]interface{}{
		"first_name": "Jane",
		"ssn":        "123-45-6789",
		"note":       "reach me at jane@example.com",
		"nested": map[string]interface{}{
			"dob":    "1985-07-15",
			"status": "pending",
		},
		"codes":  []interface{}{"Z00.0", "ssn 123-45-6789"},
		"amount": float64(1500),
	}

	out, ok := Value(in).(map[string]interface{})
	if !ok {
		t.Fatal("expected map result")
	}
	if out["first_name"] != Marker {
		t.Fatalf("first_name not blocked: %v", out["first_name"])
	}
	if out["ssn"] != Marker {
		t.Fatalf("ssn not blocked: %v", out["ssn"])
	}
	if note := out["note"].(string); strings.Contains(note, "jane@example.com") {
		t.Fatalf("email survived: %q", note)
	}
	nested := out["nested"].(map[string]interface{})
	if nested["dob"] != Marker {
		t.Fatalf("nested dob not blocked: %v", nested["dob"])
	}
	if nested["status"] != "pending" {
		t.Fatalf("clean nested value changed: %v", nested["status"])
	}
	codes := out["codes"].([]interface{})
	if strings.Contains(codes[1].(string), "123-45-6789") {
		t.Fatalf("ssn in slice survived: %v", codes[1])
	}
	if out["amount"] != float64(1500) {
		t.Fatalf("scalar changed: %v", out["amount"])
	}
}

func TestValueIdempotent(t *testing.T) {
	in := map[string]interface{}{
		"ssn":  "123-45-6789",
		"note": "jane@example.com born 1985-07-15, member ABC123456",
		"raw_payload": map[string]interface{}{
			"first_name": "Jane",
		},
	}
	once := Value(in)
	twice := Value(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("redaction not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestHandlerRedactsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("intake received",
		"first_name", "Jane",
		"note", "ssn 123-45-6789",
		"intake_id", "7f3a",
	)

	out := buf.String()
	if strings.Contains(out, "Jane") {
		t.Fatalf("blocked field leaked: %s", out)
	}
	if strings.Contains(out, "123-45-6789") {
		t.Fatalf("ssn pattern leaked: %s", out)
	}
	if !strings.Contains(out, "7f3a") {
		t.Fatalf("clean attr lost: %s", out)
	}
}

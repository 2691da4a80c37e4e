package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testHandler() *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, nil, nil, nil, 5*time.Minute, "claims-api")
}

func TestHealth(t *testing.T) {
	h := testHandler()
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"status":"ok"`) || !strings.Contains(body, `"service":"claims-api"`) {
		t.Fatalf("body = %s", body)
	}
}

func TestCreateIntakeValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"missing tenant", `{"service_date":"2026-02-01","raw_payload":{"payer_code":"BCBS"},"patient_ref_id":"ref-1"}`},
		{"missing service date", `{"tenant_user_id":"t1","raw_payload":{"payer_code":"BCBS"},"patient_ref_id":"ref-1"}`},
		{"bad service date", `{"tenant_user_id":"t1","service_date":"02/01/2026","raw_payload":{"payer_code":"BCBS"},"patient_ref_id":"ref-1"}`},
		{"missing raw payload", `{"tenant_user_id":"t1","service_date":"2026-02-01","patient_ref_id":"ref-1"}`},
		{
			"no demographics and no patient ref",
			`{"tenant_user_id":"t1","service_date":"2026-02-01","raw_payload":{"payer_code":"BCBS"}}`,
		},
	}

	h := testHandler()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/claims/intake", strings.NewReader(tc.body))
			h.CreateIntake(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCreateIntakeAcceptsDeferredResolution(t *testing.T) {
	// demographics absent but a patient reference supplied: the shape
	// is valid, resolution happens in the worker
	req := intakeRequest{
		TenantUserID: "t1",
		PatientRefID: "ref-1",
		ServiceDate:  "2026-02-01",
		RawPayload:   map[string]interface{}{"payer_code": "BCBS"},
	}
	if err := validateIntake(req); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestGetIntakeRequiresTenant(t *testing.T) {
	h := testHandler()
	rec := httptest.NewRecorder()
	h.GetIntake(rec, httptest.NewRequest(http.MethodGet, "/claims/intake/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTenantFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/claims/intake/abc?tenant_user_id=t-query", nil)
	if got := tenantFromRequest(req); got != "t-query" {
		t.Fatalf("tenant = %q", got)
	}
	req.Header.Set("X-Tenant-Id", "t-header")
	if got := tenantFromRequest(req); got != "t-header" {
		t.Fatalf("tenant = %q, header should win", got)
	}
}

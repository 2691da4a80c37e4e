package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/advanciapayledger/claims-pipeline/internal/claims"
	"github.com/advanciapayledger/claims-pipeline/internal/metrics"
	"github.com/advanciapayledger/claims-pipeline/internal/store"
)

const (
	maxBodyBytes   int64 = 1 << 20
	minCorrelation       = 8
	dateLayout           = "2006-01-02"
	dbTimeout            = 5 * time.Second
)

// IntakeQueue is the enqueue half of the durable queue.
type IntakeQueue interface {
	Enqueue(ctx context.Context, body []byte) error
}

// CardStore persists insurance card artifacts outside the relational
// store; rows keep only the object key. Reads go out as short-lived
// presigned URLs, never raw bytes.
type CardStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Handler struct {
	logger     *slog.Logger
	store      *store.Store
	queue      IntakeQueue
	cards      CardStore
	presignTTL time.Duration
	service    string
}

func New(logger *slog.Logger, st *store.Store, queue IntakeQueue, cards CardStore, presignTTL time.Duration, service string) *Handler {
	return &Handler{
		logger:     logger,
		store:      st,
		queue:      queue,
		cards:      cards,
		presignTTL: presignTTL,
		service:    service,
	}
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": h.service})
}

type intakeRequest struct {
	TenantUserID  string                 `json:"tenant_user_id"`
	PatientRefID  string                 `json:"patient_ref_id"`
	InsuranceCard string                 `json:"insurance_card"`
	ServiceDate   string                 `json:"service_date"`
	RawPayload    map[string]interface{} `json:"raw_payload"`
}

type intakeAccepted struct {
	IntakeID string `json:"intake_id"`
	Status   string `json:"status"`
}

func (h *Handler) CreateIntake(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
	if len(correlationID) < minCorrelation {
		correlationID = uuid.NewString()
	}

	bodyReader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer bodyReader.Close()
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		h.respondError(w, "intake", http.StatusBadRequest, "invalid body")
		return
	}

	var req intakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, "intake", http.StatusBadRequest, "invalid payload")
		return
	}
	if validationErr := validateIntake(req); validationErr != nil {
		h.respondError(w, "intake", http.StatusBadRequest, validationErr.Error())
		return
	}

	intakeID := uuid.NewString()

	cardKey := ""
	if req.InsuranceCard != "" && h.cards != nil {
		card, err := base64.StdEncoding.DecodeString(req.InsuranceCard)
		if err != nil {
			h.respondError(w, "intake", http.StatusBadRequest, "invalid insurance_card encoding")
			return
		}
		key := req.TenantUserID + "/" + intakeID + "/insurance-card"
		if cardKey, err = h.cards.Put(r.Context(), key, card, "application/octet-stream"); err != nil {
			h.logger.Error("failed to store insurance card", "error", err, "intake_id", intakeID, "correlation_id", correlationID)
			h.respondError(w, "intake", http.StatusInternalServerError, "failed to process request")
			return
		}
	}

	dbCtx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()

	if err := h.store.RegisterTenant(dbCtx, req.TenantUserID); err != nil {
		h.logger.Error("failed to register tenant", "error", err, "correlation_id", correlationID)
		h.respondError(w, "intake", http.StatusInternalServerError, "failed to process request")
		return
	}

	err = h.store.WithTenant(dbCtx, req.TenantUserID, func(tx *store.TenantTx) error {
		return tx.InsertIntake(dbCtx, claims.Intake{
			ID:           intakeID,
			TenantID:     req.TenantUserID,
			PatientRefID: req.PatientRefID,
			RawPayload:   req.RawPayload,
			ServiceDate:  req.ServiceDate,
			CardKey:      cardKey,
			Status:       claims.IntakePending,
		})
	})
	if err != nil {
		h.logger.Error("failed to persist intake", "error", err, "intake_id", intakeID, "correlation_id", correlationID)
		h.respondError(w, "intake", http.StatusInternalServerError, "failed to process request")
		return
	}

	// The row is durable from here on. An enqueue failure leaves it
	// pending for the reconciliation sweep, so the caller still gets
	// a 201.
	message, err := json.Marshal(claims.IntakeMessage{
		IntakeID:  intakeID,
		TenantID:  req.TenantUserID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		err = h.queue.Enqueue(r.Context(), message)
	}
	if err != nil {
		h.logger.Error("failed to enqueue intake notification", "error", err, "intake_id", intakeID, "correlation_id", correlationID)
	}

	h.logger.Info("intake accepted", "intake_id", intakeID, "correlation_id", correlationID)
	metrics.IntakeRequests.WithLabelValues("intake", strconv.Itoa(http.StatusCreated)).Inc()
	writeJSON(w, http.StatusCreated, intakeAccepted{IntakeID: intakeID, Status: string(claims.IntakePending)})
}

type intakeStatus struct {
	IntakeID  string    `json:"intake_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	CardURL   string    `json:"card_url,omitempty"`
}

func (h *Handler) GetIntake(w http.ResponseWriter, r *http.Request) {
	intakeID := chi.URLParam(r, "intakeID")
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		h.respondError(w, "intake_status", http.StatusBadRequest, "missing tenant_user_id")
		return
	}

	dbCtx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()

	var found claims.Intake
	err := h.store.WithTenant(dbCtx, tenantID, func(tx *store.TenantTx) error {
		var err error
		found, err = tx.GetIntake(dbCtx, intakeID)
		return err
	})
	if err != nil {
		if errors.Is(err, claims.ErrNotFound) {
			h.respondError(w, "intake_status", http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("failed to load intake", "error", err, "intake_id", intakeID)
		h.respondError(w, "intake_status", http.StatusInternalServerError, "failed to process request")
		return
	}

	cardURL := ""
	if found.CardKey != "" && h.cards != nil {
		cardURL, err = h.cards.PresignedGet(r.Context(), found.CardKey, h.presignTTL)
		if err != nil {
			// status is still useful without the artifact link
			h.logger.Error("failed to presign insurance card", "error", err, "intake_id", intakeID)
			cardURL = ""
		}
	}

	metrics.IntakeRequests.WithLabelValues("intake_status", strconv.Itoa(http.StatusOK)).Inc()
	writeJSON(w, http.StatusOK, intakeStatus{
		IntakeID:  found.ID,
		Status:    string(found.Status),
		CreatedAt: found.CreatedAt,
		CardURL:   cardURL,
	})
}

func validateIntake(req intakeRequest) error {
	switch {
	case strings.TrimSpace(req.TenantUserID) == "":
		return &claims.ValidationError{Field: "tenant_user_id", Reason: "missing"}
	case strings.TrimSpace(req.ServiceDate) == "":
		return &claims.ValidationError{Field: "service_date", Reason: "missing"}
	case !validDate(req.ServiceDate):
		return &claims.ValidationError{Field: "service_date", Reason: "not a YYYY-MM-DD date"}
	case req.RawPayload == nil:
		return &claims.ValidationError{Field: "raw_payload", Reason: "missing"}
	case req.PatientRefID == "" && !hasDemographics(req.RawPayload):
		// without demographics the worker cannot resolve an identity,
		// so an external reference is the only acceptable substitute
		return &claims.ValidationError{Field: "patient_ref_id", Reason: "required when demographics are absent"}
	default:
		return nil
	}
}

func hasDemographics(payload map[string]interface{}) bool {
	for _, field := range []string{"first_name", "last_name", "dob"} {
		value, ok := payload[field].(string)
		if !ok || strings.TrimSpace(value) == "" {
			return false
		}
	}
	return true
}

func validDate(value string) bool {
	_, err := time.Parse(dateLayout, strings.TrimSpace(value))
	return err == nil
}

func tenantFromRequest(r *http.Request) string {
	if tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id")); tenant != "" {
		return tenant
	}
	return strings.TrimSpace(r.URL.Query().Get("tenant_user_id"))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, route string, status int, message string) {
	metrics.IntakeRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	writeJSON(w, status, map[string]string{"error": message})
}

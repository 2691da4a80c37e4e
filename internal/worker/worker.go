// Package worker drives the intake pipeline: poll the queue, and per
// message run one tenant-scoped transaction that resolves the patient,
// inserts the canonical claim, and marks the intake validated. Event
// publication and the acknowledge happen after commit, so delivery is
// at-least-once and every step must survive re-execution.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/advanciapayledger/claims-pipeline/internal/claims"
	"github.com/advanciapayledger/claims-pipeline/internal/identity"
	"github.com/advanciapayledger/claims-pipeline/internal/metrics"
	"github.com/advanciapayledger/claims-pipeline/internal/queue"
	"github.com/advanciapayledger/claims-pipeline/internal/store"
)

const (
	receiveBatch     = 10
	receiveErrorWait = 1 * time.Second
	backoffBase      = 100 * time.Millisecond
	backoffCap       = 5 * time.Second
)

type Queue interface {
	Enqueue(ctx context.Context, body []byte) error
	Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]queue.Delivery, error)
	Acknowledge(ctx context.Context, receipt string) error
	DeadLetter(ctx context.Context, d queue.Delivery, reason string) error
}

type Bus interface {
	Publish(ctx context.Context, event claims.Event) error
}

type Config struct {
	QueueWait          time.Duration
	VisibilityTimeout  time.Duration
	PublishMaxAttempts int
	PoisonMaxReceives  int
	ReconcileAfter     time.Duration
	EventSource        string
}

type Worker struct {
	logger   *slog.Logger
	store    *store.Store
	queue    Queue
	bus      Bus
	resolver *identity.Resolver
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration)
}

func New(logger *slog.Logger, st *store.Store, q Queue, bus Bus, resolver *identity.Resolver, cfg Config) *Worker {
	return &Worker{
		logger:   logger,
		store:    st,
		queue:    q,
		bus:      bus,
		resolver: resolver,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// Run polls until ctx is cancelled. Receive errors back off briefly
// rather than spinning; a message-level failure never stops the loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := w.queue.Receive(ctx, receiveBatch, w.cfg.QueueWait, w.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive messages", "error", err)
			w.sleep(ctx, receiveErrorWait)
			continue
		}
		for _, d := range deliveries {
			w.ProcessDelivery(ctx, d)
		}
	}
}

// ProcessDelivery settles one message. Outcomes:
//   - processed: claim created, event published (or delivery failure
//     logged after bounded retry), message acknowledged
//   - noop: intake absent or already validated, acknowledged
//   - failed: intake unprocessable, marked failed, acknowledged
//   - poison: undecodable or over the receive limit, dead-lettered
//     and acknowledged
//   - deferred: transient infrastructure error, left unacknowledged
//     for redelivery after the visibility timeout
func (w *Worker) ProcessDelivery(ctx context.Context, d queue.Delivery) {
	var msg claims.IntakeMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.IntakeID == "" || msg.TenantID == "" {
		w.settlePoison(ctx, d, "malformed message body")
		return
	}

	if d.ReceiveCount > w.cfg.PoisonMaxReceives {
		w.settlePoison(ctx, d, fmt.Sprintf("exceeded %d receives", w.cfg.PoisonMaxReceives))
		return
	}

	result, err := w.processIntake(ctx, msg)
	if err != nil {
		// transient by default: anything we cannot classify is safer
		// redelivered than dropped
		w.logger.Error("failed to process intake", "error", err, "intake_id", msg.IntakeID)
		metrics.MessagesProcessed.WithLabelValues("deferred").Inc()
		return
	}

	switch result.outcome {
	case outcomeProcessed:
		w.publishClaimCreated(ctx, result.claim)
	case outcomeNoop, outcomeFailed:
	}

	// counted before the settle: a failed acknowledge redelivers the
	// message and that redelivery counts as noop, not processed again
	metrics.MessagesProcessed.WithLabelValues(string(result.outcome)).Inc()
	if err := w.queue.Acknowledge(ctx, d.Receipt); err != nil {
		w.logger.Error("failed to acknowledge message", "error", err, "intake_id", msg.IntakeID)
	}
}

type outcome string

const (
	outcomeProcessed outcome = "processed"
	outcomeNoop      outcome = "noop"
	outcomeFailed    outcome = "failed"
)

type processResult struct {
	outcome outcome
	claim   claims.Claim
}

// processIntake is the all-or-nothing middle of the pipeline: load,
// resolve, insert claim, mark validated, commit. The short-circuit on
// an already-validated intake is what makes redelivery idempotent.
func (w *Worker) processIntake(ctx context.Context, msg claims.IntakeMessage) (processResult, error) {
	var result processResult
	err := w.store.WithTenant(ctx, msg.TenantID, func(tx *store.TenantTx) error {
		intake, err := tx.GetIntake(ctx, msg.IntakeID)
		if err != nil {
			if errors.Is(err, claims.ErrNotFound) {
				w.logger.Info("intake not found, skipping", "intake_id", msg.IntakeID)
				result.outcome = outcomeNoop
				return nil
			}
			return err
		}
		if intake.Status == claims.IntakeValidated {
			result.outcome = outcomeNoop
			return nil
		}

		patientID, err := w.resolvePatient(ctx, tx, intake)
		if err != nil {
			var invalid *claims.ValidationError
			if errors.As(err, &invalid) || errors.Is(err, claims.ErrNotFound) {
				w.logger.Info("intake unprocessable", "intake_id", intake.ID, "error", err)
				if err := tx.UpdateIntakeStatus(ctx, intake.ID, claims.IntakeFailed); err != nil {
					return err
				}
				result.outcome = outcomeFailed
				return nil
			}
			return err
		}

		claim, err := buildClaim(intake, patientID)
		if err != nil {
			w.logger.Info("intake unprocessable", "intake_id", intake.ID, "error", err)
			if err := tx.UpdateIntakeStatus(ctx, intake.ID, claims.IntakeFailed); err != nil {
				return err
			}
			result.outcome = outcomeFailed
			return nil
		}

		if err := tx.InsertClaim(ctx, claim); err != nil {
			return err
		}
		if err := tx.UpdateIntakeStatus(ctx, intake.ID, claims.IntakeValidated); err != nil {
			return err
		}
		result.outcome = outcomeProcessed
		result.claim = claim
		return nil
	})
	if err != nil {
		return processResult{}, err
	}
	return result, nil
}

// resolvePatient prefers an already-bound internal id, then in-payload
// demographics, then the opaque external reference. An intake with none
// of the three was rejected at the boundary; one that slips through is
// unprocessable, not transient.
func (w *Worker) resolvePatient(ctx context.Context, tx *store.TenantTx, intake claims.Intake) (string, error) {
	if intake.PatientID != "" {
		return intake.PatientID, nil
	}

	demo, ok := demographicsFromPayload(intake.RawPayload)
	if ok {
		resolution, err := w.resolver.Resolve(ctx, tx, intake.TenantID, demo)
		if err != nil {
			return "", err
		}
		if resolution.Created {
			w.logger.Info("patient identity created", "intake_id", intake.ID, "external_ref_id", resolution.ExternalRefID)
		}
		return resolution.PatientID, nil
	}

	if intake.PatientRefID != "" {
		patient, err := tx.GetPatientByRef(ctx, intake.PatientRefID)
		if err != nil {
			return "", err
		}
		return patient.ID, nil
	}

	return "", &claims.ValidationError{Field: "patient", Reason: "no demographics or patient reference"}
}

func demographicsFromPayload(payload map[string]interface{}) (identity.Demographics, bool) {
	first, _ := payload["first_name"].(string)
	last, _ := payload["last_name"].(string)
	dob, _ := payload["dob"].(string)
	gender, _ := payload["gender"].(string)
	if first == "" || last == "" || dob == "" {
		return identity.Demographics{}, false
	}
	return identity.Demographics{FirstName: first, LastName: last, DOB: dob, Gender: gender}, true
}

func buildClaim(intake claims.Intake, patientID string) (claims.Claim, error) {
	payerCode, _ := intake.RawPayload["payer_code"].(string)
	billed, err := centsFromPayload(intake.RawPayload, "amount_billed_cents")
	if err != nil {
		return claims.Claim{}, err
	}
	return claims.Claim{
		ID:             uuid.NewString(),
		ClaimRefID:     uuid.NewString(),
		PatientID:      patientID,
		TenantID:       intake.TenantID,
		IntakeID:       intake.ID,
		PayerCode:      payerCode,
		ServiceDate:    intake.ServiceDate,
		DiagnosisCodes: codesFromPayload(intake.RawPayload, "diagnosis_codes"),
		ProcedureCodes: codesFromPayload(intake.RawPayload, "procedure_codes"),
		AmountBilled:   billed,
		Status:         claims.ClaimSubmitted,
	}, nil
}

func centsFromPayload(payload map[string]interface{}, key string) (int64, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, nil
	}
	value, ok := raw.(float64)
	if !ok || value != float64(int64(value)) || value < 0 {
		return 0, &claims.ValidationError{Field: key, Reason: "not a non-negative integer"}
	}
	return int64(value), nil
}

func codesFromPayload(payload map[string]interface{}, key string) []string {
	raw, _ := payload[key].([]interface{})
	codes := make([]string, 0, len(raw))
	for _, item := range raw {
		if code, ok := item.(string); ok && code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// publishClaimCreated announces the committed claim with bounded
// backoff. Exhaustion is a logged delivery failure, never a rollback:
// the reconciliation sweep republishes claims that have no recorded
// publish acknowledgment.
func (w *Worker) publishClaimCreated(ctx context.Context, claim claims.Claim) {
	event := claims.ClaimCreatedEvent(w.cfg.EventSource, claim, time.Now())

	var err error
	for attempt := 0; attempt < w.cfg.PublishMaxAttempts; attempt++ {
		if attempt > 0 {
			w.sleep(ctx, backoffDelay(attempt))
		}
		if err = w.bus.Publish(ctx, event); err == nil {
			w.markPublished(ctx, claim)
			return
		}
		metrics.EventPublishFailures.Inc()
	}
	w.logger.Error("event delivery failed, claim committed without announcement",
		"error", err, "claim_ref_id", claim.ClaimRefID, "tenant_id", claim.TenantID)
}

func (w *Worker) markPublished(ctx context.Context, claim claims.Claim) {
	err := w.store.WithTenant(ctx, claim.TenantID, func(tx *store.TenantTx) error {
		return tx.MarkClaimEventPublished(ctx, claim.ID)
	})
	if err != nil {
		// worst case the sweep republishes; consumers are idempotent
		// on claim_ref_id
		w.logger.Error("failed to record publish acknowledgment", "error", err, "claim_ref_id", claim.ClaimRefID)
	}
}

func (w *Worker) settlePoison(ctx context.Context, d queue.Delivery, reason string) {
	w.logger.Error("poison message", "reason", reason, "message_id", d.MessageID, "receive_count", d.ReceiveCount)
	if err := w.queue.DeadLetter(ctx, d, reason); err != nil {
		w.logger.Error("failed to dead-letter message", "error", err, "message_id", d.MessageID)
		return
	}
	if err := w.queue.Acknowledge(ctx, d.Receipt); err != nil {
		w.logger.Error("failed to acknowledge poison message", "error", err, "message_id", d.MessageID)
		return
	}
	metrics.MessagesProcessed.WithLabelValues("poison").Inc()
}

func backoffDelay(attempt int) time.Duration {
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

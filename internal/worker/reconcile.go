package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/advanciapayledger/claims-pipeline/internal/claims"
	"github.com/advanciapayledger/claims-pipeline/internal/metrics"
	"github.com/advanciapayledger/claims-pipeline/internal/store"
)

const sweepBatch = 100

// RunSweeps ticks both reconciliation jobs until ctx is cancelled. They
// are companions to the pipeline, not optional maintenance: the pending
// sweep recovers intakes whose enqueue was lost, and the unpublished
// sweep closes the gap between a committed claim and a failed event.
func (w *Worker) RunSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.ReconcilePending(ctx); err != nil {
			w.logger.Error("pending intake sweep failed", "error", err)
		}
		if err := w.ReconcileUnpublished(ctx); err != nil {
			w.logger.Error("unpublished claim sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcilePending re-enqueues notifications for intakes stuck pending
// past the threshold. Re-enqueueing an intake whose original message is
// still in flight is harmless: processing is idempotent.
func (w *Worker) ReconcilePending(ctx context.Context) error {
	return w.forEachTenant(ctx, func(tenantID string) error {
		cutoff := time.Now().Add(-w.cfg.ReconcileAfter)

		var stale []claims.Intake
		err := w.store.WithTenant(ctx, tenantID, func(tx *store.TenantTx) error {
			var err error
			stale, err = tx.PendingIntakesOlderThan(ctx, cutoff, sweepBatch)
			return err
		})
		if err != nil {
			return err
		}

		for _, intake := range stale {
			body, err := json.Marshal(claims.IntakeMessage{
				IntakeID:  intake.ID,
				TenantID:  intake.TenantID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			if err := w.queue.Enqueue(ctx, body); err != nil {
				return err
			}
			metrics.ReconciledIntakes.Inc()
			w.logger.Info("re-enqueued stale pending intake", "intake_id", intake.ID)
		}
		return nil
	})
}

// ReconcileUnpublished republishes ClaimCreated for submitted claims
// with no recorded publish acknowledgment. The publish and the mark
// share one transaction per claim so a crash republishes rather than
// loses; consumers dedupe on claim_ref_id.
func (w *Worker) ReconcileUnpublished(ctx context.Context) error {
	return w.forEachTenant(ctx, func(tenantID string) error {
		cutoff := time.Now().Add(-w.cfg.ReconcileAfter)

		return w.store.WithTenant(ctx, tenantID, func(tx *store.TenantTx) error {
			unpublished, err := tx.UnpublishedClaims(ctx, cutoff, sweepBatch)
			if err != nil {
				return err
			}
			for _, claim := range unpublished {
				event := claims.ClaimCreatedEvent(w.cfg.EventSource, claim, time.Now())
				if err := w.bus.Publish(ctx, event); err != nil {
					w.logger.Error("failed to republish event", "error", err, "claim_ref_id", claim.ClaimRefID)
					continue
				}
				if err := tx.MarkClaimEventPublished(ctx, claim.ID); err != nil {
					return err
				}
				metrics.RepublishedEvents.Inc()
				w.logger.Info("republished claim event", "claim_ref_id", claim.ClaimRefID)
			}
			return nil
		})
	})
}

func (w *Worker) forEachTenant(ctx context.Context, fn func(tenantID string) error) error {
	tenants, err := w.store.Tenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(tenantID); err != nil {
			w.logger.Error("tenant sweep failed", "error", err, "tenant_id", tenantID)
		}
	}
	return nil
}

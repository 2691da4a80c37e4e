package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/advanciapayledger/claims-pipeline/internal/claims"
)

// TenantTx is one in-flight transaction bound to a single tenant. All
// row operations on PHI tables live here so nothing can touch them
// outside a bound scope.
type TenantTx struct {
	tx       *sql.Tx
	tenantID string
}

func (t *TenantTx) TenantID() string { return t.tenantID }

func (t *TenantTx) InsertIntake(ctx context.Context, in claims.Intake) error {
	payload, err := json.Marshal(in.RawPayload)
	if err != nil {
		return fmt.Errorf("encode raw payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO intakes (id, tenant_id, patient_ref_id, patient_id, raw_payload, service_date, card_key, status)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8)`,
		in.ID, t.tenantID, in.PatientRefID, in.PatientID, payload, in.ServiceDate, in.CardKey, in.Status,
	)
	if err != nil {
		return fmt.Errorf("insert intake: %w", err)
	}
	return nil
}

func (t *TenantTx) GetIntake(ctx context.Context, id string) (claims.Intake, error) {
	var (
		in           claims.Intake
		patientRefID sql.NullString
		patientID    sql.NullString
		cardKey      sql.NullString
		payload      []byte
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, tenant_id, patient_ref_id, patient_id, raw_payload, service_date, card_key, status, created_at, updated_at
		 FROM intakes WHERE id = $1`,
		id,
	).Scan(&in.ID, &in.TenantID, &patientRefID, &patientID, &payload, &in.ServiceDate, &cardKey, &in.Status, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return claims.Intake{}, claims.ErrNotFound
		}
		return claims.Intake{}, fmt.Errorf("load intake: %w", err)
	}
	in.PatientRefID = patientRefID.String
	in.PatientID = patientID.String
	in.CardKey = cardKey.String
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &in.RawPayload); err != nil {
			return claims.Intake{}, fmt.Errorf("decode raw payload: %w", err)
		}
	}
	return in, nil
}

func (t *TenantTx) UpdateIntakeStatus(ctx context.Context, id string, status claims.IntakeStatus) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE intakes SET status = $2, updated_at = now() WHERE id = $1",
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update intake status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return claims.ErrNotFound
	}
	return nil
}

func (t *TenantTx) InsertClaim(ctx context.Context, c claims.Claim) error {
	diagnosis, err := json.Marshal(c.DiagnosisCodes)
	if err != nil {
		return fmt.Errorf("encode diagnosis codes: %w", err)
	}
	procedures, err := json.Marshal(c.ProcedureCodes)
	if err != nil {
		return fmt.Errorf("encode procedure codes: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO claim_records
		   (id, claim_ref_id, patient_id, tenant_id, intake_id, payer_code, service_date,
		    diagnosis_codes, procedure_codes, amount_billed_cents, amount_allowed_cents,
		    patient_responsibility_cents, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.ClaimRefID, c.PatientID, t.tenantID, c.IntakeID, c.PayerCode, c.ServiceDate,
		diagnosis, procedures, c.AmountBilled, c.AmountAllowed, c.PatientOwes, c.Status,
	)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (t *TenantTx) GetClaimByIntake(ctx context.Context, intakeID string) (claims.Claim, error) {
	return t.scanClaim(t.tx.QueryRowContext(ctx,
		claimSelect+" WHERE intake_id = $1", intakeID,
	))
}

func (t *TenantTx) GetClaimByRef(ctx context.Context, claimRefID string) (claims.Claim, error) {
	return t.scanClaim(t.tx.QueryRowContext(ctx,
		claimSelect+" WHERE claim_ref_id = $1", claimRefID,
	))
}

const claimSelect = `SELECT id, claim_ref_id, patient_id, tenant_id, intake_id, payer_code, service_date,
	diagnosis_codes, procedure_codes, amount_billed_cents, amount_allowed_cents,
	patient_responsibility_cents, status, event_published_at, created_at
	FROM claim_records`

func (t *TenantTx) scanClaim(row *sql.Row) (claims.Claim, error) {
	var (
		c           claims.Claim
		diagnosis   []byte
		procedures  []byte
		publishedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ClaimRefID, &c.PatientID, &c.TenantID, &c.IntakeID, &c.PayerCode,
		&c.ServiceDate, &diagnosis, &procedures, &c.AmountBilled, &c.AmountAllowed,
		&c.PatientOwes, &c.Status, &publishedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return claims.Claim{}, claims.ErrNotFound
		}
		return claims.Claim{}, fmt.Errorf("load claim: %w", err)
	}
	if err := json.Unmarshal(diagnosis, &c.DiagnosisCodes); err != nil {
		return claims.Claim{}, fmt.Errorf("decode diagnosis codes: %w", err)
	}
	if err := json.Unmarshal(procedures, &c.ProcedureCodes); err != nil {
		return claims.Claim{}, fmt.Errorf("decode procedure codes: %w", err)
	}
	if publishedAt.Valid {
		at := publishedAt.Time
		c.EventPublishedAt = &at
	}
	return c, nil
}

// UpsertPatient inserts the patient unless the tenant already holds one
// with the same demographic fingerprint, then returns the canonical
// row. The external ref is generated by the caller exactly once; on a
// fingerprint match the stored ref wins and the candidate is discarded.
func (t *TenantTx) UpsertPatient(ctx context.Context, p claims.Patient) (claims.Patient, bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO patients (id, external_ref_id, tenant_id, first_name, last_name, dob, gender, fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, fingerprint) DO NOTHING`,
		p.ID, p.ExternalRefID, t.tenantID, p.FirstName, p.LastName, p.DOB, p.Gender, p.Fingerprint,
	)
	if err != nil {
		return claims.Patient{}, false, fmt.Errorf("insert patient: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return claims.Patient{}, false, err
	}

	var stored claims.Patient
	err = t.tx.QueryRowContext(ctx,
		`SELECT id, external_ref_id, tenant_id, first_name, last_name, dob, gender, fingerprint, created_at
		 FROM patients WHERE fingerprint = $1`,
		p.Fingerprint,
	).Scan(&stored.ID, &stored.ExternalRefID, &stored.TenantID, &stored.FirstName, &stored.LastName,
		&stored.DOB, &stored.Gender, &stored.Fingerprint, &stored.CreatedAt)
	if err != nil {
		return claims.Patient{}, false, fmt.Errorf("load patient: %w", err)
	}
	return stored, inserted == 1, nil
}

func (t *TenantTx) GetPatientByRef(ctx context.Context, externalRefID string) (claims.Patient, error) {
	var p claims.Patient
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, external_ref_id, tenant_id, first_name, last_name, dob, gender, fingerprint, created_at
		 FROM patients WHERE external_ref_id = $1`,
		externalRefID,
	).Scan(&p.ID, &p.ExternalRefID, &p.TenantID, &p.FirstName, &p.LastName, &p.DOB, &p.Gender, &p.Fingerprint, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return claims.Patient{}, claims.ErrNotFound
		}
		return claims.Patient{}, fmt.Errorf("load patient: %w", err)
	}
	return p, nil
}

// PendingIntakesOlderThan lists this tenant's intakes still pending
// after cutoff, for the reconciliation sweep that re-enqueues orphaned
// submissions.
func (t *TenantTx) PendingIntakesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]claims.Intake, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, tenant_id, status, created_at, updated_at
		 FROM intakes
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		claims.IntakePending, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending intakes: %w", err)
	}
	defer rows.Close()

	var out []claims.Intake
	for rows.Next() {
		var in claims.Intake
		if err := rows.Scan(&in.ID, &in.TenantID, &in.Status, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UnpublishedClaims lists submitted claims whose ClaimCreated event has
// not been durably acknowledged. FOR UPDATE SKIP LOCKED lets multiple
// worker processes sweep concurrently without republishing each other's
// batch.
func (t *TenantTx) UnpublishedClaims(ctx context.Context, cutoff time.Time, limit int) ([]claims.Claim, error) {
	rows, err := t.tx.QueryContext(ctx,
		claimSelect+`
		 WHERE status = $1 AND event_published_at IS NULL AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		claims.ClaimSubmitted, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unpublished claims: %w", err)
	}
	defer rows.Close()

	var out []claims.Claim
	for rows.Next() {
		var (
			c           claims.Claim
			diagnosis   []byte
			procedures  []byte
			publishedAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.ClaimRefID, &c.PatientID, &c.TenantID, &c.IntakeID, &c.PayerCode,
			&c.ServiceDate, &diagnosis, &procedures, &c.AmountBilled, &c.AmountAllowed,
			&c.PatientOwes, &c.Status, &publishedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(diagnosis, &c.DiagnosisCodes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(procedures, &c.ProcedureCodes); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *TenantTx) MarkClaimEventPublished(ctx context.Context, claimID string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE claim_records SET event_published_at = now() WHERE id = $1 AND event_published_at IS NULL",
		claimID,
	)
	if err != nil {
		return fmt.Errorf("mark claim event published: %w", err)
	}
	return nil
}

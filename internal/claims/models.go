package claims

import "time"

type IntakeStatus string

const (
	IntakePending   IntakeStatus = "pending"
	IntakeValidated IntakeStatus = "validated"
	IntakeFailed    IntakeStatus = "failed"
)

type ClaimStatus string

const (
	ClaimSubmitted ClaimStatus = "submitted"
)

// Intake is a raw claim submission awaiting validation. Rows are
// insert-only apart from status transitions; nothing deletes them.
type Intake struct {
	ID           string
	TenantID     string
	PatientRefID string
	PatientID    string
	RawPayload   map[string]interface{}
	ServiceDate  string
	CardKey      string
	Status       IntakeStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Patient is the canonical demographic record. The internal ID never
// leaves the trust boundary; ExternalRefID is the exportable alias.
type Patient struct {
	ID            string
	ExternalRefID string
	TenantID      string
	FirstName     string
	LastName      string
	DOB           string
	Gender        string
	Fingerprint   string
	CreatedAt     time.Time
}

// Claim is the validated billable unit derived from an intake. Amounts
// are integer cents and never negative.
type Claim struct {
	ID               string
	ClaimRefID       string
	PatientID        string
	TenantID         string
	IntakeID         string
	PayerCode        string
	ServiceDate      string
	DiagnosisCodes   []string
	ProcedureCodes   []string
	AmountBilled     int64
	AmountAllowed    int64
	PatientOwes      int64
	Status           ClaimStatus
	EventPublishedAt *time.Time
	CreatedAt        time.Time
}

// IntakeMessage is the queue notification body enqueued on submission.
type IntakeMessage struct {
	IntakeID  string `json:"intake_id"`
	TenantID  string `json:"tenant_id"`
	Timestamp string `json:"timestamp"`
}

// Event is the PHI-free fact published to the bus. Detail must already
// have passed the redaction boundary before it reaches a publisher.
type Event struct {
	Source     string                 `json:"source"`
	DetailType string                 `json:"detailType"`
	Detail     map[string]interface{} `json:"detail"`
}

const EventClaimCreated = "ClaimCreated"

// ClaimCreatedEvent builds the ClaimCreated event for a committed claim.
// Detail carries only exportable identifiers.
func ClaimCreatedEvent(source string, c Claim, at time.Time) Event {
	return Event{
		Source:     source,
		DetailType: EventClaimCreated,
		Detail: map[string]interface{}{
			"claim_ref_id": c.ClaimRefID,
			"tenant_id":    c.TenantID,
			"status":       string(c.Status),
			"timestamp":    at.UTC().Format(time.RFC3339),
		},
	}
}

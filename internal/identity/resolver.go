// Package identity resolves demographic attributes to a canonical
// patient. Matching is exact on the canonicalized (first name, last
// name, dob, gender) tuple within a tenant; the fingerprint is an HMAC
// so demographics never appear verbatim in an index.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/advanciapayledger/claims-pipeline/internal/claims"
)

const dateLayout = "2006-01-02"

type Demographics struct {
	FirstName string
	LastName  string
	DOB       string
	Gender    string
}

type Resolution struct {
	PatientID     string
	ExternalRefID string
	Created       bool
}

// PatientStore is the slice of the tenant transaction the resolver
// needs. The store's ON CONFLICT upsert makes resolution race-safe
// across concurrent workers.
type PatientStore interface {
	UpsertPatient(ctx context.Context, p claims.Patient) (claims.Patient, bool, error)
}

type Resolver struct {
	secret []byte
}

func NewResolver(hmacSecret string) *Resolver {
	return &Resolver{secret: []byte(hmacSecret)}
}

// Resolve returns the tenant's canonical patient for demo, creating one
// when no exact demographic match exists. The external ref id is minted
// exactly once: on a fingerprint collision the stored row wins and the
// candidate id is discarded.
func (r *Resolver) Resolve(ctx context.Context, tx PatientStore, tenantID string, demo Demographics) (Resolution, error) {
	canon, err := Canonicalize(demo)
	if err != nil {
		return Resolution{}, err
	}

	candidate := claims.Patient{
		ID:            uuid.NewString(),
		ExternalRefID: uuid.NewString(),
		TenantID:      tenantID,
		FirstName:     canon.FirstName,
		LastName:      canon.LastName,
		DOB:           canon.DOB,
		Gender:        canon.Gender,
		Fingerprint:   r.Fingerprint(tenantID, canon),
	}

	stored, created, err := tx.UpsertPatient(ctx, candidate)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		PatientID:     stored.ID,
		ExternalRefID: stored.ExternalRefID,
		Created:       created,
	}, nil
}

// Canonicalize normalizes demographics so equal identities fingerprint
// equally: names lowercased with collapsed whitespace, dob in
// YYYY-MM-DD, gender reduced to its first letter.
func Canonicalize(demo Demographics) (Demographics, error) {
	first := canonicalizeName(demo.FirstName)
	last := canonicalizeName(demo.LastName)
	if first == "" || last == "" {
		return Demographics{}, &claims.ValidationError{Field: "name", Reason: "missing"}
	}

	dob, err := canonicalizeDOB(demo.DOB)
	if err != nil {
		return Demographics{}, &claims.ValidationError{Field: "dob", Reason: err.Error()}
	}

	gender := strings.ToLower(strings.TrimSpace(demo.Gender))
	if gender != "" {
		gender = gender[:1]
	}

	return Demographics{FirstName: first, LastName: last, DOB: dob, Gender: gender}, nil
}

// Fingerprint is deterministic per (tenant, canonical demographics) and
// never matches across tenants because the tenant id is part of the
// keyed input.
func (r *Resolver) Fingerprint(tenantID string, canon Demographics) string {
	input := "tenant=" + tenantID +
		"|first_name=" + canon.FirstName +
		"|last_name=" + canon.LastName +
		"|dob=" + canon.DOB +
		"|gender=" + canon.Gender
	mac := hmac.New(sha256.New, r.secret)
	_, _ = mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalizeName(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.ToLower(strings.Join(strings.Fields(trimmed), " "))
}

func canonicalizeDOB(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("missing")
	}
	parsed, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return "", errors.New("not a YYYY-MM-DD date")
	}
	return parsed.Format(dateLayout), nil
}

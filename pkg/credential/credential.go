// Package credential defines the versioned credential record managed
// by the rotation engine, together with its lifecycle state machine
// and health evaluation.
//
// A Record is immutable once written: rotation and rollback never edit
// material in place, they create a new record and move lifecycle
// states on its neighbors. The version number is the only field that
// determines precedence between records of the same identity.
package credential

import (
	"fmt"
	"time"
)

// Identity names the thing being rotated: one signing certificate, or
// one client's API key. One lock and one record lineage exist per
// identity.
type Identity string

// Kind selects the rotation protocol parameterization.
type Kind string

const (
	// KindCertificate is the platform signing certificate.
	KindCertificate Kind = "certificate"

	// KindAPIKey is a client API key.
	KindAPIKey Kind = "api_key"
)

// Valid reports whether k names a known credential kind.
func (k Kind) Valid() bool {
	return k == KindCertificate || k == KindAPIKey
}

// LifecycleState tracks where a record sits in its lineage.
type LifecycleState string

const (
	// StateActive marks the record consumers treat as authoritative.
	StateActive LifecycleState = "active"

	// StatePrevious marks the most recently superseded record, kept
	// through the grace window for in-flight consumers.
	StatePrevious LifecycleState = "previous"

	// StateRetired marks a record past its grace window, or a failed
	// rotation candidate. Retired records are never reactivated and
	// never deleted; they are the audit trail.
	StateRetired LifecycleState = "retired"

	// StateRollbackTarget is the transient state a previous record
	// passes through inside a rollback commit before being promoted
	// back to active.
	StateRollbackTarget LifecycleState = "rollback_target"
)

func (s LifecycleState) String() string {
	return string(s)
}

// ValidTransitions defines the allowed lifecycle moves. A record only
// ever moves forward (active → previous → retired) or sideways through
// rollback_target back to active; nothing regresses from retired.
var ValidTransitions = map[LifecycleState][]LifecycleState{
	StateActive:         {StatePrevious, StateRetired},
	StatePrevious:       {StateRetired, StateRollbackTarget},
	StateRollbackTarget: {StateActive},
	StateRetired:        {},
}

// CanTransitionTo checks whether a move from s to next is allowed.
func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Material is the opaque credential payload. Certificates carry their
// public chain and fingerprint; API keys carry only a one-way hash of
// the secret plus a display hint. Raw API key plaintext is never part
// of a Material and therefore never persisted.
type Material struct {
	// CertificatePEM is the PEM-encoded certificate chain. Certificate
	// kind only.
	CertificatePEM string `json:"certificate_pem,omitempty"`

	// Fingerprint is the SHA-256 fingerprint of the leaf certificate.
	// Certificate kind only.
	Fingerprint string `json:"fingerprint,omitempty"`

	// SecretHash is the SHA-256 hash of the API key plaintext, used by
	// the auth collaborator to verify presented keys. API key kind
	// only.
	SecretHash string `json:"secret_hash,omitempty"`

	// Hint is the last four characters of the API key, for operator
	// identification. API key kind only.
	Hint string `json:"hint,omitempty"`
}

// Record is the versioned unit of truth for one credential generation.
type Record struct {
	Identity Identity       `json:"identity"`
	Version  int64          `json:"version"`
	Kind     Kind           `json:"kind"`
	Material Material       `json:"material"`
	State    LifecycleState `json:"lifecycle_state"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is mandatory for certificates, optional for API keys
	// without forced expiry.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// SupersededAt is stamped when the record leaves the active state.
	// The grace retention window counts from here.
	SupersededAt *time.Time `json:"superseded_at,omitempty"`

	// RotationIntervalHours is an optional policy hint: records older
	// than this are flagged overdue by the health evaluator.
	RotationIntervalHours int `json:"rotation_interval_hours,omitempty"`

	// LastUsedAt is written by the auth collaborator; the engine only
	// reads it.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.SupersededAt != nil {
		t := *r.SupersededAt
		c.SupersededAt = &t
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Redacted returns a display copy per kind policy. Certificates are
// public material and pass through untouched; API keys drop the stored
// hash so it cannot be exfiltrated through status output, keeping only
// the hint.
func (r *Record) Redacted() *Record {
	c := r.Clone()
	if c.Kind == KindAPIKey {
		c.Material.SecretHash = ""
	}
	return c
}

// Validate checks the structural invariants a single record must hold
// before the store accepts it.
func (r *Record) Validate() error {
	if r.Identity == "" {
		return fmt.Errorf("record has no identity")
	}
	if r.Version < 1 {
		return fmt.Errorf("record %s has invalid version %d", r.Identity, r.Version)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("record %s has unknown kind %q", r.Identity, r.Kind)
	}
	if r.Kind == KindCertificate && r.ExpiresAt == nil {
		return fmt.Errorf("certificate record %s has no expiry", r.Identity)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("record %s has no creation time", r.Identity)
	}
	return nil
}

package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleState_CanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    LifecycleState
		to      LifecycleState
		allowed bool
	}{
		{"active to previous", StateActive, StatePrevious, true},
		{"active to retired", StateActive, StateRetired, true},
		{"previous to retired", StatePrevious, StateRetired, true},
		{"previous to rollback target", StatePrevious, StateRollbackTarget, true},
		{"rollback target to active", StateRollbackTarget, StateActive, true},
		{"retired never regresses", StateRetired, StateActive, false},
		{"retired to previous", StateRetired, StatePrevious, false},
		{"previous to active directly", StatePrevious, StateActive, false},
		{"active to rollback target", StateActive, StateRollbackTarget, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestKind_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, KindCertificate.Valid())
	assert.True(t, KindAPIKey.Valid())
	assert.False(t, Kind("password").Valid())
	assert.False(t, Kind("").Valid())
}

func TestRecord_Validate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	expiry := now.Add(90 * 24 * time.Hour)

	valid := Record{
		Identity:  "cert-prod",
		Version:   1,
		Kind:      KindCertificate,
		State:     StateActive,
		CreatedAt: now,
		ExpiresAt: &expiry,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"missing identity", func(r *Record) { r.Identity = "" }},
		{"zero version", func(r *Record) { r.Version = 0 }},
		{"negative version", func(r *Record) { r.Version = -2 }},
		{"unknown kind", func(r *Record) { r.Kind = "password" }},
		{"certificate without expiry", func(r *Record) { r.ExpiresAt = nil }},
		{"zero creation time", func(r *Record) { r.CreatedAt = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := valid
			tt.mutate(&rec)
			assert.Error(t, rec.Validate())
		})
	}
}

func TestRecord_ValidateAPIKeyWithoutExpiry(t *testing.T) {
	t.Parallel()

	rec := Record{
		Identity:  "client-acme",
		Version:   1,
		Kind:      KindAPIKey,
		State:     StateActive,
		CreatedAt: time.Now(),
	}
	assert.NoError(t, rec.Validate())
}

func TestRecord_Redacted(t *testing.T) {
	t.Parallel()

	apiKey := Record{
		Identity: "client-acme",
		Version:  3,
		Kind:     KindAPIKey,
		Material: Material{SecretHash: "deadbeef", Hint: "4f2a"},
	}
	red := apiKey.Redacted()
	assert.Empty(t, red.Material.SecretHash)
	assert.Equal(t, "4f2a", red.Material.Hint)
	// Original untouched.
	assert.Equal(t, "deadbeef", apiKey.Material.SecretHash)

	cert := Record{
		Identity: "cert-prod",
		Version:  2,
		Kind:     KindCertificate,
		Material: Material{CertificatePEM: "-----BEGIN CERTIFICATE-----", Fingerprint: "ab:cd"},
	}
	red = cert.Redacted()
	assert.Equal(t, cert.Material.CertificatePEM, red.Material.CertificatePEM)
	assert.Equal(t, cert.Material.Fingerprint, red.Material.Fingerprint)
}

func TestRecord_Clone(t *testing.T) {
	t.Parallel()

	expiry := time.Now().Add(time.Hour)
	rec := Record{
		Identity:  "cert-prod",
		Version:   1,
		Kind:      KindCertificate,
		ExpiresAt: &expiry,
	}

	c := rec.Clone()
	require.NotNil(t, c.ExpiresAt)
	newExpiry := c.ExpiresAt.Add(time.Hour)
	c.ExpiresAt = &newExpiry

	assert.Equal(t, expiry, *rec.ExpiresAt, "clone must not share expiry pointer")
}

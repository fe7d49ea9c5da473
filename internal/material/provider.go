// Package material generates credential payloads.
//
// Providers are side-effect free: Generate talks to its material
// source (random source, CA) and returns the result without touching
// the store, so a generation failure leaves no state to clean up.
package material

import (
	"context"
	"time"

	"github.com/credlink/keyops/internal/secure"
	"github.com/credlink/keyops/pkg/credential"
)

// Policy carries the per-identity generation parameters from
// configuration.
type Policy struct {
	// CommonName is the certificate subject CN. Certificate kind only;
	// defaults to the identity name when empty.
	CommonName string

	// DNSNames are the certificate SANs. Certificate kind only.
	DNSNames []string

	// ValidityDays bounds the certificate lifetime. Certificate kind
	// only.
	ValidityDays int

	// KeySize is the RSA key size in bits. Certificate kind only;
	// defaults to 2048.
	KeySize int
}

// Generated is the output of one generation attempt.
type Generated struct {
	// Material is the storable payload: public chain and fingerprint
	// for certificates, hash and hint for API keys.
	Material credential.Material

	// ExpiresAt is set when the material carries an expiry
	// (certificates always, API keys never at generation time).
	ExpiresAt *time.Time

	// Plaintext holds the one-shot secret for API keys, nil for
	// certificates. The coordinator hands it to the caller for a
	// single reveal; it is never persisted.
	Plaintext *secure.Buffer
}

// Provider generates material for one credential kind.
type Provider interface {
	// Kind names the credential kind this provider serves.
	Kind() credential.Kind

	// Generate produces fresh material for the identity. It must not
	// mutate any shared state; cancellation via ctx aborts slow
	// material sources.
	Generate(ctx context.Context, identity credential.Identity, policy Policy) (*Generated, error)
}

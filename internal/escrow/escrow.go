// Package escrow mirrors committed credential material into external
// secrets managers, so platform services that cannot reach the record
// store read rotated material from their cloud's native secret
// surface.
//
// Mirroring is best-effort and post-commit: an escrow failure is an
// operator warning, never a rotation failure, because the record
// store already holds the truth.
package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/credlink/keyops/pkg/credential"
)

// Escrow is one external secrets-manager target.
type Escrow interface {
	// Name identifies the target in logs ("aws", "gcp", "azure").
	Name() string

	// Mirror writes the record's distributable payload. plaintext is
	// the one-shot API key token; empty for certificates.
	Mirror(ctx context.Context, rec *credential.Record, plaintext string) error
}

// Payload selects what gets mirrored per kind: the public chain for
// certificates, the token for API keys. API key records without a
// captured plaintext cannot be mirrored — the store only holds the
// hash.
func Payload(rec *credential.Record, plaintext string) (string, error) {
	switch rec.Kind {
	case credential.KindCertificate:
		if rec.Material.CertificatePEM == "" {
			return "", fmt.Errorf("certificate record %s/v%d has no chain to mirror", rec.Identity, rec.Version)
		}
		return rec.Material.CertificatePEM, nil
	case credential.KindAPIKey:
		if plaintext == "" {
			return "", fmt.Errorf("api key record %s/v%d has no plaintext to mirror", rec.Identity, rec.Version)
		}
		return plaintext, nil
	default:
		return "", fmt.Errorf("unknown kind %q", rec.Kind)
	}
}

// secretName builds the per-identity secret name. sep accommodates
// backends that reject slashes in secret identifiers. The identity
// itself is reduced to [A-Za-z0-9_-]: GCP secret IDs and Azure secret
// names reject everything else.
func secretName(identity credential.Identity, sep string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, string(identity))
	return "keyops" + sep + sanitized
}

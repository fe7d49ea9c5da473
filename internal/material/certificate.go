package material

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/credlink/keyops/pkg/credential"
)

// IssueRequest carries the parameters an Issuer needs for one
// certificate.
type IssueRequest struct {
	CommonName   string
	DNSNames     []string
	ValidityDays int
	KeySize      int
}

// Issuer abstracts the certificate authority collaborator. The
// platform CA implements this against its signing service; the
// bundled self-signed issuer serves dev and test environments.
type Issuer interface {
	// Issue returns the PEM-encoded certificate chain, leaf first.
	Issue(ctx context.Context, req IssueRequest) ([]byte, error)
}

// CertificateProvider generates signing certificates through an
// Issuer and derives the storable material from the issued chain.
type CertificateProvider struct {
	issuer Issuer
}

// NewCertificateProvider creates a provider backed by the given
// issuer.
func NewCertificateProvider(issuer Issuer) *CertificateProvider {
	return &CertificateProvider{issuer: issuer}
}

// Kind returns the certificate kind.
func (p *CertificateProvider) Kind() credential.Kind {
	return credential.KindCertificate
}

// Generate requests a certificate from the issuer and extracts the
// fingerprint and expiry from the issued leaf.
func (p *CertificateProvider) Generate(ctx context.Context, identity credential.Identity, policy Policy) (*Generated, error) {
	req := IssueRequest{
		CommonName:   policy.CommonName,
		DNSNames:     policy.DNSNames,
		ValidityDays: policy.ValidityDays,
		KeySize:      policy.KeySize,
	}
	if req.CommonName == "" {
		req.CommonName = string(identity)
	}
	if req.ValidityDays <= 0 {
		req.ValidityDays = 90
	}
	if req.KeySize == 0 {
		req.KeySize = 2048
	}

	chainPEM, err := p.issuer.Issue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("issuer failed: %w", err)
	}

	leaf, err := parseLeaf(chainPEM)
	if err != nil {
		return nil, err
	}

	notAfter := leaf.NotAfter
	return &Generated{
		Material: credential.Material{
			CertificatePEM: string(chainPEM),
			Fingerprint:    Fingerprint(leaf),
		},
		ExpiresAt: &notAfter,
	}, nil
}

// Fingerprint renders the SHA-256 fingerprint of cert in the usual
// colon-separated form.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	hexSum := hex.EncodeToString(sum[:])

	parts := make([]string, 0, len(hexSum)/2)
	for i := 0; i < len(hexSum); i += 2 {
		parts = append(parts, hexSum[i:i+2])
	}
	return strings.Join(parts, ":")
}

func parseLeaf(chainPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("issued chain contains no certificate block")
	}

	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}
	return leaf, nil
}

// SelfSignedIssuer issues self-signed certificates locally. Dev and
// test use only.
type SelfSignedIssuer struct {
	// Organization appears in the certificate subject.
	Organization string
}

// Issue generates a key pair and a self-signed certificate. The
// private key stays with the consumer provisioning path and is not
// part of the returned chain.
func (s *SelfSignedIssuer) Issue(ctx context.Context, req IssueRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, req.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	org := s.Organization
	if org == "" {
		org = "keyops self-signed"
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   req.CommonName,
			Organization: []string{org},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, req.ValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
		DNSNames:              req.DNSNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

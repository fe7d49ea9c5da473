package material

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"github.com/credlink/keyops/internal/secure"
	"github.com/credlink/keyops/pkg/credential"
)

// keyPrefix marks platform-issued API keys so leaked tokens can be
// recognized by secret scanners.
const keyPrefix = "ck_"

// keySecretBytes is the entropy of the random portion.
const keySecretBytes = 32

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// APIKeyProvider generates client API keys. The plaintext token is
// returned inside a one-shot secure buffer; only its SHA-256 hash and
// a four-character hint are storable.
type APIKeyProvider struct {
	rand io.Reader
}

// NewAPIKeyProvider creates a provider backed by crypto/rand.
func NewAPIKeyProvider() *APIKeyProvider {
	return &APIKeyProvider{rand: rand.Reader}
}

// Kind returns the API key kind.
func (p *APIKeyProvider) Kind() credential.Kind {
	return credential.KindAPIKey
}

// Generate produces a fresh API key token.
func (p *APIKeyProvider) Generate(ctx context.Context, identity credential.Identity, policy Policy) (*Generated, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	secret, err := randomBase62(p.rand, keySecretBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to draw key entropy: %w", err)
	}

	token := keyPrefix + secret
	sum := sha256.Sum256([]byte(token))

	return &Generated{
		Material: credential.Material{
			SecretHash: hex.EncodeToString(sum[:]),
			Hint:       token[len(token)-4:],
		},
		Plaintext: secure.NewBufferFromString(token),
	}, nil
}

// randomBase62 draws n alphabet characters from r without modulo
// bias.
func randomBase62(r io.Reader, n int) (string, error) {
	alphabetLen := big.NewInt(int64(len(base62Alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(r, alphabetLen)
		if err != nil {
			return "", err
		}
		out[i] = base62Alphabet[idx.Int64()]
	}
	return string(out), nil
}

// HashToken computes the stored hash of a presented token, for the
// auth collaborator's verification path.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Package secure holds freshly generated credential plaintext between
// the moment the material provider produces it and the single point
// where it is shown to the caller. The plaintext lives in a memguard
// enclave: encrypted at rest in memory, mlocked where the platform
// allows, and wiped on destroy.
package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrConsumed is returned when the plaintext has already been
// revealed or the buffer was destroyed.
var ErrConsumed = errors.New("secret plaintext already consumed")

// Buffer is a protected container for one secret value. A Buffer is
// consumed by RevealOnce: the first call returns the plaintext and
// destroys the enclave, every later call fails with ErrConsumed.
type Buffer struct {
	mu       sync.Mutex
	enclave  *memguard.Enclave
	consumed bool
}

// NewBuffer seals the given bytes into a protected buffer. The caller
// should zero its own copy after sealing.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{enclave: memguard.NewEnclave(data)}
}

// NewBufferFromString seals a string secret.
func NewBufferFromString(s string) *Buffer {
	return NewBuffer([]byte(s))
}

// RevealOnce decrypts and returns the plaintext exactly once. The
// enclave is dropped afterward, so a second call (a retry path, a
// duplicated result struct, anything) fails with ErrConsumed instead
// of leaking the secret or silently handing back an empty token.
func (b *Buffer) RevealOnce() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumed || b.enclave == nil {
		return "", ErrConsumed
	}

	locked, err := b.enclave.Open()
	if err != nil {
		return "", err
	}
	defer locked.Destroy()

	b.enclave = nil
	b.consumed = true

	// Copy out of the protected region before Destroy unmaps it; the
	// LockedBuffer's own string view would dangle.
	return string(locked.Bytes()), nil
}

// Consumed reports whether the plaintext has already been revealed.
func (b *Buffer) Consumed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// Destroy drops the enclave without revealing it. Idempotent; safe to
// call on an already consumed buffer.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enclave = nil
	b.consumed = true
}

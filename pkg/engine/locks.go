package engine

import (
	"context"
	"sync"
	"time"

	kerrors "github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/pkg/credential"
)

// lockRegistry serializes rotations per identity. The default policy
// is fail-fast: a second rotation against a locked identity returns
// RotationInProgress immediately rather than queueing, so operators
// and schedulers never stack blind retries behind a slow CA call.
type lockRegistry struct {
	mu   sync.Mutex
	held map[credential.Identity]chan struct{}
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{
		held: make(map[credential.Identity]chan struct{}),
	}
}

// TryAcquire takes the identity's lock or fails immediately with
// RotationInProgressError.
func (r *lockRegistry) TryAcquire(identity credential.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.held[identity]; taken {
		return kerrors.RotationInProgressError{Identity: string(identity)}
	}
	r.held[identity] = make(chan struct{})
	return nil
}

// Acquire waits for the identity's lock until ctx expires.
func (r *lockRegistry) Acquire(ctx context.Context, identity credential.Identity) error {
	for {
		r.mu.Lock()
		released, taken := r.held[identity]
		if !taken {
			r.held[identity] = make(chan struct{})
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees the identity's lock and wakes any waiters.
func (r *lockRegistry) Release(identity credential.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if released, taken := r.held[identity]; taken {
		close(released)
		delete(r.held, identity)
	}
}

// Locked reports whether a rotation currently holds the identity.
func (r *lockRegistry) Locked(identity credential.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, taken := r.held[identity]
	return taken
}

// withTimeout wraps ctx with the given bound when positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

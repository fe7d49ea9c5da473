package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/credlink/keyops/internal/errors"
)

func TestLockRegistry_TryAcquire(t *testing.T) {
	t.Parallel()

	r := newLockRegistry()
	require.NoError(t, r.TryAcquire("cert-prod"))
	assert.True(t, r.Locked("cert-prod"))

	err := r.TryAcquire("cert-prod")
	var inProgress kerrors.RotationInProgressError
	assert.ErrorAs(t, err, &inProgress)

	// Other identities are independent.
	require.NoError(t, r.TryAcquire("client-acme"))

	r.Release("cert-prod")
	assert.False(t, r.Locked("cert-prod"))
	require.NoError(t, r.TryAcquire("cert-prod"))
}

func TestLockRegistry_AcquireWaits(t *testing.T) {
	t.Parallel()

	r := newLockRegistry()
	require.NoError(t, r.TryAcquire("cert-prod"))

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		assert.NoError(t, r.Acquire(context.Background(), "cert-prod"))
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the lock is held")
	case <-time.After(20 * time.Millisecond):
	}

	r.Release("cert-prod")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after release")
	}
}

func TestLockRegistry_AcquireHonorsContext(t *testing.T) {
	t.Parallel()

	r := newLockRegistry()
	require.NoError(t, r.TryAcquire("cert-prod"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Acquire(ctx, "cert-prod")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockRegistry_OneWinnerUnderContention(t *testing.T) {
	t.Parallel()

	r := newLockRegistry()
	const contenders = 32

	var wg sync.WaitGroup
	winners := 0
	var mu sync.Mutex
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.TryAcquire("cert-prod"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.True(t, r.Locked("cert-prod"))
}

func TestLockRegistry_ReleaseUnheldIsNoop(t *testing.T) {
	t.Parallel()

	r := newLockRegistry()
	r.Release("cert-prod")
	assert.False(t, r.Locked("cert-prod"))
}

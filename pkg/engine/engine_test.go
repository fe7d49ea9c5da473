package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/internal/escrow"
	"github.com/credlink/keyops/internal/material"
	"github.com/credlink/keyops/internal/store"
	"github.com/credlink/keyops/pkg/credential"
)

// stubCertProvider issues distinguishable fake certificates without
// paying for RSA key generation in every test.
type stubCertProvider struct {
	calls atomic.Int64
	fail  error
}

func (p *stubCertProvider) Kind() credential.Kind {
	return credential.KindCertificate
}

func (p *stubCertProvider) Generate(ctx context.Context, identity credential.Identity, policy material.Policy) (*material.Generated, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	n := p.calls.Add(1)
	expires := time.Now().Add(90 * 24 * time.Hour)
	return &material.Generated{
		Material: credential.Material{
			CertificatePEM: fmt.Sprintf("-----BEGIN CERTIFICATE-----\ngen-%d\n-----END CERTIFICATE-----", n),
			Fingerprint:    fmt.Sprintf("fp-%d", n),
		},
		ExpiresAt: &expires,
	}, nil
}

// blockingProvider holds Generate until released, to pin a rotation
// mid-flight.
type blockingProvider struct {
	inner   material.Provider
	started chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Kind() credential.Kind { return p.inner.Kind() }

func (p *blockingProvider) Generate(ctx context.Context, identity credential.Identity, policy material.Policy) (*material.Generated, error) {
	p.started <- struct{}{}
	<-p.release
	return p.inner.Generate(ctx, identity, policy)
}

// tamperStore corrupts GetActive reads after a commit, to force
// post-commit verification failures.
type tamperStore struct {
	store.Store
	committed atomic.Bool
}

func (ts *tamperStore) CommitRotation(ctx context.Context, rec *credential.Record, expected int64) error {
	err := ts.Store.CommitRotation(ctx, rec, expected)
	if err == nil {
		ts.committed.Store(true)
	}
	return err
}

func (ts *tamperStore) GetActive(ctx context.Context, identity credential.Identity) (*credential.Record, error) {
	rec, err := ts.Store.GetActive(ctx, identity)
	if err != nil {
		return nil, err
	}
	if ts.committed.Load() {
		tampered := rec.Clone()
		tampered.Material.Fingerprint = "corrupted"
		return tampered, nil
	}
	return rec, nil
}

// recordingEscrow captures mirror calls.
type recordingEscrow struct {
	name     string
	mu       sync.Mutex
	payloads map[string]string
	fail     error
}

func (e *recordingEscrow) Name() string { return e.name }

func (e *recordingEscrow) Mirror(ctx context.Context, rec *credential.Record, plaintext string) error {
	if e.fail != nil {
		return e.fail
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.payloads == nil {
		e.payloads = map[string]string{}
	}
	if plaintext != "" {
		e.payloads[string(rec.Identity)] = plaintext
	} else {
		e.payloads[string(rec.Identity)] = rec.Material.CertificatePEM
	}
	return nil
}

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store.NewFileStore(t.TempDir())
	}
	if opts.Providers == nil {
		opts.Providers = []material.Provider{
			&stubCertProvider{},
			material.NewAPIKeyProvider(),
		}
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestRotate_InitialIssuanceAPIKey(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, Options{})
	res, err := c.Rotate(context.Background(), "client-acme", RotateOptions{
		Kind: credential.KindAPIKey,
	})
	require.NoError(t, err)

	assert.Equal(t, StateCommitted, res.State)
	assert.Nil(t, res.Old)
	require.NotNil(t, res.New)
	assert.Equal(t, int64(1), res.New.Version)

	require.NotNil(t, res.Plaintext)
	token, err := res.Plaintext.RevealOnce()
	require.NoError(t, err)
	assert.Equal(t, res.New.Material.SecretHash, material.HashToken(token))

	// The reveal is one-shot.
	_, err = res.Plaintext.RevealOnce()
	assert.Error(t, err)

	// The stored record never carries the plaintext.
	stored, err := c.GetCurrent(context.Background(), "client-acme")
	require.NoError(t, err)
	assert.Empty(t, stored.Material.SecretHash) // redacted display copy
	assert.Len(t, stored.Material.Hint, 4)
}

func TestRotate_InitialIssuanceRequiresKind(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, Options{})
	_, err := c.Rotate(context.Background(), "client-acme", RotateOptions{})
	assert.ErrorContains(t, err, "requires a credential kind")
}

func TestRotate_VersionsAreMonotonic(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, Options{})
	ctx := context.Background()

	var lastVersion int64
	for i := 0; i < 5; i++ {
		res, err := c.Rotate(ctx, "cert-prod", RotateOptions{Kind: credential.KindCertificate})
		require.NoError(t, err)
		assert.Greater(t, res.New.Version, lastVersion)
		lastVersion = res.New.Version
	}
	assert.Equal(t, int64(5), lastVersion)
}

func TestRotate_GenerationFailureMutatesNothing(t *testing.T) {
	t.Parallel()

	st := store.NewFileStore(t.TempDir())
	c := newTestCoordinator(t, Options{
		Store:     st,
		Providers: []material.Provider{&stubCertProvider{fail: errors.New("ca unreachable")}},
	})

	_, err := c.Rotate(context.Background(), "cert-prod", RotateOptions{Kind: credential.KindCertificate})
	var genErr kerrors.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.True(t, kerrors.IsRetryable(err))

	// No lineage was created.
	_, err = st.History(context.Background(), "cert-prod")
	assert.True(t, kerrors.IsNotFound(err))
}

func TestRotate_DryRunCommitsNothing(t *testing.T) {
	t.Parallel()

	st := store.NewFileStore(t.TempDir())
	c := newTestCoordinator(t, Options{Store: st})

	res, err := c.Rotate(context.Background(), "cert-prod", RotateOptions{
		Kind:   credential.KindCertificate,
		DryRun: true,
	})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	require.NotNil(t, res.New)
	assert.Equal(t, int64(1), res.New.Version)
	assert.Nil(t, res.Plaintext)

	_, err = st.History(context.Background(), "cert-prod")
	assert.True(t, kerrors.IsNotFound(err))
}

func TestRotate_FailFastWhileInProgress(t *testing.T) {
	t.Parallel()

	blocking := &blockingProvider{
		inner:   &stubCertProvider{},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newTestCoordinator(t, Options{Providers: []material.Provider{blocking}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Rotate(context.Background(), "cert-prod", RotateOptions{Kind: credential.KindCertificate})
		assert.NoError(t, err)
	}()

	<-blocking.started

	// Second rotation against the locked identity fails immediately.
	_, err := c.Rotate(context.Background(), "cert-prod", RotateOptions{Kind: credential.KindCertificate})
	var inProgress kerrors.RotationInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.True(t, kerrors.IsRetryable(err))

	// A different identity is unaffected.
	_, err = c.Rotate(context.Background(), "client-other", RotateOptions{Kind: credential.KindAPIKey})
	assert.ErrorContains(t, err, "no material provider")

	close(blocking.release)
	<-done
}

func TestRotate_WaitForLockQueues(t *testing.T) {
	t.Parallel()

	blocking := &blockingProvider{
		inner:   &stubCertProvider{},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newTestCoordinator(t, Options{Providers: []material.Provider{blocking}})

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, err := c.Rotate(context.Background(), "cert-prod", RotateOptions{Kind: credential.KindCertificate})
		assert.NoError(t, err)
	}()
	<-blocking.started

	second := make(chan *RotationResult, 1)
	go func() {
		res, err := c.Rotate(context.Background(), "cert-prod", RotateOptions{
			Kind:        credential.KindCertificate,
			WaitForLock: true,
		})
		assert.NoError(t, err)
		second <- res
	}()

	close(blocking.release)
	<-first
	<-blocking.started // the queued rotation reaches generation

	res := <-second
	assert.Equal(t, int64(2), res.New.Version)
}

func TestRotate_VerificationFailureRollsBack(t *testing.T) {
	t.Parallel()

	ts := &tamperStore{Store: store.NewFileStore(t.TempDir())}
	c := newTestCoordinator(t, Options{Store: ts})
	ctx := context.Background()

	// Seed v1 directly so the rollback has a target.
	require.NoError(t, ts.Store.CommitRotation(ctx, seedRecord("cert-prod", 1), 0))
	require.NoError(t, ts.Store.CommitRotation(ctx, seedRecord("cert-prod", 2), 1))

	res, err := c.Rotate(ctx, "cert-prod", RotateOptions{})
	require.Error(t, err)
	assert.Equal(t, StateRollingBack, res.State)
	assert.True(t, res.RollbackAttempted)
	assert.True(t, res.RollbackSuccessful)

	// v2 is active again; the failed v3 is retired.
	active, err := ts.Store.GetActive(ctx, "cert-prod")
	require.NoError(t, err)
	assert.Equal(t, int64(2), active.Version)

	v3, err := ts.Store.GetVersion(ctx, "cert-prod", 3)
	require.NoError(t, err)
	assert.Equal(t, credential.StateRetired, v3.State)
}

func TestRotate_VerificationFailureOnInitialIssuance(t *testing.T) {
	t.Parallel()

	ts := &tamperStore{Store: store.NewFileStore(t.TempDir())}
	c := newTestCoordinator(t, Options{Store: ts})
	ctx := context.Background()

	res, err := c.Rotate(ctx, "client-acme", RotateOptions{Kind: credential.KindAPIKey})
	require.Error(t, err)
	assert.Equal(t, StateRollingBack, res.State)
	assert.True(t, res.RollbackAttempted)
	assert.True(t, res.RollbackSuccessful)

	// There was no previous generation to restore: the unverified v1
	// must be retired, leaving the identity with nothing serving.
	_, err = ts.Store.GetActive(ctx, "client-acme")
	require.Error(t, err)

	v1, err := ts.Store.GetVersion(ctx, "client-acme", 1)
	require.NoError(t, err)
	assert.Equal(t, credential.StateRetired, v1.State)
}

func TestRollback_RestoresPreviousMaterial(t *testing.T) {
	t.Parallel()

	st := store.NewFileStore(t.TempDir())
	c := newTestCoordinator(t, Options{Store: st})
	ctx := context.Background()

	// cert-prod at v3, rotate to v4, roll back, expect the exact v3
	// material serving again.
	for i := 0; i < 3; i++ {
		_, err := c.Rotate(ctx, "cert-prod", RotateOptions{Kind: credential.KindCertificate})
		require.NoError(t, err)
	}
	v3, err := st.GetActive(ctx, "cert-prod")
	require.NoError(t, err)
	require.Equal(t, int64(3), v3.Version)

	res, err := c.Rotate(ctx, "cert-prod", RotateOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.New.Version)

	promoted, err := c.Rollback(ctx, "cert-prod", "cache poisoning reported")
	require.NoError(t, err)
	assert.Equal(t, int64(3), promoted.Version)
	assert.Equal(t, v3.Material, promoted.Material)

	active, err := st.GetActive(ctx, "cert-prod")
	require.NoError(t, err)
	assert.Equal(t, int64(3), active.Version)
	assert.Equal(t, v3.Material, active.Material)

	v4, err := st.GetVersion(ctx, "cert-prod", 4)
	require.NoError(t, err)
	assert.Equal(t, credential.StateRetired, v4.State)
}

func TestRollback_WithoutPrevious(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, Options{})
	ctx := context.Background()

	_, err := c.Rotate(ctx, "cert-prod", RotateOptions{Kind: credential.KindCertificate})
	require.NoError(t, err)

	_, err = c.Rollback(ctx, "cert-prod", "")
	var npErr kerrors.NoPreviousCredentialError
	assert.ErrorAs(t, err, &npErr)
}

func TestRotate_MirrorsToEscrows(t *testing.T) {
	t.Parallel()

	aws := &recordingEscrow{name: "aws"}
	gcp := &recordingEscrow{name: "gcp", fail: errors.New("permission denied")}
	c := newTestCoordinator(t, Options{Escrows: []escrow.Escrow{aws, gcp}})
	ctx := context.Background()

	res, err := c.Rotate(ctx, "client-acme", RotateOptions{
		Kind:          credential.KindAPIKey,
		EscrowTargets: []string{"aws", "gcp", "vault"},
	})
	require.NoError(t, err)

	token, err := res.Plaintext.RevealOnce()
	require.NoError(t, err)

	// The mirror received the same plaintext the caller got; the
	// failing and unknown targets did not fail the rotation.
	assert.Equal(t, token, aws.payloads["client-acme"])
	assert.Empty(t, gcp.payloads)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Rotate(ctx, "client-acme", RotateOptions{Kind: credential.KindAPIKey})
		require.NoError(t, err)
	}

	status, err := c.GetStatus(ctx, "client-acme")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Generations)
	require.NotNil(t, status.Active)
	assert.Equal(t, int64(3), status.Active.Version)
	require.NotNil(t, status.Previous)
	assert.Equal(t, int64(2), status.Previous.Version)
	assert.False(t, status.RotationInProgress)

	// Status output is redacted.
	assert.Empty(t, status.Active.Material.SecretHash)

	_, err = c.GetStatus(ctx, "unknown")
	assert.True(t, kerrors.IsNotFound(err))
}

func TestHealthCheckAndListNeedingRotation(t *testing.T) {
	t.Parallel()

	st := store.NewFileStore(t.TempDir())
	c := newTestCoordinator(t, Options{Store: st})
	ctx := context.Background()

	rec := seedRecord("cert-prod", 1)
	expiry := time.Now().Add(3 * 24 * time.Hour)
	rec.ExpiresAt = &expiry
	require.NoError(t, st.CommitRotation(ctx, rec, 0))

	h, err := c.HealthCheck(ctx, "cert-prod")
	require.NoError(t, err)
	assert.True(t, h.NearExpiry)
	assert.False(t, h.Healthy())

	due, err := c.ListNeedingRotation(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, credential.Identity("cert-prod"), due[0].Identity)
}

func seedRecord(identity string, version int64) *credential.Record {
	expires := time.Now().Add(90 * 24 * time.Hour)
	return &credential.Record{
		Identity:  credential.Identity(identity),
		Version:   version,
		Kind:      credential.KindCertificate,
		State:     credential.StateActive,
		CreatedAt: time.Now(),
		ExpiresAt: &expires,
		Material: credential.Material{
			CertificatePEM: fmt.Sprintf("-----BEGIN CERTIFICATE-----\nseed-%d\n-----END CERTIFICATE-----", version),
			Fingerprint:    fmt.Sprintf("seed-fp-%d", version),
		},
	}
}

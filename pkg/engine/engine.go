package engine

import (
	"context"
	"fmt"
	"time"

	kerrors "github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/internal/escrow"
	"github.com/credlink/keyops/internal/logging"
	"github.com/credlink/keyops/internal/material"
	"github.com/credlink/keyops/internal/secure"
	"github.com/credlink/keyops/internal/store"
	"github.com/credlink/keyops/pkg/credential"
)

// DefaultGenerationTimeout bounds one material source call.
const DefaultGenerationTimeout = 30 * time.Second

// Coordinator drives rotation and rollback for all identities. All
// collaborators are injected at construction; per-identity exclusion
// is enforced through an internal lock registry, never through the
// store.
type Coordinator struct {
	store               store.Store
	providers           map[credential.Kind]material.Provider
	escrows             map[string]escrow.Escrow
	logger              *logging.Logger
	metrics             *Metrics
	clock               func() time.Time
	locks               *lockRegistry
	generationTimeout   time.Duration
	nearExpiryThreshold time.Duration
}

// Options configures a Coordinator.
type Options struct {
	// Store is the record store. Required.
	Store store.Store

	// Providers generate material, one per credential kind. Required.
	Providers []material.Provider

	// Escrows are the configured external mirrors, keyed by their
	// Name(). Optional.
	Escrows []escrow.Escrow

	// Logger defaults to a quiet logger.
	Logger *logging.Logger

	// Metrics defaults to an unregistered (inert) instance.
	Metrics *Metrics

	// Clock defaults to time.Now. Tests inject a fixed clock.
	Clock func() time.Time

	// GenerationTimeout bounds each material source call. Defaults to
	// DefaultGenerationTimeout.
	GenerationTimeout time.Duration

	// NearExpiryThreshold is the health evaluation window. Defaults
	// to credential.DefaultNearExpiryThreshold.
	NearExpiryThreshold time.Duration
}

// New creates a Coordinator from injected collaborators.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("coordinator requires a store")
	}
	if len(opts.Providers) == 0 {
		return nil, fmt.Errorf("coordinator requires at least one material provider")
	}

	c := &Coordinator{
		store:               opts.Store,
		providers:           make(map[credential.Kind]material.Provider, len(opts.Providers)),
		escrows:             make(map[string]escrow.Escrow, len(opts.Escrows)),
		logger:              opts.Logger,
		metrics:             opts.Metrics,
		clock:               opts.Clock,
		locks:               newLockRegistry(),
		generationTimeout:   opts.GenerationTimeout,
		nearExpiryThreshold: opts.NearExpiryThreshold,
	}

	for _, p := range opts.Providers {
		if _, dup := c.providers[p.Kind()]; dup {
			return nil, fmt.Errorf("duplicate provider for kind %q", p.Kind())
		}
		c.providers[p.Kind()] = p
	}
	for _, e := range opts.Escrows {
		c.escrows[e.Name()] = e
	}

	if c.logger == nil {
		c.logger = logging.New(false, true)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.generationTimeout <= 0 {
		c.generationTimeout = DefaultGenerationTimeout
	}
	if c.nearExpiryThreshold <= 0 {
		c.nearExpiryThreshold = credential.DefaultNearExpiryThreshold
	}

	return c, nil
}

// RotateOptions parameterizes one rotation attempt.
type RotateOptions struct {
	// Kind selects the provider for initial issuance. Ignored when
	// the identity already has a lineage.
	Kind credential.Kind

	// Policy carries the generation parameters from configuration.
	Policy material.Policy

	// RotationIntervalHours is stamped on the new record as a health
	// hint.
	RotationIntervalHours int

	// EscrowTargets names the mirrors to write after commit.
	EscrowTargets []string

	// DryRun generates and validates a candidate without committing
	// anything.
	DryRun bool

	// WaitForLock queues behind an in-flight rotation instead of
	// failing fast with RotationInProgress.
	WaitForLock bool
}

// RotationResult reports the outcome of one rotation or rollback
// attempt. Err carries the terminal failure; callers get the result
// alongside the error so rollback outcomes are never lost.
type RotationResult struct {
	Identity credential.Identity
	State    State

	// Old is the record that was active before the attempt, nil on
	// initial issuance.
	Old *credential.Record

	// New is the record installed by the attempt (or the dry-run
	// candidate).
	New *credential.Record

	// Plaintext is the one-shot API key token buffer. Nil for
	// certificates and dry runs.
	Plaintext *secure.Buffer

	// RollbackAttempted and RollbackSuccessful report verification
	// recovery. Both false when verification passed.
	RollbackAttempted  bool
	RollbackSuccessful bool

	DryRun bool
	Err    error
}

// Rotate drives one rotation attempt through the state machine.
func (c *Coordinator) Rotate(ctx context.Context, identity credential.Identity, opts RotateOptions) (*RotationResult, error) {
	if opts.WaitForLock {
		if err := c.locks.Acquire(ctx, identity); err != nil {
			return nil, err
		}
	} else {
		if err := c.locks.TryAcquire(identity); err != nil {
			c.logger.Warn("Rotation already in progress for %s", identity)
			return nil, err
		}
	}
	defer c.locks.Release(identity)

	result := &RotationResult{Identity: identity, State: StateIdle, DryRun: opts.DryRun}
	started := c.clock()

	fail := func(err error) (*RotationResult, error) {
		result.State = StateFailed
		result.Err = err
		c.metrics.RecordRotationCompleted(string(identity), "failed", c.clock().Sub(started).Seconds())
		return result, err
	}

	// Establish the prior generation. A missing lineage means initial
	// issuance.
	var expectedPrior int64
	kind := opts.Kind
	current, err := c.store.GetActive(ctx, identity)
	switch {
	case err == nil:
		result.Old = current
		expectedPrior = current.Version
		kind = current.Kind
	case kerrors.IsNotFound(err):
		if !kind.Valid() {
			return fail(fmt.Errorf("initial issuance for %s requires a credential kind", identity))
		}
	default:
		return fail(err)
	}

	provider, ok := c.providers[kind]
	if !ok {
		return fail(fmt.Errorf("no material provider for kind %q", kind))
	}

	c.logger.Debug("Rotating %s (%s, prior version %d)", identity, kind, expectedPrior)
	c.metrics.RecordRotationStarted(string(identity), string(kind))
	result.State = StateGenerating

	genCtx, cancel := withTimeout(ctx, c.generationTimeout)
	gen, err := provider.Generate(genCtx, identity, opts.Policy)
	cancel()
	if err != nil {
		return fail(kerrors.GenerationError{Identity: string(identity), Kind: string(kind), Err: err})
	}

	candidate := &credential.Record{
		Identity:              identity,
		Version:               expectedPrior + 1,
		Kind:                  kind,
		Material:              gen.Material,
		State:                 credential.StateActive,
		CreatedAt:             c.clock(),
		ExpiresAt:             gen.ExpiresAt,
		RotationIntervalHours: opts.RotationIntervalHours,
	}
	if err := candidate.Validate(); err != nil {
		destroyPlaintext(gen)
		return fail(kerrors.GenerationError{Identity: string(identity), Kind: string(kind), Err: err})
	}
	result.New = candidate

	// Capture the token before any store write: the escrow mirrors
	// and the caller both need it, and the stored record only carries
	// the hash.
	var token string
	if gen.Plaintext != nil {
		token, err = gen.Plaintext.RevealOnce()
		if err != nil {
			return fail(kerrors.GenerationError{Identity: string(identity), Kind: string(kind), Err: err})
		}
	}

	if opts.DryRun {
		c.logger.Info("Dry run: would install %s/v%d", identity, candidate.Version)
		c.metrics.RecordRotationCompleted(string(identity), "dry_run", c.clock().Sub(started).Seconds())
		return result, nil
	}

	result.State = StateSwapping
	if err := c.store.CommitRotation(ctx, candidate, expectedPrior); err != nil {
		return fail(err)
	}
	result.State = StateCommitted

	if err := c.verifyCommit(ctx, candidate); err != nil {
		c.logger.Error("Post-commit verification failed for %s/v%d: %v", identity, candidate.Version, err)
		result.State = StateRollingBack
		result.RollbackAttempted = true
		c.metrics.RecordRollback(string(identity), "verification")

		if expectedPrior == 0 {
			// Initial issuance has no previous generation to restore;
			// retire the unverified candidate so nothing serves.
			if rbErr := c.store.Retire(ctx, identity, candidate.Version); rbErr != nil {
				c.logger.Error("Could not retire unverified %s/v%d: %v", identity, candidate.Version, rbErr)
			} else {
				c.logger.Warn("Retired unverified %s/v%d; the identity has no serving credential", identity, candidate.Version)
				result.RollbackSuccessful = true
			}
		} else if _, rbErr := c.store.CommitRollback(ctx, identity); rbErr != nil {
			c.logger.Error("Automatic rollback for %s failed: %v", identity, rbErr)
		} else {
			c.logger.Warn("Rolled %s back to v%d after failed verification", identity, expectedPrior)
			result.RollbackSuccessful = true
		}

		verr := fmt.Errorf("verification of %s/v%d failed: %w", identity, candidate.Version, err)
		result.Err = verr
		if !result.RollbackSuccessful {
			result.State = StateFailed
		}
		c.metrics.RecordRotationCompleted(string(identity), "failed", c.clock().Sub(started).Seconds())
		return result, verr
	}

	c.mirror(ctx, candidate, token, opts.EscrowTargets)

	if token != "" {
		result.Plaintext = secure.NewBufferFromString(token)
	}
	c.logger.Info("Rotated %s to v%d", identity, candidate.Version)
	c.metrics.RecordRotationCompleted(string(identity), "success", c.clock().Sub(started).Seconds())
	return result, nil
}

// verifyCommit re-reads the store and checks that the committed
// generation is what consumers will now fetch.
func (c *Coordinator) verifyCommit(ctx context.Context, candidate *credential.Record) error {
	stored, err := c.store.GetActive(ctx, candidate.Identity)
	if err != nil {
		return fmt.Errorf("active record not retrievable: %w", err)
	}
	if stored.Version != candidate.Version {
		return fmt.Errorf("active record is v%d, expected v%d", stored.Version, candidate.Version)
	}
	if stored.Material != candidate.Material {
		return fmt.Errorf("stored material does not match the committed candidate")
	}
	return nil
}

// mirror writes the committed material to the named escrows. Escrow
// failures are warnings: the store already holds the truth.
func (c *Coordinator) mirror(ctx context.Context, rec *credential.Record, token string, targets []string) {
	for _, name := range targets {
		target, ok := c.escrows[name]
		if !ok {
			c.logger.Warn("Escrow %q is not configured, skipping mirror of %s", name, rec.Identity)
			continue
		}
		if err := target.Mirror(ctx, rec, token); err != nil {
			c.logger.Warn("Escrow %s failed for %s/v%d: %v", name, rec.Identity, rec.Version, err)
			continue
		}
		c.logger.Debug("Mirrored %s/v%d to %s", rec.Identity, rec.Version, name)
	}
}

// Rollback restores the previous generation as active. Reason is an
// operator-supplied note for the log line.
func (c *Coordinator) Rollback(ctx context.Context, identity credential.Identity, reason string) (*credential.Record, error) {
	if err := c.locks.TryAcquire(identity); err != nil {
		return nil, err
	}
	defer c.locks.Release(identity)

	promoted, err := c.store.CommitRollback(ctx, identity)
	if err != nil {
		return nil, err
	}

	c.metrics.RecordRollback(string(identity), "manual")
	if reason != "" {
		c.logger.Info("Rolled %s back to v%d (%s)", identity, promoted.Version, reason)
	} else {
		c.logger.Info("Rolled %s back to v%d", identity, promoted.Version)
	}

	// Certificates can be re-mirrored from stored material; API key
	// plaintext is gone, so downstream mirrors keep the newer value
	// until the next rotation.
	if promoted.Kind == credential.KindAPIKey && len(c.escrows) > 0 {
		c.logger.Warn("Escrow mirrors of %s still hold the rolled-back key; rotate to refresh them", identity)
	}
	return promoted, nil
}

// GetCurrent returns the identity's active record, redacted per kind
// policy.
func (c *Coordinator) GetCurrent(ctx context.Context, identity credential.Identity) (*credential.Record, error) {
	rec, err := c.store.GetActive(ctx, identity)
	if err != nil {
		return nil, err
	}
	return rec.Redacted(), nil
}

// Status is the read-only view served by GetStatus.
type Status struct {
	Identity           credential.Identity
	Active             *credential.Record
	Previous           *credential.Record
	Health             credential.Health
	Generations        int
	RotationInProgress bool
}

// GetStatus reports the identity's lineage without taking its lock.
func (c *Coordinator) GetStatus(ctx context.Context, identity credential.Identity) (*Status, error) {
	history, err := c.store.History(ctx, identity)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Identity:           identity,
		Generations:        len(history),
		RotationInProgress: c.locks.Locked(identity),
	}
	for _, rec := range history {
		switch rec.State {
		case credential.StateActive:
			status.Active = rec.Redacted()
		case credential.StatePrevious:
			status.Previous = rec.Redacted()
		}
	}
	if status.Active != nil {
		status.Health = credential.EvaluateWithThreshold(status.Active, c.clock(), c.nearExpiryThreshold)
	}
	return status, nil
}

// HealthCheck evaluates the identity's active record.
func (c *Coordinator) HealthCheck(ctx context.Context, identity credential.Identity) (credential.Health, error) {
	rec, err := c.store.GetActive(ctx, identity)
	if err != nil {
		return credential.Health{}, err
	}

	h := credential.EvaluateWithThreshold(rec, c.clock(), c.nearExpiryThreshold)
	c.metrics.RecordCredentialHealth(string(identity), string(rec.Kind), h.Healthy())
	return h, nil
}

// ListNeedingRotation surfaces active records due for rotation within
// the horizon. A zero horizon uses the configured near-expiry
// threshold.
func (c *Coordinator) ListNeedingRotation(ctx context.Context, kind credential.Kind, within time.Duration) ([]*credential.Record, error) {
	if within <= 0 {
		within = c.nearExpiryThreshold
	}
	records, err := c.store.ListNeedingRotation(ctx, kind, within)
	if err != nil {
		return nil, err
	}

	redacted := make([]*credential.Record, len(records))
	for i, rec := range records {
		redacted[i] = rec.Redacted()
	}
	return redacted, nil
}

func destroyPlaintext(gen *material.Generated) {
	if gen.Plaintext != nil {
		gen.Plaintext.Destroy()
	}
}

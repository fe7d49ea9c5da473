// Package store persists credential record lineages.
//
// Two implementations exist: a file-backed store for single-host
// deployments and a SQL-backed store for shared ones. Both enforce
// the same contract: at most one active and at most one previous
// record per identity, versions strictly increasing, commits guarded
// by the caller's expected prior version, and no hard deletes ever —
// retired records are the audit trail.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/pkg/credential"
)

// Store is the persistence contract the rotation coordinator depends
// on.
type Store interface {
	// GetActive returns the identity's active record, or NotFoundError
	// when the identity has no active record.
	GetActive(ctx context.Context, identity credential.Identity) (*credential.Record, error)

	// GetPrevious returns the identity's previous-generation record,
	// or NoPreviousCredentialError when none exists.
	GetPrevious(ctx context.Context, identity credential.Identity) (*credential.Record, error)

	// GetVersion returns one specific generation of the identity.
	GetVersion(ctx context.Context, identity credential.Identity, version int64) (*credential.Record, error)

	// History returns every record of the identity, newest version
	// first. An unknown identity yields NotFoundError.
	History(ctx context.Context, identity credential.Identity) ([]*credential.Record, error)

	// ListActive returns the active record of every identity.
	ListActive(ctx context.Context) ([]*credential.Record, error)

	// ListPrevious returns every previous-state record across
	// identities, for the retention janitor.
	ListPrevious(ctx context.Context) ([]*credential.Record, error)

	// ListNeedingRotation returns active records that are expired,
	// expire within the given horizon, or are overdue per their
	// rotation interval. An empty kind matches all kinds.
	ListNeedingRotation(ctx context.Context, kind credential.Kind, within time.Duration) ([]*credential.Record, error)

	// CommitRotation atomically installs newRec as the identity's
	// active record, demotes the current active to previous, and
	// retires any older previous. expectedPriorVersion is the version
	// the caller observed as active; zero means initial issuance. A
	// mismatch returns VersionConflictError and writes nothing.
	CommitRotation(ctx context.Context, newRec *credential.Record, expectedPriorVersion int64) error

	// CommitRollback atomically promotes the identity's previous
	// record back to active and retires the current active, returning
	// the promoted record.
	CommitRollback(ctx context.Context, identity credential.Identity) (*credential.Record, error)

	// Retire moves one previous-state record to retired. Used by the
	// grace retention janitor; any other source state is rejected.
	Retire(ctx context.Context, identity credential.Identity, version int64) error
}

// validateRotation checks the commit preconditions shared by both
// store implementations. current is the record currently active for
// the identity, or nil when the lineage is empty.
func validateRotation(current, newRec *credential.Record, expectedPriorVersion int64) error {
	if err := newRec.Validate(); err != nil {
		return fmt.Errorf("rejecting rotation commit: %w", err)
	}
	if newRec.State != credential.StateActive {
		return fmt.Errorf("rotation commit for %s must install an active record, got %q", newRec.Identity, newRec.State)
	}

	if expectedPriorVersion == 0 {
		if current != nil {
			return errors.VersionConflictError{Identity: string(newRec.Identity), ExpectedVersion: 0}
		}
		if newRec.Version != 1 {
			return fmt.Errorf("initial issuance for %s must be version 1, got %d", newRec.Identity, newRec.Version)
		}
		return nil
	}

	if current == nil || current.Version != expectedPriorVersion {
		return errors.VersionConflictError{Identity: string(newRec.Identity), ExpectedVersion: expectedPriorVersion}
	}
	if newRec.Version != expectedPriorVersion+1 {
		return fmt.Errorf("rotation commit for %s must install version %d, got %d", newRec.Identity, expectedPriorVersion+1, newRec.Version)
	}
	if !current.State.CanTransitionTo(credential.StatePrevious) {
		return fmt.Errorf("record %s/v%d cannot move from %q to previous", current.Identity, current.Version, current.State)
	}
	return nil
}

// needsRotation reports whether an active record should be surfaced
// by ListNeedingRotation for the given horizon.
func needsRotation(rec *credential.Record, kind credential.Kind, within time.Duration, now time.Time) bool {
	if rec.State != credential.StateActive {
		return false
	}
	if kind != "" && rec.Kind != kind {
		return false
	}
	return credential.EvaluateWithThreshold(rec, now, within).NeedsRotation()
}

// Package errors defines the error taxonomy for the rotation engine.
//
// Every failure a caller can act on has its own type so that the
// administrative layer can distinguish "nothing changed, retry freely"
// from "a racing writer won" from "manual intervention required"
// without string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError is an error intended for direct operator display, with
// optional remediation context.
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError reports a problem in keyops.yaml or a policy document.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// GenerationError means the material source (CA, random source) failed
// before any stored record was touched. Safe to retry.
type GenerationError struct {
	Identity string
	Kind     string
	Err      error
}

func (e GenerationError) Error() string {
	return fmt.Sprintf("material generation failed for %s (%s): %v", e.Identity, e.Kind, e.Err)
}

func (e GenerationError) Unwrap() error {
	return e.Err
}

// VersionConflictError means a racing writer committed a rotation for
// the same identity between our read of the active record and our
// commit. Nothing was written; safe to retry against the fresh active
// record.
type VersionConflictError struct {
	Identity        string
	ExpectedVersion int64
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s: active record is no longer v%d", e.Identity, e.ExpectedVersion)
}

// RotationInProgressError means another rotation already holds the
// identity's lock. The caller should wait and retry later rather than
// immediately.
type RotationInProgressError struct {
	Identity string
}

func (e RotationInProgressError) Error() string {
	return fmt.Sprintf("rotation already in progress for %s", e.Identity)
}

// NoPreviousCredentialError means rollback was requested but no
// previous-generation record exists to promote.
type NoPreviousCredentialError struct {
	Identity string
}

func (e NoPreviousCredentialError) Error() string {
	return fmt.Sprintf("no previous credential to roll back to for %s", e.Identity)
}

// NotFoundError means the identity has no record lineage at all.
type NotFoundError struct {
	Identity string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("no credential found for %s", e.Identity)
}

// IsRetryable reports whether the failed operation may be retried
// without operator intervention. Generation failures and version
// conflicts left no partial state behind; an in-progress rotation
// resolves on its own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var genErr GenerationError
	var conflictErr VersionConflictError
	var inProgressErr RotationInProgressError
	if errors.As(err, &genErr) || errors.As(err, &conflictErr) || errors.As(err, &inProgressErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "temporary failure", "connection reset", "rate limit", "too many requests"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsNotFound reports whether err indicates a missing identity or
// missing rollback target.
func IsNotFound(err error) bool {
	var nfErr NotFoundError
	var npErr NoPreviousCredentialError
	return errors.As(err, &nfErr) || errors.As(err, &npErr)
}

// IsConflict reports whether err is a store-level version conflict.
func IsConflict(err error) bool {
	var conflictErr VersionConflictError
	return errors.As(err, &conflictErr)
}

package credential

import (
	"fmt"
	"time"
)

// DefaultNearExpiryThreshold flags certificates approaching their
// notAfter date early enough to rotate.
const DefaultNearExpiryThreshold = 7 * 24 * time.Hour

// Health is the evaluation of one record at one instant. Produced by
// Evaluate, which is a pure function: same record and clock in, same
// flags out.
type Health struct {
	// Expired is true once the record's expiry has passed.
	Expired bool

	// NearExpiry is true inside the near-expiry threshold window.
	NearExpiry bool

	// HasExpiry distinguishes "expires in 0 days" from "never
	// expires" for API keys without forced expiry.
	HasExpiry bool

	// DaysUntilExpiry is whole days remaining; zero or negative once
	// expired. Meaningless when HasExpiry is false.
	DaysUntilExpiry int

	// Overdue is true when the record's age exceeds its rotation
	// interval policy hint.
	Overdue bool
}

// Evaluate computes health flags for rec at now using the default
// near-expiry threshold.
func Evaluate(rec *Record, now time.Time) Health {
	return EvaluateWithThreshold(rec, now, DefaultNearExpiryThreshold)
}

// EvaluateWithThreshold computes health flags with a caller-supplied
// near-expiry threshold.
func EvaluateWithThreshold(rec *Record, now time.Time, nearExpiry time.Duration) Health {
	var h Health

	if rec.ExpiresAt != nil {
		h.HasExpiry = true
		remaining := rec.ExpiresAt.Sub(now)
		h.DaysUntilExpiry = int(remaining.Hours() / 24)
		if remaining <= 0 {
			h.Expired = true
			h.DaysUntilExpiry = 0
		} else if remaining <= nearExpiry {
			h.NearExpiry = true
		}
	}

	if rec.RotationIntervalHours > 0 {
		age := now.Sub(rec.CreatedAt)
		if age > time.Duration(rec.RotationIntervalHours)*time.Hour {
			h.Overdue = true
		}
	}

	return h
}

// Healthy reports whether no flag indicates action needed.
func (h Health) Healthy() bool {
	return !h.Expired && !h.NearExpiry && !h.Overdue
}

// NeedsRotation is the rotation recommendation derived from the flags.
func (h Health) NeedsRotation() bool {
	return h.Expired || h.NearExpiry || h.Overdue
}

// Issues renders operator-readable descriptions of every raised flag.
func (h Health) Issues() []string {
	var issues []string
	if h.Expired {
		issues = append(issues, "credential has expired")
	} else if h.NearExpiry {
		issues = append(issues, fmt.Sprintf("credential expires in %d day(s)", h.DaysUntilExpiry))
	}
	if h.Overdue {
		issues = append(issues, "credential age exceeds its rotation interval")
	}
	return issues
}

// TimeUntilExpiry returns the remaining lifetime of rec at now, or
// zero when rec has no expiry or is already expired.
func TimeUntilExpiry(rec *Record, now time.Time) time.Duration {
	if rec.ExpiresAt == nil {
		return 0
	}
	remaining := rec.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

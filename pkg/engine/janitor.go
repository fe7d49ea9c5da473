package engine

import (
	"context"
	"time"

	"github.com/credlink/keyops/internal/logging"
	"github.com/credlink/keyops/internal/store"
)

// DefaultGraceWindow is how long a superseded record stays previous
// before retiring.
const DefaultGraceWindow = 24 * time.Hour

// DefaultSweepInterval is the janitor's sweep cadence.
const DefaultSweepInterval = 15 * time.Minute

// Janitor retires previous-state records once their grace window has
// passed. It only ever moves previous to retired; nothing else in the
// lineage is its business.
type Janitor struct {
	store       store.Store
	logger      *logging.Logger
	metrics     *Metrics
	clock       func() time.Time
	graceWindow time.Duration
	interval    time.Duration
}

// JanitorOptions configures a Janitor.
type JanitorOptions struct {
	Store       store.Store
	Logger      *logging.Logger
	Metrics     *Metrics
	Clock       func() time.Time
	GraceWindow time.Duration
	Interval    time.Duration
}

// NewJanitor creates a Janitor with defaults applied.
func NewJanitor(opts JanitorOptions) *Janitor {
	j := &Janitor{
		store:       opts.Store,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		graceWindow: opts.GraceWindow,
		interval:    opts.Interval,
	}
	if j.logger == nil {
		j.logger = logging.New(false, true)
	}
	if j.metrics == nil {
		j.metrics = NewMetrics()
	}
	if j.clock == nil {
		j.clock = time.Now
	}
	if j.graceWindow <= 0 {
		j.graceWindow = DefaultGraceWindow
	}
	if j.interval <= 0 {
		j.interval = DefaultSweepInterval
	}
	return j
}

// Run sweeps on the configured interval until ctx is cancelled. An
// immediate sweep runs before the first tick.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.SweepOnce(ctx); err != nil {
		j.logger.Warn("Retention sweep failed: %v", err)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.SweepOnce(ctx); err != nil {
				j.logger.Warn("Retention sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce retires every previous-state record whose grace window
// has passed and returns how many were retired. Records still inside
// the window are left alone so in-flight consumers can finish.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	previous, err := j.store.ListPrevious(ctx)
	if err != nil {
		return 0, err
	}

	now := j.clock()
	retired := 0
	for _, rec := range previous {
		supersededAt := rec.CreatedAt
		if rec.SupersededAt != nil {
			supersededAt = *rec.SupersededAt
		}
		if now.Sub(supersededAt) <= j.graceWindow {
			continue
		}

		if err := j.store.Retire(ctx, rec.Identity, rec.Version); err != nil {
			j.logger.Warn("Failed to retire %s/v%d: %v", rec.Identity, rec.Version, err)
			continue
		}
		j.logger.Debug("Retired %s/v%d after grace window", rec.Identity, rec.Version)
		retired++
	}

	if retired > 0 {
		j.logger.Info("Retention sweep retired %d record(s)", retired)
		j.metrics.RecordJanitorRetired(retired)
	}
	return retired, nil
}

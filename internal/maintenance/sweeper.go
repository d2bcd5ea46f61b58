package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fetchdeck/internal/store"
	"fetchdeck/internal/telemetry"
)

// Shipped ephemeral kinds. Children are listed in deletion order so no
// dependent row ever outlives its owner. Other features register their own
// kinds through NewSweeper.
var DefaultKinds = []store.EphemeralKind{
	{Parent: "verification_codes"},
	{Parent: "searches", Children: []string{"search_results"}},
}

// ExpiredReport counts deletions per table for one expired-record sweep.
type ExpiredReport struct {
	Deleted map[string]int64 `json:"deleted"`
	Total   int64            `json:"total"`
}

// ResetReport describes one usage-counter reset sweep. Skipped is set when
// the monthly reset runs on a day other than the 1st.
type ResetReport struct {
	CountersReset int  `json:"counters_reset"`
	Skipped       bool `json:"skipped,omitempty"`
}

// Sweeper runs the time-triggered maintenance tasks. Every sweep is
// idempotent within its period: the guards are date comparisons against the
// stored state, never a "did I run" flag, so re-triggering after a crash is
// safe.
type Sweeper struct {
	ephemeral store.EphemeralStore
	counters  store.CounterStore
	kinds     []store.EphemeralKind
	log       *zap.Logger
	now       func() time.Time
}

func NewSweeper(ephemeral store.EphemeralStore, counters store.CounterStore, kinds []store.EphemeralKind, log *zap.Logger) *Sweeper {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	return &Sweeper{
		ephemeral: ephemeral,
		counters:  counters,
		kinds:     kinds,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// SweepExpired deletes every ephemeral record past its expiry, dependents
// first. Running it again immediately deletes nothing.
func (s *Sweeper) SweepExpired(ctx context.Context) (ExpiredReport, error) {
	now := s.now().UTC()
	report := ExpiredReport{Deleted: map[string]int64{}}
	for _, kind := range s.kinds {
		counts, err := s.ephemeral.DeleteExpired(ctx, kind, now)
		if err != nil {
			return ExpiredReport{}, fmt.Errorf("sweep %s: %w", kind.Parent, err)
		}
		for table, n := range counts {
			report.Deleted[table] += n
			report.Total += n
		}
	}
	telemetry.SweepDeleted.Add(float64(report.Total))
	s.log.Info("expired sweep finished", zap.Int64("deleted", report.Total))
	return report, nil
}

// ResetDaily zeroes daily usage for counters whose last reset date is not
// the current UTC day. A second run on the same day touches nothing.
func (s *Sweeper) ResetDaily(ctx context.Context) (ResetReport, error) {
	now := s.now().UTC()
	n, err := s.counters.ResetDaily(ctx, now)
	if err != nil {
		return ResetReport{}, fmt.Errorf("daily reset: %w", err)
	}
	telemetry.CountersReset.Add(float64(n))
	s.log.Info("daily usage reset finished", zap.Int("counters", n))
	return ResetReport{CountersReset: n}, nil
}

// ResetMonthly zeroes monthly usage, but only on the 1st of the month (UTC).
// Any other day reports a no-op. The store guards on the month of the last
// reset, so a repeat run on the 1st touches nothing and usage accrued
// between runs survives.
func (s *Sweeper) ResetMonthly(ctx context.Context) (ResetReport, error) {
	now := s.now().UTC()
	if now.Day() != 1 {
		return ResetReport{Skipped: true}, nil
	}
	n, err := s.counters.ResetMonthly(ctx, now)
	if err != nil {
		return ResetReport{}, fmt.Errorf("monthly reset: %w", err)
	}
	telemetry.CountersReset.Add(float64(n))
	s.log.Info("monthly usage reset finished", zap.Int("counters", n))
	return ResetReport{CountersReset: n}, nil
}

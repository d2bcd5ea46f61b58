package ratelimit

import (
	"context"
	"fmt"
	"time"

	"fetchdeck/internal/store"
)

// Policy is one row of the externally supplied per-action limit table.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision answers "may this user start a new job of this action now?".
// Remaining is -1 when no limit applies to the action.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter combines two quota policies: trailing windows per action,
// recomputed by counting job records on every check, and calendar-window
// product caps read from pre-aggregated usage counters. Checks never mutate
// state; the spend happens implicitly when a job record is inserted (for
// trailing windows) and when the creation path increments the usage counter
// (for calendar windows).
type Limiter struct {
	jobs         store.JobStore
	counters     store.CounterStore
	policies     map[string]Policy
	dailyLimit   int
	monthlyLimit int
	now          func() time.Time
}

func New(jobs store.JobStore, counters store.CounterStore, policies map[string]Policy, dailyLimit, monthlyLimit int) *Limiter {
	return &Limiter{
		jobs:         jobs,
		counters:     counters,
		policies:     policies,
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		now:          time.Now,
	}
}

// WithClock overrides the time source. Tests use this to move windows.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check evaluates every policy that applies to (userID, action) and returns
// the most restrictive decision. It is read-only.
func (l *Limiter) Check(ctx context.Context, userID, action string) (Decision, error) {
	now := l.now().UTC()

	decision, err := l.checkTrailing(ctx, userID, action, now)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allowed {
		return decision, nil
	}

	calendar, err := l.checkCalendar(ctx, userID, now)
	if err != nil {
		return Decision{}, err
	}
	if !calendar.Allowed {
		return calendar, nil
	}
	if calendar.Remaining >= 0 && (decision.Remaining < 0 || calendar.Remaining < decision.Remaining) {
		return calendar, nil
	}
	return decision, nil
}

func (l *Limiter) checkTrailing(ctx context.Context, userID, action string, now time.Time) (Decision, error) {
	policy, ok := l.policies[action]
	if !ok || policy.Limit <= 0 {
		return Decision{Allowed: true, Remaining: -1, ResetAt: now}, nil
	}

	since := now.Add(-policy.Window)
	count, err := l.jobs.CountJobsInWindow(ctx, userID, action, since)
	if err != nil {
		return Decision{}, fmt.Errorf("count window for %s/%s: %w", userID, action, err)
	}

	remaining := policy.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now
	if count > 0 {
		// The next slot opens when the oldest counted record falls out of
		// the window.
		oldest, found, err := l.jobs.OldestJobInWindow(ctx, userID, action, since)
		if err != nil {
			return Decision{}, fmt.Errorf("oldest in window for %s/%s: %w", userID, action, err)
		}
		if found {
			resetAt = oldest.Add(policy.Window)
		}
	}
	return Decision{Allowed: remaining > 0, Remaining: remaining, ResetAt: resetAt}, nil
}

func (l *Limiter) checkCalendar(ctx context.Context, userID string, now time.Time) (Decision, error) {
	if l.dailyLimit <= 0 && l.monthlyLimit <= 0 {
		return Decision{Allowed: true, Remaining: -1, ResetAt: now}, nil
	}
	usage, err := l.counters.GetUsage(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("read usage counter for %s: %w", userID, err)
	}

	best := Decision{Allowed: true, Remaining: -1, ResetAt: now}
	if l.dailyLimit > 0 {
		remaining := l.dailyLimit - usage.CountToday
		if remaining < 0 {
			remaining = 0
		}
		d := Decision{Allowed: remaining > 0, Remaining: remaining, ResetAt: nextMidnight(now)}
		if !d.Allowed {
			return d, nil
		}
		best = restrictive(best, d)
	}
	if l.monthlyLimit > 0 {
		remaining := l.monthlyLimit - usage.CountThisMonth
		if remaining < 0 {
			remaining = 0
		}
		d := Decision{Allowed: remaining > 0, Remaining: remaining, ResetAt: nextMonthStart(now)}
		if !d.Allowed {
			return d, nil
		}
		best = restrictive(best, d)
	}
	return best, nil
}

func restrictive(a, b Decision) Decision {
	if a.Remaining < 0 {
		return b
	}
	if b.Remaining < 0 || a.Remaining <= b.Remaining {
		return a
	}
	return b
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func nextMonthStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

package store

import (
	"context"
	"time"

	"fetchdeck/internal/models"
)

// JobPatch describes a partial, atomic update of a single job record. When
// ExpectStatus is non-empty the update only applies if the job's current
// status is one of the expected values; otherwise PatchJob returns
// models.ErrInvalidTransition. This is the compare-and-set primitive the
// lifecycle manager builds its state machine on.
type JobPatch struct {
	ExpectStatus        []string
	Status              *string
	StatusMessage       *string
	Error               *string
	ResultRef           *string
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
}

// JobStore is the durable table of job records. All operations are atomic
// per record; no multi-record transactions are required.
type JobStore interface {
	InsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	ListJobsByUser(ctx context.Context, userID string, limit int, ascending bool) ([]models.Job, error)
	ListActiveJobs(ctx context.Context, userID string) ([]models.Job, error)
	// CountJobsInWindow counts records for (userID, action) created at or
	// after since. A record counts from the instant it is inserted.
	CountJobsInWindow(ctx context.Context, userID, action string, since time.Time) (int, error)
	// OldestJobInWindow returns the creation time of the earliest record in
	// the window, and false when the window is empty.
	OldestJobInWindow(ctx context.Context, userID, action string, since time.Time) (time.Time, bool, error)
	PatchJob(ctx context.Context, jobID string, patch JobPatch) (models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	UserStats(ctx context.Context, userID string) (models.UserStats, error)
}

// CounterStore holds calendar-window usage counters. Counters are created
// lazily by IncrementUsage and mutated otherwise only by the reset sweeps.
type CounterStore interface {
	IncrementUsage(ctx context.Context, userID string, now time.Time) (models.UsageCounter, error)
	// GetUsage returns a zero counter (not an error) for unknown users.
	GetUsage(ctx context.Context, userID string) (models.UsageCounter, error)
	// ResetDaily zeroes count_today for every counter whose last reset date
	// is not the current UTC day, and returns how many were reset.
	ResetDaily(ctx context.Context, now time.Time) (int, error)
	// ResetMonthly zeroes count_this_month for every counter whose last
	// monthly reset predates the current UTC month, stamps the reset, and
	// returns how many were touched. Usage accrued after the first reset of
	// the month survives later runs in the same month.
	ResetMonthly(ctx context.Context, now time.Time) (int, error)
}

// EphemeralKind names a table of expiring records plus the ordered list of
// dependent child tables that must be emptied before their parents. The
// sweep deletes; the owning feature creates and reads.
type EphemeralKind struct {
	Parent   string
	Children []string
}

// EphemeralRecord is the shape shared by all ephemeral tables. Payload
// semantics belong to the owning feature.
type EphemeralRecord struct {
	ID        string
	ParentID  string
	Payload   map[string]any
	ExpiresAt time.Time
}

// EphemeralStore persists expiring records owned by features outside this
// core. DeleteExpired reports deleted counts keyed by table name.
type EphemeralStore interface {
	InsertEphemeral(ctx context.Context, table string, rec EphemeralRecord) error
	DeleteExpired(ctx context.Context, kind EphemeralKind, now time.Time) (map[string]int64, error)
}

// Store is the full persistence contract the service is wired against.
type Store interface {
	JobStore
	CounterStore
	EphemeralStore
}

package models

import (
	"time"
)

// Job statuses persisted in the store. Transitions only move forward along
// the lifecycle graph; completed and failed are terminal.
const (
	StatusPending    = "pending"
	StatusUploading  = "uploading"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// transitions maps each status to the statuses it may advance to. Terminal
// states are reachable from any active state: a worker may fail or finish a
// job before it ever reports processing.
var transitions = map[string][]string{
	StatusPending:    {StatusUploading, StatusProcessing, StatusCompleted, StatusFailed},
	StatusUploading:  {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// IsTerminal reports whether a job in this status can never advance again.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// CanTransition reports whether from -> to is a legal forward step.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourceStatuses returns every status from which `to` is reachable in one
// step. The lifecycle manager builds its compare-and-set guards from this.
func SourceStatuses(to string) []string {
	var out []string
	for _, from := range []string{StatusPending, StatusUploading, StatusProcessing} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Job is the record tracked for one unit of asynchronous work. The payload
// and result reference are opaque to this service; they belong to whichever
// worker performs the job.
type Job struct {
	JobID               string         `json:"job_id"`
	UserID              string         `json:"user_id"`
	Action              string         `json:"action"`
	Status              string         `json:"status"`
	Payload             map[string]any `json:"payload,omitempty"`
	StatusMessage       *string        `json:"status_message,omitempty"`
	Error               *string        `json:"error,omitempty"`
	ResultRef           *string        `json:"result_ref,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// Active reports whether the job still has work ahead of it.
func (j Job) Active() bool {
	return j.Status == StatusPending || j.Status == StatusUploading || j.Status == StatusProcessing
}

// UsageCounter tracks calendar-window product quotas per user. It is created
// lazily on first increment and reset by the maintenance sweeps. The reset
// stamps are the idempotence guards: a sweep only touches counters whose
// stamp predates the current period.
type UsageCounter struct {
	UserID           string    `json:"user_id"`
	CountToday       int       `json:"count_today"`
	CountThisMonth   int       `json:"count_this_month"`
	LastResetDate    time.Time `json:"last_reset_date"`
	LastMonthlyReset time.Time `json:"last_monthly_reset"`
}

// UserStats aggregates a user's jobs by status.
type UserStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

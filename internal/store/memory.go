package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fetchdeck/internal/models"
)

// Memory is a mutex-guarded Store for tests and local development. It keeps
// the same per-record atomicity guarantees as the Postgres implementation.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	counters  map[string]models.UsageCounter
	ephemeral map[string][]EphemeralRecord // keyed by table
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]models.Job),
		counters:  make(map[string]models.UsageCounter),
		ephemeral: make(map[string][]EphemeralRecord),
	}
}

func (m *Memory) InsertJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return fmt.Errorf("insert job: duplicate job id %s", job.JobID)
	}
	m.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobsByUser(_ context.Context, userID string, limit int, ascending bool) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.userJobsLocked(userID, ascending)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) ListActiveJobs(_ context.Context, userID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.userJobsLocked(userID, false) {
		if job.Active() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *Memory) CountJobsInWindow(_ context.Context, userID, action string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.UserID == userID && job.Action == action && !job.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) OldestJobInWindow(_ context.Context, userID, action string, since time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest time.Time
	found := false
	for _, job := range m.jobs {
		if job.UserID != userID || job.Action != action || job.CreatedAt.Before(since) {
			continue
		}
		if !found || job.CreatedAt.Before(oldest) {
			oldest = job.CreatedAt
			found = true
		}
	}
	return oldest, found, nil
}

func (m *Memory) PatchJob(_ context.Context, jobID string, patch JobPatch) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	if len(patch.ExpectStatus) > 0 {
		matched := false
		for _, want := range patch.ExpectStatus {
			if job.Status == want {
				matched = true
				break
			}
		}
		if !matched {
			return models.Job{}, models.ErrInvalidTransition
		}
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.StatusMessage != nil {
		job.StatusMessage = patch.StatusMessage
	}
	if patch.Error != nil {
		job.Error = patch.Error
	}
	if patch.ResultRef != nil {
		job.ResultRef = patch.ResultRef
	}
	if patch.ProcessingStartedAt != nil {
		job.ProcessingStartedAt = patch.ProcessingStartedAt
	}
	if patch.CompletedAt != nil {
		job.CompletedAt = patch.CompletedAt
	}
	m.jobs[jobID] = job
	return cloneJob(job), nil
}

func (m *Memory) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return models.ErrNotFound
	}
	delete(m.jobs, jobID)
	return nil
}

func (m *Memory) UserStats(_ context.Context, userID string) (models.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := models.UserStats{ByStatus: map[string]int{}}
	for _, job := range m.jobs {
		if job.UserID != userID {
			continue
		}
		stats.ByStatus[job.Status]++
		stats.Total++
	}
	return stats, nil
}

func (m *Memory) IncrementUsage(_ context.Context, userID string, now time.Time) (models.UsageCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[userID]
	if !ok {
		c = models.UsageCounter{
			UserID:           userID,
			LastResetDate:    utcDate(now),
			LastMonthlyReset: utcMonthStart(now),
		}
	}
	c.CountToday++
	c.CountThisMonth++
	m.counters[userID] = c
	return c, nil
}

func (m *Memory) GetUsage(_ context.Context, userID string) (models.UsageCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[userID]
	if !ok {
		return models.UsageCounter{UserID: userID}, nil
	}
	return c, nil
}

func (m *Memory) ResetDaily(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	today := utcDate(now)
	reset := 0
	for id, c := range m.counters {
		if c.LastResetDate.Equal(today) {
			continue
		}
		c.CountToday = 0
		c.LastResetDate = today
		m.counters[id] = c
		reset++
	}
	return reset, nil
}

func (m *Memory) ResetMonthly(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	monthStart := utcMonthStart(now)
	reset := 0
	for id, c := range m.counters {
		if c.LastMonthlyReset.Equal(monthStart) {
			continue
		}
		c.CountThisMonth = 0
		c.LastMonthlyReset = monthStart
		m.counters[id] = c
		reset++
	}
	return reset, nil
}

func (m *Memory) InsertEphemeral(_ context.Context, table string, rec EphemeralRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ephemeral[table] = append(m.ephemeral[table], rec)
	return nil
}

func (m *Memory) DeleteExpired(_ context.Context, kind EphemeralKind, now time.Time) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := make(map[string]bool)
	for _, rec := range m.ephemeral[kind.Parent] {
		if rec.ExpiresAt.Before(now) {
			expired[rec.ID] = true
		}
	}

	deleted := make(map[string]int64, len(kind.Children)+1)
	for _, child := range kind.Children {
		kept := m.ephemeral[child][:0]
		var n int64
		for _, rec := range m.ephemeral[child] {
			if expired[rec.ParentID] {
				n++
				continue
			}
			kept = append(kept, rec)
		}
		m.ephemeral[child] = kept
		deleted[child] = n
	}

	kept := m.ephemeral[kind.Parent][:0]
	var n int64
	for _, rec := range m.ephemeral[kind.Parent] {
		if expired[rec.ID] {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	m.ephemeral[kind.Parent] = kept
	deleted[kind.Parent] = n
	return deleted, nil
}

func (m *Memory) userJobsLocked(userID string, ascending bool) []models.Job {
	var jobs []models.Job
	for _, job := range m.jobs {
		if job.UserID == userID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if ascending {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[j].CreatedAt.Before(jobs[i].CreatedAt)
	})
	return jobs
}

func cloneJob(job models.Job) models.Job {
	if job.Payload != nil {
		payload := make(map[string]any, len(job.Payload))
		for k, v := range job.Payload {
			payload[k] = v
		}
		job.Payload = payload
	}
	return job
}

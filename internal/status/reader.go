package status

import (
	"context"
	"errors"

	"fetchdeck/internal/models"
	"fetchdeck/internal/store"
)

// Reader is the read-only projection over job records. Read paths degrade
// gracefully: unknown users yield empty lists and zero stats, not errors,
// because these endpoints are polled continuously.
type Reader struct {
	jobs store.JobStore
}

func NewReader(jobs store.JobStore) *Reader {
	return &Reader{jobs: jobs}
}

// GetJob returns one record; models.ErrNotFound when it does not exist.
func (r *Reader) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	return r.jobs.GetJob(ctx, jobID)
}

// GetUserJobs lists a user's jobs, newest first unless ascending is set.
func (r *Reader) GetUserJobs(ctx context.Context, userID string, limit int, ascending bool) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	jobs, err := r.jobs.ListJobsByUser(ctx, userID, limit, ascending)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return jobs, nil
}

// GetActiveJobs lists jobs still pending, uploading, or processing.
func (r *Reader) GetActiveJobs(ctx context.Context, userID string) ([]models.Job, error) {
	jobs, err := r.jobs.ListActiveJobs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return jobs, nil
}

// GetUserStats aggregates a user's jobs by status.
func (r *Reader) GetUserStats(ctx context.Context, userID string) (models.UserStats, error) {
	stats, err := r.jobs.UserStats(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return models.UserStats{ByStatus: map[string]int{}}, nil
	}
	return stats, err
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fetchdeck/internal/models"
	"fetchdeck/internal/ratelimit"
	"fetchdeck/internal/store"
	"fetchdeck/internal/telemetry"
)

// WorkOrder is handed to the external worker after a job record is created.
type WorkOrder struct {
	JobID   string         `json:"job_id"`
	UserID  string         `json:"user_id"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Dispatcher delivers work orders to the external worker. A failed dispatch
// never rolls back the created record; the job stays pending for a retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, order WorkOrder) error
}

// Publisher fans job changes out to watch subscribers.
type Publisher interface {
	PublishUpdate(ctx context.Context, job models.Job) error
	PublishDeleted(ctx context.Context, jobID string) error
}

// Manager owns every write to job status and timestamps.
type Manager struct {
	jobs     store.JobStore
	counters store.CounterStore
	limiter  *ratelimit.Limiter
	dispatch Dispatcher
	publish  Publisher
	log      *zap.Logger
	now      func() time.Time
}

func NewManager(jobs store.JobStore, counters store.CounterStore, limiter *ratelimit.Limiter, dispatch Dispatcher, publish Publisher, log *zap.Logger) *Manager {
	return &Manager{
		jobs:     jobs,
		counters: counters,
		limiter:  limiter,
		dispatch: dispatch,
		publish:  publish,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create checks quota, inserts a pending record, spends one unit of the
// calendar quota, and dispatches the work order. The quota check and the
// insert are not one atomic step; concurrent creations can slightly overrun
// the limit, which is an accepted soft limit.
func (m *Manager) Create(ctx context.Context, userID, action string, payload map[string]any) (models.Job, error) {
	decision, err := m.limiter.Check(ctx, userID, action)
	if err != nil {
		return models.Job{}, fmt.Errorf("check quota: %w", err)
	}
	if !decision.Allowed {
		telemetry.QuotaRejects.Inc()
		return models.Job{}, &models.QuotaError{Action: action, Remaining: decision.Remaining, ResetAt: decision.ResetAt}
	}

	job := models.Job{
		JobID:     uuid.New().String(),
		UserID:    userID,
		Action:    action,
		Status:    models.StatusPending,
		Payload:   payload,
		CreatedAt: m.now().UTC(),
	}
	if err := m.jobs.InsertJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	telemetry.JobsCreated.Inc()

	if _, err := m.counters.IncrementUsage(ctx, userID, job.CreatedAt); err != nil {
		// Calendar quota drifts low rather than blocking the creation.
		m.log.Warn("usage counter increment failed", zap.String("job_id", job.JobID), zap.Error(err))
	}

	if m.dispatch != nil {
		if err := m.dispatch.Dispatch(ctx, WorkOrder{JobID: job.JobID, UserID: userID, Action: action, Payload: payload}); err != nil {
			telemetry.TriggerFailures.Inc()
			m.log.Error("worker dispatch failed, job stays pending",
				zap.String("job_id", job.JobID), zap.String("action", action), zap.Error(err))
		}
	}

	m.publishUpdate(ctx, job)
	return job, nil
}

// BeginProcessing advances pending|uploading -> processing and stamps the
// start time. A missing record is logged and swallowed: the worker call that
// triggers this must not fail the upstream pipeline. This asymmetry with
// Complete is deliberate.
func (m *Manager) BeginProcessing(ctx context.Context, jobID string) error {
	started := m.now().UTC()
	status := models.StatusProcessing
	job, err := m.jobs.PatchJob(ctx, jobID, store.JobPatch{
		ExpectStatus:        models.SourceStatuses(status),
		Status:              &status,
		ProcessingStartedAt: &started,
	})
	if errors.Is(err, models.ErrNotFound) {
		m.log.Warn("begin processing for unknown job", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("begin processing %s: %w", jobID, err)
	}
	m.publishUpdate(ctx, job)
	return nil
}

// BeginUpload advances pending -> uploading for actions with an upload phase.
func (m *Manager) BeginUpload(ctx context.Context, jobID string) error {
	status := models.StatusUploading
	job, err := m.jobs.PatchJob(ctx, jobID, store.JobPatch{
		ExpectStatus: models.SourceStatuses(status),
		Status:       &status,
	})
	if err != nil {
		return fmt.Errorf("begin upload %s: %w", jobID, err)
	}
	m.publishUpdate(ctx, job)
	return nil
}

// Complete moves a job to its terminal state and stamps CompletedAt. Unlike
// BeginProcessing, a missing job is surfaced: completion of a record that
// was never created is a correctness bug upstream.
func (m *Manager) Complete(ctx context.Context, jobID, status string, resultRef, errMsg string, finishedAt *time.Time) (models.Job, error) {
	if !models.IsTerminal(status) {
		return models.Job{}, fmt.Errorf("complete %s with non-terminal status %q: %w", jobID, status, models.ErrInvalidTransition)
	}
	completed := m.now().UTC()
	if finishedAt != nil {
		completed = finishedAt.UTC()
	}
	patch := store.JobPatch{
		ExpectStatus: models.SourceStatuses(status),
		Status:       &status,
		CompletedAt:  &completed,
	}
	if resultRef != "" {
		patch.ResultRef = &resultRef
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	job, err := m.jobs.PatchJob(ctx, jobID, patch)
	if err != nil {
		return models.Job{}, fmt.Errorf("complete %s: %w", jobID, err)
	}
	if status == models.StatusCompleted {
		telemetry.JobsCompleted.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}
	m.publishUpdate(ctx, job)
	return job, nil
}

// Remove hard-deletes a record and tells watchers it is gone. Deletion is
// not a status change; subscribers see "deleted", never a stale status.
func (m *Manager) Remove(ctx context.Context, jobID string) error {
	if err := m.jobs.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	if m.publish != nil {
		if err := m.publish.PublishDeleted(ctx, jobID); err != nil {
			m.log.Warn("publish delete failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) publishUpdate(ctx context.Context, job models.Job) {
	if m.publish == nil {
		return
	}
	if err := m.publish.PublishUpdate(ctx, job); err != nil {
		m.log.Warn("publish update failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

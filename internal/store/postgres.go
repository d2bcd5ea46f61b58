package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fetchdeck/internal/models"
)

const jobColumns = `job_id, user_id, action, status, payload, status_message, error, result_ref, created_at, processing_started_at, completed_at`

var activeStatuses = []string{models.StatusPending, models.StatusUploading, models.StatusProcessing}

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) InsertJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (job_id, user_id, action, status, payload, status_message, error, result_ref, created_at, processing_started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, job.JobID, job.UserID, job.Action, job.Status, payloadJSON,
		job.StatusMessage, job.Error, job.ResultRef,
		job.CreatedAt, job.ProcessingStartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	return job, err
}

func (s *Postgres) ListJobsByUser(ctx context.Context, userID string, limit int, ascending bool) ([]models.Job, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at `+order+` LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) ListActiveJobs(ctx context.Context, userID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND status = ANY($2) ORDER BY created_at DESC
	`, userID, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) CountJobsInWindow(ctx context.Context, userID, action string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND action = $2 AND created_at >= $3
	`, userID, action, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs in window: %w", err)
	}
	return n, nil
}

func (s *Postgres) OldestJobInWindow(ctx context.Context, userID, action string, since time.Time) (time.Time, bool, error) {
	var oldest pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(created_at) FROM jobs WHERE user_id = $1 AND action = $2 AND created_at >= $3
	`, userID, action, since).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest job in window: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return oldest.Time, true, nil
}

// PatchJob applies a partial update in one statement. The ExpectStatus guard
// rides in the WHERE clause so the read-modify-write is atomic per record.
func (s *Postgres) PatchJob(ctx context.Context, jobID string, patch JobPatch) (models.Job, error) {
	sets := make([]string, 0, 6)
	args := []any{jobID}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if patch.StatusMessage != nil {
		set("status_message", *patch.StatusMessage)
	}
	if patch.Error != nil {
		set("error", *patch.Error)
	}
	if patch.ResultRef != nil {
		set("result_ref", *patch.ResultRef)
	}
	if patch.ProcessingStartedAt != nil {
		set("processing_started_at", *patch.ProcessingStartedAt)
	}
	if patch.CompletedAt != nil {
		set("completed_at", *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return s.GetJob(ctx, jobID)
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE job_id = $1"
	if len(patch.ExpectStatus) > 0 {
		args = append(args, patch.ExpectStatus)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += " RETURNING " + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
			return models.Job{}, fmt.Errorf("check job existence: %w", err)
		}
		if !exists {
			return models.Job{}, models.ErrNotFound
		}
		return models.Job{}, models.ErrInvalidTransition
	}
	return job, err
}

func (s *Postgres) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Postgres) UserStats(ctx context.Context, userID string) (models.UserStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE user_id = $1 GROUP BY status
	`, userID)
	if err != nil {
		return models.UserStats{}, fmt.Errorf("user stats: %w", err)
	}
	defer rows.Close()

	stats := models.UserStats{ByStatus: map[string]int{}}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.UserStats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *Postgres) IncrementUsage(ctx context.Context, userID string, now time.Time) (models.UsageCounter, error) {
	var c models.UsageCounter
	err := s.pool.QueryRow(ctx, `
		INSERT INTO usage_counters (user_id, count_today, count_this_month, last_reset_date, last_monthly_reset)
		VALUES ($1, 1, 1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET count_today = usage_counters.count_today + 1,
		    count_this_month = usage_counters.count_this_month + 1
		RETURNING user_id, count_today, count_this_month, last_reset_date, last_monthly_reset
	`, userID, utcDate(now), utcMonthStart(now)).Scan(&c.UserID, &c.CountToday, &c.CountThisMonth, &c.LastResetDate, &c.LastMonthlyReset)
	if err != nil {
		return models.UsageCounter{}, fmt.Errorf("increment usage: %w", err)
	}
	return c, nil
}

func (s *Postgres) GetUsage(ctx context.Context, userID string) (models.UsageCounter, error) {
	var c models.UsageCounter
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, count_today, count_this_month, last_reset_date, last_monthly_reset FROM usage_counters WHERE user_id = $1
	`, userID).Scan(&c.UserID, &c.CountToday, &c.CountThisMonth, &c.LastResetDate, &c.LastMonthlyReset)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UsageCounter{UserID: userID}, nil
	}
	if err != nil {
		return models.UsageCounter{}, fmt.Errorf("get usage: %w", err)
	}
	return c, nil
}

func (s *Postgres) ResetDaily(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE usage_counters SET count_today = 0, last_reset_date = $1 WHERE last_reset_date <> $1
	`, utcDate(now))
	if err != nil {
		return 0, fmt.Errorf("reset daily usage: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) ResetMonthly(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE usage_counters SET count_this_month = 0, last_monthly_reset = $1 WHERE last_monthly_reset <> $1
	`, utcMonthStart(now))
	if err != nil {
		return 0, fmt.Errorf("reset monthly usage: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) InsertEphemeral(ctx context.Context, table string, rec EphemeralRecord) error {
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal ephemeral payload: %w", err)
	}
	// Table names come from the compiled-in kind registry, never from input.
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, parent_id, payload, expires_at) VALUES ($1, $2, $3, $4)
	`, table), rec.ID, emptyToNil(rec.ParentID), payloadJSON, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert ephemeral into %s: %w", table, err)
	}
	return nil
}

// DeleteExpired removes expired records of one kind, children before the
// parent so no dependent row ever outlives its owner.
func (s *Postgres) DeleteExpired(ctx context.Context, kind EphemeralKind, now time.Time) (map[string]int64, error) {
	deleted := make(map[string]int64, len(kind.Children)+1)
	for _, child := range kind.Children {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE parent_id IN (SELECT id FROM %s WHERE expires_at < $1)
		`, child, kind.Parent), now)
		if err != nil {
			return nil, fmt.Errorf("delete expired %s: %w", child, err)
		}
		deleted[child] = tag.RowsAffected()
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, kind.Parent), now)
	if err != nil {
		return nil, fmt.Errorf("delete expired %s: %w", kind.Parent, err)
	}
	deleted[kind.Parent] = tag.RowsAffected()
	return deleted, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var statusMessage, errMsg, resultRef pgtype.Text
	var processingStartedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&job.JobID, &job.UserID, &job.Action, &job.Status, &payloadJSON,
		&statusMessage, &errMsg, &resultRef,
		&job.CreatedAt, &processingStartedAt, &completedAt); err != nil {
		return models.Job{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.StatusMessage = textPtr(statusMessage)
	job.Error = textPtr(errMsg)
	job.ResultRef = textPtr(resultRef)
	job.ProcessingStartedAt = timePtr(processingStartedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func utcMonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

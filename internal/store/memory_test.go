package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchdeck/internal/models"
)

func TestMemoryJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := models.Job{
		JobID:     "j1",
		UserID:    "u1",
		Action:    "download",
		Status:    models.StatusPending,
		Payload:   map[string]any{"url": "https://example.com/v/1"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.InsertJob(ctx, job))

	got, err := m.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "download", got.Action)
	assert.Equal(t, models.StatusPending, got.Status)

	_, err = m.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryInsertRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := models.Job{JobID: "j1", UserID: "u1", Action: "download", Status: models.StatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, m.InsertJob(ctx, job))

	// Same key constraint as the jobs table's primary key.
	err := m.InsertJob(ctx, models.Job{JobID: "j1", UserID: "u2", Action: "transcribe", Status: models.StatusPending, CreatedAt: time.Now().UTC()})
	require.Error(t, err)

	got, err := m.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID, "existing record must be untouched")
}

func TestMemoryPatchGuards(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertJob(ctx, models.Job{JobID: "j1", UserID: "u1", Status: models.StatusCompleted, CreatedAt: time.Now()}))

	processing := models.StatusProcessing
	_, err := m.PatchJob(ctx, "j1", JobPatch{
		ExpectStatus: []string{models.StatusPending, models.StatusUploading},
		Status:       &processing,
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = m.PatchJob(ctx, "missing", JobPatch{Status: &processing})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryListOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.InsertJob(ctx, models.Job{
			JobID: id, UserID: "u1", Action: "fetch_posts",
			Status: models.StatusPending, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	desc, err := m.ListJobsByUser(ctx, "u1", 2, false)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "c", desc[0].JobID)

	asc, err := m.ListJobsByUser(ctx, "u1", 0, true)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "a", asc[0].JobID)
}

func TestMemoryWindowCounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(30 * time.Minute), base.Add(90 * time.Minute)}
	for i, at := range times {
		require.NoError(t, m.InsertJob(ctx, models.Job{
			JobID: string(rune('a' + i)), UserID: "u1", Action: "download",
			Status: models.StatusPending, CreatedAt: at,
		}))
	}

	count, err := m.CountJobsInWindow(ctx, "u1", "download", base.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	oldest, found, err := m.OldestJobInWindow(ctx, "u1", "download", base.Add(15*time.Minute))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, base.Add(30*time.Minute), oldest)

	_, found, err = m.OldestJobInWindow(ctx, "u1", "transcribe", base)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryUsageCounters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

	c, err := m.IncrementUsage(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, c.CountToday)
	assert.Equal(t, 1, c.CountThisMonth)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), c.LastMonthlyReset)

	c, err = m.IncrementUsage(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, c.CountToday)

	unknown, err := m.GetUsage(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, unknown.CountToday)
	assert.Zero(t, unknown.CountThisMonth)
}

package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchdeck/internal/models"
	"fetchdeck/internal/store"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func insertJobs(t *testing.T, st *store.Memory, userID, action string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.InsertJob(context.Background(), models.Job{
			JobID:     fmt.Sprintf("%s-%s-%d-%d", userID, action, at.UnixNano(), i),
			UserID:    userID,
			Action:    action,
			Status:    models.StatusPending,
			CreatedAt: at,
		}))
	}
}

func TestTrailingWindowExhaustsAndRecovers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	limiter := New(st, st, map[string]Policy{"download": {Limit: 5, Window: time.Hour}}, 0, 0).
		WithClock(fixedClock(now))

	insertJobs(t, st, "u1", "download", 5, now.Add(-10*time.Minute))

	decision, err := limiter.Check(ctx, "u1", "download")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Equal(t, now.Add(50*time.Minute), decision.ResetAt, "reset when the oldest record leaves the window")

	// After the window elapses the full quota is back.
	limiter.WithClock(fixedClock(now.Add(61 * time.Minute)))
	decision, err = limiter.Check(ctx, "u1", "download")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 5, decision.Remaining)
}

func TestTrailingWindowCountsFromCreation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	limiter := New(st, st, map[string]Policy{"transcribe": {Limit: 2, Window: time.Hour}}, 0, 0).
		WithClock(fixedClock(now))

	// Still pending, never processed: counts anyway.
	insertJobs(t, st, "u1", "transcribe", 1, now.Add(-time.Minute))

	decision, err := limiter.Check(ctx, "u1", "transcribe")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Remaining)
}

func TestPerActionBucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	limiter := New(st, st, map[string]Policy{
		"download":   {Limit: 1, Window: time.Hour},
		"fetch_user": {Limit: 20, Window: time.Hour},
	}, 0, 0).WithClock(fixedClock(now))

	insertJobs(t, st, "u1", "download", 1, now.Add(-time.Minute))

	blocked, err := limiter.Check(ctx, "u1", "download")
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	open, err := limiter.Check(ctx, "u1", "fetch_user")
	require.NoError(t, err)
	assert.True(t, open.Allowed)
	assert.Equal(t, 20, open.Remaining)
}

func TestUnknownActionIsUnlimited(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	limiter := New(st, st, map[string]Policy{}, 0, 0)

	decision, err := limiter.Check(ctx, "u1", "mystery")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, -1, decision.Remaining)
}

func TestDailyCalendarCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)
	limiter := New(st, st, map[string]Policy{}, 3, 0).WithClock(fixedClock(now))

	for i := 0; i < 3; i++ {
		_, err := st.IncrementUsage(ctx, "u1", now)
		require.NoError(t, err)
	}

	decision, err := limiter.Check(ctx, "u1", "fetch_posts")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Equal(t, time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC), decision.ResetAt)
}

func TestMonthlyCalendarCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)
	limiter := New(st, st, map[string]Policy{}, 0, 2).WithClock(fixedClock(now))

	for i := 0; i < 2; i++ {
		_, err := st.IncrementUsage(ctx, "u1", now)
		require.NoError(t, err)
	}

	decision, err := limiter.Check(ctx, "u1", "fetch_posts")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), decision.ResetAt)
}

func TestCheckNeverMutates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	limiter := New(st, st, map[string]Policy{"download": {Limit: 5, Window: time.Hour}}, 10, 100).
		WithClock(fixedClock(now))

	for i := 0; i < 4; i++ {
		decision, err := limiter.Check(ctx, "u1", "download")
		require.NoError(t, err)
		assert.Equal(t, 5, decision.Remaining, "repeated checks must not spend quota")
	}
	usage, err := st.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, usage.CountToday)
}

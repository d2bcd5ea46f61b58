package status

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fetchdeck/internal/models"
	"fetchdeck/internal/store"
)

func newWatchFixture(t *testing.T) (*store.Memory, *RedisPublisher, *Watcher) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewMemory()
	// A short fallback poll keeps the test fast and also covers the
	// bounded-staleness re-query path.
	return st, NewRedisPublisher(client), NewWatcher(st, client, 50*time.Millisecond, zap.NewNop())
}

func nextUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case update, ok := <-ch:
		require.True(t, ok, "update channel closed early")
		return update
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watch update")
		return Update{}
	}
}

func TestWatchDeliversSnapshotThenChanges(t *testing.T) {
	st, publisher, watcher := newWatchFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := models.Job{JobID: "j1", UserID: "u1", Action: "transcribe", Status: models.StatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.InsertJob(ctx, job))

	updates, err := watcher.Watch(ctx, "j1")
	require.NoError(t, err)

	first := nextUpdate(t, updates)
	require.NotNil(t, first.Job)
	assert.Equal(t, models.StatusPending, first.Job.Status)

	processing := models.StatusProcessing
	_, err = st.PatchJob(ctx, "j1", store.JobPatch{Status: &processing})
	require.NoError(t, err)
	require.NoError(t, publisher.PublishUpdate(ctx, models.Job{JobID: "j1", Status: processing}))

	second := nextUpdate(t, updates)
	require.NotNil(t, second.Job)
	assert.Equal(t, models.StatusProcessing, second.Job.Status)

	completed := models.StatusCompleted
	now := time.Now().UTC()
	_, err = st.PatchJob(ctx, "j1", store.JobPatch{Status: &completed, CompletedAt: &now})
	require.NoError(t, err)
	require.NoError(t, publisher.PublishUpdate(ctx, models.Job{JobID: "j1", Status: completed}))

	third := nextUpdate(t, updates)
	require.NotNil(t, third.Job)
	assert.Equal(t, models.StatusCompleted, third.Job.Status)

	// Terminal state ends the stream.
	select {
	case _, ok := <-updates:
		assert.False(t, ok, "channel should close after terminal state")
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not close after terminal state")
	}
}

func TestWatchSeesChangesWithoutPublish(t *testing.T) {
	st, _, watcher := newWatchFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := models.Job{JobID: "j1", UserID: "u1", Action: "download", Status: models.StatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.InsertJob(ctx, job))

	updates, err := watcher.Watch(ctx, "j1")
	require.NoError(t, err)
	nextUpdate(t, updates)

	// No publish at all: the fallback re-query must still surface this.
	processing := models.StatusProcessing
	_, err = st.PatchJob(ctx, "j1", store.JobPatch{Status: &processing})
	require.NoError(t, err)

	update := nextUpdate(t, updates)
	require.NotNil(t, update.Job)
	assert.Equal(t, models.StatusProcessing, update.Job.Status)
}

func TestWatchDeletedJobReportsNotFound(t *testing.T) {
	st, publisher, watcher := newWatchFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := models.Job{JobID: "j1", UserID: "u1", Action: "fetch_posts", Status: models.StatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.InsertJob(ctx, job))

	updates, err := watcher.Watch(ctx, "j1")
	require.NoError(t, err)
	nextUpdate(t, updates)

	require.NoError(t, st.DeleteJob(ctx, "j1"))
	require.NoError(t, publisher.PublishDeleted(ctx, "j1"))

	update := nextUpdate(t, updates)
	assert.True(t, update.Deleted, "deletion is hard removal, never a stale status")
	assert.Nil(t, update.Job)
}

func TestWatchUnknownJobReportsDeletedImmediately(t *testing.T) {
	_, _, watcher := newWatchFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, err := watcher.Watch(ctx, "ghost")
	require.NoError(t, err)

	update := nextUpdate(t, updates)
	assert.True(t, update.Deleted)
}

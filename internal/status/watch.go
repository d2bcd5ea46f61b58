package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fetchdeck/internal/models"
	"fetchdeck/internal/store"
	"fetchdeck/internal/telemetry"
)

const channelPrefix = "jobs.events."

// event is the wire shape published on a job's channel. It carries only the
// change signal; subscribers re-read the record for the full snapshot.
type event struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// RedisPublisher implements lifecycle.Publisher over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) PublishUpdate(ctx context.Context, job models.Job) error {
	return p.publish(ctx, event{JobID: job.JobID, Status: job.Status})
}

func (p *RedisPublisher) PublishDeleted(ctx context.Context, jobID string) error {
	return p.publish(ctx, event{JobID: jobID, Deleted: true})
}

func (p *RedisPublisher) publish(ctx context.Context, ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channelPrefix+ev.JobID, body).Err()
}

// Update is one observation delivered to a watch subscriber. Deleted means
// the record is gone; Job is nil in that case.
type Update struct {
	Job     *models.Job `json:"job,omitempty"`
	Deleted bool        `json:"deleted,omitempty"`
}

// Watcher turns the read model into a continuously updated view of one job:
// subscribe, receive the current snapshot, then every status change until
// the job reaches a terminal state or is deleted. A fallback re-query ticker
// bounds staleness even if a publish is lost.
type Watcher struct {
	jobs         store.JobStore
	client       *redis.Client
	pollInterval time.Duration
	log          *zap.Logger
}

func NewWatcher(jobs store.JobStore, client *redis.Client, pollInterval time.Duration, log *zap.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Watcher{jobs: jobs, client: client, pollInterval: pollInterval, log: log}
}

// Watch streams updates for one job until ctx is done, the job reaches a
// terminal state, or the record is deleted. The channel is closed when the
// stream ends.
func (w *Watcher) Watch(ctx context.Context, jobID string) (<-chan Update, error) {
	sub := w.client.Subscribe(ctx, channelPrefix+jobID)
	// Force the subscription onto the wire before the initial snapshot so
	// no change between snapshot and subscribe is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Update, 8)
	telemetry.WatchSubscribers.Inc()

	go func() {
		defer func() {
			_ = sub.Close()
			close(out)
			telemetry.WatchSubscribers.Dec()
		}()

		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		lastStatus := ""
		emit := func(force bool) bool {
			job, err := w.jobs.GetJob(ctx, jobID)
			if errors.Is(err, models.ErrNotFound) {
				w.send(ctx, out, Update{Deleted: true})
				return false
			}
			if err != nil {
				w.log.Warn("watch re-query failed", zap.String("job_id", jobID), zap.Error(err))
				return true
			}
			if force || job.Status != lastStatus {
				lastStatus = job.Status
				if !w.send(ctx, out, Update{Job: &job}) {
					return false
				}
			}
			return !models.IsTerminal(job.Status)
		}

		if !emit(true) {
			return
		}
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil && ev.Deleted {
					w.send(ctx, out, Update{Deleted: true})
					return
				}
				if !emit(false) {
					return
				}
			case <-ticker.C:
				if !emit(false) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (w *Watcher) send(ctx context.Context, out chan<- Update, u Update) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

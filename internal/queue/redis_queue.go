package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"campaign-engine/internal/config"
	"campaign-engine/internal/models"
)

// RedisQueue coordinates the ready, in-flight, and scheduled campaign job
// queues in Redis. Jobs are deduplicated by their campaign-derived key: while
// a key is held, further enqueues of the same campaign are no-ops.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	pausePrefix   string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready",
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		pausePrefix:   "campaign:paused:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) metaKey(jobKey string) string {
	return q.jobMetaPrefix + jobKey
}

func (q *RedisQueue) pauseKey(campaignID string) string {
	return q.pausePrefix + campaignID
}

// Enqueue inserts a campaign job into the ready list, or the scheduled set
// when runAt lies in the future. The boolean reports whether the job was
// actually admitted; false means the dedup key is already held and the call
// was a no-op.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job, runAt time.Time) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	admitted, err := q.client.HSetNX(ctx, q.metaKey(job.Key()), "payload", payload).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedup key: %w", err)
	}
	if !admitted {
		return false, nil
	}

	if runAt.After(time.Now()) {
		err = q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: job.Key(),
		}).Err()
	} else {
		err = q.client.RPush(ctx, q.readyKey, job.Key()).Err()
	}
	if err != nil {
		// Release the claim so a later enqueue can retry.
		_ = q.client.Del(ctx, q.metaKey(job.Key())).Err()
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	return true, nil
}

// Retry reschedules an in-flight job for a later attempt, keeping the dedup
// key held so concurrent starts stay no-ops.
func (q *RedisQueue) Retry(ctx context.Context, job models.Job, runAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.Key()), "payload", payload)
	pipe.ZRem(ctx, q.inflightKey, job.Key())
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.Key()})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into the ready list. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, k := range keys {
		pipe.ZRem(ctx, q.scheduledKey, k)
		pipe.RPush(ctx, q.readyKey, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Dequeue pops a job from the ready list and places its key into the
// in-flight set with a visibility timeout. The boolean reports whether a job
// was available.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.Job, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	jobKey, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	payload, err := q.client.HGet(ctx, q.metaKey(jobKey), "payload").Result()
	if err == redis.Nil {
		// Meta lost (cancelled mid-flight); drop the lease.
		_ = q.client.ZRem(ctx, q.inflightKey, jobKey).Err()
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("read job payload: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return models.Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// Long campaigns call this between sends so a slow pace is not mistaken for
// a dead worker.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobKey string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobKey,
	}).Err()
}

// Ack removes a job from in-flight tracking and releases its dedup key, so
// the campaign can be enqueued again (resume after pause, restart).
func (q *RedisQueue) Ack(ctx context.Context, jobKey string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobKey)
	pipe.Del(ctx, q.metaKey(jobKey))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, k := range keys {
		pipe.ZRem(ctx, q.inflightKey, k)
		pipe.RPush(ctx, q.readyKey, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return keys, nil
}

// Cancel removes a job from every queue structure and releases its dedup key.
func (q *RedisQueue) Cancel(ctx context.Context, jobKey string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobKey)
	pipe.ZRem(ctx, q.inflightKey, jobKey)
	pipe.ZRem(ctx, q.scheduledKey, jobKey)
	pipe.Del(ctx, q.metaKey(jobKey))
	_, err := pipe.Exec(ctx)
	return err
}

// SetPaused raises the cooperative pause flag the worker reads between sends.
func (q *RedisQueue) SetPaused(ctx context.Context, campaignID string) error {
	return q.client.Set(ctx, q.pauseKey(campaignID), "1", 0).Err()
}

// ClearPaused lowers the pause flag.
func (q *RedisQueue) ClearPaused(ctx context.Context, campaignID string) error {
	return q.client.Del(ctx, q.pauseKey(campaignID)).Err()
}

// IsPaused reads the pause flag fresh; the worker never caches it.
func (q *RedisQueue) IsPaused(ctx context.Context, campaignID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.pauseKey(campaignID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobKey string) error {
	return q.client.RPush(ctx, q.dlqKey, jobKey).Err()
}

// DLQPeek reads the latest dead-lettered job keys.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

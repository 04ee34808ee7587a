package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/craftlabs/craft/internal/clock"
)

const (
	keyReady     = "webhook:queue:ready"
	keyActive    = "webhook:queue:active"
	keyDelayed   = "webhook:queue:delayed"
	keyCompleted = "webhook:queue:completed"
	keyFailed    = "webhook:queue:failed"
	keyJobs      = "webhook:queue:jobs"

	promoteBatch = 100
)

// enqueueScript registers the job body under its dedup key and pushes it to
// the ready list, or reports a duplicate.
// KEYS[1] = jobs hash, KEYS[2] = ready list
// ARGV[1] = job id, ARGV[2] = job json
var enqueueScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// claimScript requeues active jobs whose worker went silent, promotes due
// delayed jobs, then moves one ready job into the active zset and returns
// its id and body. The active score is the claim time, so a crashed worker's
// job resurfaces once the visibility timeout passes.
// KEYS[1] = ready list, KEYS[2] = delayed zset, KEYS[3] = jobs hash,
// KEYS[4] = active zset
// ARGV[1] = now unix, ARGV[2] = promote batch size, ARGV[3] = stale cutoff unix
var claimScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", ARGV[3], "LIMIT", 0, ARGV[2])
for _, id in ipairs(stale) do
	redis.call("ZREM", KEYS[4], id)
	redis.call("RPUSH", KEYS[1], id)
end
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("RPUSH", KEYS[1], id)
end
local id = redis.call("RPOP", KEYS[1])
if not id then
	return false
end
redis.call("ZADD", KEYS[4], ARGV[1], id)
local body = redis.call("HGET", KEYS[3], id)
return {id, body}
`)

// retryScript moves one failed job back onto the ready list.
// KEYS[1] = failed zset, KEYS[2] = ready list, KEYS[3] = jobs hash
// ARGV[1] = job id, ARGV[2] = job json
var retryScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// cleanupScript removes finished jobs older than the cutoff from one parked
// set and drops their bodies.
// KEYS[1] = parked zset, KEYS[2] = jobs hash
// ARGV[1] = cutoff unix
var cleanupScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(stale) do
	redis.call("HDEL", KEYS[2], id)
	redis.call("ZREM", KEYS[1], id)
end
return #stale
`)

// RedisQueue is the production queue. Job bodies live in a hash keyed by
// job id; the id moves between a ready list, an active zset scored by claim
// time, a delayed zset scored by the next run time, and completed/failed
// zsets scored by finish time.
type RedisQueue struct {
	rdb         *redis.Client
	clock       clock.Clock
	log         *zap.Logger
	maxAttempts int
	backoffBase time.Duration
}

func NewRedisQueue(rdb *redis.Client, clk clock.Clock, log *zap.Logger, maxAttempts int, backoffBase time.Duration) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoffBase <= 0 {
		backoffBase = time.Minute
	}
	return &RedisQueue{
		rdb:         rdb,
		clock:       clk,
		log:         log.Named("queue.redis"),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = JobID(job.Provider, job.EventID)
	}
	job.EnqueuedAt = q.clock.Now()
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.rdb, []string{keyJobs, keyReady}, job.ID, body).Int()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if added == 0 {
		return ErrJobDuplicate
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*Job, error) {
	now := q.clock.Now()
	result, err := claimScript.Run(ctx, q.rdb,
		[]string{keyReady, keyDelayed, keyJobs, keyActive},
		now.Unix(), promoteBatch, now.Add(-visibilityTimeout).Unix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, ErrNoJob
	}
	jobID, _ := pair[0].(string)
	body, _ := pair[1].(string)
	if body == "" {
		// Body vanished (cleaned up mid-flight). Drop the orphan id.
		q.log.Warn("dropping orphan job id", zap.String("job_id", jobID))
		q.rdb.ZRem(ctx, keyActive, jobID)
		return nil, ErrNoJob
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	job.Attempt++
	if err := q.persist(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	job.FinishedAt = q.clock.Now()
	job.LastError = ""
	if err := q.persist(ctx, job); err != nil {
		return err
	}
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, keyActive, job.ID)
	pipe.ZAdd(ctx, keyCompleted, redis.Z{
		Score:  float64(job.FinishedAt.Unix()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, jobErr error) error {
	now := q.clock.Now()
	job.LastError = jobErr.Error()

	if job.Attempt >= q.maxAttempts {
		job.FinishedAt = now
		if err := q.persist(ctx, job); err != nil {
			return err
		}
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, keyActive, job.ID)
		pipe.ZAdd(ctx, keyFailed, redis.Z{
			Score:  float64(now.Unix()),
			Member: job.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("park failed job %s: %w", job.ID, err)
		}
		q.log.Warn("job exhausted retries",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt),
			zap.String("last_error", job.LastError),
		)
		return nil
	}

	job.NextRunAt = now.Add(Backoff(q.backoffBase, job.Attempt))
	if err := q.persist(ctx, job); err != nil {
		return err
	}
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, keyActive, job.ID)
	pipe.ZAdd(ctx, keyDelayed, redis.Z{
		Score:  float64(job.NextRunAt.Unix()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, jobID string) error {
	body, err := q.rdb.HGet(ctx, keyJobs, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return fmt.Errorf("decode job %s: %w", jobID, err)
	}
	job.Attempt = 0
	job.LastError = ""
	job.FinishedAt = time.Time{}
	job.NextRunAt = time.Time{}
	updated, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	moved, err := retryScript.Run(ctx, q.rdb, []string{keyFailed, keyReady, keyJobs}, jobID, updated).Int()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	if moved == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *RedisQueue) RetryAllFailed(ctx context.Context) (int, error) {
	ids, err := q.rdb.ZRange(ctx, keyFailed, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}

	var errs []error
	retried := 0
	for _, id := range ids {
		if err := q.Retry(ctx, id); err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		retried++
	}
	return retried, errors.Join(errs...)
}

func (q *RedisQueue) Jobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	var key string
	switch state {
	case StateCompleted:
		key = keyCompleted
	case StateFailed:
		key = keyFailed
	default:
		return nil, fmt.Errorf("listing %s jobs is not supported", state)
	}
	if limit <= 0 {
		limit = 50
	}

	ids, err := q.rdb.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := q.rdb.HMGet(ctx, keyJobs, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s jobs: %w", state, err)
	}

	jobs := make([]*Job, 0, len(bodies))
	for _, raw := range bodies {
		body, ok := raw.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, keyReady)
	active := pipe.ZCard(ctx, keyActive)
	delayed := pipe.ZCard(ctx, keyDelayed)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Ready:     ready.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Cleanup purges the completed set only. Failed jobs keep their bodies so
// Retry and RetryAllFailed still work on old deliveries.
func (q *RedisQueue) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := cleanupScript.Run(ctx, q.rdb, []string{keyCompleted, keyJobs}, strconv.FormatInt(cutoff.Unix(), 10)).Int()
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", keyCompleted, err)
	}
	return n, nil
}

func (q *RedisQueue) persist(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.HSet(ctx, keyJobs, job.ID, body).Err(); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

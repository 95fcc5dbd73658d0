// Package jobs implements the Redis-backed at-least-once queue engine that
// drives webhook and push delivery. Each queue keeps a pending list and a
// delayed sorted set; a promoter moves due jobs back onto the list and
// workers consume with BRPOP.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names. The two queues are disjoint and independently consumed.
const (
	QueueWebhooks = "webhooks"
	QueuePush     = "push"
)

// Retention bounds for terminal job records.
const (
	completedTTL = 24 * time.Hour
	completedMax = 1000
	failedTTL    = 7 * 24 * time.Hour
	failedMax    = 5000
)

// ============================================================================
// RETRY POLICIES
// ============================================================================

// Policy names a retry schedule.
type Policy string

const (
	PolicyNone     Policy = "none"
	PolicyLinear   Policy = "linear"
	PolicyStandard Policy = "standard"

	// PolicyPush is fixed for the push queue: three attempts with
	// exponential backoff from one second.
	PolicyPush Policy = "push"
)

// Attempts returns the total delivery attempts for the policy.
func (p Policy) Attempts() int {
	switch p {
	case PolicyNone:
		return 1
	case PolicyLinear:
		return 5
	case PolicyPush:
		return 3
	default:
		return 10
	}
}

// Backoff returns the delay before the given retry (attempt is 1-based and
// counts the attempt that just failed).
func (p Policy) Backoff(attempt int) time.Duration {
	switch p {
	case PolicyNone:
		return 0
	case PolicyLinear:
		return 5 * time.Second
	default:
		// 1s, 2s, 4s, ... capped at 5 minutes.
		d := time.Second << uint(attempt-1)
		if d > 5*time.Minute {
			d = 5 * time.Minute
		}
		return d
	}
}

// ============================================================================
// JOB
// ============================================================================

// Job is the unit of work moved through a queue.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Policy     Policy          `json:"policy"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Handler processes one job. A nil return marks the job completed; an error
// schedules a retry until the policy's attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// ============================================================================
// ENGINE
// ============================================================================

// Engine owns the workers for every registered queue.
type Engine struct {
	rdb    *redis.Client
	logger *log.Logger

	mu     sync.Mutex
	queues map[string]*queueRunner

	onResult func(queue string, failed bool)

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewEngine creates an idle engine; queues attach via Register.
func NewEngine(rdb *redis.Client) *Engine {
	return &Engine{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
		queues: make(map[string]*queueRunner),
		stop:   make(chan struct{}),
	}
}

type queueRunner struct {
	name        string
	concurrency int
	handler     Handler
}

// SetResultHook registers a callback fired once per terminal job outcome:
// failed is true when the job gave up (permanent error or exhausted
// attempts). Retries are not terminal. Must be called before Start.
func (e *Engine) SetResultHook(fn func(queue string, failed bool)) { e.onResult = fn }

func (e *Engine) reportResult(queue string, failed bool) {
	if e.onResult != nil {
		e.onResult(queue, failed)
	}
}

// Register attaches a handler to a queue. Must be called before Start.
func (e *Engine) Register(queue string, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[queue] = &queueRunner{name: queue, concurrency: concurrency, handler: handler}
}

// Start launches the promoter and worker goroutines for every queue.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	for _, q := range e.queues {
		e.wg.Add(1)
		go e.promoteLoop(q.name)
		for i := 0; i < q.concurrency; i++ {
			e.wg.Add(1)
			go e.workLoop(q)
		}
		e.logger.Printf("Queue %s started (concurrency=%d)", q.name, q.concurrency)
	}
}

// Stop shuts the engine down, waiting for in-flight jobs to finish.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	e.logger.Println("Engine stopped")
}

// Enqueue pushes a job for immediate pickup.
func (e *Engine) Enqueue(ctx context.Context, queue string, payload any, policy Policy) (string, error) {
	return e.enqueue(ctx, queue, payload, policy, 0)
}

// EnqueueIn schedules a job after the given delay.
func (e *Engine) EnqueueIn(ctx context.Context, queue string, payload any, policy Policy, delay time.Duration) (string, error) {
	return e.enqueue(ctx, queue, payload, policy, delay)
}

func (e *Engine) enqueue(ctx context.Context, queue string, payload any, policy Policy, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding job payload: %w", err)
	}
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Payload:    raw,
		Policy:     policy,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := e.push(ctx, job, delay); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (e *Engine) push(ctx context.Context, job *Job, delay time.Duration) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if delay > 0 {
		return e.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: string(encoded),
		}).Err()
	}
	return e.rdb.LPush(ctx, pendingKey(job.Queue), encoded).Err()
}

// PendingCount reports the length of the queue's pending list.
func (e *Engine) PendingCount(ctx context.Context, queue string) (int64, error) {
	return e.rdb.LLen(ctx, pendingKey(queue)).Result()
}

// ============================================================================
// LOOPS
// ============================================================================

// promoteLoop moves due delayed jobs onto the pending list once a second.
func (e *Engine) promoteLoop(queue string) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.promote(queue)
		}
	}
}

func (e *Engine) promote(queue string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := e.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}

	pipe := e.rdb.TxPipeline()
	for _, member := range due {
		pipe.ZRem(ctx, delayedKey(queue), member)
		pipe.LPush(ctx, pendingKey(queue), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Printf("Promote failed for %s: %v", queue, err)
	}
}

func (e *Engine) workLoop(q *queueRunner) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		res, err := e.rdb.BRPop(context.Background(), time.Second, pendingKey(q.name)).Result()
		if err != nil {
			if err != redis.Nil {
				e.logger.Printf("BRPOP on %s: %v", q.name, err)
				time.Sleep(time.Second)
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			e.logger.Printf("Dropping undecodable job on %s: %v", q.name, err)
			continue
		}
		e.runJob(q, &job)
	}
}

func (e *Engine) runJob(q *queueRunner, job *Job) {
	job.Attempt++

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err := q.handler(ctx, job)
	cancel()

	if err == nil {
		e.recordTerminal(job, completedKey(q.name), completedTTL, completedMax)
		e.reportResult(q.name, false)
		return
	}

	job.LastError = err.Error()
	if perm, ok := err.(*PermanentError); ok {
		e.logger.Printf("Job %s on %s failed permanently after attempt %d: %v",
			job.ID, q.name, job.Attempt, perm.Err)
		e.recordTerminal(job, failedKey(q.name), failedTTL, failedMax)
		e.reportResult(q.name, true)
		return
	}

	if job.Attempt >= job.Policy.Attempts() {
		e.logger.Printf("Job %s on %s exhausted %d attempts: %v",
			job.ID, q.name, job.Attempt, err)
		e.recordTerminal(job, failedKey(q.name), failedTTL, failedMax)
		e.reportResult(q.name, true)
		return
	}

	backoff := job.Policy.Backoff(job.Attempt)
	pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if pushErr := e.push(pushCtx, job, backoff); pushErr != nil {
		e.logger.Printf("Rescheduling job %s failed, job lost: %v", job.ID, pushErr)
	}
}

// recordTerminal stores the finished job and trims the set to retention.
func (e *Engine) recordTerminal(job *Job, key string, ttl time.Duration, max int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	encoded, err := json.Marshal(job)
	if err != nil {
		return
	}
	now := time.Now()
	pipe := e.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: string(encoded)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-ttl).UnixMilli(), 10))
	pipe.ZRemRangeByRank(ctx, key, 0, -(max + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Printf("Retention trim failed for %s: %v", key, err)
	}
}

// ============================================================================
// KEYS AND ERRORS
// ============================================================================

func pendingKey(queue string) string   { return "cascata:jobs:" + queue + ":pending" }
func delayedKey(queue string) string   { return "cascata:jobs:" + queue + ":delayed" }
func completedKey(queue string) string { return "cascata:jobs:" + queue + ":completed" }
func failedKey(queue string) string    { return "cascata:jobs:" + queue + ":failed" }

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (p *PermanentError) Error() string { return p.Err.Error() }
func (p *PermanentError) Unwrap() error { return p.Err }

// Permanent wraps err so the engine fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/metrics"
)

// Handler processes one job. The ctx carries the per-job hard deadline;
// handlers must honor cancellation, a deadline overrun counts as a failed
// attempt either way.
type Handler func(ctx context.Context, job *Job) error

const pollInterval = 250 * time.Millisecond

// Worker drains the configured queues with a bounded goroutine pool per
// queue. Handlers are registered by (queue, name); a "*" name acts as the
// queue's catch-all.
type Worker struct {
	manager *Manager
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorker(manager *Manager, logger *zap.Logger) *Worker {
	return &Worker{
		manager:  manager,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to jobs named name on the given queue. Use "*"
// as the name for a queue-wide handler.
func (w *Worker) Register(queue, name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[queue+":"+name] = h
}

func (w *Worker) handlerFor(queue, name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if h, ok := w.handlers[queue+":"+name]; ok {
		return h, true
	}
	h, ok := w.handlers[queue+":*"]
	return h, ok
}

// Start launches the per-queue pools. It returns immediately; call Stop to
// drain and wait.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for name, cfg := range w.manager.Configs() {
		for i := 0; i < cfg.Concurrency; i++ {
			w.wg.Add(1)
			go func(queue string) {
				defer w.wg.Done()
				w.loop(ctx, queue)
			}(name)
		}
	}
	w.logger.Info("queue workers started", zap.Int("queues", len(w.manager.Configs())))
}

// Stop cancels the pools and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("queue workers stopped")
}

func (w *Worker) loop(ctx context.Context, queue string) {
	for {
		processed, err := w.ProcessOne(ctx, queue)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.manager.metrics.Inc(metrics.CtrRedisDisconnects)
			w.logger.Warn("queue poll failed", zap.String("queue", queue), zap.Error(err))
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

// ProcessOne promotes due delayed jobs, pops at most one waiting job and
// runs it to a terminal outcome (completed, re-queued with backoff, or
// dead-lettered). Returns whether a job was processed.
func (w *Worker) ProcessOne(ctx context.Context, queue string) (bool, error) {
	if err := w.promoteDelayed(ctx, queue); err != nil {
		return false, err
	}

	popped, err := w.manager.rdb.ZPopMin(ctx, waitingKey(queue), 1).Result()
	if err != nil {
		return false, err
	}
	if len(popped) == 0 {
		return false, nil
	}

	jobID := fmt.Sprint(popped[0].Member)
	fields, err := w.manager.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		// Orphaned membership, the record expired or was deleted.
		return true, nil
	}
	job := jobFromHash(jobID, fields)

	w.run(ctx, job)
	return true, nil
}

func (w *Worker) run(ctx context.Context, job *Job) {
	cfg := w.manager.configs[job.Queue]
	now := w.manager.now()

	if lag := now.Sub(job.NextRunAt); lag > 0 {
		w.manager.metrics.Observe(metrics.HistQueueLag, float64(lag.Milliseconds()))
	}

	w.setStatus(ctx, job, StatusActive)

	handler, ok := w.handlerFor(job.Queue, job.Name)
	if !ok {
		w.fail(ctx, job, cfg, fmt.Errorf("no handler registered for %s/%s", job.Queue, job.Name))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	done := make(chan error, 1)
	go func() {
		done <- handler(jobCtx, job)
	}()

	var runErr error
	select {
	case runErr = <-done:
		if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) {
			runErr = fmt.Errorf("job timed out after %s", cfg.JobTimeout)
		}
	case <-jobCtx.Done():
		runErr = fmt.Errorf("job timed out after %s", cfg.JobTimeout)
	}
	cancel()

	if runErr == nil {
		w.complete(ctx, job)
		return
	}
	w.fail(ctx, job, cfg, runErr)
}

func (w *Worker) complete(ctx context.Context, job *Job) {
	pipe := w.manager.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "status", string(StatusCompleted))
	pipe.Expire(ctx, jobKey(job.ID), completedJobTTL)
	pipe.Exec(ctx) // nolint:errcheck

	w.logger.Debug("job completed",
		zap.String("queue", job.Queue),
		zap.String("job_name", job.Name),
		zap.String("job_id", job.ID),
	)
}

func (w *Worker) fail(ctx context.Context, job *Job, cfg QueueConfig, runErr error) {
	job.AttemptsMade++
	job.LastError = runErr.Error()
	job.LastFailedAt = w.manager.now()

	if job.AttemptsMade < job.MaxAttempts {
		delay := cfg.Backoff.Delay(job.AttemptsMade)
		job.Status = StatusWaiting
		job.NextRunAt = w.manager.now().Add(delay)

		pipe := w.manager.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(job.ID), job.toHash())
		pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(job.NextRunAt.UnixMilli()),
			Member: job.ID,
		})
		pipe.Exec(ctx) // nolint:errcheck

		w.logger.Warn("job failed, will retry",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.Int("attempts_made", job.AttemptsMade),
			zap.Duration("backoff", delay),
			zap.Error(runErr),
		)
		return
	}

	w.moveToDLQ(ctx, job, runErr)
}

// moveToDLQ copies the exhausted job into the paired dead-letter list. The
// push is retried on transient failure; whatever happens the source record
// is marked dead so it can never run again.
func (w *Worker) moveToDLQ(ctx context.Context, job *Job, runErr error) {
	entry := DLQEntry{
		OriginalQueue:   job.Queue,
		OriginalJobID:   job.ID,
		OriginalName:    job.Name,
		OriginalPayload: job.Payload,
		FailureReason:   runErr.Error(),
		FailedAt:        w.manager.now(),
		AttemptsMade:    job.AttemptsMade,
		IdempotencyKey:  job.IdempotencyKey,
		TenantID:        job.TenantID,
	}
	raw, _ := json.Marshal(entry)

	var pushErr error
	for attempt := 0; attempt < 3; attempt++ {
		pipe := w.manager.rdb.TxPipeline()
		pipe.LPush(ctx, dlqKey(job.Queue), raw)
		pipe.LTrim(ctx, dlqKey(job.Queue), 0, dlqRetention-1)
		if _, pushErr = pipe.Exec(ctx); pushErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}

	job.Status = StatusDead
	w.manager.rdb.HSet(ctx, jobKey(job.ID), job.toHash()) // nolint:errcheck

	if pushErr != nil {
		w.logger.Error("CRITICAL: dead-letter move failed, job may be LOST",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.String("job_name", job.Name),
			zap.Error(pushErr),
		)
		return
	}

	w.manager.metrics.Inc(metrics.CtrDLQJobs)
	w.logger.Error("job moved to dead-letter queue",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.Int("attempts_made", job.AttemptsMade),
		zap.Error(runErr),
	)
}

func (w *Worker) setStatus(ctx context.Context, job *Job, status Status) {
	job.Status = status
	w.manager.rdb.HSet(ctx, jobKey(job.ID), "status", string(status)) // nolint:errcheck
}

// promoteDelayed moves jobs whose run time has arrived from the delayed set
// into the waiting set with their priority-folded score.
func (w *Worker) promoteDelayed(ctx context.Context, queue string) error {
	now := w.manager.now()
	due, err := w.manager.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return err
	}

	for _, jobID := range due {
		fields, err := w.manager.rdb.HGetAll(ctx, jobKey(jobID)).Result()
		if err != nil {
			return err
		}
		score := float64(now.UnixMilli())
		if len(fields) > 0 {
			job := jobFromHash(jobID, fields)
			score = waitingScore(job.NextRunAt, job.Priority)
		}

		pipe := w.manager.rdb.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), jobID)
		pipe.ZAdd(ctx, waitingKey(queue), redis.Z{Score: score, Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
)

// Manager owns the Redis-backed queues: enqueue, dead-letter replay and
// stats. Workers are built on top of it (see worker.go).
//
// Data model per queue <q>:
//
//	q:wait:<q>     ZSET  ready jobs, score = enqueue_ms - priority*1e12
//	q:delayed:<q>  ZSET  scheduled jobs, score = run_at_ms
//	q:job:<id>     HASH  the job record
//	dlq:<q>        LIST  dead-letter entries, newest first, capped
//
// Priority folds into the waiting score so that ZPOPMIN drains higher
// priorities first and stays FIFO within a priority band.
type Manager struct {
	rdb     *redis.Client
	logger  *zap.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker
	configs map[string]QueueConfig
	schemas map[string]*jsonschema.Schema
	now     func() time.Time
}

func NewManager(rdb *redis.Client, logger *zap.Logger, reg *metrics.Registry, configs map[string]QueueConfig) *Manager {
	if configs == nil {
		configs = DefaultConfigs()
	}
	m := &Manager{
		rdb:     rdb,
		logger:  logger,
		metrics: reg,
		configs: configs,
		schemas: make(map[string]*jsonschema.Schema),
		now:     time.Now,
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "queue-enqueue",
		MaxRequests: 3,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("queue circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return m
}

// WithClock overrides the time source. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Configs exposes the queue set, e.g. for the health surface.
func (m *Manager) Configs() map[string]QueueConfig { return m.configs }

// RegisterPayloadSchema attaches a JSON Schema to a (queue, name) pair.
// Enqueue rejects payloads that do not validate.
func (m *Manager) RegisterPayloadSchema(queue, name, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("queue://%s/%s.json", queue, name)
	if err := compiler.AddResource(resource, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add payload schema %s/%s: %w", queue, name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile payload schema %s/%s: %w", queue, name, err)
	}
	m.schemas[queue+":"+name] = schema
	return nil
}

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	// IdempotencyKey dedupes enqueues for 24h. Same key, same job id back.
	IdempotencyKey string
	// AutoIdempotency derives the key from a SHA-256 of queue+name+payload.
	AutoIdempotency bool
	// Priority drains higher values first. Clamped to the queue's levels.
	Priority int
	// Delay postpones the first run.
	Delay time.Duration
	// TenantID stamps the job for per-tenant tracing.
	TenantID string
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	JobID     string `json:"jobId"`
	Duplicate bool   `json:"duplicate"`
}

// Enqueue adds a job. When the backend is down or the breaker is open it
// fails fast with QUEUE_UNAVAILABLE so callers can surface 503 and move on.
func (m *Manager) Enqueue(ctx context.Context, queueName, name string, payload json.RawMessage, opts EnqueueOptions) (EnqueueResult, error) {
	cfg, ok := m.configs[queueName]
	if !ok {
		return EnqueueResult{}, apperr.Validation("UNKNOWN_QUEUE", "unknown queue: "+queueName)
	}
	if name == "" {
		return EnqueueResult{}, apperr.Validation("INVALID_JOB", "job name is required")
	}
	if err := m.validatePayload(queueName, name, payload); err != nil {
		return EnqueueResult{}, err
	}

	if opts.Priority < 0 {
		opts.Priority = 0
	}
	if cfg.PriorityLevels > 0 && opts.Priority >= cfg.PriorityLevels {
		opts.Priority = cfg.PriorityLevels - 1
	}

	idemKey := opts.IdempotencyKey
	if idemKey == "" && opts.AutoIdempotency {
		idemKey = autoIdempotencyKey(queueName, name, payload)
	}

	now := m.now()
	job := &Job{
		ID:             uuid.NewString(),
		Queue:          queueName,
		Name:           name,
		Payload:        payload,
		IdempotencyKey: idemKey,
		TenantID:       opts.TenantID,
		MaxAttempts:    cfg.MaxAttempts,
		Priority:       opts.Priority,
		Status:         StatusWaiting,
		CreatedAt:      now,
		NextRunAt:      now.Add(opts.Delay),
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.enqueueJob(ctx, job, false)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return EnqueueResult{}, apperr.DependencyDown(apperr.CodeQueueUnavailable, "job queue is unavailable", nil)
		}
		m.metrics.Inc(metrics.CtrRedisDisconnects)
		return EnqueueResult{}, apperr.DependencyDown(apperr.CodeQueueUnavailable, "job queue is unavailable", err)
	}
	return result.(EnqueueResult), nil
}

// enqueueJob writes the job record and its queue membership. When
// fromDLQReplay is set, an existing idempotency key is overwritten instead
// of deduping, so replays actually run.
func (m *Manager) enqueueJob(ctx context.Context, job *Job, fromDLQReplay bool) (EnqueueResult, error) {
	start := m.now()
	defer func() {
		m.metrics.Observe(metrics.HistRedisLatency, float64(time.Since(start).Microseconds())/1000)
	}()

	if job.IdempotencyKey != "" {
		redisKey := idempotencyRedisKey(job.Queue, job.Name, job.IdempotencyKey)
		if fromDLQReplay {
			if err := m.rdb.Set(ctx, redisKey, job.ID, idempotencyTTL).Err(); err != nil {
				return EnqueueResult{}, err
			}
		} else {
			set, err := m.rdb.SetNX(ctx, redisKey, job.ID, idempotencyTTL).Result()
			if err != nil {
				return EnqueueResult{}, err
			}
			if !set {
				existing, err := m.rdb.Get(ctx, redisKey).Result()
				if err != nil {
					return EnqueueResult{}, err
				}
				return EnqueueResult{JobID: existing, Duplicate: true}, nil
			}
		}
	}

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), job.toHash())
	if job.NextRunAt.After(m.now()) {
		pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(job.NextRunAt.UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.ZAdd(ctx, waitingKey(job.Queue), redis.Z{
			Score:  waitingScore(job.NextRunAt, job.Priority),
			Member: job.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return EnqueueResult{}, err
	}

	m.logger.Debug("job enqueued",
		zap.String("queue", job.Queue),
		zap.String("job_name", job.Name),
		zap.String("job_id", job.ID),
		zap.Int("priority", job.Priority),
	)
	return EnqueueResult{JobID: job.ID}, nil
}

// RetryDLQ drains the dead-letter list and re-enqueues each entry on the
// target queue with a fresh attempt budget. Idempotency keys are preserved
// but rebound to the new job id so the replay is not swallowed as a
// duplicate. Returns the number of entries replayed.
func (m *Manager) RetryDLQ(ctx context.Context, dlqName, targetQueue string) (int, error) {
	cfg, ok := m.configs[targetQueue]
	if !ok {
		return 0, apperr.Validation("UNKNOWN_QUEUE", "unknown queue: "+targetQueue)
	}

	count := 0
	for {
		raw, err := m.rdb.RPop(ctx, dlqKey(dlqName)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return count, apperr.DependencyDown(apperr.CodeQueueUnavailable, "job queue is unavailable", err)
		}

		var entry DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			m.logger.Error("dlq entry is not parseable, dropping",
				zap.String("dlq", dlqName), zap.Error(err))
			continue
		}

		now := m.now()
		job := &Job{
			ID:             uuid.NewString(),
			Queue:          targetQueue,
			Name:           entry.OriginalName,
			Payload:        entry.OriginalPayload,
			IdempotencyKey: entry.IdempotencyKey,
			TenantID:       entry.TenantID,
			MaxAttempts:    cfg.MaxAttempts,
			Status:         StatusWaiting,
			CreatedAt:      now,
			NextRunAt:      now,
			RetriedFromDLQ: true,
		}
		if _, err := m.enqueueJob(ctx, job, true); err != nil {
			// Put the entry back so it is not lost, then stop.
			m.rdb.RPush(ctx, dlqKey(dlqName), raw) // nolint:errcheck
			return count, apperr.DependencyDown(apperr.CodeQueueUnavailable, "job queue is unavailable", err)
		}

		m.logger.Info("dlq entry replayed",
			zap.String("dlq", dlqName),
			zap.String("target_queue", targetQueue),
			zap.String("original_job_id", entry.OriginalJobID),
			zap.String("new_job_id", job.ID),
		)
		count++
	}
	return count, nil
}

// Job loads a job record by id.
func (m *Manager) Job(ctx context.Context, id string) (*Job, error) {
	fields, err := m.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, apperr.DependencyDown(apperr.CodeQueueUnavailable, "job queue is unavailable", err)
	}
	if len(fields) == 0 {
		return nil, apperr.NotFound("job")
	}
	return jobFromHash(id, fields), nil
}

// Ping reports backend availability.
func (m *Manager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

func (m *Manager) validatePayload(queueName, name string, payload json.RawMessage) error {
	schema, ok := m.schemas[queueName+":"+name]
	if !ok {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return apperr.Validation("INVALID_PAYLOAD", "job payload is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "INVALID_PAYLOAD", "job payload failed schema validation")
	}
	return nil
}

// waitingScore folds priority into the FIFO score: each priority level
// shifts the score far enough below real timestamps that higher priorities
// always pop first, while enqueue order breaks ties within a level.
func waitingScore(enqueuedAt time.Time, priority int) float64 {
	return float64(enqueuedAt.UnixMilli()) - float64(priority)*1e12
}

func autoIdempotencyKey(queue, name string, payload json.RawMessage) string {
	sum := sha256.Sum256([]byte(queue + "\x00" + name + "\x00" + string(payload)))
	return hex.EncodeToString(sum[:])
}

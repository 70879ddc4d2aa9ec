package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueSnapshot is the per-queue view served by the health surface.
type QueueSnapshot struct {
	Waiting  int64  `json:"waiting"`
	Delayed  int64  `json:"delayed"`
	DLQCount int64  `json:"dlqCount"`
	Status   string `json:"status"`
}

// Stats exposes queue-derived observability signals. It satisfies the red
// flag evaluator's QueueStats contract.
type Stats struct {
	m *Manager
}

func (m *Manager) Stats() *Stats { return &Stats{m: m} }

const statsTimeout = 2 * time.Second

// LagMillis returns the age of the oldest ready job across all queues,
// zero when everything is drained or the backend is unreachable.
func (s *Stats) LagMillis() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	now := s.m.now()
	var worst float64
	for queue := range s.m.configs {
		members, err := s.m.rdb.ZRangeWithScores(ctx, waitingKey(queue), 0, 0).Result()
		if err != nil || len(members) == 0 {
			continue
		}
		jobID, _ := members[0].Member.(string)
		fields, err := s.m.rdb.HGetAll(ctx, jobKey(jobID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		readyAt := millisField(fields, "next_run_at")
		if readyAt.IsZero() {
			continue
		}
		if lag := float64(now.Sub(readyAt).Milliseconds()); lag > worst {
			worst = lag
		}
	}
	return worst
}

// DLQDepth returns the total dead-letter entries across all queues.
func (s *Stats) DLQDepth() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	var total int64
	for queue := range s.m.configs {
		n, err := s.m.rdb.LLen(ctx, dlqKey(queue)).Result()
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// Snapshot returns per-queue counts for /health/queues.
func (s *Stats) Snapshot(ctx context.Context) map[string]QueueSnapshot {
	out := make(map[string]QueueSnapshot, len(s.m.configs))
	for queue := range s.m.configs {
		snap := QueueSnapshot{Status: "available"}

		pipe := s.m.rdb.Pipeline()
		waiting := pipe.ZCard(ctx, waitingKey(queue))
		delayed := pipe.ZCard(ctx, delayedKey(queue))
		dlq := pipe.LLen(ctx, dlqKey(queue))
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			snap.Status = "unavailable"
		} else {
			snap.Waiting = waiting.Val()
			snap.Delayed = delayed.Val()
			snap.DLQCount = dlq.Val()
		}
		out[queue] = snap
	}
	return out
}

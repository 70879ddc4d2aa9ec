package queue

import "time"

// The fixed queue set. Each queue pairs with a dead-letter list dlq:<name>.
const (
	QueueAttendance    = "attendance"
	QueueNotifications = "notifications"
	QueueReports       = "reports"
	QueueAcademic      = "academic"
	QueueExaminations  = "examinations"
	QueueFees          = "fees"
	QueueDefault       = "default"
)

// BackoffStrategy selects how the retry delay grows between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// Backoff computes retry delays from the attempt count.
type Backoff struct {
	Strategy  BackoffStrategy
	BaseDelay time.Duration
}

// Delay returns the wait before the next attempt. attemptsMade is the number
// of attempts already consumed, so it is always >= 1 here.
func (b Backoff) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	switch b.Strategy {
	case BackoffExponential:
		return b.BaseDelay * time.Duration(1<<(attemptsMade-1))
	default:
		return b.BaseDelay * time.Duration(attemptsMade)
	}
}

// QueueConfig is the per-queue tuning block.
type QueueConfig struct {
	Concurrency    int
	MaxAttempts    int
	Backoff        Backoff
	JobTimeout     time.Duration
	PriorityLevels int
}

// DefaultConfigs returns the production queue set. Notifications tolerate
// more retries because provider outages are transient; fees jobs get a
// longer timeout for gateway round-trips.
func DefaultConfigs() map[string]QueueConfig {
	base := QueueConfig{
		Concurrency:    2,
		MaxAttempts:    3,
		Backoff:        Backoff{Strategy: BackoffExponential, BaseDelay: 2 * time.Second},
		JobTimeout:     30 * time.Second,
		PriorityLevels: 3,
	}

	cfgs := map[string]QueueConfig{
		QueueAttendance:    base,
		QueueNotifications: base,
		QueueReports:       base,
		QueueAcademic:      base,
		QueueExaminations:  base,
		QueueFees:          base,
		QueueDefault:       base,
	}

	n := cfgs[QueueNotifications]
	n.Concurrency = 4
	n.MaxAttempts = 5
	cfgs[QueueNotifications] = n

	f := cfgs[QueueFees]
	f.JobTimeout = 60 * time.Second
	f.Backoff = Backoff{Strategy: BackoffFixed, BaseDelay: 5 * time.Second}
	cfgs[QueueFees] = f

	r := cfgs[QueueReports]
	r.Concurrency = 1
	r.JobTimeout = 120 * time.Second
	cfgs[QueueReports] = r

	return cfgs
}

const (
	idempotencyTTL = 24 * time.Hour
	dlqRetention   = 10000
	// completed job hashes are kept briefly for inspection, then expire.
	completedJobTTL = time.Hour
)

func waitingKey(queue string) string { return "q:wait:" + queue }
func delayedKey(queue string) string { return "q:delayed:" + queue }
func jobKey(id string) string        { return "q:job:" + id }
func dlqKey(queue string) string     { return "dlq:" + queue }

func idempotencyRedisKey(queue, name, key string) string {
	return "q:idem:" + queue + ":" + name + ":" + key
}

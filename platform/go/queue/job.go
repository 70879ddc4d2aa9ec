package queue

import (
	"encoding/json"
	"strconv"
	"time"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Job is a unit of background work. The record lives in a Redis hash keyed
// by id; queue membership is tracked separately in the waiting/delayed sets.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	TenantID       string          `json:"tenantId,omitempty"`
	AttemptsMade   int             `json:"attemptsMade"`
	MaxAttempts    int             `json:"maxAttempts"`
	Priority       int             `json:"priority"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	NextRunAt      time.Time       `json:"nextRunAt"`
	LastError      string          `json:"lastError,omitempty"`
	LastFailedAt   time.Time       `json:"lastFailedAt,omitempty"`
	RetriedFromDLQ bool            `json:"retriedFromDlq,omitempty"`
}

// DLQEntry is the dead-letter record kept for operator inspection and replay.
type DLQEntry struct {
	OriginalQueue   string          `json:"originalQueue"`
	OriginalJobID   string          `json:"originalJobId"`
	OriginalName    string          `json:"originalName"`
	OriginalPayload json.RawMessage `json:"originalPayload"`
	FailureReason   string          `json:"failureReason"`
	FailedAt        time.Time       `json:"failedAt"`
	AttemptsMade    int             `json:"attemptsMade"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	TenantID        string          `json:"tenantId,omitempty"`
}

func (j *Job) toHash() map[string]interface{} {
	h := map[string]interface{}{
		"queue":         j.Queue,
		"name":          j.Name,
		"payload":       string(j.Payload),
		"attempts_made": j.AttemptsMade,
		"max_attempts":  j.MaxAttempts,
		"priority":      j.Priority,
		"status":        string(j.Status),
		"created_at":    j.CreatedAt.UnixMilli(),
		"next_run_at":   j.NextRunAt.UnixMilli(),
	}
	if j.IdempotencyKey != "" {
		h["idempotency_key"] = j.IdempotencyKey
	}
	if j.TenantID != "" {
		h["tenant_id"] = j.TenantID
	}
	if j.LastError != "" {
		h["last_error"] = j.LastError
	}
	if !j.LastFailedAt.IsZero() {
		h["last_failed_at"] = j.LastFailedAt.UnixMilli()
	}
	if j.RetriedFromDLQ {
		h["retried_from_dlq"] = "1"
	}
	return h
}

func jobFromHash(id string, fields map[string]string) *Job {
	j := &Job{
		ID:             id,
		Queue:          fields["queue"],
		Name:           fields["name"],
		Payload:        json.RawMessage(fields["payload"]),
		IdempotencyKey: fields["idempotency_key"],
		TenantID:       fields["tenant_id"],
		Status:         Status(fields["status"]),
		LastError:      fields["last_error"],
		RetriedFromDLQ: fields["retried_from_dlq"] == "1",
	}
	j.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	j.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	j.Priority, _ = strconv.Atoi(fields["priority"])
	j.CreatedAt = millisField(fields, "created_at")
	j.NextRunAt = millisField(fields, "next_run_at")
	j.LastFailedAt = millisField(fields, "last_failed_at")
	return j
}

func millisField(fields map[string]string, key string) time.Time {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

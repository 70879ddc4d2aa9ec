package persistence

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/logging"
	"github.com/edumesh/edumesh-server/platform/go/requesttrace"
)

// AuditEvent describes a committed mutation for the audit trail.
type AuditEvent struct {
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
}

// AuditSink receives events after a successful commit. Implementations must
// not write back into the transaction that produced the event.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// LogSink emits audit events as structured log lines.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Record(ctx context.Context, event AuditEvent) {
	actor := requesttrace.FromContextOrAnonymous(ctx)
	fields := []zap.Field{
		zap.String("audit_action", event.Action),
		zap.String("audit_entity", event.Entity),
		zap.String("audit_entity_id", event.EntityID),
		zap.String("actor_kind", string(actor.Kind)),
		zap.Time("audit_at", time.Now().UTC()),
	}
	if actor.UserID != nil {
		fields = append(fields, zap.String("user_id", *actor.UserID))
	}
	if actor.TenantID != nil {
		fields = append(fields, zap.String("tenant_id", *actor.TenantID))
	}
	if event.Meta != nil {
		fields = append(fields, logging.Meta(event.Meta))
	}
	s.Logger.Info("audit", fields...)
}

// Auditor is the capability repositories probe for: runners that can emit
// post-commit audit events. Plain runners fall back to WithTenant and the
// mutation goes unaudited.
type Auditor interface {
	WithTenantAudited(ctx context.Context, fn func(tx pgx.Tx, audit *Collector) error) error
}

// AuditedRunner decorates a Runner so mutations can report audit events that
// are emitted only after the surrounding transaction commits. A rolled-back
// transaction emits nothing.
type AuditedRunner struct {
	Runner
	sink AuditSink
}

func NewAuditedRunner(inner Runner, sink AuditSink) *AuditedRunner {
	return &AuditedRunner{Runner: inner, sink: sink}
}

// WithTenantAudited runs fn like WithTenant; events appended to the
// collector are recorded iff the commit succeeds.
func (r *AuditedRunner) WithTenantAudited(ctx context.Context, fn func(tx pgx.Tx, audit *Collector) error) error {
	collector := &Collector{}
	err := r.Runner.WithTenant(ctx, func(tx pgx.Tx) error {
		return fn(tx, collector)
	})
	if err != nil {
		return err
	}
	for _, event := range collector.events {
		r.sink.Record(ctx, event)
	}
	return nil
}

// Collector gathers audit events inside a transaction.
type Collector struct {
	events []AuditEvent
}

// Append queues an event for emission after commit.
func (c *Collector) Append(event AuditEvent) {
	c.events = append(c.events, event)
}

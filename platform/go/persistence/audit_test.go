package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	tenantErr error
}

func (r *stubRunner) WithTenant(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if err := fn(nil); err != nil {
		return err
	}
	return r.tenantErr
}

func (r *stubRunner) WithSchema(ctx context.Context, schema string, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func (r *stubRunner) WithGlobal(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type memorySink struct {
	events []AuditEvent
}

func (s *memorySink) Record(_ context.Context, event AuditEvent) {
	s.events = append(s.events, event)
}

func TestAuditedRunnerEmitsAfterCommit(t *testing.T) {
	sink := &memorySink{}
	runner := NewAuditedRunner(&stubRunner{}, sink)

	err := runner.WithTenantAudited(context.Background(), func(tx pgx.Tx, audit *Collector) error {
		audit.Append(AuditEvent{Action: "fee.collect", Entity: "fee_payment", EntityID: "p-1"})
		audit.Append(AuditEvent{Action: "fee.refund", Entity: "fee_payment", EntityID: "p-1"})
		return nil
	})
	require.NoError(t, err)

	require.Len(t, sink.events, 2)
	assert.Equal(t, "fee.collect", sink.events[0].Action)
	assert.Equal(t, "fee.refund", sink.events[1].Action)
}

func TestAuditedRunnerDropsEventsOnRollback(t *testing.T) {
	sink := &memorySink{}
	runner := NewAuditedRunner(&stubRunner{}, sink)

	err := runner.WithTenantAudited(context.Background(), func(tx pgx.Tx, audit *Collector) error {
		audit.Append(AuditEvent{Action: "user.create", Entity: "user", EntityID: "u-1"})
		return errors.New("constraint violated")
	})
	require.Error(t, err)
	assert.Empty(t, sink.events, "a rolled-back transaction must emit nothing")
}

func TestAuditedRunnerDropsEventsOnCommitFailure(t *testing.T) {
	sink := &memorySink{}
	runner := NewAuditedRunner(&stubRunner{tenantErr: errors.New("commit failed")}, sink)

	err := runner.WithTenantAudited(context.Background(), func(tx pgx.Tx, audit *Collector) error {
		audit.Append(AuditEvent{Action: "user.status_change", Entity: "user", EntityID: "u-1"})
		return nil
	})
	require.Error(t, err)
	assert.Empty(t, sink.events)
}

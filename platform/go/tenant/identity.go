package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tenant school.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusSuspended Status = "suspended"
)

// Identity captures the resolved tenant routing metadata for a request.
// It is immutable after construction: middleware attaches it to the context
// once and nothing downstream mutates it.
type Identity struct {
	ID         uuid.UUID
	SchemaName string
	Slug       string
	Status     Status
	PlanID     *uuid.UUID
}

type ctxKey struct{}

// WithIdentity returns a derived context carrying the tenant Identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the tenant Identity and a boolean indicating presence.
func FromContext(ctx context.Context) (Identity, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

package requesttrace

import (
	"context"
)

type contextKey struct{}

// ActorKind represents who initiated a request.
type ActorKind string

const (
	ActorKindUser      ActorKind = "user"
	ActorKindAnonymous ActorKind = "anonymous"
	ActorKindSystem    ActorKind = "system"
)

// AuditInfo captures request-scoped metadata needed for traceability and
// auditing. UserID is set only when Kind is user; TenantID may be nil on
// public routes.
type AuditInfo struct {
	Kind      ActorKind
	UserID    *string
	TenantID  *string
	RequestID string
}

// IntoContext stores the AuditInfo in the provided context.
func IntoContext(ctx context.Context, audit AuditInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, audit)
}

// FromContext extracts the AuditInfo from context, returning false when not
// present.
func FromContext(ctx context.Context) (AuditInfo, bool) {
	if ctx == nil {
		return AuditInfo{}, false
	}
	v := ctx.Value(contextKey{})
	if v == nil {
		return AuditInfo{}, false
	}
	audit, ok := v.(AuditInfo)
	return audit, ok
}

// FromContextOrAnonymous returns the AuditInfo stored on the context, or an
// anonymous record when absent.
func FromContextOrAnonymous(ctx context.Context) AuditInfo {
	if audit, ok := FromContext(ctx); ok {
		return audit
	}
	return Anonymous("")
}

// Anonymous builds an AuditInfo for unauthenticated requests.
func Anonymous(requestID string) AuditInfo {
	return AuditInfo{Kind: ActorKindAnonymous, RequestID: requestID}
}

// System builds an AuditInfo for internal actors (workers, CLIs).
func System(requestID string) AuditInfo {
	return AuditInfo{Kind: ActorKindSystem, RequestID: requestID}
}

// User builds an AuditInfo for an authenticated principal.
func User(userID, tenantID, requestID string) AuditInfo {
	info := AuditInfo{Kind: ActorKindUser, RequestID: requestID}
	if userID != "" {
		info.UserID = &userID
	}
	if tenantID != "" {
		info.TenantID = &tenantID
	}
	return info
}

package didauth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventIdentityRegistered    ActivityEventType = "identity.registered"
	ActivityEventIdentityLogin         ActivityEventType = "identity.login"
	ActivityEventIdentityPromoted      ActivityEventType = "identity.promoted"
	ActivityEventIdentityUpdated       ActivityEventType = "identity.updated"
	ActivityEventIdentityDeleted       ActivityEventType = "identity.deleted"
	ActivityEventInstanceStatusChanged ActivityEventType = "instance.status.changed"
)

// Actor types recorded on activity events
const (
	ActorTypeIdentity = "identity"
	ActorTypeAdmin    = "admin"
	ActorTypeInternal = "internal"
	ActorTypeSystem   = "system"
)

// ActorRef identifies who/what triggered an action.
type ActorRef struct {
	ID   string
	Type string
}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType   ActivityEventType
	Actor       ActorRef
	IdentityDID string
	FromStatus  InstanceStatus
	ToStatus    InstanceStatus
	Metadata    map[string]any
	OccurredAt  time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, now func() time.Time, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = ActorRef{Type: ActorTypeSystem}
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = now()
	}

	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		normalizeLogger(logger).Warn("activity sink error: %v", err)
	}
}

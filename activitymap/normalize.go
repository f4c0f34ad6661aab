// Package activitymap flattens didauth activity events into a transport
// agnostic record for audit logs and downstream consumers.
package activitymap

import (
	"strings"
	"time"

	didauth "github.com/goliatone/go-didauth"
)

const (
	// MetadataKeyActorType stores the actor type of the event
	MetadataKeyActorType = "actor_type"
	// MetadataKeyFromStatus stores the instance status before a transition
	MetadataKeyFromStatus = "from_status"
	// MetadataKeyToStatus stores the instance status after a transition
	MetadataKeyToStatus = "to_status"
)

const (
	defaultChannel    = "didauth"
	defaultObjectType = "identity"
	defaultActorID    = "system"
)

// Normalized is the flat shape of an activity event
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// KeyValues returns the record as alternating keys and values, the form
// structured loggers take
func (n Normalized) KeyValues() []any {
	args := []any{
		"verb", n.Verb,
		"actor_id", n.ActorID,
		"object_type", n.ObjectType,
		"object_id", n.ObjectID,
		"channel", n.Channel,
		"occurred_at", n.OccurredAt,
	}
	for k, v := range n.Metadata {
		args = append(args, k, v)
	}
	return args
}

// Option customizes normalization behavior
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
}

// Normalize converts an activity event into its flat shape. Events without
// an actor id fall back to the subject DID, then to "system".
func Normalize(event didauth.ActivityEvent, opts ...Option) Normalized {
	options := normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	actorID := firstNonEmpty(
		strings.TrimSpace(event.Actor.ID),
		actorFromSubject(event),
		options.actorFallback,
	)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: options.objectType,
		ObjectID:   strings.TrimSpace(event.IdentityDID),
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt,
	}
}

// WithDefaultChannel sets the channel of normalized records
func WithDefaultChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithDefaultObjectType sets the object type of normalized records
func WithDefaultObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithActorFallback sets the actor id used when nothing else applies
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

// the subject acts on its own identity unless an admin or the
// provisioning side did it
func actorFromSubject(event didauth.ActivityEvent) string {
	if event.Actor.Type == didauth.ActorTypeIdentity {
		return strings.TrimSpace(event.IdentityDID)
	}
	return ""
}

func normalizeMetadata(event didauth.ActivityEvent) map[string]any {
	metadata := make(map[string]any, len(event.Metadata)+3)
	for key, value := range event.Metadata {
		metadata[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := metadata[MetadataKeyActorType]; !exists {
			metadata[MetadataKeyActorType] = actorType
		}
	}
	if event.FromStatus != "" {
		metadata[MetadataKeyFromStatus] = string(event.FromStatus)
	}
	if event.ToStatus != "" {
		metadata[MetadataKeyToStatus] = string(event.ToStatus)
	}

	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// Package message defines the typed envelope model exchanged across the bus.
// Every message kind embeds the shared Envelope and flattens into a single
// JSON object on the wire; the "type" field discriminates the kind when
// decoding.
package message

import (
	"time"

	idspkg "github.com/agentbus/agentbus/internal/runtime/ids"
)

// Type describes the kind of a message.
type Type string

const (
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeError     Type = "error"
	TypeStatus    Type = "status"
	TypeContext   Type = "context"
	TypeHeartbeat Type = "heartbeat"
	TypeControl   Type = "control"
)

// Priority orders dispatch; numerically lower values are delivered first.
type Priority int

const (
	// PriorityCritical is reserved for system-critical traffic.
	PriorityCritical Priority = 1
	// PriorityHigh marks important agent communications.
	PriorityHigh Priority = 2
	// PriorityNormal is the default for standard operations.
	PriorityNormal Priority = 3
	// PriorityLow marks background tasks.
	PriorityLow Priority = 4
	// PriorityDeferred marks work that can be delayed indefinitely.
	PriorityDeferred Priority = 5
)

// Status tracks a message through its delivery lifecycle. The bus reports it
// through hooks and metric labels; it is not part of the wire envelope.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusDeadLetter Status = "dead_letter"
)

// MergeStrategy controls how a context update combines with prior state.
type MergeStrategy string

const (
	MergeReplace MergeStrategy = "replace"
	MergeCombine MergeStrategy = "merge"
	MergeAppend  MergeStrategy = "append"
)

// Wire limits enforced by the validator.
const (
	// MaxMessageBytes caps the serialized size of a publishable message.
	MaxMessageBytes = 1024
	// MaxMetadataBytes caps the serialized size of the metadata map.
	MaxMetadataBytes = 512
	// MaxContextBytes caps the serialized size of a context update payload.
	MaxContextBytes = 10240
)

// Construction defaults.
const (
	DefaultTTLSeconds     int64 = 300
	DefaultMaxRetries           = 3
	DefaultTimeoutSeconds int64 = 30
)

// Envelope carries the delivery attributes shared by every message kind.
type Envelope struct {
	// ID uniquely identifies the message. Generated as a ULID so ids sort
	// by creation time.
	ID string `json:"id"`

	// Type discriminates the concrete kind when decoding.
	Type Type `json:"type"`

	// Sender is the originating agent or component id.
	Sender string `json:"sender"`

	// Recipient is the target agent id. Empty means broadcast.
	Recipient string `json:"recipient,omitempty"`

	// Timestamp is the creation instant in UTC.
	Timestamp time.Time `json:"timestamp"`

	// Priority orders dispatch relative to other queued messages.
	Priority Priority `json:"priority"`

	// TTL is the expiry window in seconds counted from Timestamp. Nil means
	// the message never expires.
	TTL *int64 `json:"ttl,omitempty"`

	// CorrelationID links related messages across a conversation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Metadata carries free-form headers, capped at MaxMetadataBytes when
	// serialized.
	Metadata Metadata `json:"metadata,omitempty"`

	// RetryCount is the number of failed delivery attempts so far.
	RetryCount int `json:"retry_count"`

	// MaxRetries caps redelivery attempts before the message dead-letters.
	MaxRetries int `json:"max_retries"`
}

// Message is implemented by every message kind. Base returns the shared
// envelope; mutations through it are visible to the bus.
type Message interface {
	Base() *Envelope
	Kind() Type
}

// Option adjusts an envelope during construction.
type Option func(*Envelope)

// WithPriority overrides the default PriorityNormal.
func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

// WithRecipient targets the message at a single subscriber id.
func WithRecipient(recipient string) Option {
	return func(e *Envelope) { e.Recipient = recipient }
}

// WithTTL overrides the expiry window in seconds.
func WithTTL(seconds int64) Option {
	return func(e *Envelope) { e.TTL = &seconds }
}

// WithNoExpiry removes the TTL so the message never expires.
func WithNoExpiry() Option {
	return func(e *Envelope) { e.TTL = nil }
}

// WithCorrelationID links the message to a conversation.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithMetadata replaces the metadata map.
func WithMetadata(md Metadata) Option {
	return func(e *Envelope) { e.Metadata = md }
}

// WithMetaValue sets a single metadata entry.
func WithMetaValue(key string, value any) Option {
	return func(e *Envelope) { e.Metadata = e.Metadata.With(key, value) }
}

// WithTopics tags the message with routing topics that subscriptions can
// filter on.
func WithTopics(topics ...string) Option {
	return func(e *Envelope) { e.Metadata = e.Metadata.With(MetaTopics, topics) }
}

// WithMaxRetries overrides the redelivery budget.
func WithMaxRetries(n int) Option {
	return func(e *Envelope) { e.MaxRetries = n }
}

func newEnvelope(t Type, sender string, opts ...Option) Envelope {
	ttl := DefaultTTLSeconds
	env := Envelope{
		ID:         idspkg.CreateULID(),
		Type:       t,
		Sender:     sender,
		Timestamp:  time.Now().UTC(),
		Priority:   PriorityNormal,
		TTL:        &ttl,
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&env)
	}
	return env
}

// Base returns the envelope itself so every kind satisfies Message.
func (e *Envelope) Base() *Envelope { return e }

// Kind returns the type tag.
func (e *Envelope) Kind() Type { return e.Type }

// Expired reports whether the message has outlived its TTL. Messages without
// a TTL never expire.
func (e *Envelope) Expired() bool {
	if e.TTL == nil {
		return false
	}
	return time.Since(e.Timestamp) > time.Duration(*e.TTL)*time.Second
}

// Age returns the time elapsed since the message was created.
func (e *Envelope) Age() time.Duration {
	return time.Since(e.Timestamp)
}

// Broadcast reports whether the message targets every matching subscriber.
func (e *Envelope) Broadcast() bool {
	return e.Recipient == ""
}

// ShouldRetry reports whether the redelivery budget still has room.
func (e *Envelope) ShouldRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// IncrementRetry consumes one redelivery attempt.
func (e *Envelope) IncrementRetry() {
	e.RetryCount++
}

// Topics returns the routing topics the message is tagged with.
func (e *Envelope) Topics() []string {
	return e.Metadata.Topics()
}

package agentbus

import (
	"context"

	runtimepkg "github.com/agentbus/agentbus/internal/runtime"
	configpkg "github.com/agentbus/agentbus/internal/runtime/config"
	errspkg "github.com/agentbus/agentbus/internal/runtime/errors"
	idspkg "github.com/agentbus/agentbus/internal/runtime/ids"
	jsoncodec "github.com/agentbus/agentbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/agentbus/agentbus/internal/runtime/logging"
	messagepkg "github.com/agentbus/agentbus/internal/runtime/message"
	storepkg "github.com/agentbus/agentbus/internal/runtime/store"
)

type (
	Config       = configpkg.Config
	Bus          = runtimepkg.Bus
	Dependencies = runtimepkg.Dependencies
	Producer     = runtimepkg.Producer

	Handler          = runtimepkg.Handler
	SubscribeOption  = runtimepkg.SubscribeOption
	Subscription     = runtimepkg.Subscription
	SubscriptionInfo = runtimepkg.SubscriptionInfo

	// Message model
	Message       = messagepkg.Message
	Envelope      = messagepkg.Envelope
	MessageType   = messagepkg.Type
	MessageStatus = messagepkg.Status
	Priority      = messagepkg.Priority
	MergeStrategy = messagepkg.MergeStrategy
	Metadata      = messagepkg.Metadata
	MessageOption = messagepkg.Option

	Request       = messagepkg.Request
	Response      = messagepkg.Response
	ErrorMessage  = messagepkg.ErrorMessage
	StatusUpdate  = messagepkg.StatusUpdate
	ContextUpdate = messagepkg.ContextUpdate
	Heartbeat     = messagepkg.Heartbeat
	Control       = messagepkg.Control

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	// Metrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot
	LatencyMetrics  = runtimepkg.LatencyMetrics
	ResourceUsage   = runtimepkg.ResourceUsage

	// Snapshot stores
	Store       = storepkg.Store
	FileStore   = storepkg.FileStore
	MemoryStore = storepkg.MemoryStore

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	QueueOverflowError     = errspkg.QueueOverflowError
	MessageCorruptionError = errspkg.MessageCorruptionError
	DeliveryError          = errspkg.DeliveryError
	ConfigValidationError  = errspkg.ConfigValidationError
)

var (
	New            = runtimepkg.New
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	// Subscription filters. WithTopicFilter is the subscription-side
	// counterpart of the WithTopics message option.
	WithTopicFilter       = runtimepkg.WithTopics
	WithMessageTypes      = runtimepkg.WithMessageTypes
	WithPriorityThreshold = runtimepkg.WithPriorityThreshold

	// Delivery lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Message constructors
	NewRequest       = messagepkg.NewRequest
	NewResponse      = messagepkg.NewResponse
	NewResponseTo    = messagepkg.NewResponseTo
	NewErrorMessage  = messagepkg.NewErrorMessage
	NewStatusUpdate  = messagepkg.NewStatusUpdate
	NewContextUpdate = messagepkg.NewContextUpdate
	NewHeartbeat     = messagepkg.NewHeartbeat
	NewControl       = messagepkg.NewControl

	// Message construction options
	WithPriority      = messagepkg.WithPriority
	WithRecipient     = messagepkg.WithRecipient
	WithTTL           = messagepkg.WithTTL
	WithNoExpiry      = messagepkg.WithNoExpiry
	WithCorrelationID = messagepkg.WithCorrelationID
	WithMetadata      = messagepkg.WithMetadata
	WithMetaValue     = messagepkg.WithMetaValue
	WithTopics        = messagepkg.WithTopics
	WithMaxRetries    = messagepkg.WithMaxRetries

	// Validation and wire codec
	ValidateMessage    = messagepkg.Validate
	IsValidMessage     = messagepkg.IsValid
	MarshalMessage     = messagepkg.Marshal
	DecodeMessage      = messagepkg.Decode
	NewMessageOfType   = messagepkg.NewOfType
	MessageSizeBytes   = messagepkg.SizeBytes
	SanitizeStackTrace = messagepkg.SanitizeStackTrace

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrQueueOverflow         = errspkg.ErrQueueOverflow
	ErrMessageCorruption     = errspkg.ErrMessageCorruption
	ErrDelivery              = errspkg.ErrDelivery
	ErrAlreadyStarted        = errspkg.ErrAlreadyStarted
	ErrNotStarted            = errspkg.ErrNotStarted
	ErrUnexpectedMessageType = errspkg.ErrUnexpectedMessageType
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrSubscriberIDRequired  = errspkg.ErrSubscriberIDRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired

	// Snapshot stores
	NewFileStore   = storepkg.NewFileStore
	NewMemoryStore = storepkg.NewMemoryStore

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	CreateULID    = idspkg.CreateULID
	ULIDTimestamp = idspkg.Timestamp
)

// Message types carried in the envelope's "type" field.
const (
	TypeRequest   = messagepkg.TypeRequest
	TypeResponse  = messagepkg.TypeResponse
	TypeError     = messagepkg.TypeError
	TypeStatus    = messagepkg.TypeStatus
	TypeContext   = messagepkg.TypeContext
	TypeHeartbeat = messagepkg.TypeHeartbeat
	TypeControl   = messagepkg.TypeControl
)

// Priorities order dispatch; numerically lower values deliver first.
const (
	PriorityCritical = messagepkg.PriorityCritical
	PriorityHigh     = messagepkg.PriorityHigh
	PriorityNormal   = messagepkg.PriorityNormal
	PriorityLow      = messagepkg.PriorityLow
	PriorityDeferred = messagepkg.PriorityDeferred
)

// Lifecycle states reported through hooks and metric labels.
const (
	StatusPending    = messagepkg.StatusPending
	StatusProcessing = messagepkg.StatusProcessing
	StatusDelivered  = messagepkg.StatusDelivered
	StatusFailed     = messagepkg.StatusFailed
	StatusExpired    = messagepkg.StatusExpired
	StatusDeadLetter = messagepkg.StatusDeadLetter
)

// Merge strategies for context updates.
const (
	MergeReplace = messagepkg.MergeReplace
	MergeCombine = messagepkg.MergeCombine
	MergeAppend  = messagepkg.MergeAppend
)

// Metadata keys the bus reads and writes - use these constants instead of the
// raw strings.
const (
	MetaTopics       = messagepkg.MetaTopics
	MetaDLQReason    = messagepkg.MetaDLQReason
	MetaDLQTimestamp = messagepkg.MetaDLQTimestamp
)

// Wire limits and construction defaults.
const (
	MaxMessageBytes  = messagepkg.MaxMessageBytes
	MaxMetadataBytes = messagepkg.MaxMetadataBytes
	MaxContextBytes  = messagepkg.MaxContextBytes

	DefaultTTLSeconds     = messagepkg.DefaultTTLSeconds
	DefaultMaxRetries     = messagepkg.DefaultMaxRetries
	DefaultTimeoutSeconds = messagepkg.DefaultTimeoutSeconds
)

// Typed adapts a handler for one concrete message kind into a Handler.
// Deliveries of any other kind fail with ErrUnexpectedMessageType; pair it
// with WithMessageTypes unless failing is what you want.
func Typed[T Message](fn func(ctx context.Context, msg T) error) Handler {
	return runtimepkg.Typed(fn)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

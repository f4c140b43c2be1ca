// Package errors defines the error taxonomy shared by the bus runtime.
// Sentinel values classify failures; typed errors carry the detail. Both
// participate in errors.Is so callers can branch on the class without
// losing the cause.
package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	// ErrQueueOverflow signals that a queue rejected a message because it
	// is at capacity. The message was not enqueued.
	ErrQueueOverflow = sterrors.New("agentbus: queue overflow")

	// ErrMessageCorruption signals that a message failed validation at
	// publish time. The message was never enqueued.
	ErrMessageCorruption = sterrors.New("agentbus: message corruption")

	// ErrDelivery signals that a subscriber callback returned an error for
	// one delivery attempt. Delivery errors never reach the publisher; the
	// bus converts them into retry or dead-letter handling.
	ErrDelivery = sterrors.New("agentbus: delivery failed")

	// ErrAlreadyStarted is returned by Start when the dispatch loop is
	// already running.
	ErrAlreadyStarted = sterrors.New("agentbus: bus already started")

	// ErrNotStarted is returned by Stop when the bus was never started.
	ErrNotStarted = sterrors.New("agentbus: bus not started")

	// ErrUnexpectedMessageType is returned by typed handlers when a delivery
	// carries a concrete kind the handler was not built for.
	ErrUnexpectedMessageType = sterrors.New("agentbus: unexpected message type")

	ErrHandlerRequired      = sterrors.New("agentbus: handler function is required")
	ErrSubscriberIDRequired = sterrors.New("agentbus: subscriber id is required")
	ErrLoggerRequired       = sterrors.New("agentbus: logger is required")
	ErrConfigRequired       = sterrors.New("agentbus: configuration is required")
)

// QueueOverflowError reports a Put rejected because the queue is full.
type QueueOverflowError struct {
	Queue    string
	Capacity int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("agentbus: queue %q is full (capacity %d)", e.Queue, e.Capacity)
}

// Is implements errors.Is for QueueOverflowError.
func (e *QueueOverflowError) Is(target error) bool {
	if target == ErrQueueOverflow {
		return true
	}
	_, ok := target.(*QueueOverflowError)
	return ok
}

// MessageCorruptionError reports the validation rules a message violated.
type MessageCorruptionError struct {
	MessageID  string
	Violations []string
}

func (e *MessageCorruptionError) Error() string {
	return fmt.Sprintf("agentbus: message %s rejected: %s", e.MessageID, strings.Join(e.Violations, "; "))
}

// Is implements errors.Is for MessageCorruptionError.
func (e *MessageCorruptionError) Is(target error) bool {
	if target == ErrMessageCorruption {
		return true
	}
	_, ok := target.(*MessageCorruptionError)
	return ok
}

// DeliveryError reports a failed delivery attempt to a single subscriber.
type DeliveryError struct {
	SubscriberID string
	MessageID    string
	Cause        error
}

func (e *DeliveryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agentbus: delivery of %s to %q failed: %v", e.MessageID, e.SubscriberID, e.Cause)
	}
	return fmt.Sprintf("agentbus: delivery of %s to %q failed", e.MessageID, e.SubscriberID)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for DeliveryError.
func (e *DeliveryError) Is(target error) bool {
	if target == ErrDelivery {
		return true
	}
	_, ok := target.(*DeliveryError)
	return ok
}

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("agentbus: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err in a ConfigValidationError. Returns nil
// when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

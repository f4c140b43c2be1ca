package runtime

import (
	"time"

	"github.com/agentbus/agentbus/internal/runtime/logging"
	"github.com/agentbus/agentbus/internal/runtime/message"
)

// DeliveryContext describes one delivery attempt to one subscriber.
type DeliveryContext struct {
	// SubscriberID identifies the subscription receiving the message.
	SubscriberID string
	// Message is the message being delivered. Hooks must not mutate it.
	Message message.Message
	// StartedAt is when the delivery attempt began.
	StartedAt time.Time
	// Duration is how long the handler ran. Only set in OnDeliverDone and
	// OnDeliverError.
	Duration time.Duration
	// Attempt is the message's retry count at delivery time; 0 on the first
	// attempt.
	Attempt int
}

// DeliveryHooks defines callbacks around the delivery lifecycle.
// All hooks are optional - nil hooks are simply not called. Hooks run inline
// on the dispatch path; slow hooks slow the bus.
type DeliveryHooks struct {
	// OnDeliverStart is called before the subscriber's handler is invoked.
	OnDeliverStart func(ctx DeliveryContext)

	// OnDeliverDone is called after the handler returns nil.
	OnDeliverDone func(ctx DeliveryContext)

	// OnDeliverError is called after the handler returns an error or panics.
	OnDeliverError func(ctx DeliveryContext, err error)

	// OnDeadLetter is called when a message is routed to the dead letter
	// queue, including when the DLQ is full and the message is dropped.
	OnDeadLetter func(msg message.Message, reason string)
}

// Merge combines two DeliveryHooks, creating a new DeliveryHooks that calls
// both. The hooks from 'other' are called after the hooks from 'h'.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliverStart: chainDeliveryHooks(h.OnDeliverStart, other.OnDeliverStart),
		OnDeliverDone:  chainDeliveryHooks(h.OnDeliverDone, other.OnDeliverDone),
		OnDeliverError: chainErrorHooks(h.OnDeliverError, other.OnDeliverError),
		OnDeadLetter:   chainDeadLetterHooks(h.OnDeadLetter, other.OnDeadLetter),
	}
}

func chainDeliveryHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainDeadLetterHooks(a, b func(message.Message, string)) func(message.Message, string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(msg message.Message, reason string) {
		a(msg, reason)
		b(msg, reason)
	}
}

// LoggingHooks returns pre-built hooks that log delivery lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDeliverStart: func(ctx DeliveryContext) {
			logger.Debug("delivery started", logging.LogFields{
				"subscriber": ctx.SubscriberID,
				"message_id": ctx.Message.Base().ID,
				"attempt":    ctx.Attempt,
			})
		},
		OnDeliverDone: func(ctx DeliveryContext) {
			logger.Debug("delivery completed", logging.LogFields{
				"subscriber":  ctx.SubscriberID,
				"message_id":  ctx.Message.Base().ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnDeliverError: func(ctx DeliveryContext, err error) {
			logger.Error("delivery failed", err, logging.LogFields{
				"subscriber":  ctx.SubscriberID,
				"message_id":  ctx.Message.Base().ID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"attempt":     ctx.Attempt,
			})
		},
		OnDeadLetter: func(msg message.Message, reason string) {
			logger.Error("message dead-lettered", nil, logging.LogFields{
				"message_id": msg.Base().ID,
				"reason":     reason,
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on delivery
// errors.
func AlertingHooks(alertFunc func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{
		OnDeliverError: alertFunc,
	}
}

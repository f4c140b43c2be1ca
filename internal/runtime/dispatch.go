package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	buserr "github.com/agentbus/agentbus/internal/runtime/errors"
	"github.com/agentbus/agentbus/internal/runtime/logging"
	"github.com/agentbus/agentbus/internal/runtime/message"
)

// Dead letter classifications used as metric labels. The metadata reason
// string carries the detail; labels stay low-cardinality.
const (
	dlqLabelExpired         = "expired"
	dlqLabelNoSubscriber    = "no_subscriber"
	dlqLabelDeliveryFailed  = "delivery_failed"
	dlqLabelRequeueOverflow = "requeue_overflow"
)

// dispatchLoop drains the main queue until ctx is cancelled. Exactly one
// loop runs per started bus; ordering within a priority class depends on it.
func (b *Bus) dispatchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	b.logger.Debug("dispatch loop running", nil)
	for ctx.Err() == nil {
		b.dispatchNext(ctx)
	}
	b.logger.Debug("dispatch loop stopped", nil)
}

// dispatchNext handles at most one message end to end, including any retry
// backoff it incurs. A panic escaping the dispatch path is contained here so
// one poisoned message cannot kill the loop.
func (b *Bus) dispatchNext(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("dispatch recovered from panic", fmt.Errorf("panic: %v", r), nil)
			b.sleep(ctx, b.conf.ErrorBackoff)
		}
	}()

	msg, ok := b.mainQueue.Get()
	if !ok {
		b.sleep(ctx, b.conf.PollInterval)
		return
	}
	b.metrics.SetQueueDepth(queueLabelMain, b.mainQueue.Len())

	if msg.Base().Expired() {
		b.sendToDLQ(msg, "message TTL expired", dlqLabelExpired)
		return
	}

	b.deliver(ctx, msg)
}

// deliver fans the message out to every matching subscription concurrently.
// Delivery counts as successful when at least one handler succeeds; zero
// successes route the message into the retry path.
func (b *Bus) deliver(ctx context.Context, msg message.Message) {
	ctx, span := b.tracer.Start(ctx, "agentbus.deliver")
	defer span.End()
	span.SetAttributes(messageAttributes(msg)...)

	env := msg.Base()
	matching := b.subs.matching(msg)

	if !env.Broadcast() && len(matching) == 0 {
		b.handleDeliveryFailure(ctx, msg, fmt.Sprintf("no subscriber found for recipient: %s", env.Recipient), dlqLabelNoSubscriber)
		return
	}

	start := time.Now()
	results := make(chan error, len(matching))
	for _, sub := range matching {
		sub := sub
		go func() {
			results <- b.deliverToSubscriber(ctx, sub, msg)
		}()
	}

	delivered := 0
	for range matching {
		if err := <-results; err == nil {
			delivered++
		}
	}

	if delivered == 0 {
		b.handleDeliveryFailure(ctx, msg, "no successful deliveries", dlqLabelDeliveryFailed)
		return
	}

	b.metrics.RecordDelivered(delivered, time.Since(start))
	b.logger.Debug("message delivered", logging.LogFields{
		"message_id":  env.ID,
		"subscribers": delivered,
	})
}

// deliverToSubscriber runs one handler invocation with its lifecycle hooks
// and per-subscription bookkeeping.
func (b *Bus) deliverToSubscriber(ctx context.Context, sub *Subscription, msg message.Message) error {
	env := msg.Base()
	dc := DeliveryContext{
		SubscriberID: sub.id,
		Message:      msg,
		StartedAt:    time.Now(),
		Attempt:      env.RetryCount,
	}
	if b.hooks.OnDeliverStart != nil {
		b.hooks.OnDeliverStart(dc)
	}

	err := b.invokeHandler(ctx, sub, msg)
	dc.Duration = time.Since(dc.StartedAt)

	if err != nil {
		sub.recordError()
		b.metrics.RecordDeliveryError(sub.id)
		derr := &buserr.DeliveryError{SubscriberID: sub.id, MessageID: env.ID, Cause: err}
		if b.hooks.OnDeliverError != nil {
			b.hooks.OnDeliverError(dc, derr)
		}
		b.logger.Error("delivery failed", derr, logging.LogFields{
			"subscriber": sub.id,
			"message_id": env.ID,
		})
		return derr
	}

	sub.recordDelivery()
	if b.hooks.OnDeliverDone != nil {
		b.hooks.OnDeliverDone(dc)
	}
	return nil
}

// invokeHandler applies the configured delivery timeout around the handler.
// The handler goroutine is not interruptible; a timed-out handler keeps
// running but its eventual result is discarded.
func (b *Bus) invokeHandler(ctx context.Context, sub *Subscription, msg message.Message) error {
	if b.conf.DeliveryTimeout <= 0 {
		return runHandler(ctx, sub.handler, msg)
	}

	ctx, cancel := context.WithTimeout(ctx, b.conf.DeliveryTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- runHandler(ctx, sub.handler, msg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runHandler converts handler panics into errors so one misbehaving
// subscriber only fails its own delivery.
func runHandler(ctx context.Context, handler Handler, msg message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// handleDeliveryFailure retries the message with linear backoff until its
// retry budget is spent, then dead-letters it. The backoff happens on the
// dispatch goroutine, which throttles the whole bus while a message is
// failing; that is intentional back-pressure.
func (b *Bus) handleDeliveryFailure(ctx context.Context, msg message.Message, reason, label string) {
	b.metrics.RecordFailure()

	env := msg.Base()
	if !env.ShouldRetry() {
		b.sendToDLQ(msg, fmt.Sprintf("max retries exceeded: %s", reason), label)
		return
	}

	env.IncrementRetry()
	b.logger.Debug("retrying message", logging.LogFields{
		"message_id": env.ID,
		"retry":      env.RetryCount,
		"reason":     reason,
	})

	b.sleep(ctx, time.Duration(env.RetryCount)*b.conf.RetryBackoff)

	if err := b.mainQueue.Put(msg); err != nil {
		b.metrics.RecordOverflow(queueLabelMain)
		b.sendToDLQ(msg, fmt.Sprintf("requeue overflow: %s", reason), dlqLabelRequeueOverflow)
		return
	}
	b.metrics.SetQueueDepth(queueLabelMain, b.mainQueue.Len())
}

// sendToDLQ stamps the message with its dead-letter reason and timestamp and
// moves it to the dead letter queue. A full DLQ drops the message; that loss
// is logged and counted as an overflow.
func (b *Bus) sendToDLQ(msg message.Message, reason, label string) {
	env := msg.Base()
	env.Metadata = env.Metadata.WithAll(message.Metadata{
		message.MetaDLQReason:    reason,
		message.MetaDLQTimestamp: time.Now().UTC().Format(time.RFC3339),
	})

	if b.hooks.OnDeadLetter != nil {
		b.hooks.OnDeadLetter(msg, reason)
	}

	if err := b.deadLetter.Put(msg); err != nil {
		b.metrics.RecordOverflow(queueLabelDeadLetter)
		b.logger.Error("dead letter queue full, message lost", err, logging.LogFields{
			"message_id": env.ID,
			"reason":     reason,
		})
		return
	}

	b.metrics.RecordDeadLetter(label, env.RetryCount, env.Age())
	b.metrics.SetQueueDepth(queueLabelDeadLetter, b.deadLetter.Len())

	b.logger.Error("message dead lettered", nil, logging.LogFields{
		"message_id": env.ID,
		"reason":     reason,
		"retries":    env.RetryCount,
	})
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func (b *Bus) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func messageAttributes(msg message.Message) []attribute.KeyValue {
	env := msg.Base()
	return []attribute.KeyValue{
		attribute.String("message.id", env.ID),
		attribute.String("message.type", string(msg.Kind())),
		attribute.Int("message.priority", int(env.Priority)),
		attribute.Int("message.retry_count", env.RetryCount),
	}
}

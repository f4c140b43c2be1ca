package runtime

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/agentbus/agentbus/internal/runtime/config"
	buserr "github.com/agentbus/agentbus/internal/runtime/errors"
	"github.com/agentbus/agentbus/internal/runtime/jsoncodec"
	"github.com/agentbus/agentbus/internal/runtime/logging"
	"github.com/agentbus/agentbus/internal/runtime/message"
	storepkg "github.com/agentbus/agentbus/internal/runtime/store"
)

// Snapshot files written under the persistence directory.
const (
	mainQueueSnapshotFile  = "main_queue.json"
	deadLetterSnapshotFile = "dead_letter.json"
	metricsSnapshotFile    = "metrics.json"
)

// Dependencies holds the optional collaborators a Bus can be constructed
// with. The zero value works; every field has a default.
type Dependencies struct {
	// Hooks receive delivery lifecycle callbacks.
	Hooks DeliveryHooks

	// Registerer receives the Prometheus collectors when metrics are
	// enabled. Nil falls back to the process-wide default registerer.
	Registerer prometheus.Registerer

	// TracerProvider supplies the tracer wrapped around publish and
	// dispatch. Nil falls back to the global provider.
	TracerProvider trace.TracerProvider

	// MainQueueStore, DeadLetterStore, and MetricsStore override the
	// file-backed snapshot stores. Only consulted while persistence is
	// enabled; mainly for tests.
	MainQueueStore  storepkg.Store
	DeadLetterStore storepkg.Store
	MetricsStore    storepkg.Store
}

// Bus is an asynchronous, priority-ordered message bus with at-least-once
// delivery and durable dead-letter handling. Construct it with New, then
// Start it; publishing and subscription management are safe from any
// goroutine while one dispatch goroutine drains the queue.
type Bus struct {
	conf   configpkg.Config
	logger logging.ServiceLogger

	mainQueue    *PersistentQueue
	deadLetter   *PersistentQueue
	subs         *subscriptionRegistry
	metrics      *BusMetrics
	metricsStore storepkg.Store
	hooks        DeliveryHooks
	tracer       trace.Tracer

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	httpServer *http.Server
}

// New constructs a Bus from the configuration. Queue snapshots present under
// the persistence directory are restored immediately, so messages published
// before a crash are dispatchable as soon as Start is called. A persistence
// directory that cannot be prepared degrades the bus to in-memory operation
// rather than failing construction.
func New(conf configpkg.Config, logger logging.ServiceLogger, deps Dependencies) (*Bus, error) {
	if logger == nil {
		return nil, buserr.ErrLoggerRequired
	}

	conf = conf.Normalized()
	if err := conf.Validate(); err != nil {
		return nil, buserr.NewConfigValidationError(err)
	}

	mainStore := deps.MainQueueStore
	dlqStore := deps.DeadLetterStore
	metricsStore := deps.MetricsStore
	if conf.EnablePersistence {
		if mainStore == nil {
			mainStore = openSnapshotStore(logger, conf.PersistenceDir, mainQueueSnapshotFile)
		}
		if dlqStore == nil {
			dlqStore = openSnapshotStore(logger, conf.PersistenceDir, deadLetterSnapshotFile)
		}
		if metricsStore == nil {
			metricsStore = openSnapshotStore(logger, conf.PersistenceDir, metricsSnapshotFile)
		}
	} else {
		mainStore, dlqStore, metricsStore = nil, nil, nil
	}

	metrics := NewBusMetrics(deps.Registerer)
	if conf.MetricsEnabled {
		if err := metrics.Register(); err != nil {
			return nil, fmt.Errorf("agentbus: register metrics: %w", err)
		}
	}

	provider := deps.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	b := &Bus{
		conf:         conf,
		logger:       logger,
		mainQueue:    NewPersistentQueue(queueLabelMain, conf.MaxQueueSize, mainStore, logger),
		deadLetter:   NewPersistentQueue(queueLabelDeadLetter, conf.MaxDeadLetterSize, dlqStore, logger),
		subs:         newSubscriptionRegistry(),
		metrics:      metrics,
		metricsStore: metricsStore,
		hooks:        deps.Hooks,
		tracer:       provider.Tracer("agentbus"),
	}

	b.metrics.SetQueueDepth(queueLabelMain, b.mainQueue.Len())
	b.metrics.SetQueueDepth(queueLabelDeadLetter, b.deadLetter.Len())
	return b, nil
}

// openSnapshotStore prepares one file store under dir. Failures degrade to
// in-memory operation for that queue and are logged, not returned.
func openSnapshotStore(logger logging.ServiceLogger, dir, name string) storepkg.Store {
	st, err := storepkg.NewFileStore(filepath.Join(dir, name))
	if err != nil {
		logger.Error("failed to prepare snapshot store, continuing without persistence", err, logging.LogFields{
			"file": name,
		})
		return nil
	}
	return st
}

// Start launches the dispatch loop and, when configured, the metrics HTTP
// endpoint. Returns ErrAlreadyStarted while the loop is running. Cancelling
// ctx stops dispatch like Stop does, minus the final metrics flush.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return buserr.ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.dispatchLoop(loopCtx, b.done)
	b.startMetricsServer()

	b.logger.Info("message bus started", logging.LogFields{
		"max_queue_size":       b.conf.MaxQueueSize,
		"max_dead_letter_size": b.conf.MaxDeadLetterSize,
		"persistence":          b.conf.EnablePersistence,
	})
	return nil
}

// Stop cancels the dispatch loop, waits for it to exit, then flushes a final
// metrics snapshot. Returns ErrNotStarted when the bus is not running. If ctx
// expires before the loop exits, its error is returned and the flush is
// skipped; the loop still winds down in the background.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return buserr.ErrNotStarted
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	server := b.httpServer
	b.cancel = nil
	b.done = nil
	b.httpServer = nil
	b.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.stopMetricsServer(ctx, server)
	b.flushMetrics()

	b.logger.Info("message bus stopped", nil)
	return nil
}

// Publish validates msg and enqueues it for delivery. A validation failure
// returns a MessageCorruptionError and the message never enqueues; a full
// queue returns a QueueOverflowError.
func (b *Bus) Publish(ctx context.Context, msg message.Message) error {
	return b.publish(ctx, msg, true)
}

// PublishUnvalidated enqueues msg without running the validator. DLQ replay
// uses it so oversized-but-previously-accepted messages can re-enter the
// queue; external callers should prefer Publish.
func (b *Bus) PublishUnvalidated(ctx context.Context, msg message.Message) error {
	return b.publish(ctx, msg, false)
}

func (b *Bus) publish(ctx context.Context, msg message.Message, validate bool) error {
	start := time.Now()
	defer func() {
		// Publish duration is sampled on every path, failures included.
		b.metrics.RecordPublishDuration(time.Since(start))
	}()

	env := msg.Base()

	_, span := b.tracer.Start(ctx, "agentbus.publish")
	defer span.End()
	span.SetAttributes(messageAttributes(msg)...)

	if validate {
		if violations := message.Validate(msg); len(violations) > 0 {
			err := &buserr.MessageCorruptionError{MessageID: env.ID, Violations: violations}
			span.RecordError(err)
			return err
		}
	}

	if err := b.mainQueue.Put(msg); err != nil {
		b.metrics.RecordOverflow(queueLabelMain)
		span.RecordError(err)
		return err
	}

	b.metrics.RecordPublished(msg.Kind())
	b.metrics.SetQueueDepth(queueLabelMain, b.mainQueue.Len())

	b.logger.Debug("message published", logging.LogFields{
		"message_id": env.ID,
		"type":       string(msg.Kind()),
		"priority":   int(env.Priority),
	})
	return nil
}

// Subscribe registers handler under id, replacing any previous registration
// with the same id. Options narrow which messages the subscription receives;
// with no options every message matches.
func (b *Bus) Subscribe(id string, handler Handler, opts ...SubscribeOption) error {
	if id == "" {
		return buserr.ErrSubscriberIDRequired
	}
	if handler == nil {
		return buserr.ErrHandlerRequired
	}

	b.subs.register(newSubscription(id, handler, opts...))
	b.metrics.SetActiveSubscriptions(b.subs.count())

	b.logger.Info("subscriber registered", logging.LogFields{"subscriber": id})
	return nil
}

// Unsubscribe deactivates and removes the subscription. Unknown ids are a
// no-op. Removal is immediate: the subscription cannot match once this
// returns.
func (b *Bus) Unsubscribe(id string) {
	if b.subs.remove(id) {
		b.metrics.SetActiveSubscriptions(b.subs.count())
		b.logger.Info("subscriber unregistered", logging.LogFields{"subscriber": id})
	}
}

// Subscriptions lists every registered subscription sorted by subscriber id.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	return b.subs.infos()
}

// Metrics returns a point-in-time snapshot of bus activity including live
// queue depths and the subscription count.
func (b *Bus) Metrics() MetricsSnapshot {
	snap := b.metrics.Snapshot()
	snap.MainQueueSize = b.mainQueue.Len()
	snap.DeadLetterSize = b.deadLetter.Len()
	snap.ActiveSubscriptions = b.subs.count()
	return snap
}

// DeadLetters lists dead-lettered messages in replay order without removing
// them. limit <= 0 lists everything; offset skips entries from the front.
func (b *Bus) DeadLetters(limit, offset int) []message.Message {
	return b.deadLetter.Items(limit, offset)
}

// PurgeDLQ drops every dead-lettered message and reports how many were
// removed.
func (b *Bus) PurgeDLQ() int {
	dropped := b.deadLetter.Clear()
	if dropped > 0 {
		b.metrics.RecordPurged(dropped)
	}
	b.metrics.SetQueueDepth(queueLabelDeadLetter, b.deadLetter.Len())

	if dropped > 0 {
		b.logger.Info("purged dead letter queue", logging.LogFields{"count": dropped})
	}
	return dropped
}

// ReplayDLQ drains up to limit messages from the dead letter queue back onto
// the bus; limit <= 0 drains everything. Each replayed message has its retry
// budget restored and its DLQ metadata stripped, and skips validation on the
// way back in. Returns the number replayed; when a republish fails the
// message is returned to the DLQ and the count so far is returned with the
// error.
func (b *Bus) ReplayDLQ(ctx context.Context, limit int) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if limit > 0 && count >= limit {
			break
		}

		msg, ok := b.deadLetter.Get()
		if !ok {
			break
		}

		env := msg.Base()
		env.RetryCount = 0
		env.Metadata = env.Metadata.Without(message.MetaDLQReason, message.MetaDLQTimestamp)

		if err := b.PublishUnvalidated(ctx, msg); err != nil {
			if putErr := b.deadLetter.Put(msg); putErr != nil {
				b.logger.Error("replay failed and dead letter queue rejected the message, message lost", putErr, logging.LogFields{
					"message_id": env.ID,
				})
			}
			b.metrics.SetQueueDepth(queueLabelDeadLetter, b.deadLetter.Len())
			return count, err
		}

		b.metrics.RecordReplayed()
		count++
	}

	b.metrics.SetQueueDepth(queueLabelDeadLetter, b.deadLetter.Len())
	if count > 0 {
		b.logger.Info("replayed messages from dead letter queue", logging.LogFields{"count": count})
	}
	return count, nil
}

// flushMetrics writes the final snapshot to the metrics store. Failures are
// logged; shutdown proceeds regardless.
func (b *Bus) flushMetrics() {
	if b.metricsStore == nil {
		return
	}

	data, err := jsoncodec.MarshalIndent(b.Metrics(), "", "  ")
	if err != nil {
		b.logger.Error("failed to encode metrics snapshot", err, nil)
		return
	}
	if err := b.metricsStore.Save(data); err != nil {
		b.logger.Error("failed to persist metrics snapshot", err, nil)
	}
}

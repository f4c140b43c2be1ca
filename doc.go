// Package agentbus is an asynchronous, priority-ordered message bus for
// multi-agent pipelines. Publish validates a message and enqueues it; a single
// dispatch goroutine drains the queue in (priority, arrival) order and fans
// each message out concurrently to every matching subscription. A delivery
// with zero successful handlers retries with a linear backoff until the retry
// budget is exhausted, then lands in a durable dead-letter queue that can be
// inspected, purged, or replayed.
//
// The Bus is an explicitly constructed instance: New(cfg, logger, deps) builds
// it, Start launches dispatch, Stop winds it down and flushes a final metrics
// snapshot. Messages are built with typed constructors (NewRequest,
// NewResponse, NewErrorMessage, NewStatusUpdate, NewContextUpdate,
// NewHeartbeat, NewControl) and functional options for priority, TTL,
// recipient, correlation, and topics. Subscriptions filter by topic, message
// type, and priority threshold; Typed and the SubscribeRequests family narrow
// a handler to a single message kind. A minimal setup therefore involves
// filling Config, creating a Bus, subscribing handlers, and calling Start.
//
// # Persistence
//
// With EnablePersistence set, both queues snapshot to JSON files under
// PersistenceDir after every mutation using write-temp-then-rename, and a
// restarted process restores them on construction:
//   - main_queue.json: pending messages in queue order
//   - dead_letter.json: dead-lettered messages with reason metadata
//   - metrics.json: final counters, flushed on Stop
//
// # Observability
//
// Prometheus collectors cover publishes, deliveries, failures, overflows,
// queue depths, and dead-letter traffic; OpenTelemetry spans wrap publish and
// dispatch. Setting MetricsPort serves /metrics for scrapes plus /api/metrics,
// /api/subscriptions, and /api/deadletters for JSON introspection.
//
// # Delivery Hooks
//
// DeliveryHooks provides OnDeliverStart, OnDeliverDone, OnDeliverError, and
// OnDeadLetter callbacks for custom logging, metrics collection, and alerting
// around handler execution. Hooks merge, so several concerns can observe the
// same bus; LoggingHooks is the prebuilt starting point.
package agentbus

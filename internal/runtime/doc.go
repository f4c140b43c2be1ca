/*
Package runtime provides the core message bus infrastructure for agentbus.

# Architecture Overview

The runtime package implements a single-process, priority-ordered message bus
with at-least-once delivery. Messages flow publish → queue → dispatch →
deliver; failed deliveries are retried with a linear backoff and eventually
demoted to a durable dead-letter queue.

# Package Structure

The runtime package is organized into the following components:

## Bus Core (bus.go)

The Bus struct is the central orchestrator that wires together:
  - Main and dead-letter priority queues with optional snapshots
  - Subscription registry with per-subscriber filters
  - Prometheus metrics collection and OpenTelemetry tracing
  - Optional HTTP server for scrapes and introspection
  - Dead-letter inspection, replay, and purge

## Dispatch (dispatch.go)

A single background goroutine pops the highest-priority, oldest message and
fans it out concurrently to every matching subscription:
  - Expired messages dead-letter immediately
  - A delivery succeeds when at least one subscriber handler returns nil
  - Zero successes consume one retry; the message re-enqueues after
    retry-count times the configured backoff
  - Exhausted messages dead-letter with a stamped reason and timestamp
  - Handler panics are contained and counted as delivery errors

## Subscriptions (subscription.go, typed.go)

Subscribe registers a handler keyed by subscriber id with optional topic,
message-type, and priority-threshold filters. Typed adapters (Typed,
SubscribeRequests, ...) narrow handlers to a single message kind.

## Queues & Persistence (queue.go, store/)

PersistentQueue orders entries by (priority, arrival sequence) and, when
persistence is enabled, writes a versioned JSON snapshot after every mutation
using write-temp-then-rename. On construction an existing snapshot is
rebuilt; undecodable entries are skipped and logged.

## Stats & Monitoring (metrics.go, resources.go, http.go)

BusMetrics tracks counters, a rolling latency window, and a one-second
throughput window, mirrored into Prometheus collectors. The snapshot is
flushed to metrics.json on Stop. When MetricsPort is set, /metrics serves
scrapes and /api/* serves JSON introspection.

## Producing (producer.go)

Producer binds a sender id and exposes typed publish helpers (Request,
Respond, ReportError, ReportStatus, ShareContext, Heartbeat).

# Sub-packages

  - config/: Bus configuration with validation and TOML loading
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - message/: Typed envelope model, validation, and codec
  - store/: Snapshot store implementations (file, memory)

# Usage Example

	cfg := config.Default()
	cfg.PersistenceDir = "data/agentbus"
	cfg.MetricsPort = 9090

	bus, err := runtime.New(cfg, logger, runtime.Dependencies{})
	if err != nil {
		return err
	}

	bus.Subscribe("worker", func(ctx context.Context, msg message.Message) error {
		return process(msg)
	}, runtime.WithTopics("jobs"))

	bus.Start(ctx)
	defer bus.Stop(context.Background())

	bus.Publish(ctx, message.NewRequest("planner", "generate_sql", payload,
		message.WithRecipient("worker")))
*/
package runtime

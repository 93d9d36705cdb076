/*
Package runtime wires the queue infrastructure shared by the record service
and the message consumer.

# Architecture Overview

A Service owns one transport (publisher and subscriber built through the
transport registry), a Watermill router carrying the middleware chain, and a
queue.Client bound to the configured queue. Both processes build a Service
from the same Config:

  - the record service asks it for a Producer (or calls NewEventSender, which
    degrades to a no-op sender when the queue is not configured)
  - the consumer asks it for a lifecycle.Host running a consumer.Processor

# Package Structure

## Core Service (service.go)

NewService validates the configuration, builds the transport, applies the
default middlewares and creates the queue client with the dead-letter topic
and concurrency limit. Settings the selected transport cannot honour are
logged as warnings.

## Middleware (middleware.go)

The router middleware chain, outermost first:
  - CorrelationID: ensures every delivery carries a correlation id
  - LogMessages: debug logging of payload and metadata
  - Tracer: OpenTelemetry consumer span per delivery
  - Metrics: Watermill Prometheus router metrics
  - Recoverer: last-resort panic recovery

Retries and poison queues are intentionally absent: the consumer finalizes
each delivery itself.

## Admin API (admin.go)

Mount registers /health, /api/health, /metrics and the /api/admin routes for
queue status and dead-letter inspection, redrive and purge on transports that
store dead letters.

# Sub-packages

  - config/: configuration loading and validation
  - consumer/: the receive, process and finalize state machine
  - envelope/: the record event wire format
  - errors/: sentinel errors and error types
  - health/: liveness endpoints
  - ids/: ULID generation for message ids
  - jsoncodec/: JSON encoding
  - lifecycle/: hosted start and stop of the consumer
  - logging/: logger interface and adapters
  - metadata/: message metadata keys
  - producer/: one-shot event publishing
  - queue/: the peek-lock queue client

# Usage Example

	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	host, err := svc.Consumer(handler)
	if err != nil {
		return err
	}
	return host.Start(ctx)
*/
package runtime

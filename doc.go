// Package recordflow moves record change events from a producing service to a
// consumer over a peek-lock queue with explicit completion and dead-lettering.
//
// Config selects the transport (channel, rabbitmq, kafka, nats, jetstream,
// aws/sqs or postgres). NewService builds it, wraps it in a Watermill router
// with the default middleware chain and binds a queue client to QueueName.
// From there the write side asks for a Producer (or NewEventSender, which
// degrades to a no-op sender when the queue is not configured) and the read
// side asks for a consumer Host running the processing state machine:
//
//	Received -> Locked -> Processing -> Completed | DeadLettered | LockLost
//
// Every delivery is finalized exactly once. Bodies that do not decode are
// dead-lettered as DeserializationFailed, handler errors and panics as
// ProcessingFailed, and deliveries above MaxDeliveryCount as
// MaxDeliveryCountExceeded. A failed Complete or DeadLetter leaves the message
// to reappear after its lock expires.
//
// # Transports
//
//   - channel: in-memory queue with lock expiry, for tests and local runs
//   - rabbitmq: durable AMQP queues
//   - kafka: consumer group subscriptions
//   - nats: core NATS
//   - jetstream: explicit ack with AckWait locks and delivery counts
//   - aws: SQS with LocalStack support
//   - postgres: SKIP LOCKED queue table with a native dead-letter table
//
// Transports without native dead-lettering receive a copy of the message on
// "<queue>.deadletter" carrying the reason and description as metadata.
//
// # Hooks and metrics
//
// JobHooks observe each handler invocation; LoggingHooks and MetricsHooks are
// provided. Consumer outcomes, dead-letter counts and Watermill router
// metrics are exported to Prometheus when MetricsEnabled is set.
package recordflow

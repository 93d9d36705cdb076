package metadata

// Metadata keys written and read by recordflow. They travel as transport
// headers next to the envelope body.
const (
	// KeyCorrelationID tracks related messages across services.
	KeyCorrelationID = "correlation_id"

	// KeyEventType mirrors the envelope eventType so routing and metrics do not
	// need to decode the body.
	KeyEventType = "event_type"

	// KeyContentType is always "application/json" for envelopes.
	KeyContentType = "content_type"

	// KeyEnqueuedAt records when the producer handed the message to the transport.
	KeyEnqueuedAt = "recordflow_enqueued_at"

	// KeyDeliveryCount is set by transports that track delivery attempts (1-based).
	KeyDeliveryCount = "delivery_count"

	// KeyAMQPDeliveryCount is the header RabbitMQ quorum queues attach on redelivery.
	KeyAMQPDeliveryCount = "x-delivery-count"

	// Dead-letter annotations.
	KeyDeadLetterReason      = "dead_letter_reason"
	KeyDeadLetterDescription = "dead_letter_description"
	KeyDeadLetteredAt        = "dead_lettered_at"
	KeyDeadLetterSource      = "dead_letter_source_queue"
)

// ContentTypeJSON is the content type of every envelope.
const ContentTypeJSON = "application/json"

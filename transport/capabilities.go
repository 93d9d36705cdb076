package transport

// Capabilities describes what a backend guarantees. The consumer service uses
// it to warn about settings the backend cannot honour.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// SupportsAck and SupportsNack together mean at-least-once delivery with
	// explicit completion.
	SupportsAck  bool
	SupportsNack bool

	// SupportsNativeDLQ means dead-letters are kept by the backend itself
	// (the subscriber implements DeadLetterer).
	SupportsNativeDLQ bool

	// TracksDeliveryCount means messages carry a delivery_count header, which
	// the consumer needs to bound redelivery.
	TracksDeliveryCount bool

	// SupportsLockExpiry means an abandoned or stuck delivery becomes visible
	// again only after its lock expires rather than immediately.
	SupportsLockExpiry bool

	// SupportsOrdering means delivery order follows send order per partition.
	SupportsOrdering bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresDLQEmulation returns true when dead-letters must be published to a
// separate topic.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true for at-least-once backends.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:                "channel",
		SupportsAck:         true,
		SupportsNack:        true,
		TracksDeliveryCount: true,
		SupportsLockExpiry:  true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		MaxMessageSize:   1048576,
	}

	// RabbitMQ only reports x-delivery-count on quorum queues.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsAck:    true,
		SupportsNack:   true,
		MaxMessageSize: 1048576,
	}

	JetStreamCapabilities = Capabilities{
		Name:                "jetstream",
		SupportsAck:         true,
		SupportsNack:        true,
		TracksDeliveryCount: true,
		SupportsLockExpiry:  true,
		SupportsOrdering:    true,
		MaxMessageSize:      1048576,
	}

	AWSCapabilities = Capabilities{
		Name:               "aws",
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsLockExpiry: true,
		MaxMessageSize:     262144,
	}

	PostgresCapabilities = Capabilities{
		Name:                "postgres",
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsNativeDLQ:   true,
		TracksDeliveryCount: true,
		SupportsLockExpiry:  true,
		SupportsOrdering:    true,
	}
)

// GetCapabilities returns the capabilities registered for transportName in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}

// Package transport defines how queue backends plug into recordflow. Each
// backend lives in its own sub-package and registers a Builder with the
// registry; the transports sub-package imports all of them.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a Builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config. logger should be the observed
// Watermill adapter so connectivity faults reach the consumer error handler.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports need without depending on the full
// config package.
type Config interface {
	GetPubSubSystem() string
	// GetConnectionString is the broker URL or, for Kafka, a broker list.
	GetConnectionString() string
	GetLockDuration() time.Duration
	GetMaxDeliveryCount() int

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetJetStreamStream() string

	GetAWSRegion() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DeadLetterer is implemented by subscribers that keep dead-lettered messages
// themselves. The queue client prefers it over publishing to a dead-letter topic.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, topic string, msg *message.Message, reason, description string) error
}

// Completer is implemented by subscribers that can remove a delivered message
// synchronously and tell whether its lock was still held. It returns an error
// wrapping ErrLockLost when the lock expired first. The caller acks msg
// afterwards.
type Completer interface {
	Complete(ctx context.Context, topic string, msg *message.Message) error
}

// ErrLockLost reports a finalize call on a delivery whose lock expired or was
// taken over by another receiver.
var ErrLockLost = errors.New("transport: lock expired or taken by another receiver")

// DeadLetterStore is implemented by transports whose dead-letters can be
// inspected and redriven.
type DeadLetterStore interface {
	CountDeadLetters(ctx context.Context, topic string) (int64, error)
	ListDeadLetters(ctx context.Context, topic string, limit, offset int) ([]DeadLetter, error)
	Redrive(ctx context.Context, id int64) error
	Purge(ctx context.Context, topic string) (int64, error)
}

// ErrDeadLetterNotFound is returned by DeadLetterStore.Redrive for unknown ids.
var ErrDeadLetterNotFound = errors.New("transport: dead letter not found")

// DeadLetter is a message parked in a DeadLetterStore.
type DeadLetter struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	Reason        string            `json:"reason"`
	Description   string            `json:"description"`
	DeliveryCount int               `json:"delivery_count"`
	FailedAt      time.Time         `json:"failed_at"`
}

// QueueIntrospector is implemented by transports that can report queue depth.
type QueueIntrospector interface {
	PendingCount(ctx context.Context, topic string) (int64, error)
}

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/recordflow/internal/runtime/metadata"
)

// Disposition is the final outcome recorded on a Delivery.
type Disposition int

const (
	// Pending means the delivery is still locked and not finalized.
	Pending Disposition = iota
	Completed
	DeadLettered
	// Abandoned means the delivery was released without finalization and will
	// be redelivered by the transport.
	Abandoned
)

func (d Disposition) String() string {
	switch d {
	case Pending:
		return "Pending"
	case Completed:
		return "Completed"
	case DeadLettered:
		return "DeadLettered"
	case Abandoned:
		return "Abandoned"
	default:
		return "Unknown"
	}
}

// Delivery is one delivery attempt of one message. The message stays locked
// (invisible to other receivers) until it is completed, dead-lettered or
// abandoned, or until the transport lock expires.
type Delivery struct {
	msg        *message.Message
	queue      string
	receivedAt time.Time

	mu          sync.Mutex
	finalizing  bool
	disposition Disposition
}

// NewDelivery wraps a received message. Transports and tests use it; the
// Client creates one per received message.
func NewDelivery(msg *message.Message, queue string) *Delivery {
	return &Delivery{msg: msg, queue: queue, receivedAt: time.Now()}
}

// ID is the transport message id, distinct from the envelope id.
func (d *Delivery) ID() string { return d.msg.UUID }

// Body is the raw message payload.
func (d *Delivery) Body() []byte { return d.msg.Payload }

// Queue is the entity the message was received from.
func (d *Delivery) Queue() string { return d.queue }

func (d *Delivery) ReceivedAt() time.Time { return d.receivedAt }

// Metadata returns a copy of the transport headers.
func (d *Delivery) Metadata() metadatapkg.Metadata {
	return metadatapkg.FromWatermill(d.msg.Metadata)
}

// DeliveryCount is the 1-based delivery attempt when the transport tracks it.
func (d *Delivery) DeliveryCount() (int, bool) {
	return metadatapkg.FromWatermill(d.msg.Metadata).DeliveryCount()
}

// Context is the context the transport attached to the message.
func (d *Delivery) Context() context.Context { return d.msg.Context() }

// Message exposes the underlying Watermill message.
func (d *Delivery) Message() *message.Message { return d.msg }

// Disposition reports how the delivery was finalized so far.
func (d *Delivery) Disposition() Disposition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposition
}

// Finalized reports whether Complete, DeadLetter or Abandon succeeded.
func (d *Delivery) Finalized() bool {
	return d.Disposition() != Pending
}

// begin reserves the delivery for a finalize call. Only one finalize call can
// be in progress and only one can succeed.
func (d *Delivery) begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposition != Pending || d.finalizing {
		return errspkg.ErrAlreadyFinalized
	}
	d.finalizing = true
	return nil
}

// end releases the reservation and records the outcome when ok.
func (d *Delivery) end(outcome Disposition, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalizing = false
	if ok {
		d.disposition = outcome
	}
}

// ack acknowledges the underlying message and records outcome.
func (d *Delivery) ack(outcome Disposition) error {
	if !d.msg.Ack() {
		d.end(outcome, false)
		return errspkg.ErrAlreadyFinalized
	}
	d.end(outcome, true)
	return nil
}

// abandon releases the lock without finalizing so the transport redelivers.
// It is a no-op on finalized deliveries.
func (d *Delivery) abandon() bool {
	if err := d.begin(); err != nil {
		return false
	}
	d.msg.Nack()
	d.end(Abandoned, true)
	return true
}

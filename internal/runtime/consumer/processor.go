// Package consumer turns queue deliveries into business handler calls and
// finalizes each delivery exactly once: completed on success, dead-lettered on
// a malformed body, a handler failure or too many delivery attempts.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/drblury/recordflow/internal/runtime/envelope"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/queue"
)

// Options configures a Processor.
type Options struct {
	// MaxDeliveryCount dead-letters deliveries whose transport-reported attempt
	// number exceeds it. Zero or less disables the bound.
	MaxDeliveryCount int
	Hooks            JobHooks
	Observers        []Observer
}

// Outcome is the result of handling one delivery.
type Outcome struct {
	Queue         string
	MessageID     string
	EnvelopeID    string
	EventType     envelope.EventType
	DeliveryCount int
	State         State
	// Reason and Description are set for dead-letter attempts, including
	// attempts that ended in LockLost.
	Reason      string
	Description string
	// Err is the processing, deserialization or finalization error, if any.
	Err      error
	Duration time.Duration
}

// Processor is the message and error handler registered on a queue.Transport.
type Processor struct {
	transport queue.Transport
	handler   Handler
	logger    loggingpkg.ServiceLogger
	opts      Options
}

// NewProcessor builds a Processor. Call Register to attach it to the transport.
func NewProcessor(tr queue.Transport, h Handler, logger loggingpkg.ServiceLogger, opts Options) (*Processor, error) {
	if tr == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if h == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Processor{transport: tr, handler: h, logger: logger, opts: opts}, nil
}

// Register installs the message and error handlers on the transport.
func (p *Processor) Register() error {
	if err := p.transport.RegisterMessageHandler(p.HandleMessage); err != nil {
		return err
	}
	p.transport.RegisterErrorHandler(p.HandleError)
	return nil
}

// HandleMessage matches queue.MessageHandler. It returns nothing; the
// Outcome of each delivery is reported to Options.Observers.
func (p *Processor) HandleMessage(ctx context.Context, d *queue.Delivery) {
	p.Process(ctx, d)
}

// Process runs the state machine for d and returns how it ended. Errors never
// escape: they end up in the Outcome and the logs.
func (p *Processor) Process(ctx context.Context, d *queue.Delivery) (out Outcome) {
	if ctx == nil {
		ctx = context.Background()
	}
	out = Outcome{
		Queue:     d.Queue(),
		MessageID: d.ID(),
		State:     Received,
	}
	out.DeliveryCount, _ = d.DeliveryCount()
	log := p.logger.With(loggingpkg.LogFields{
		"queue":          out.Queue,
		"message_id":     out.MessageID,
		"delivery_count": out.DeliveryCount,
	})
	defer func() {
		out.Duration = time.Since(d.ReceivedAt())
		p.observe(out)
	}()

	// The transport hands deliveries over already locked.
	out.State = Locked
	log.Debug("Message received", nil)

	if limit := p.opts.MaxDeliveryCount; limit > 0 && out.DeliveryCount > limit {
		description := fmt.Sprintf("Delivery count %d exceeds the maximum of %d", out.DeliveryCount, limit)
		log.Warn("Message exceeded max delivery count", loggingpkg.LogFields{"max_delivery_count": limit})
		p.deadLetter(ctx, d, &out, log, ReasonMaxDeliveryCountExceeded, description)
		return out
	}

	env, err := envelope.Decode(d.Body())
	if err != nil {
		out.Err = errspkg.DeserializationError{MessageID: out.MessageID, Err: err}
		log.Error("Failed to deserialize message", out.Err, nil)
		p.deadLetter(ctx, d, &out, log, ReasonDeserializationFailed, descriptionDeserializationFailed)
		return out
	}
	out.EnvelopeID = env.ID
	out.EventType = env.EventType
	log = log.With(loggingpkg.LogFields{"envelope_id": env.ID, "event_type": string(env.EventType)})

	out.State = Processing
	ctx = WithDeliveryInfo(ctx, DeliveryInfo{
		Queue:         out.Queue,
		MessageID:     out.MessageID,
		DeliveryCount: out.DeliveryCount,
	})
	job := JobContext{
		Queue:         out.Queue,
		MessageID:     out.MessageID,
		EnvelopeID:    env.ID,
		EventType:     env.EventType,
		Metadata:      d.Metadata(),
		Context:       ctx,
		StartedAt:     time.Now(),
		DeliveryCount: out.DeliveryCount,
	}
	p.opts.Hooks.start(job)

	err = p.invoke(ctx, env)
	job.Duration = time.Since(job.StartedAt)
	if err != nil {
		p.opts.Hooks.failed(job, err)
		out.Err = errspkg.ProcessingError{EnvelopeID: env.ID, Err: err}
		log.Error("Error processing message", err, nil)
		p.deadLetter(ctx, d, &out, log, ReasonProcessingFailed, err.Error())
		return out
	}
	p.opts.Hooks.done(job)

	if err := p.transport.Complete(ctx, d); err != nil {
		p.lockLost(&out, log, err)
		return out
	}
	out.State = Completed
	log.Debug("Message completed", nil)
	return out
}

// HandleError matches queue.ErrorHandler. Faults are logged and never stop
// message pumping.
func (p *Processor) HandleError(_ context.Context, err errspkg.TransportError) {
	p.logger.Error("Message handler encountered an exception", err.Err, loggingpkg.LogFields{
		"error_source": err.Source,
		"entity_path":  err.EntityPath,
	})
	for _, o := range p.opts.Observers {
		o.ObserveTransportError(err)
	}
}

func (p *Processor) invoke(ctx context.Context, env envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Handler panicked", nil, loggingpkg.LogFields{
				"envelope_id": env.ID,
				"panic":       fmt.Sprint(r),
				"stack":       string(debug.Stack()),
			})
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler.ProcessEvent(ctx, env)
}

func (p *Processor) deadLetter(ctx context.Context, d *queue.Delivery, out *Outcome, log loggingpkg.ServiceLogger, reason, description string) {
	out.Reason = reason
	out.Description = description
	if err := p.transport.DeadLetter(ctx, d, reason, description); err != nil {
		p.lockLost(out, log, err)
		return
	}
	out.State = DeadLettered
	log.Warn("Message dead-lettered", loggingpkg.LogFields{
		"reason":      reason,
		"description": description,
	})
}

func (p *Processor) lockLost(out *Outcome, log loggingpkg.ServiceLogger, err error) {
	out.State = LockLost
	var fin errspkg.FinalizationError
	if !errors.As(err, &fin) {
		action := "complete"
		if out.Reason != "" {
			action = "dead-letter"
		}
		err = errspkg.FinalizationError{Action: action, MessageID: out.MessageID, Err: err}
	}
	if out.Err != nil {
		out.Err = errors.Join(out.Err, err)
	} else {
		out.Err = err
	}
	log.Error("Failed to finalize message; it will be redelivered after the lock expires", err, loggingpkg.LogFields{
		"reason": out.Reason,
	})
}

func (p *Processor) observe(out Outcome) {
	for _, o := range p.opts.Observers {
		o.ObserveOutcome(out)
	}
}

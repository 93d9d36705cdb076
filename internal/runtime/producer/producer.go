// Package producer hands domain events to the queue transport.
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	"github.com/drblury/recordflow/internal/runtime/envelope"
	idspkg "github.com/drblury/recordflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/internal/runtime/queue"
)

const tracerName = "github.com/drblury/recordflow/producer"

// EventSender is what the write path depends on. Producer and Noop satisfy it.
type EventSender interface {
	Send(ctx context.Context, env envelope.Envelope) error
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that Send copies into the
// message metadata. Without one Send generates a fresh id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Option configures a Producer.
type Option func(*Producer)

// WithMetrics records send outcomes.
func WithMetrics(m *Metrics) Option {
	return func(p *Producer) { p.metrics = m }
}

// WithTracer overrides the otel tracer, which defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Producer) { p.tracer = t }
}

// Producer serializes envelopes and sends them through a queue.Sender. It
// attempts exactly one send per call and never retries.
type Producer struct {
	sender  queue.Sender
	logger  loggingpkg.ServiceLogger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

// New builds a Producer on top of sender.
func New(sender queue.Sender, logger loggingpkg.ServiceLogger, opts ...Option) (*Producer, error) {
	if sender == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	p := &Producer{
		sender: sender,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Send encodes env and transmits it with a fresh transport message id.
func (p *Producer) Send(ctx context.Context, env envelope.Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}
	msg, err := p.newMessage(ctx, env)
	if err != nil {
		p.metrics.observe(env.EventType, err)
		return err
	}

	ctx, span := p.tracer.Start(ctx, "recordflow.producer.send", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("recordflow.envelope_id", env.ID),
			attribute.String("recordflow.event_type", string(env.EventType)),
			attribute.String("messaging.message.id", msg.UUID),
		))
	defer span.End()

	err = p.sender.Send(ctx, msg)
	p.metrics.observe(env.EventType, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("send envelope %s: %w", env.ID, err)
	}

	p.logger.Debug("Envelope sent", loggingpkg.LogFields{
		"envelope_id": env.ID,
		"event_type":  string(env.EventType),
		"message_id":  msg.UUID,
	})
	return nil
}

func (p *Producer) newMessage(ctx context.Context, env envelope.Envelope) (*message.Message, error) {
	body, err := envelope.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata.Set(metadatapkg.KeyEventType, string(env.EventType))
	msg.Metadata.Set(metadatapkg.KeyContentType, metadatapkg.ContentTypeJSON)
	msg.Metadata.Set(metadatapkg.KeyEnqueuedAt, p.now().UTC().Format(time.RFC3339Nano))

	correlationID := correlationIDFrom(ctx)
	if correlationID == "" {
		correlationID = idspkg.CreateULID()
	}
	middleware.SetCorrelationID(correlationID, msg)
	return msg, nil
}

// Noop stands in for a Producer when the queue is not configured. Every send
// is skipped and reported as successful.
type Noop struct {
	logger loggingpkg.ServiceLogger
}

// NewNoop logs the reason sending is disabled once, at warning level.
func NewNoop(logger loggingpkg.ServiceLogger, reason error) *Noop {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	if reason == nil {
		reason = errspkg.ErrProducerDisabled
	}
	logger.Warn("Queue producer is not configured; events will not be sent", loggingpkg.LogFields{
		"reason": reason.Error(),
	})
	return &Noop{logger: logger}
}

func (n *Noop) Send(_ context.Context, env envelope.Envelope) error {
	n.logger.Debug("Skipping event send; producer disabled", loggingpkg.LogFields{
		"envelope_id": env.ID,
		"event_type":  string(env.EventType),
	})
	return nil
}

// Metrics counts sends by event type and result.
type Metrics struct {
	sends *prometheus.CounterVec
}

// NewMetrics registers the producer counters on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordflow",
			Subsystem: "producer",
			Name:      "sends_total",
			Help:      "Envelopes handed to the queue transport, by event type and result.",
		}, []string{"event_type", "result"}),
	}
	if reg != nil {
		if err := reg.Register(m.sends); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(eventType envelope.EventType, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.sends.WithLabelValues(string(eventType), result).Inc()
}

package consumer

import (
	"context"
	"time"

	"github.com/drblury/recordflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/recordflow/internal/runtime/metadata"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	Queue      string
	MessageID  string
	EnvelopeID string
	EventType  envelope.EventType
	Metadata   metadatapkg.Metadata
	Context    context.Context
	StartedAt  time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// DeliveryCount is zero when the transport does not track attempts.
	DeliveryCount int
}

// JobHooks are called around the business handler. Nil hooks are skipped.
// Hooks run only for deliveries that reach the handler.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h JobHooks) start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

func (h JobHooks) done(ctx JobContext) {
	if h.OnJobDone != nil {
		h.OnJobDone(ctx)
	}
}

func (h JobHooks) failed(ctx JobContext, err error) {
	if h.OnJobError != nil {
		h.OnJobError(ctx, err)
	}
}

// LoggingHooks logs handler start at debug level and the result at info or error.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"queue":          ctx.Queue,
			"message_id":     ctx.MessageID,
			"envelope_id":    ctx.EnvelopeID,
			"event_type":     string(ctx.EventType),
			"delivery_count": ctx.DeliveryCount,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks forwards job events to counters keyed by queue and event type.
func MetricsHooks(onStart, onDone, onError func(queue string, eventType envelope.EventType)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Queue, ctx.EventType)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Queue, ctx.EventType)
			}
		},
		OnJobError: func(ctx JobContext, _ error) {
			if onError != nil {
				onError(ctx.Queue, ctx.EventType)
			}
		},
	}
}

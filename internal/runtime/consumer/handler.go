package consumer

import (
	"context"

	"github.com/drblury/recordflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
)

// Handler is the business logic run once per delivery. Returning an error
// dead-letters the message with reason ProcessingFailed.
type Handler interface {
	ProcessEvent(ctx context.Context, env envelope.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) error

func (f HandlerFunc) ProcessEvent(ctx context.Context, env envelope.Envelope) error {
	return f(ctx, env)
}

// LoggingHandler logs each envelope and succeeds. The consumer process uses
// it when no read model is configured.
func LoggingHandler(logger loggingpkg.ServiceLogger) Handler {
	return HandlerFunc(func(_ context.Context, env envelope.Envelope) error {
		logger.Info("Processing record event", loggingpkg.LogFields{
			"envelope_id": env.ID,
			"event_type":  string(env.EventType),
			"first_name":  env.FirstName,
			"last_name":   env.LastName,
		})
		return nil
	})
}

// DeliveryInfo describes the delivery a handler is running for.
type DeliveryInfo struct {
	Queue         string
	MessageID     string
	DeliveryCount int
}

type deliveryInfoKey struct{}

// WithDeliveryInfo attaches info to ctx. The processor does this before
// calling the handler.
func WithDeliveryInfo(ctx context.Context, info DeliveryInfo) context.Context {
	return context.WithValue(ctx, deliveryInfoKey{}, info)
}

// DeliveryInfoFromContext returns the delivery attached by the processor.
func DeliveryInfoFromContext(ctx context.Context) (DeliveryInfo, bool) {
	info, ok := ctx.Value(deliveryInfoKey{}).(DeliveryInfo)
	return info, ok
}

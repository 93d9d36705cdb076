package runtime

import (
	"context"

	configpkg "github.com/drblury/recordflow/internal/runtime/config"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/producer"
)

// NewEventSender returns the producer used by the write path. It never fails:
// when the queue is not configured, or the transport cannot be built, it
// returns a no-op sender and logs a warning once. The returned Service is nil
// in that case; otherwise the caller closes it on shutdown.
func NewEventSender(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (producer.EventSender, *Service) {
	if !conf.ProducerEnabled() {
		reason := error(errspkg.NewConfigurationError("QUEUE_CONNECTION_STRING"))
		if conf == nil {
			reason = errspkg.ErrConfigRequired
		} else if conf.QueueName == "" {
			reason = errspkg.NewConfigurationError("QUEUE_NAME")
		}
		return producer.NewNoop(log, reason), nil
	}

	svc, err := NewService(ctx, conf, log, deps)
	if err != nil {
		return producer.NewNoop(log, err), nil
	}
	p, err := svc.Producer()
	if err != nil {
		_ = svc.Close()
		return producer.NewNoop(log, err), nil
	}
	return p, svc
}

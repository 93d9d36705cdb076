// Package lifecycle ties message pumping to the process lifecycle.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
)

// Pump is the part of queue.Transport the Host drives.
type Pump interface {
	StartProcessing(ctx context.Context) error
	StopProcessing(ctx context.Context) error
	Close() error
}

// Host starts processing when the process starts and drains it on shutdown.
type Host struct {
	pump   Pump
	logger loggingpkg.ServiceLogger

	// DrainTimeout bounds Stop when Start returns on its own because ctx was
	// cancelled. Zero means 30 seconds.
	DrainTimeout time.Duration

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

// NewHost builds a Host around pump.
func NewHost(pump Pump, logger loggingpkg.ServiceLogger) (*Host, error) {
	if pump == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Host{pump: pump, logger: logger, stopped: make(chan struct{})}, nil
}

// Start begins message pumping and blocks until ctx is cancelled or Stop is
// called. On cancellation it drains before returning.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	h.started = true
	h.mu.Unlock()

	h.logger.Info("Starting message consumer", nil)
	if err := h.pump.StartProcessing(ctx); err != nil {
		h.logger.Error("Failed to start message processing", err, nil)
		_ = h.Stop(context.Background())
		return err
	}
	h.logger.Info("Message consumer started", nil)

	select {
	case <-ctx.Done():
		timeout := h.DrainTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return h.Stop(stopCtx)
	case <-h.stopped:
		return h.stopErr
	}
}

// Stop stops accepting deliveries, waits for in-flight ones to finalize and
// releases the transport. Only the first call does the work; later calls
// return its result.
func (h *Host) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		defer close(h.stopped)
		h.logger.Info("Stopping message consumer", nil)

		var errs []error
		if err := h.pump.StopProcessing(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := h.pump.Close(); err != nil {
			errs = append(errs, err)
		}
		h.stopErr = errors.Join(errs...)
		if h.stopErr != nil {
			h.logger.Error("Message consumer stopped with errors", h.stopErr, nil)
			return
		}
		h.logger.Info("Message consumer stopped", nil)
	})
	return h.stopErr
}

// Done is closed once Stop has finished.
func (h *Host) Done() <-chan struct{} { return h.stopped }

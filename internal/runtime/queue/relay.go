package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
)

// Error sources reported to the ErrorHandler.
const (
	SourceTransport  = "Transport"
	SourceReceive    = "Receive"
	SourceSend       = "Send"
	SourceComplete   = "Complete"
	SourceDeadLetter = "DeadLetter"
)

// ErrorHandler receives transport faults. It must not block for long: it runs
// on the goroutine that hit the fault.
type ErrorHandler func(ctx context.Context, err errspkg.TransportError)

// ErrorRelay forwards errors logged by transport components (subscribers,
// publishers, the router) to the ErrorHandler registered on the Client. It
// exists before the Client so the transport can be built with a logger that
// already reports into it.
type ErrorRelay struct {
	entityPath string

	mu      sync.RWMutex
	handler ErrorHandler
}

// NewErrorRelay creates a relay reporting faults against entityPath.
func NewErrorRelay(entityPath string) *ErrorRelay {
	return &ErrorRelay{entityPath: entityPath}
}

// Observe matches loggingpkg.ErrorObserver.
func (r *ErrorRelay) Observe(msg string, err error, fields loggingpkg.LogFields) {
	entity := r.entityPath
	if topic, ok := fields["topic"].(string); ok && topic != "" {
		entity = topic
	}
	if err == nil {
		err = errors.New(msg)
	} else {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	r.Report(context.Background(), errspkg.TransportError{
		Source:     SourceTransport,
		EntityPath: entity,
		Err:        err,
	})
}

// Report hands err to the registered handler, if any.
func (r *ErrorRelay) Report(ctx context.Context, err errspkg.TransportError) {
	if r == nil {
		return
	}
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h != nil {
		h(ctx, err)
	}
}

func (r *ErrorRelay) set(h ErrorHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

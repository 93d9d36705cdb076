// Package projection keeps a MongoDB read model of records up to date from
// consumed envelopes.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/recordflow/internal/runtime/consumer"
	"github.com/drblury/recordflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
)

// Document is the read-model shape of a record.
type Document struct {
	ID          string    `bson:"_id"`
	FirstName   string    `bson:"firstName"`
	LastName    string    `bson:"lastName"`
	DOB         string    `bson:"dob,omitempty"`
	Gender      string    `bson:"gender"`
	CreatedAt   time.Time `bson:"createdAt"`
	LastEvent   string    `bson:"lastEvent"`
	ProjectedAt time.Time `bson:"projectedAt"`
}

// Store writes documents. Upsert replaces by id; Remove of an unknown id is
// not an error.
type Store interface {
	Upsert(ctx context.Context, doc Document) error
	Remove(ctx context.Context, id string) error
}

// Handler applies envelopes to a Store. Replaying an envelope leaves the read
// model unchanged apart from ProjectedAt.
type Handler struct {
	store  Store
	logger loggingpkg.ServiceLogger
	now    func() time.Time
}

var _ consumer.Handler = (*Handler)(nil)

func NewHandler(store Store, logger loggingpkg.ServiceLogger) *Handler {
	return &Handler{store: store, logger: logger, now: time.Now}
}

func (h *Handler) ProcessEvent(ctx context.Context, env envelope.Envelope) error {
	fields := loggingpkg.LogFields{"record_id": env.ID, "event_type": string(env.EventType)}

	switch env.EventType {
	case envelope.Created, envelope.Updated:
		if err := h.store.Upsert(ctx, h.document(env)); err != nil {
			return fmt.Errorf("project %s %s: %w", env.EventType, env.ID, err)
		}
		h.logger.Info("Record projected", fields)
	case envelope.Deleted:
		if err := h.store.Remove(ctx, env.ID); err != nil {
			return fmt.Errorf("remove projection %s: %w", env.ID, err)
		}
		h.logger.Info("Record projection removed", fields)
	default:
		return fmt.Errorf("unsupported event type %q", env.EventType)
	}
	return nil
}

func (h *Handler) document(env envelope.Envelope) Document {
	return Document{
		ID:          env.ID,
		FirstName:   env.FirstName,
		LastName:    env.LastName,
		DOB:         env.DOB.String(),
		Gender:      env.Gender,
		CreatedAt:   env.CreatedAt,
		LastEvent:   string(env.EventType),
		ProjectedAt: h.now().UTC(),
	}
}

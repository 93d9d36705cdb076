package records

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/recordflow/internal/runtime/envelope"
	idspkg "github.com/drblury/recordflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/producer"
)

// Service applies changes to the repository and announces them through the
// sender. A failed send is logged and never fails the change.
type Service struct {
	repo   Repository
	sender producer.EventSender
	logger loggingpkg.ServiceLogger

	now   func() time.Time
	newID func() string
}

// NewService wires a Service. sender may be a producer.Noop.
func NewService(repo Repository, sender producer.EventSender, logger loggingpkg.ServiceLogger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("records: repository is required")
	}
	if sender == nil {
		return nil, errors.New("records: event sender is required")
	}
	if logger == nil {
		return nil, errors.New("records: logger is required")
	}
	return &Service{
		repo:   repo,
		sender: sender,
		logger: logger,
		now:    time.Now,
		newID:  idspkg.NewEnvelopeID,
	}, nil
}

// Create stores a new record and sends a Created event.
func (s *Service) Create(ctx context.Context, in Input) (Record, error) {
	if err := in.Validate(); err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:        s.newID(),
		FirstName: in.FirstName,
		LastName:  in.LastName,
		DOB:       in.DOB,
		Gender:    in.Gender,
		Addresses: nonNilAddresses(in.Addresses),
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return Record{}, err
	}
	s.logger.Info("Record created", loggingpkg.LogFields{"record_id": rec.ID})

	s.notify(ctx, envelope.Created, rec)
	return rec, nil
}

// List returns all records, newest first.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

// Get returns a single record.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	if !idspkg.IsUUID(id) {
		return Record{}, ErrInvalidID
	}
	return s.repo.Get(ctx, id)
}

// Update replaces the client supplied fields and sends an Updated event.
func (s *Service) Update(ctx context.Context, id string, in Input) (Record, error) {
	if !idspkg.IsUUID(id) {
		return Record{}, ErrInvalidID
	}
	if err := in.Validate(); err != nil {
		return Record{}, err
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}

	updatedAt := s.now().UTC()
	rec.FirstName = in.FirstName
	rec.LastName = in.LastName
	rec.DOB = in.DOB
	rec.Gender = in.Gender
	rec.Addresses = nonNilAddresses(in.Addresses)
	rec.UpdatedAt = &updatedAt

	if err := s.repo.Update(ctx, rec); err != nil {
		return Record{}, err
	}
	s.logger.Info("Record updated", loggingpkg.LogFields{"record_id": rec.ID})

	s.notify(ctx, envelope.Updated, rec)
	return rec, nil
}

// Delete removes a record and sends a Deleted event carrying its last state.
func (s *Service) Delete(ctx context.Context, id string) error {
	if !idspkg.IsUUID(id) {
		return ErrInvalidID
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Record deleted", loggingpkg.LogFields{"record_id": id})

	s.notify(ctx, envelope.Deleted, rec)
	return nil
}

func (s *Service) notify(ctx context.Context, eventType envelope.EventType, rec Record) {
	fields := loggingpkg.LogFields{"record_id": rec.ID, "event_type": string(eventType)}
	if err := s.sender.Send(ctx, rec.Envelope(eventType)); err != nil {
		s.logger.Error("Failed to send record event", err, fields)
		return
	}
	s.logger.Debug("Record event sent", fields)
}

func nonNilAddresses(in []Address) []Address {
	if in == nil {
		return []Address{}
	}
	return in
}

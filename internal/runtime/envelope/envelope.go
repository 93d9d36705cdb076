// Package envelope defines the unit of transfer between the producer and the
// consumer and its JSON wire format.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	idspkg "github.com/drblury/recordflow/internal/runtime/ids"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
)

// EventType discriminates envelopes.
type EventType string

const (
	Created EventType = "Created"
	Updated EventType = "Updated"
	Deleted EventType = "Deleted"
)

var (
	ErrMissingID        = errors.New("envelope: id is required")
	ErrMissingEventType = errors.New("envelope: eventType is required")
)

// Record is the domain snapshot carried by an envelope. Its fields are
// flattened into the envelope object on the wire.
type Record struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	DOB       Date   `json:"dob"`
	Gender    string `json:"gender"`
}

// Envelope is immutable once produced: ID and EventType never change across
// deliveries, so ID can key idempotency checks downstream.
type Envelope struct {
	ID string `json:"id"`
	Record
	CreatedAt time.Time `json:"createdAt"`
	EventType EventType `json:"eventType"`
}

// New builds an envelope for rec. An empty id gets a fresh UUID.
func New(eventType EventType, id string, rec Record, createdAt time.Time) Envelope {
	if id == "" {
		id = idspkg.NewEnvelopeID()
	}
	return Envelope{
		ID:        id,
		Record:    rec,
		CreatedAt: createdAt.UTC(),
		EventType: eventType,
	}
}

// Encode serializes env to its wire format.
func Encode(env Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(env)
}

// Decode parses a message body. Unknown fields are ignored; an empty or
// malformed body and a missing id or eventType are errors.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if len(strings.TrimSpace(string(body))) == 0 {
		return env, errspkg.ErrEmptyBody
	}
	if err := jsoncodec.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if e.EventType == "" {
		return ErrMissingEventType
	}
	return nil
}

// Package records is the write side: it stores records and announces every
// change on the queue as an envelope.
package records

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/drblury/recordflow/internal/runtime/envelope"
)

// MaxAddresses is the number of addresses a record may carry.
const MaxAddresses = 4

var (
	ErrNotFound  = errors.New("records: record not found")
	ErrInvalidID = errors.New("records: id is not a valid UUID")
	ErrInvalid   = errors.New("records: invalid record")
)

var zipcodePattern = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

// Address is one postal address of a record.
type Address struct {
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zipcode string `json:"zipcode"`
}

// Record is the stored entity.
type Record struct {
	ID        string        `json:"id"`
	FirstName string        `json:"firstName"`
	LastName  string        `json:"lastName"`
	DOB       envelope.Date `json:"dob"`
	Gender    string        `json:"gender"`
	Addresses []Address     `json:"addresses"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt *time.Time    `json:"updatedAt,omitempty"`
}

// Input carries the client supplied fields of a create or update.
type Input struct {
	FirstName string        `json:"firstName"`
	LastName  string        `json:"lastName"`
	DOB       envelope.Date `json:"dob"`
	Gender    string        `json:"gender"`
	Addresses []Address     `json:"addresses"`
}

// Validate reports every invalid field, wrapped in ErrInvalid.
func (in Input) Validate() error {
	var problems []string
	problems = append(problems, checkLength("firstName", in.FirstName, 2, 100)...)
	problems = append(problems, checkLength("lastName", in.LastName, 2, 100)...)
	problems = append(problems, checkLength("gender", in.Gender, 1, 20)...)
	if in.DOB.IsZero() {
		problems = append(problems, "dob is required")
	}
	if len(in.Addresses) > MaxAddresses {
		problems = append(problems, fmt.Sprintf("at most %d addresses are allowed", MaxAddresses))
	}
	for i, a := range in.Addresses {
		problems = append(problems, a.validate(fmt.Sprintf("addresses[%d]", i))...)
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

func (a Address) validate(prefix string) []string {
	var problems []string
	if strings.TrimSpace(a.Line1) == "" {
		problems = append(problems, prefix+".line1 is required")
	}
	if strings.TrimSpace(a.City) == "" {
		problems = append(problems, prefix+".city is required")
	}
	if strings.TrimSpace(a.State) == "" {
		problems = append(problems, prefix+".state is required")
	}
	if !zipcodePattern.MatchString(a.Zipcode) {
		problems = append(problems, prefix+".zipcode has an invalid format")
	}
	return problems
}

func checkLength(field, value string, min, max int) []string {
	n := len([]rune(strings.TrimSpace(value)))
	switch {
	case n == 0:
		return []string{field + " is required"}
	case n < min || n > max:
		return []string{fmt.Sprintf("%s must be between %d and %d characters", field, min, max)}
	}
	return nil
}

// Repository persists records. Get, Update and Delete return ErrNotFound for
// unknown ids.
type Repository interface {
	Create(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
}

// Envelope converts rec into the event announced for eventType.
func (r Record) Envelope(eventType envelope.EventType) envelope.Envelope {
	return envelope.New(eventType, r.ID, envelope.Record{
		FirstName: r.FirstName,
		LastName:  r.LastName,
		DOB:       r.DOB,
		Gender:    r.Gender,
	}, r.CreatedAt)
}

package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired     = sterrors.New("recordflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("recordflow: logger is required")
	ErrHandlerRequired    = sterrors.New("recordflow: message handler is required")
	ErrPublisherRequired  = sterrors.New("recordflow: publisher is required")
	ErrSubscriberRequired = sterrors.New("recordflow: subscriber is required")
	ErrTopicRequired      = sterrors.New("recordflow: topic is required")
	ErrEventRequired      = sterrors.New("recordflow: event is required")
	ErrAlreadyStarted     = sterrors.New("recordflow: processing already started")
	ErrNotStarted         = sterrors.New("recordflow: processing not started")
	ErrClosed             = sterrors.New("recordflow: transport is closed")
	ErrAlreadyFinalized   = sterrors.New("recordflow: delivery already finalized")
	ErrEmptyBody          = sterrors.New("recordflow: message body is empty")
	ErrProducerDisabled   = sterrors.New("recordflow: producer is not configured")
)

// ConfigurationError reports a missing or invalid setting. It is fatal for the
// consumer process and disables sending for the producer.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("recordflow: invalid configuration: %s %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for a required field.
func NewConfigurationError(field string) error {
	return ConfigurationError{Field: field, Reason: "is required"}
}

// DeserializationError wraps a failure to decode a message body.
type DeserializationError struct {
	MessageID string
	Err       error
}

func (e DeserializationError) Error() string {
	return fmt.Sprintf("recordflow: cannot deserialize message %s: %v", e.MessageID, e.Err)
}

func (e DeserializationError) Unwrap() error { return e.Err }

// ProcessingError wraps an error returned (or a panic raised) by business logic.
type ProcessingError struct {
	EnvelopeID string
	Err        error
}

func (e ProcessingError) Error() string {
	return fmt.Sprintf("recordflow: processing envelope %s failed: %v", e.EnvelopeID, e.Err)
}

func (e ProcessingError) Unwrap() error { return e.Err }

// FinalizationError reports that completing or dead-lettering a delivery failed.
// The message stays locked until the transport lock expires.
type FinalizationError struct {
	Action    string
	MessageID string
	Err       error
}

func (e FinalizationError) Error() string {
	return fmt.Sprintf("recordflow: %s of message %s failed: %v", e.Action, e.MessageID, e.Err)
}

func (e FinalizationError) Unwrap() error { return e.Err }

// TransportError is a connectivity or broker fault reported outside of message handling.
type TransportError struct {
	Source     string
	EntityPath string
	Err        error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("recordflow: transport error (source=%s, entity=%s): %v", e.Source, e.EntityPath, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

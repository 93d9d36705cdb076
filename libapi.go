package recordflow

import (
	runtimepkg "github.com/drblury/recordflow/internal/runtime"
	configpkg "github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/consumer"
	"github.com/drblury/recordflow/internal/runtime/envelope"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	idspkg "github.com/drblury/recordflow/internal/runtime/ids"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
	"github.com/drblury/recordflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/internal/runtime/producer"
	"github.com/drblury/recordflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	QueueStatus         = runtimepkg.QueueStatus

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Envelope  = envelope.Envelope
	Record    = envelope.Record
	EventType = envelope.EventType
	Date      = envelope.Date

	EventSender = producer.EventSender
	Producer    = producer.Producer

	Handler       = consumer.Handler
	HandlerFunc   = consumer.HandlerFunc
	Processor     = consumer.Processor
	Outcome       = consumer.Outcome
	State         = consumer.State
	DeliveryInfo  = consumer.DeliveryInfo
	Host          = lifecycle.Host
	JobContext    = consumer.JobContext
	JobHooks      = consumer.JobHooks
	ConsumerStats = consumer.MetricsSnapshot

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigurationError   = errspkg.ConfigurationError
	DeserializationError = errspkg.DeserializationError
	ProcessingError      = errspkg.ProcessingError
	FinalizationError    = errspkg.FinalizationError
	TransportError       = errspkg.TransportError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	DeadLetter            = transport.DeadLetter
	DeadLetterStore       = transport.DeadLetterStore
)

const (
	Created = envelope.Created
	Updated = envelope.Updated
	Deleted = envelope.Deleted

	Received     = consumer.Received
	Locked       = consumer.Locked
	Processing   = consumer.Processing
	Completed    = consumer.Completed
	DeadLettered = consumer.DeadLettered
	LockLost     = consumer.LockLost

	ReasonDeserializationFailed    = consumer.ReasonDeserializationFailed
	ReasonProcessingFailed         = consumer.ReasonProcessingFailed
	ReasonMaxDeliveryCountExceeded = consumer.ReasonMaxDeliveryCountExceeded

	MetadataKeyCorrelationID         = metadatapkg.KeyCorrelationID
	MetadataKeyEventType             = metadatapkg.KeyEventType
	MetadataKeyDeliveryCount         = metadatapkg.KeyDeliveryCount
	MetadataKeyDeadLetterReason      = metadatapkg.KeyDeadLetterReason
	MetadataKeyDeadLetterDescription = metadatapkg.KeyDeadLetterDescription
)

var (
	LoadConfig     = configpkg.Load
	NewService     = runtimepkg.NewService
	NewEventSender = runtimepkg.NewEventSender

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	NewEnvelope    = envelope.New
	EncodeEnvelope = envelope.Encode
	DecodeEnvelope = envelope.Decode
	ParseDate      = envelope.ParseDate

	WithCorrelationID = producer.WithCorrelationID
	NewNoopProducer   = producer.NewNoop

	LoggingHandler          = consumer.LoggingHandler
	LoggingHooks            = consumer.LoggingHooks
	MetricsHooks            = consumer.MetricsHooks
	DeliveryInfoFromContext = consumer.DeliveryInfoFromContext

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrSubscriberRequired = errspkg.ErrSubscriberRequired
	ErrAlreadyStarted     = errspkg.ErrAlreadyStarted
	ErrProducerDisabled   = errspkg.ErrProducerDisabled
	ErrDeadLetterNotFound = transport.ErrDeadLetterNotFound

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapSlogLogger     = loggingpkg.NewZapSlogLogger

	NewMetadata   = metadatapkg.New
	CreateULID    = idspkg.CreateULID
	NewEnvelopeID = idspkg.NewEnvelopeID
)

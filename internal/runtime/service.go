package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/consumer"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	"github.com/drblury/recordflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/producer"
	"github.com/drblury/recordflow/internal/runtime/queue"
	"github.com/drblury/recordflow/transport"
)

// ServiceDependencies holds the optional collaborators of a Service. Zero
// values select the defaults.
type ServiceDependencies struct {
	// Registry resolves Conf.PubSubSystem; nil uses transport.DefaultRegistry.
	Registry *transport.Registry
	// Registerer receives router, consumer and producer metrics; nil uses the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
	// Middlewares are appended after the default middleware chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// Hooks run around the business handler next to the logging hooks.
	Hooks consumer.JobHooks
}

// Service owns the transport connection, the Watermill router and the queue
// client built on top of them. Both processes build one: the consumer to
// receive, the records service to send.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transport.Transport
	capabilities transport.Capabilities
	router       *message.Router
	relay        *queue.ErrorRelay
	client       *queue.Client
	registerer   prometheus.Registerer
	hooks        consumer.JobHooks

	metricsOnce sync.Once
	metrics     *consumer.Metrics
	metricsErr  error
}

// NewService builds the transport selected by conf and wires the router
// middleware chain and the queue client. Nothing is received until the
// lifecycle host returned by Consumer is started.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if conf.QueueName == "" {
		return nil, errspkg.NewConfigurationError("QUEUE_NAME")
	}

	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	log = log.With(loggingpkg.LogFields{"pubsub_system": conf.GetPubSubSystem(), "queue": conf.QueueName})
	log.Info("Creating queue service", loggingpkg.LogFields{"config": conf.String()})

	relay := queue.NewErrorRelay(conf.QueueName)
	wmLogger := loggingpkg.NewObservedWatermillAdapter(log, relay.Observe)

	tr, err := registry.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", conf.GetPubSubSystem(), err)
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.ShutdownTimeout}, wmLogger)
	if err != nil {
		closeTransport(tr)
		return nil, fmt.Errorf("create router: %w", err)
	}

	s := &Service{
		Conf:         conf,
		Logger:       log,
		transport:    tr,
		capabilities: capabilitiesOf(registry, conf.GetPubSubSystem(), tr),
		router:       router,
		relay:        relay,
		registerer:   registerer,
		hooks:        deps.Hooks,
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		closeTransport(tr)
		return nil, err
	}

	client, err := queue.New(tr, router, relay, log, queue.Options{
		QueueName:          conf.QueueName,
		DeadLetterQueue:    conf.DeadLetterTopic(),
		MaxConcurrentCalls: conf.ConcurrencyLimit(),
		LockDuration:       conf.LockDuration,
	})
	if err != nil {
		closeTransport(tr)
		return nil, err
	}
	s.client = client

	s.warnUnsupportedSettings()
	return s, nil
}

// Client is the queue transport, for callers that drive it directly.
func (s *Service) Client() *queue.Client { return s.client }

// Capabilities reports what the configured backend guarantees.
func (s *Service) Capabilities() transport.Capabilities { return s.capabilities }

// Transport exposes the raw publisher and subscriber, mainly so the admin API
// can probe them for optional interfaces.
func (s *Service) Transport() transport.Transport { return s.transport }

// Metrics returns the consumer metrics, registering them on first use.
func (s *Service) Metrics() (*consumer.Metrics, error) {
	s.metricsOnce.Do(func() {
		m := consumer.NewMetrics(s.registerer)
		if err := m.Register(); err != nil {
			s.metricsErr = err
			return
		}
		s.metrics = m
	})
	return s.metrics, s.metricsErr
}

// Producer returns a producer sending through this service's queue client.
func (s *Service) Producer(opts ...producer.Option) (*producer.Producer, error) {
	if s.Conf.MetricsEnabled {
		m, err := producer.NewMetrics(s.registerer)
		if err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		} else {
			opts = append([]producer.Option{producer.WithMetrics(m)}, opts...)
		}
	}
	return producer.New(s.client, s.Logger, opts...)
}

// Consumer registers h as the business handler and returns the host that
// pumps messages into it. It can be called once per Service.
func (s *Service) Consumer(h consumer.Handler) (*lifecycle.Host, error) {
	opts := consumer.Options{
		MaxDeliveryCount: s.Conf.MaxDeliveryCount,
		Hooks:            consumer.LoggingHooks(s.Logger).Merge(s.hooks),
	}
	if s.Conf.MetricsEnabled {
		m, err := s.Metrics()
		if err != nil {
			return nil, fmt.Errorf("register consumer metrics: %w", err)
		}
		opts.Observers = append(opts.Observers, m)
	}

	p, err := consumer.NewProcessor(s.client, h, s.Logger, opts)
	if err != nil {
		return nil, err
	}
	if err := p.Register(); err != nil {
		return nil, err
	}

	host, err := lifecycle.NewHost(s.client, s.Logger)
	if err != nil {
		return nil, err
	}
	if s.Conf.ShutdownTimeout > 0 {
		host.DrainTimeout = s.Conf.ShutdownTimeout
	}
	return host, nil
}

// Close releases the transport. Hosts returned by Consumer do this on Stop.
func (s *Service) Close() error {
	return s.client.Close()
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) warnUnsupportedSettings() {
	caps := s.capabilities
	if s.Conf.MaxDeliveryCount > 0 && !caps.TracksDeliveryCount {
		s.Logger.Warn("Transport does not report delivery counts; max delivery count is not enforced", loggingpkg.LogFields{
			"max_delivery_count": s.Conf.MaxDeliveryCount,
		})
	}
	if !caps.SupportsReliableDelivery() {
		s.Logger.Warn("Transport does not acknowledge explicitly; delivery is at-most-once", nil)
	}
}

func capabilitiesOf(registry *transport.Registry, name string, tr transport.Transport) transport.Capabilities {
	if p, ok := tr.Subscriber.(transport.CapabilitiesProvider); ok {
		return p.Capabilities()
	}
	return registry.GetCapabilities(name)
}

func closeTransport(tr transport.Transport) {
	if tr.Publisher != nil {
		_ = tr.Publisher.Close()
	}
	if tr.Subscriber != nil {
		if pub, ok := tr.Subscriber.(message.Publisher); !ok || pub != tr.Publisher {
			_ = tr.Subscriber.Close()
		}
	}
}

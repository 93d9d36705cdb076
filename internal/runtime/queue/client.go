// Package queue implements the peek-lock queue contract on top of a Watermill
// publisher/subscriber pair: send, message and error handler registration,
// start/stop of message pumping, and per-delivery complete or dead-letter.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/transport"
)

// MessageHandler is invoked once per delivery. It is expected to finalize the
// delivery through the Transport; deliveries left pending when it returns,
// including those whose finalize call failed, stay locked for the rest of
// Options.LockDuration and are then abandoned for redelivery.
type MessageHandler func(ctx context.Context, d *Delivery)

// Transport is the queue contract the producer and the consumer depend on.
type Transport interface {
	Sender
	RegisterMessageHandler(h MessageHandler) error
	RegisterErrorHandler(h ErrorHandler)
	StartProcessing(ctx context.Context) error
	StopProcessing(ctx context.Context) error
	Complete(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason, description string) error
	Close() error
}

// Sender is the send half of Transport.
type Sender interface {
	Send(ctx context.Context, msg *message.Message) error
}

// Options configures a Client.
type Options struct {
	QueueName       string
	DeadLetterQueue string
	// MaxConcurrentCalls is the number of competing subscriptions on the
	// queue, which bounds in-flight MessageHandler invocations. Zero means one.
	MaxConcurrentCalls int
	// HandlerName prefixes the router handler names; defaults to "<queue>_consumer".
	HandlerName string
	// StartTimeout bounds how long StartProcessing waits for the router.
	StartTimeout time.Duration
	// LockDuration is how long a delivery stays locked. A delivery whose
	// finalize call failed is handed back only once this has passed since it
	// was received. Zero hands it back right away.
	LockDuration time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentCalls <= 0 {
		o.MaxConcurrentCalls = 1
	}
	if o.DeadLetterQueue == "" && o.QueueName != "" {
		o.DeadLetterQueue = o.QueueName + ".deadletter"
	}
	if o.HandlerName == "" {
		o.HandlerName = o.QueueName + "_consumer"
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	return o
}

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Client is the Watermill-backed Transport. The router it receives should
// already carry its middleware chain.
type Client struct {
	opts   Options
	logger loggingpkg.ServiceLogger

	publisher    message.Publisher
	subscriber   message.Subscriber
	completer    transport.Completer
	deadLetterer transport.DeadLetterer
	router       *message.Router
	relay        *ErrorRelay

	// stopping is closed when StopProcessing begins.
	stopping chan struct{}

	inFlight atomic.Int64

	mu       sync.Mutex
	handler  MessageHandler
	started  bool
	stopped  bool
	runDone  chan struct{}
	runErr   error
	closeErr error
	closed   bool
}

// New builds a Client over tr. relay may be nil when transport components were
// built without an observed logger.
func New(tr transport.Transport, router *message.Router, relay *ErrorRelay, logger loggingpkg.ServiceLogger, opts Options) (*Client, error) {
	if tr.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.QueueName == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if relay == nil {
		relay = NewErrorRelay(opts.QueueName)
	}
	opts = opts.withDefaults()

	c := &Client{
		opts:       opts,
		logger:     logger.With(loggingpkg.LogFields{"queue": opts.QueueName}),
		publisher:  tr.Publisher,
		subscriber: tr.Subscriber,
		router:     router,
		relay:      relay,
		stopping:   make(chan struct{}),
	}
	if cp, ok := tr.Subscriber.(transport.Completer); ok {
		c.completer = cp
	}
	if dl, ok := tr.Subscriber.(transport.DeadLetterer); ok {
		c.deadLetterer = dl
	}
	return c, nil
}

// QueueName is the entity this client receives from and sends to.
func (c *Client) QueueName() string { return c.opts.QueueName }

// DeadLetterQueue is where non-native dead-letters are published.
func (c *Client) DeadLetterQueue() string { return c.opts.DeadLetterQueue }

// Send publishes msg to the queue. Exactly one publish is attempted.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return errspkg.ErrEventRequired
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errspkg.ErrClosed
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := c.publisher.Publish(c.opts.QueueName, msg); err != nil {
		return fmt.Errorf("send to %s: %w", c.opts.QueueName, err)
	}
	return nil
}

// RegisterMessageHandler sets the callback invoked per delivery. It must be
// called before StartProcessing.
func (c *Client) RegisterMessageHandler(h MessageHandler) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errspkg.ErrAlreadyStarted
	}
	c.handler = h
	return nil
}

// RegisterErrorHandler sets the callback for transport faults.
func (c *Client) RegisterErrorHandler(h ErrorHandler) {
	c.relay.set(h)
}

// StartProcessing starts pumping messages and returns once the router runs.
// Cancelling ctx has the same effect as StopProcessing.
func (c *Client) StartProcessing(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	if c.handler == nil {
		c.mu.Unlock()
		return errspkg.ErrHandlerRequired
	}
	if c.subscriber == nil {
		c.mu.Unlock()
		return errspkg.ErrSubscriberRequired
	}
	if c.router == nil {
		c.mu.Unlock()
		return fmt.Errorf("queue: router is required")
	}
	c.started = true
	c.runDone = make(chan struct{})
	c.mu.Unlock()

	for i := 0; i < c.opts.MaxConcurrentCalls; i++ {
		c.router.AddNoPublisherHandler(
			fmt.Sprintf("%s_%d", c.opts.HandlerName, i),
			c.opts.QueueName,
			c.subscriber,
			c.serialized(),
		)
	}

	go func() {
		defer close(c.runDone)
		err := routerRun(c.router, ctx)
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		if err != nil {
			c.relay.Report(ctx, errspkg.TransportError{Source: SourceReceive, EntityPath: c.opts.QueueName, Err: err})
		}
	}()

	timer := time.NewTimer(c.opts.StartTimeout)
	defer timer.Stop()

	select {
	case <-c.router.Running():
		c.logger.Info("Message processing started", loggingpkg.LogFields{
			"max_concurrent_calls": c.opts.MaxConcurrentCalls,
			"dead_letter_queue":    c.opts.DeadLetterQueue,
		})
		return nil
	case <-c.runDone:
		c.mu.Lock()
		err := c.runErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("queue: router stopped before running")
		}
		return err
	case <-timer.C:
		return fmt.Errorf("queue: router did not start within %s", c.opts.StartTimeout)
	}
}

// StopProcessing stops accepting deliveries and waits for in-flight handlers
// to finish finalizing. It is safe to call more than once.
func (c *Client) StopProcessing(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	runDone := c.runDone
	close(c.stopping)
	c.mu.Unlock()

	if err := c.router.Close(); err != nil {
		c.logger.Error("Router close reported an error", err, nil)
	}

	select {
	case <-runDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Info("Message processing stopped", nil)
	return nil
}

// Complete acknowledges the delivery; the transport removes the message.
// Transports implementing transport.Completer remove it synchronously, so a
// lock that expired first is reported here.
func (c *Client) Complete(ctx context.Context, d *Delivery) error {
	if err := d.begin(); err != nil {
		return err
	}
	if c.completer != nil {
		if err := c.completer.Complete(ctx, d.Queue(), d.Message()); err != nil {
			d.end(Completed, false)
			return errspkg.FinalizationError{Action: "complete", MessageID: d.ID(), Err: err}
		}
	}
	if err := d.ack(Completed); err != nil {
		return errspkg.FinalizationError{Action: "complete", MessageID: d.ID(), Err: err}
	}
	return nil
}

// DeadLetter moves the delivery to the dead-letter destination with reason and
// description, then acknowledges the original. When moving fails the delivery
// stays pending so the caller can decide; the Client abandons it afterwards.
func (c *Client) DeadLetter(ctx context.Context, d *Delivery, reason, description string) error {
	if err := d.begin(); err != nil {
		return err
	}

	var err error
	if c.deadLetterer != nil {
		err = c.deadLetterer.DeadLetter(ctx, d.Queue(), d.Message(), reason, description)
	} else {
		err = c.publishDeadLetter(ctx, d, reason, description)
		// the copy is already out; a lost lock still redelivers the original
		if err == nil && c.completer != nil {
			err = c.completer.Complete(ctx, d.Queue(), d.Message())
		}
	}
	if err != nil {
		d.end(DeadLettered, false)
		return errspkg.FinalizationError{Action: "dead-letter", MessageID: d.ID(), Err: err}
	}

	if err := d.ack(DeadLettered); err != nil {
		return errspkg.FinalizationError{Action: "dead-letter", MessageID: d.ID(), Err: err}
	}
	return nil
}

func (c *Client) publishDeadLetter(ctx context.Context, d *Delivery, reason, description string) error {
	dl := d.Message().Copy()
	dl.Metadata.Set(metadatapkg.KeyDeadLetterReason, reason)
	dl.Metadata.Set(metadatapkg.KeyDeadLetterDescription, description)
	dl.Metadata.Set(metadatapkg.KeyDeadLetteredAt, time.Now().UTC().Format(time.RFC3339Nano))
	dl.Metadata.Set(metadatapkg.KeyDeadLetterSource, d.Queue())
	if ctx != nil {
		dl.SetContext(ctx)
	}
	return c.publisher.Publish(c.opts.DeadLetterQueue, dl)
}

// Close releases publisher and subscriber. It stops processing first.
func (c *Client) Close() error {
	_ = c.StopProcessing(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closeErr
	}
	c.closed = true

	var errs []error
	if err := c.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if c.subscriber != nil && !samePubSub(c.publisher, c.subscriber) {
		if err := c.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if len(errs) > 0 {
		c.closeErr = errors.Join(errs...)
	}
	return c.closeErr
}

// InFlight is the number of deliveries currently held by handlers.
func (c *Client) InFlight() int64 { return c.inFlight.Load() }

// serialized returns a router handler func for one subscription. The router
// dispatches the next message as soon as the previous one is acked, which
// happens inside Complete or DeadLetter; the slot keeps the next handler call
// waiting until the previous one has returned.
func (c *Client) serialized() message.NoPublishHandlerFunc {
	var slot sync.Mutex
	return func(msg *message.Message) error {
		slot.Lock()
		defer slot.Unlock()
		return c.handle(msg)
	}
}

// handle runs inside the router, once per received message. The handler gets
// a context that is not cancelled when the router closes, so StopProcessing
// drains in-flight deliveries instead of interrupting them.
func (c *Client) handle(msg *message.Message) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	d := NewDelivery(msg, c.opts.QueueName)
	h(context.WithoutCancel(msg.Context()), d)

	if d.Finalized() {
		return nil
	}
	c.holdLock(d)
	if d.abandon() {
		c.logger.Debug("Delivery abandoned without finalization", loggingpkg.LogFields{"message_id": d.ID()})
	}
	return nil
}

// holdLock keeps an unfinalized delivery locked until its lock duration has
// passed, so the transport redelivers it no sooner than a lock expiry would.
// A stopping client hands it back at once.
func (c *Client) holdLock(d *Delivery) {
	wait := c.opts.LockDuration - time.Since(d.ReceivedAt())
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stopping:
	}
}

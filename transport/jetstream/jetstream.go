// Package jetstream provides a NATS JetStream transport. Topics map to
// subjects on one work-queue stream, and every subscription on a topic pulls
// from the same durable consumer, so receivers compete and each delivery is
// locked for AckWait.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/recordflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "RECORDFLOW"

	// DefaultAckWait is the lock duration when none is configured.
	DefaultAckWait = 30 * time.Second

	metadataDeliveryCount = "delivery_count"
	headerMessageUUID     = "Recordflow-Message-Uuid"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("jetstream transport is closed")

// Connect allows overriding the connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("recordflow"))
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
	transport.Alias("nats-jetstream", TransportName)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.GetConnectionString() == "" {
		return transport.Transport{}, fmt.Errorf("jetstream: connection string is required")
	}
	t, err := New(ConfigFrom(cfg), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	URL string

	// StreamName defaults to DefaultStreamName.
	StreamName string

	// AckWait is the lock duration of a delivery.
	AckWait time.Duration

	// MaxDeliver is the broker-side delivery bound; -1 leaves bounding to
	// the consumer, which dead-letters instead of dropping.
	MaxDeliver int

	Replicas int
}

// ConfigFrom maps transport config onto Config.
func ConfigFrom(cfg transport.Config) Config {
	return Config{
		URL:        cfg.GetConnectionString(),
		StreamName: cfg.GetJetStreamStream(),
		AckWait:    cfg.GetLockDuration(),
		MaxDeliver: -1,
	}
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = -1
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string][]*nats.Subscription
	subMu         sync.Mutex

	wg         sync.WaitGroup
	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New connects and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := &Transport{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string][]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		Replicas:  t.config.Replicas,
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("jetstream: ensure stream %s: %w", t.config.StreamName, err)
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish publishes each message once. The message UUID doubles as the
// JetStream de-duplication id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	subject := t.topicToSubject(topic)
	for _, msg := range messages {
		natsMsg := watermillToNATS(subject, msg)
		if _, err := t.js.PublishMsg(natsMsg, nats.Context(msg.Context())); err != nil {
			return fmt.Errorf("jetstream: publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe pulls from the topic's durable consumer.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	subject := t.topicToSubject(topic)
	consumerName := topicToConsumer(topic)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
		MaxDeliver:    t.config.MaxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: ensure consumer %s: %w", consumerName, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName, nats.Bind(t.config.StreamName, consumerName))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", subject, err)
	}

	t.subMu.Lock()
	t.subscriptions[topic] = append(t.subscriptions[topic], sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(output)
		t.fetchMessages(ctx, sub, output, topic)
	}()

	return output, nil
}

// fetchMessages hands out one message at a time; the next fetch happens only
// after the previous delivery was settled.
func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	fields := watermill.LogFields{"topic": topic}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if t.isClosed() || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, fields)
			continue
		}

		for _, natsMsg := range msgs {
			wmMsg := natsToWatermill(natsMsg)
			wmMsg.SetContext(ctx)

			select {
			case output <- wmMsg:
			case <-ctx.Done():
				t.settle(natsMsg.Nak, "nak", fields)
				return
			case <-t.closedChan:
				return
			}

			if !t.awaitSettle(ctx, natsMsg, wmMsg, fields) {
				return
			}
		}
	}
}

// awaitSettle acks or naks natsMsg once its receiver settles wmMsg. A
// cancelled subscription still waits for the receiver; false means the
// subscription should end.
func (t *Transport) awaitSettle(ctx context.Context, natsMsg *nats.Msg, wmMsg *message.Message, fields watermill.LogFields) bool {
	done := ctx.Done()
	open := true
	for {
		select {
		case <-wmMsg.Acked():
			t.settle(natsMsg.Ack, "ack", fields)
			return open
		case <-wmMsg.Nacked():
			t.settle(natsMsg.Nak, "nak", fields)
			return open
		case <-done:
			done = nil
			open = false
		case <-t.closedChan:
			return false
		}
	}
}

func (t *Transport) settle(fn func(...nats.AckOpt) error, action string, fields watermill.LogFields) {
	if err := fn(); err != nil {
		t.logger.Error("Failed to "+action+" message", err, fields)
	}
}

// PendingCount reports messages not yet delivered to the topic's consumer.
func (t *Transport) PendingCount(ctx context.Context, topic string) (int64, error) {
	info, err := t.js.ConsumerInfo(t.config.StreamName, topicToConsumer(topic), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return int64(info.NumPending), nil
}

func watermillToNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(headerMessageUUID, msg.UUID)
	headers.Set(nats.MsgIdHdr, msg.UUID)

	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

func natsToWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(headerMessageUUID)
	if msgID == "" {
		msgID = natsMsg.Header.Get(nats.MsgIdHdr)
	}
	if msgID == "" {
		msgID = watermill.NewULID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == headerMessageUUID || k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}

	if meta, err := natsMsg.Metadata(); err == nil {
		wmMsg.Metadata.Set(metadataDeliveryCount, strconv.FormatUint(meta.NumDelivered, 10))
	}

	return wmMsg
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + topic
}

// topicToConsumer derives a durable name; durable names cannot contain dots.
func topicToConsumer(topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return "recordflow_" + r.Replace(topic)
}

// Close stops fetching and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()

	t.subMu.Lock()
	for _, subs := range t.subscriptions {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}
	t.subscriptions = make(map[string][]*nats.Subscription)
	t.subMu.Unlock()

	t.nc.Close()
	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

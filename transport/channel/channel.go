// Package channel provides an in-process queue transport for local runs and
// tests. Messages are fanned in through a Watermill GoChannel and handed to
// competing subscribers one at a time, with peek-lock semantics: a delivery
// is locked until it is acked, nacked or its lock expires.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/recordflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// metadataDeliveryCount mirrors the consumer's delivery count header.
const metadataDeliveryCount = "delivery_count"

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("channel transport is closed")

// Factory allows overriding the GoChannel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
	transport.Alias("gochannel", TransportName)
}

// Build creates a new in-process queue.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	var lock time.Duration
	if cfg != nil {
		lock = cfg.GetLockDuration()
	}
	q := New(Factory(gochannel.Config{OutputChannelBuffer: 64}, logger), lock, logger)
	return transport.Transport{
		Publisher:  q,
		Subscriber: q,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Queue is a message.Publisher and message.Subscriber with queue semantics.
type Queue struct {
	pubsub       *gochannel.GoChannel
	lockDuration time.Duration
	logger       watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	topics map[string]*topicQueue
	closed bool

	// leases maps a handed-out delivery to its lock state.
	leases sync.Map
}

// New wraps pubsub. lockDuration of zero disables lock expiry.
func New(pubsub *gochannel.GoChannel, lockDuration time.Duration, logger watermill.LoggerAdapter) *Queue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		pubsub:       pubsub,
		lockDuration: lockDuration,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		topics:       make(map[string]*topicQueue),
	}
}

// Publish enqueues messages on topic. Messages published before any
// subscriber exists are kept until one subscribes.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if _, err := q.topic(topic); err != nil {
		return err
	}
	return q.pubsub.Publish(topic, messages...)
}

// Subscribe returns a channel that competes with other subscriptions on the
// same topic. The next message is sent only after the previous one was acked,
// nacked or lost its lock.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	tq, err := q.topic(topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(out)
		q.serve(ctx, tq, out)
	}()
	return out, nil
}

// PendingCount returns the number of messages waiting for a subscriber.
func (q *Queue) PendingCount(ctx context.Context, topic string) (int64, error) {
	q.mu.Lock()
	tq, ok := q.topics[topic]
	q.mu.Unlock()
	if !ok {
		return 0, nil
	}
	return int64(tq.len()), nil
}

// Close stops all subscriptions. Pending messages are dropped.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	err := q.pubsub.Close()
	q.wg.Wait()
	return err
}

// Capabilities returns the capabilities of this transport.
func (q *Queue) Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

func (q *Queue) topic(topic string) (*topicQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if tq, ok := q.topics[topic]; ok {
		return tq, nil
	}

	upstream, err := q.pubsub.Subscribe(q.ctx, topic)
	if err != nil {
		return nil, err
	}
	tq := newTopicQueue()
	q.topics[topic] = tq

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for msg := range upstream {
			tq.push(msg.Copy())
			msg.Ack()
		}
	}()
	return tq, nil
}

func (q *Queue) serve(ctx context.Context, tq *topicQueue, out chan<- *message.Message) {
	for {
		msg, ok := tq.pull(ctx, q.ctx.Done())
		if !ok {
			return
		}

		count := 1
		if n, err := strconv.Atoi(msg.Metadata.Get(metadataDeliveryCount)); err == nil {
			count = n + 1
		}
		msg.Metadata.Set(metadataDeliveryCount, strconv.Itoa(count))

		delivery := msg.Copy()
		delivery.SetContext(ctx)

		l := &lease{}
		q.leases.Store(delivery, l)

		select {
		case out <- delivery:
		case <-ctx.Done():
			q.leases.Delete(delivery)
			tq.push(msg)
			return
		case <-q.ctx.Done():
			q.leases.Delete(delivery)
			return
		}

		settled := q.await(ctx, tq, msg, delivery, l)
		q.leases.Delete(delivery)
		if !settled {
			return
		}
	}
}

// await blocks until delivery is settled. A cancelled subscription does not
// take the delivery away from its receiver: await keeps waiting for the ack or
// nack and then reports false so the subscription ends.
func (q *Queue) await(ctx context.Context, tq *topicQueue, msg, delivery *message.Message, l *lease) bool {
	var expired <-chan time.Time
	if q.lockDuration > 0 {
		timer := time.NewTimer(q.lockDuration)
		defer timer.Stop()
		expired = timer.C
	}

	done := ctx.Done()
	open := true
	for {
		select {
		case <-delivery.Acked():
			return open
		case <-delivery.Nacked():
			if l.release() {
				tq.push(msg)
			}
			return open
		case <-expired:
			expired = nil
			if l.expire() {
				q.logger.Info("Message lock expired", watermill.LogFields{"message_uuid": msg.UUID})
				tq.push(msg)
			}
		case <-done:
			done = nil
			open = false
		case <-q.ctx.Done():
			return false
		}
	}
}

// Complete settles delivery if its lock is still held. After a successful
// call the lock can no longer expire; the caller acks delivery next.
func (q *Queue) Complete(_ context.Context, _ string, delivery *message.Message) error {
	v, ok := q.leases.Load(delivery)
	if !ok || !v.(*lease).settle() {
		return fmt.Errorf("channel: complete %s: %w", delivery.UUID, transport.ErrLockLost)
	}
	return nil
}

// lease is the lock state of one delivery.
type lease struct {
	mu      sync.Mutex
	lost    bool
	settled bool
}

// settle claims the delivery for completion unless the lock already expired.
func (l *lease) settle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return false
	}
	l.settled = true
	return true
}

// expire marks the lock lost unless the delivery was settled first.
func (l *lease) expire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return false
	}
	l.lost = true
	return true
}

// release reports whether a nacked delivery still owns its message, i.e. the
// message has not been requeued by an expired lock.
func (l *lease) release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return false
	}
	l.lost = true
	return true
}

type topicQueue struct {
	mu      sync.Mutex
	pending []*message.Message
	ready   chan struct{}
}

func newTopicQueue() *topicQueue {
	return &topicQueue{ready: make(chan struct{}, 1)}
}

func (t *topicQueue) push(msg *message.Message) {
	t.mu.Lock()
	t.pending = append(t.pending, msg)
	t.mu.Unlock()
	t.signal()
}

func (t *topicQueue) signal() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *topicQueue) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *topicQueue) pull(ctx context.Context, closing <-chan struct{}) (*message.Message, bool) {
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			msg := t.pending[0]
			t.pending[0] = nil
			t.pending = t.pending[1:]
			more := len(t.pending) > 0
			t.mu.Unlock()
			if more {
				t.signal()
			}
			return msg, true
		}
		t.mu.Unlock()

		select {
		case <-t.ready:
		case <-ctx.Done():
			return nil, false
		case <-closing:
			return nil, false
		}
	}
}

package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/runtime/envelope"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/queue"
	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/channel"
)

type pipeline struct {
	queue    *channel.Queue
	client   *queue.Client
	observer *recordingObserver
}

func newPipeline(t *testing.T, tr func(*queue.Client) queue.Transport, h Handler, maxConcurrent int) *pipeline {
	t.Helper()
	return newPipelineWithLock(t, time.Minute, tr, h, maxConcurrent)
}

func newPipelineWithLock(t *testing.T, lock time.Duration, tr func(*queue.Client) queue.Transport, h Handler, maxConcurrent int) *pipeline {
	t.Helper()
	q := channel.New(gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}), lock, watermill.NopLogger{})
	t.Cleanup(func() { _ = q.Close() })

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: time.Second}, watermill.NopLogger{})
	require.NoError(t, err)

	client, err := queue.New(transport.Transport{Publisher: q, Subscriber: q}, router, nil, loggingpkg.NewNopServiceLogger(), queue.Options{
		QueueName:          "records",
		MaxConcurrentCalls: maxConcurrent,
		LockDuration:       lock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var qt queue.Transport = client
	if tr != nil {
		qt = tr(client)
	}

	obs := &recordingObserver{}
	p, err := NewProcessor(qt, h, loggingpkg.NewNopServiceLogger(), Options{Observers: []Observer{obs}})
	require.NoError(t, err)
	require.NoError(t, p.Register())
	require.NoError(t, client.StartProcessing(context.Background()))

	return &pipeline{queue: q, client: client, observer: obs}
}

func (p *pipeline) send(t *testing.T, id, body string) {
	t.Helper()
	require.NoError(t, p.client.Send(context.Background(), message.NewMessage(id, []byte(body))))
}

func (p *pipeline) waitOutcomes(t *testing.T, n int) []Outcome {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.observer.all()) >= n }, 3*time.Second, 5*time.Millisecond)
	return p.observer.all()
}

func TestPipeline_ValidEnvelopeCompletesOnce(t *testing.T) {
	h := &countingHandler{}
	p := newPipeline(t, nil, h, 1)

	dlq, err := p.queue.Subscribe(context.Background(), "records.deadletter")
	require.NoError(t, err)

	p.send(t, "m-1", validBody)
	outcomes := p.waitOutcomes(t, 1)

	assert.Equal(t, Completed, outcomes[0].State)
	assert.Equal(t, "A1", outcomes[0].EnvelopeID)
	assert.Equal(t, 1, h.count())

	select {
	case msg := <-dlq:
		t.Fatalf("unexpected dead-letter %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipeline_MalformedBodyIsDeadLettered(t *testing.T) {
	h := &countingHandler{}
	p := newPipeline(t, nil, h, 1)

	dlq, err := p.queue.Subscribe(context.Background(), "records.deadletter")
	require.NoError(t, err)

	p.send(t, "m-1", `{not-json`)
	outcomes := p.waitOutcomes(t, 1)

	assert.Equal(t, DeadLettered, outcomes[0].State)
	assert.Equal(t, ReasonDeserializationFailed, outcomes[0].Reason)
	assert.Equal(t, 0, h.count())

	select {
	case msg := <-dlq:
		assert.Equal(t, ReasonDeserializationFailed, msg.Metadata.Get("dead_letter_reason"))
		assert.Equal(t, `{not-json`, string(msg.Payload))
		msg.Ack()
	case <-time.After(3 * time.Second):
		t.Fatal("dead-letter not published")
	}
}

// flakyComplete fails the first n Complete calls without acknowledging, as a
// lost lock would.
type flakyComplete struct {
	*queue.Client
	failures atomic.Int32
}

func (f *flakyComplete) Complete(ctx context.Context, d *queue.Delivery) error {
	if f.failures.Add(-1) >= 0 {
		return errspkg.FinalizationError{Action: "complete", MessageID: d.ID(), Err: errspkg.ErrClosed}
	}
	return f.Client.Complete(ctx, d)
}

// timedHandler records when each call started.
type timedHandler struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (h *timedHandler) ProcessEvent(context.Context, envelope.Envelope) error {
	h.mu.Lock()
	h.calls = append(h.calls, time.Now())
	h.mu.Unlock()
	return h.err
}

func (h *timedHandler) times() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.calls...)
}

func TestPipeline_RedeliveryAfterLockLossInvokesHandlerAgain(t *testing.T) {
	const lock = 200 * time.Millisecond
	h := &timedHandler{}
	p := newPipelineWithLock(t, lock, func(c *queue.Client) queue.Transport {
		f := &flakyComplete{Client: c}
		f.failures.Store(1)
		return f
	}, h, 1)

	p.send(t, "m-1", validBody)
	outcomes := p.waitOutcomes(t, 2)

	assert.Equal(t, LockLost, outcomes[0].State)
	assert.Equal(t, Completed, outcomes[1].State)
	assert.Equal(t, 2, outcomes[1].DeliveryCount)

	calls := h.times()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), lock*3/4, "redelivered before the lock expired")
}

// failingDeadLetter never manages to move a message.
type failingDeadLetter struct {
	*queue.Client
	calls atomic.Int32
}

func (f *failingDeadLetter) DeadLetter(_ context.Context, d *queue.Delivery, _, _ string) error {
	f.calls.Add(1)
	return errspkg.FinalizationError{Action: "dead-letter", MessageID: d.ID(), Err: errors.New("transport unavailable")}
}

func TestPipeline_FailedDeadLetterKeepsLock(t *testing.T) {
	h := &countingHandler{err: errors.New("boom")}
	var dl *failingDeadLetter
	p := newPipeline(t, func(c *queue.Client) queue.Transport {
		dl = &failingDeadLetter{Client: c}
		return dl
	}, h, 1)

	p.send(t, "m-1", validBody)
	outcomes := p.waitOutcomes(t, 1)
	assert.Equal(t, LockLost, outcomes[0].State)
	assert.Equal(t, ReasonProcessingFailed, outcomes[0].Reason)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.count())
	assert.Equal(t, int32(1), dl.calls.Load())
	assert.Len(t, p.observer.all(), 1)
}

func TestPipeline_StopProcessingDrainsInFlightHandler(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var handlerErr atomic.Value
	h := HandlerFunc(func(ctx context.Context, _ envelope.Envelope) error {
		once.Do(func() { close(started) })
		time.Sleep(200 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			handlerErr.Store(err)
			return err
		}
		return nil
	})
	p := newPipeline(t, nil, h, 1)

	p.send(t, "m-1", validBody)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not invoked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.client.StopProcessing(ctx))

	outcomes := p.observer.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, Completed, outcomes[0].State)
	assert.Nil(t, handlerErr.Load())
	assert.Zero(t, p.client.InFlight())
}

// orderedComplete records when each finalize call returns.
type orderedComplete struct {
	*queue.Client
	events *eventLog
}

func (o *orderedComplete) Complete(ctx context.Context, d *queue.Delivery) error {
	err := o.Client.Complete(ctx, d)
	o.events.add("finalized")
	return err
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestPipeline_SingleConcurrencySerializesFinalize(t *testing.T) {
	events := &eventLog{}
	h := HandlerFunc(func(context.Context, envelope.Envelope) error {
		events.add("started")
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	p := newPipeline(t, func(c *queue.Client) queue.Transport {
		return &orderedComplete{Client: c, events: events}
	}, h, 1)

	for i := 0; i < 5; i++ {
		p.send(t, watermill.NewUUID(), validBody)
	}
	p.waitOutcomes(t, 5)

	got := events.snapshot()
	require.Len(t, got, 10)
	for i := 0; i < len(got); i += 2 {
		assert.Equal(t, "started", got[i])
		assert.Equal(t, "finalized", got[i+1])
	}
}

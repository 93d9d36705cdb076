package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/queue"
	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/channel"
)

type fakePump struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	stopErr  error
}

func (f *fakePump) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakePump) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePump) StartProcessing(context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakePump) StopProcessing(context.Context) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakePump) Close() error {
	f.record("close")
	return nil
}

func newHost(t *testing.T, pump Pump) *Host {
	t.Helper()
	h, err := NewHost(pump, loggingpkg.NewNopServiceLogger())
	require.NoError(t, err)
	return h
}

func TestNewHost_Validation(t *testing.T) {
	_, err := NewHost(nil, loggingpkg.NewNopServiceLogger())
	assert.ErrorIs(t, err, errspkg.ErrSubscriberRequired)
	_, err = NewHost(&fakePump{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestStart_BlocksUntilCancelledThenDrains(t *testing.T) {
	pump := &fakePump{}
	h := newHost(t, pump)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	require.Eventually(t, func() bool { return len(pump.snapshot()) == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("Start returned before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, []string{"start", "stop", "close"}, pump.snapshot())
}

func TestStop_UnblocksStartAndIsIdempotent(t *testing.T) {
	pump := &fakePump{}
	h := newHost(t, pump)

	done := make(chan error, 1)
	go func() { done <- h.Start(context.Background()) }()
	require.Eventually(t, func() bool { return len(pump.snapshot()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, []string{"start", "stop", "close"}, pump.snapshot())
}

func TestStop_WithoutStart(t *testing.T) {
	pump := &fakePump{}
	h := newHost(t, pump)

	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, []string{"stop", "close"}, pump.snapshot())
	<-h.Done()
}

func TestStart_FailureReleasesTransport(t *testing.T) {
	boom := errors.New("cannot connect")
	pump := &fakePump{startErr: boom}
	h := newHost(t, pump)

	err := h.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start", "stop", "close"}, pump.snapshot())
}

func TestStart_Twice(t *testing.T) {
	pump := &fakePump{startErr: errors.New("x")}
	h := newHost(t, pump)

	_ = h.Start(context.Background())
	assert.ErrorIs(t, h.Start(context.Background()), errspkg.ErrAlreadyStarted)
}

func TestStop_ReportsErrors(t *testing.T) {
	boom := errors.New("drain failed")
	pump := &fakePump{stopErr: boom}
	h := newHost(t, pump)

	err := h.Stop(context.Background())
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, h.Stop(context.Background()), boom)
}

func TestHost_DrainsInFlightDeliveryOnCancel(t *testing.T) {
	q := channel.New(gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}), time.Minute, watermill.NopLogger{})
	t.Cleanup(func() { _ = q.Close() })

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 2 * time.Second}, watermill.NopLogger{})
	require.NoError(t, err)
	client, err := queue.New(transport.Transport{Publisher: q, Subscriber: q}, router, nil, loggingpkg.NewNopServiceLogger(), queue.Options{
		QueueName:    "records",
		LockDuration: time.Minute,
	})
	require.NoError(t, err)

	type result struct {
		ctxErr      error
		completeErr error
	}
	started := make(chan struct{})
	results := make(chan result, 1)
	require.NoError(t, client.RegisterMessageHandler(func(ctx context.Context, d *queue.Delivery) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		results <- result{ctxErr: ctx.Err(), completeErr: client.Complete(ctx, d)}
	}))

	h := newHost(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	require.NoError(t, client.Send(context.Background(), message.NewMessage("m1", []byte(`{}`))))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery not received")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}

	select {
	case r := <-results:
		assert.NoError(t, r.ctxErr)
		assert.NoError(t, r.completeErr)
	default:
		t.Fatal("Start returned before the in-flight delivery finished")
	}
	assert.Zero(t, client.InFlight())

	n, err := q.PendingCount(context.Background(), "records")
	require.NoError(t, err)
	assert.Zero(t, n)
}

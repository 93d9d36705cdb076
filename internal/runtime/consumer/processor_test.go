package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/runtime/envelope"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/internal/runtime/queue"
)

type deadLetterCall struct {
	messageID   string
	reason      string
	description string
}

type fakeTransport struct {
	mu            sync.Mutex
	completed     []string
	deadLettered  []deadLetterCall
	completeErr   error
	deadLetterErr error
	handler       queue.MessageHandler
	errHandler    queue.ErrorHandler
}

func (f *fakeTransport) Send(context.Context, *message.Message) error { return nil }

func (f *fakeTransport) RegisterMessageHandler(h queue.MessageHandler) error {
	f.handler = h
	return nil
}

func (f *fakeTransport) RegisterErrorHandler(h queue.ErrorHandler) { f.errHandler = h }
func (f *fakeTransport) StartProcessing(context.Context) error     { return nil }
func (f *fakeTransport) StopProcessing(context.Context) error      { return nil }
func (f *fakeTransport) Close() error                              { return nil }

func (f *fakeTransport) Complete(_ context.Context, d *queue.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, d.ID())
	return nil
}

func (f *fakeTransport) DeadLetter(_ context.Context, d *queue.Delivery, reason, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deadLetterErr != nil {
		return f.deadLetterErr
	}
	f.deadLettered = append(f.deadLettered, deadLetterCall{messageID: d.ID(), reason: reason, description: description})
	return nil
}

type countingHandler struct {
	mu    sync.Mutex
	calls []envelope.Envelope
	err   error
	panic any
}

func (h *countingHandler) ProcessEvent(_ context.Context, env envelope.Envelope) error {
	h.mu.Lock()
	h.calls = append(h.calls, env)
	h.mu.Unlock()
	if h.panic != nil {
		panic(h.panic)
	}
	return h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []Outcome
	transport []errspkg.TransportError
}

func (r *recordingObserver) ObserveOutcome(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recordingObserver) ObserveTransportError(err errspkg.TransportError) {
	r.mu.Lock()
	r.transport = append(r.transport, err)
	r.mu.Unlock()
}

func (r *recordingObserver) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func delivery(id, body string) *queue.Delivery {
	return queue.NewDelivery(message.NewMessage(id, []byte(body)), "records")
}

func newProcessor(t *testing.T, tr queue.Transport, h Handler, opts Options) *Processor {
	t.Helper()
	p, err := NewProcessor(tr, h, loggingpkg.NewNopServiceLogger(), opts)
	require.NoError(t, err)
	return p
}

const validBody = `{"id":"A1","eventType":"Created","firstName":"Jane"}`

func TestNewProcessor_Validation(t *testing.T) {
	log := loggingpkg.NewNopServiceLogger()
	h := &countingHandler{}

	_, err := NewProcessor(nil, h, log, Options{})
	assert.ErrorIs(t, err, errspkg.ErrSubscriberRequired)

	_, err = NewProcessor(&fakeTransport{}, nil, log, Options{})
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	_, err = NewProcessor(&fakeTransport{}, h, nil, Options{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestRegister_InstallsHandlers(t *testing.T) {
	tr := &fakeTransport{}
	p := newProcessor(t, tr, &countingHandler{}, Options{})

	require.NoError(t, p.Register())
	assert.NotNil(t, tr.handler)
	assert.NotNil(t, tr.errHandler)
}

func TestProcess_ValidEnvelopeCompletes(t *testing.T) {
	tr := &fakeTransport{}
	h := &countingHandler{}
	p := newProcessor(t, tr, h, Options{})

	out := p.Process(context.Background(), delivery("m-1", validBody))

	assert.Equal(t, Completed, out.State)
	assert.Equal(t, "A1", out.EnvelopeID)
	assert.Equal(t, envelope.Created, out.EventType)
	assert.NoError(t, out.Err)
	assert.Equal(t, []string{"m-1"}, tr.completed)
	assert.Empty(t, tr.deadLettered)
	require.Equal(t, 1, h.count())
	assert.Equal(t, "Jane", h.calls[0].FirstName)
}

func TestProcess_MalformedBodyIsDeadLetteredWithoutHandler(t *testing.T) {
	for name, body := range map[string]string{
		"not json":        `{not-json`,
		"empty":           ``,
		"missing id":      `{"eventType":"Created"}`,
		"missing type":    `{"id":"A1"}`,
		"wrong json type": `[1,2,3]`,
	} {
		t.Run(name, func(t *testing.T) {
			tr := &fakeTransport{}
			h := &countingHandler{}
			p := newProcessor(t, tr, h, Options{})

			out := p.Process(context.Background(), delivery("m-1", body))

			assert.Equal(t, DeadLettered, out.State)
			assert.Equal(t, ReasonDeserializationFailed, out.Reason)
			var derr errspkg.DeserializationError
			assert.ErrorAs(t, out.Err, &derr)
			assert.Equal(t, 0, h.count())
			require.Len(t, tr.deadLettered, 1)
			assert.Equal(t, ReasonDeserializationFailed, tr.deadLettered[0].reason)
			assert.Equal(t, "Could not deserialize message body", tr.deadLettered[0].description)
			assert.Empty(t, tr.completed)
		})
	}
}

func TestProcess_HandlerErrorIsDeadLettered(t *testing.T) {
	tr := &fakeTransport{}
	h := &countingHandler{err: errors.New("downstream unavailable")}
	p := newProcessor(t, tr, h, Options{})

	out := p.Process(context.Background(), delivery("m-1", validBody))

	assert.Equal(t, DeadLettered, out.State)
	assert.Equal(t, ReasonProcessingFailed, out.Reason)
	assert.Equal(t, 1, h.count())
	require.Len(t, tr.deadLettered, 1)
	assert.Equal(t, "downstream unavailable", tr.deadLettered[0].description)
	assert.Empty(t, tr.completed)

	var perr errspkg.ProcessingError
	require.ErrorAs(t, out.Err, &perr)
	assert.Equal(t, "A1", perr.EnvelopeID)
}

func TestProcess_HandlerPanicIsDeadLettered(t *testing.T) {
	tr := &fakeTransport{}
	h := &countingHandler{panic: "boom"}
	p := newProcessor(t, tr, h, Options{})

	out := p.Process(context.Background(), delivery("m-1", validBody))

	assert.Equal(t, DeadLettered, out.State)
	assert.Equal(t, ReasonProcessingFailed, out.Reason)
	require.Len(t, tr.deadLettered, 1)
	assert.Contains(t, tr.deadLettered[0].description, "boom")
}

func TestProcess_DeadLetterFailureIsLockLost(t *testing.T) {
	tr := &fakeTransport{deadLetterErr: errors.New("dlq unreachable")}
	h := &countingHandler{err: errors.New("bad record")}
	p := newProcessor(t, tr, h, Options{})

	out := p.Process(context.Background(), delivery("m-1", validBody))

	assert.Equal(t, LockLost, out.State)
	assert.Equal(t, ReasonProcessingFailed, out.Reason)
	var fin errspkg.FinalizationError
	require.ErrorAs(t, out.Err, &fin)
	assert.Equal(t, "dead-letter", fin.Action)
	var perr errspkg.ProcessingError
	assert.ErrorAs(t, out.Err, &perr)
}

func TestProcess_CompleteFailureIsLockLost(t *testing.T) {
	tr := &fakeTransport{completeErr: errspkg.FinalizationError{Action: "complete", MessageID: "m-1", Err: errors.New("lock expired")}}
	p := newProcessor(t, tr, &countingHandler{}, Options{})

	out := p.Process(context.Background(), delivery("m-1", validBody))

	assert.Equal(t, LockLost, out.State)
	assert.Empty(t, out.Reason)
	var fin errspkg.FinalizationError
	require.ErrorAs(t, out.Err, &fin)
	assert.Equal(t, "complete", fin.Action)
}

func TestProcess_MaxDeliveryCountExceeded(t *testing.T) {
	tr := &fakeTransport{}
	h := &countingHandler{}
	p := newProcessor(t, tr, h, Options{MaxDeliveryCount: 3})

	d := delivery("m-1", validBody)
	d.Message().Metadata.Set(metadatapkg.KeyDeliveryCount, "4")
	out := p.Process(context.Background(), d)

	assert.Equal(t, DeadLettered, out.State)
	assert.Equal(t, ReasonMaxDeliveryCountExceeded, out.Reason)
	assert.Equal(t, 4, out.DeliveryCount)
	assert.Equal(t, 0, h.count())
	require.Len(t, tr.deadLettered, 1)
	assert.Equal(t, ReasonMaxDeliveryCountExceeded, tr.deadLettered[0].reason)
}

func TestProcess_DeliveryCountAtBoundStillProcesses(t *testing.T) {
	tr := &fakeTransport{}
	h := &countingHandler{}
	p := newProcessor(t, tr, h, Options{MaxDeliveryCount: 3})

	d := delivery("m-1", validBody)
	d.Message().Metadata.Set(metadatapkg.KeyDeliveryCount, "3")
	out := p.Process(context.Background(), d)

	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 1, h.count())
}

func TestProcess_ZeroMaxDeliveryCountDisablesBound(t *testing.T) {
	tr := &fakeTransport{}
	h := &countingHandler{}
	p := newProcessor(t, tr, h, Options{})

	d := delivery("m-1", validBody)
	d.Message().Metadata.Set(metadatapkg.KeyDeliveryCount, "1000")
	out := p.Process(context.Background(), d)

	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 1, h.count())
}

func TestProcess_HooksAndObservers(t *testing.T) {
	var started, done, failed int
	hooks := JobHooks{
		OnJobStart: func(JobContext) { started++ },
		OnJobDone:  func(JobContext) { done++ },
		OnJobError: func(JobContext, error) { failed++ },
	}
	obs := &recordingObserver{}
	tr := &fakeTransport{}
	h := &countingHandler{}
	p := newProcessor(t, tr, h, Options{Hooks: hooks, Observers: []Observer{obs}})

	p.Process(context.Background(), delivery("m-1", validBody))
	h.err = errors.New("fail")
	p.Process(context.Background(), delivery("m-2", validBody))
	p.Process(context.Background(), delivery("m-3", `{not-json`))

	assert.Equal(t, 2, started)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, failed)

	outcomes := obs.all()
	require.Len(t, outcomes, 3)
	assert.Equal(t, Completed, outcomes[0].State)
	assert.Equal(t, DeadLettered, outcomes[1].State)
	assert.Equal(t, ReasonDeserializationFailed, outcomes[2].Reason)
}

func TestHandleError_LogsAndNotifies(t *testing.T) {
	obs := &recordingObserver{}
	p := newProcessor(t, &fakeTransport{}, &countingHandler{}, Options{Observers: []Observer{obs}})

	p.HandleError(context.Background(), errspkg.TransportError{Source: queue.SourceReceive, EntityPath: "records", Err: errors.New("connection reset")})

	require.Len(t, obs.transport, 1)
	assert.Equal(t, "records", obs.transport[0].EntityPath)
}

func TestHandlerFunc(t *testing.T) {
	var got string
	h := HandlerFunc(func(_ context.Context, env envelope.Envelope) error {
		got = env.ID
		return nil
	})
	require.NoError(t, h.ProcessEvent(context.Background(), envelope.Envelope{ID: "x"}))
	assert.Equal(t, "x", got)
}

func TestLoggingHandler(t *testing.T) {
	h := LoggingHandler(loggingpkg.NewNopServiceLogger())
	assert.NoError(t, h.ProcessEvent(context.Background(), envelope.Envelope{ID: "x", EventType: envelope.Created}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Received", Received.String())
	assert.Equal(t, "LockLost", LockLost.String())
	assert.Equal(t, "Unknown", State(42).String())
	assert.True(t, Completed.Terminal())
	assert.True(t, LockLost.Terminal())
	assert.False(t, Processing.Terminal())
}

func TestProcess_HandlerSeesDeliveryInfo(t *testing.T) {
	var info DeliveryInfo
	var ok bool
	h := HandlerFunc(func(ctx context.Context, _ envelope.Envelope) error {
		info, ok = DeliveryInfoFromContext(ctx)
		return nil
	})
	p := newProcessor(t, &fakeTransport{}, h, Options{})

	out := p.Process(context.Background(), delivery("m-7", validBody))
	require.Equal(t, Completed, out.State)
	require.True(t, ok)
	assert.Equal(t, "m-7", info.MessageID)
	assert.Equal(t, "records", info.Queue)

	_, ok = DeliveryInfoFromContext(context.Background())
	assert.False(t, ok)
}

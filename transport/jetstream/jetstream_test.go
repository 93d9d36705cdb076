package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/transporttest"
)

func TestRegistration(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.DefaultRegistry.Has("nats-jetstream"))
	caps := Capabilities()
	assert.True(t, caps.TracksDeliveryCount)
	assert.True(t, caps.SupportsLockExpiry)
}

func TestBuild_RequiresConnectionString(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection string")
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(&transporttest.Config{
		ConnectionString: "nats://localhost:4222",
		JetStreamStream:  "RECORDS",
		LockDuration:     45 * time.Second,
	})

	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "RECORDS", cfg.StreamName)
	assert.Equal(t, 45*time.Second, cfg.AckWait)
	assert.Equal(t, -1, cfg.MaxDeliver)
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, -1, cfg.MaxDeliver)
	assert.Equal(t, 1, cfg.Replicas)

	custom := Config{StreamName: "S", AckWait: time.Second, MaxDeliver: 5, Replicas: 3}.withDefaults()
	assert.Equal(t, "S", custom.StreamName)
	assert.Equal(t, time.Second, custom.AckWait)
	assert.Equal(t, 5, custom.MaxDeliver)
	assert.Equal(t, 3, custom.Replicas)
}

func TestTopicToConsumer(t *testing.T) {
	assert.Equal(t, "recordflow_records", topicToConsumer("records"))
	assert.Equal(t, "recordflow_records_deadletter", topicToConsumer("records.deadletter"))
}

func TestTopicToSubject(t *testing.T) {
	tr := &Transport{config: Config{StreamName: "RECORDFLOW"}}
	assert.Equal(t, "RECORDFLOW.records", tr.topicToSubject("records"))
}

func TestMessageConversion(t *testing.T) {
	msg := message.NewMessage("01HZX3", []byte(`{"id":"a"}`))
	msg.Metadata.Set("event_type", "Created")

	natsMsg := watermillToNATS("RECORDFLOW.records", msg)
	assert.Equal(t, "RECORDFLOW.records", natsMsg.Subject)
	assert.Equal(t, "01HZX3", natsMsg.Header.Get(nats.MsgIdHdr))

	back := natsToWatermill(natsMsg)
	assert.Equal(t, "01HZX3", back.UUID)
	assert.Equal(t, "Created", back.Metadata.Get("event_type"))
	assert.Empty(t, back.Metadata.Get(nats.MsgIdHdr))
	assert.Equal(t, []byte(`{"id":"a"}`), []byte(back.Payload))
	// Core messages carry no JetStream reply metadata.
	assert.Empty(t, back.Metadata.Get("delivery_count"))
}

func TestNatsToWatermill_GeneratesIDWhenMissing(t *testing.T) {
	back := natsToWatermill(&nats.Msg{Subject: "x", Data: []byte("{}"), Header: nats.Header{}})
	assert.NotEmpty(t, back.UUID)
}

func TestClosedTransport(t *testing.T) {
	tr := &Transport{closed: true, closedChan: make(chan struct{})}
	assert.ErrorIs(t, tr.Publish("records", message.NewMessage("1", nil)), ErrClosed)
	_, err := tr.Subscribe(context.Background(), "records")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, tr.Close())
}

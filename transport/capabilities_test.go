package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_RequiresDLQEmulation(t *testing.T) {
	assert.False(t, Capabilities{SupportsNativeDLQ: true}.RequiresDLQEmulation())
	assert.True(t, Capabilities{}.RequiresDLQEmulation())
}

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{name: "ack and nack", caps: Capabilities{SupportsAck: true, SupportsNack: true}, want: true},
		{name: "ack only", caps: Capabilities{SupportsAck: true}, want: false},
		{name: "nack only", caps: Capabilities{SupportsNack: true}, want: false},
		{name: "neither", caps: Capabilities{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	all := []Capabilities{
		ChannelCapabilities,
		KafkaCapabilities,
		RabbitMQCapabilities,
		NATSCapabilities,
		JetStreamCapabilities,
		AWSCapabilities,
		PostgresCapabilities,
	}
	for _, caps := range all {
		t.Run(caps.Name, func(t *testing.T) {
			assert.NotEmpty(t, caps.Name)
			assert.True(t, caps.SupportsReliableDelivery())
		})
	}

	assert.True(t, PostgresCapabilities.SupportsNativeDLQ)
	assert.True(t, PostgresCapabilities.TracksDeliveryCount)
	assert.True(t, JetStreamCapabilities.TracksDeliveryCount)
	assert.True(t, ChannelCapabilities.TracksDeliveryCount)
	assert.True(t, AWSCapabilities.RequiresDLQEmulation())
}

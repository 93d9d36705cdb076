// Package transporttest holds helpers shared by transport tests.
package transporttest

import "time"

// Config is a settable transport.Config.
type Config struct {
	PubSubSystem       string
	ConnectionString   string
	LockDuration       time.Duration
	MaxDeliveryCount   int
	KafkaBrokers       []string
	KafkaConsumerGroup string
	JetStreamStream    string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetPubSubSystem() string        { return c.PubSubSystem }
func (c *Config) GetConnectionString() string    { return c.ConnectionString }
func (c *Config) GetLockDuration() time.Duration { return c.LockDuration }
func (c *Config) GetMaxDeliveryCount() int       { return c.MaxDeliveryCount }
func (c *Config) GetKafkaBrokers() []string      { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string  { return c.KafkaConsumerGroup }
func (c *Config) GetJetStreamStream() string     { return c.JetStreamStream }
func (c *Config) GetAWSRegion() string           { return c.AWSRegion }
func (c *Config) GetAWSAccessKeyID() string      { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string  { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string         { return c.AWSEndpoint }

package kafkaconsumer

import (
	"time"

	"github.com/IBM/sarama"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	// RetryBackoff is the pause after a failed Consume before rejoining.
	RetryBackoff time.Duration
	// H3Res is the resolution of the hotness cells reset per event.
	H3Res int
	// SeenIDs bounds the replay filter.
	SeenIDs int
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "hazard-invalidation"
	}
	if c.GroupID == "" {
		c.GroupID = "hazard-aggregator"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.H3Res <= 0 {
		c.H3Res = 8
	}
	if c.SeenIDs <= 0 {
		c.SeenIDs = 4096
	}
	return c
}

// SaramaConfig is the consumer group configuration Start uses.
func (c Config) SaramaConfig() *sarama.Config {
	c = c.withDefaults()
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	if c.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	return cfg
}

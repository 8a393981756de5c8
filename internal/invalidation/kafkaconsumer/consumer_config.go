package kafkaconsumer

import (
	"time"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	DedupSize           int
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	RetryBackoff        time.Duration
}

func FromConfig(c config.InvalidationCfg) Config {
	return Config{
		Brokers:             c.Brokers,
		Topic:               c.Topic,
		GroupID:             c.GroupID,
		DedupSize:           c.DedupSize,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: true,
		RetryBackoff:        2 * time.Second,
	}
}

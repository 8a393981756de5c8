// Package kafkaconsumer applies invalidation events from Kafka to the result
// cache through its H3 cell index.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/building-footprints/internal/cache/keys"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	obs "github.com/mohammed-shakir/building-footprints/internal/core/observability"
	"github.com/mohammed-shakir/building-footprints/internal/invalidation"
	"github.com/mohammed-shakir/building-footprints/internal/mapper"
)

// Invalidator is the cache side. *resultcache.Cache satisfies it.
type Invalidator interface {
	InvalidateCells(ctx context.Context, cells []string, match func(key string) bool) (int, error)
	IndexRes() int
}

type CellMapper interface {
	mapper.Interface
	AtResolution(cells []string, res int) (model.Cells, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	cache  Invalidator
	mapper CellMapper
	ver    *versionDedupe
}

func New(cfg Config, logger *slog.Logger, c Invalidator, m CellMapper) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger.With("component", "kafka_consumer"),
		cache:  c,
		mapper: m,
		ver:    newVersionDedupe(cfg.DedupSize),
	}
}

// Start consumes until ctx is done. Group errors are logged and retried.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil || c.mapper == nil {
		return errors.New("kafkaconsumer: missing dependencies (cache/mapper)")
	}
	if len(c.cfg.Brokers) == 0 || c.cfg.Topic == "" {
		return errors.New("kafkaconsumer: brokers and topic are required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}
	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka consumer error", "err", err, "topic", c.cfg.Topic)
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.RetryBackoff):
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		}
	}
}

// ProcessOne applies a single message. Malformed events are dropped with a
// log line; cache failures are returned so the offset is not committed.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	log := c.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncInvalidation("invalid")
		log.WarnContext(ctx, "dropping undecodable invalidation event", "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncInvalidation("invalid")
		log.WarnContext(ctx, "dropping invalid invalidation event", "err", err, "dataset", ev.Dataset)
		return nil
	}

	cells, err := c.cellsForEvent(ev)
	if err != nil {
		obs.IncInvalidation("invalid")
		log.WarnContext(ctx, "dropping unmappable invalidation event", "err", err, "dataset", ev.Dataset)
		return nil
	}

	fresh := make([]string, 0, len(cells))
	for _, cell := range cells {
		if !c.ver.stale(dedupeKey(ev.Dataset, cell), ev.Version) {
			fresh = append(fresh, cell)
		}
	}
	if len(fresh) == 0 {
		obs.IncInvalidation("skip_version")
		log.DebugContext(ctx, "invalidation already applied", "dataset", ev.Dataset, "version", ev.Version)
		return nil
	}

	n, err := c.cache.InvalidateCells(ctx, fresh, matchDataset(ev))
	if err != nil {
		obs.IncInvalidation("error")
		log.ErrorContext(ctx, "invalidation failed", "err", err, "dataset", ev.Dataset, "cells", len(fresh))
		return fmt.Errorf("invalidate cells: %w", err)
	}
	for _, cell := range fresh {
		c.ver.mark(dedupeKey(ev.Dataset, cell), ev.Version)
	}

	obs.IncInvalidation("applied")
	obs.AddInvalidatedKeys(n)
	log.InfoContext(ctx, "invalidated cached results",
		"op", ev.Op, "dataset", ev.Dataset, "version", ev.Version,
		"cells", len(fresh), "keys", n, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// cellsForEvent maps the event area onto cells at the index resolution.
func (c *Consumer) cellsForEvent(ev invalidation.Event) (model.Cells, error) {
	res := c.cache.IndexRes()
	if len(ev.H3Cells) > 0 {
		cells, err := c.mapper.AtResolution(ev.H3Cells, res)
		if err != nil {
			return nil, fmt.Errorf("cells at res %d: %w", res, err)
		}
		return cells, nil
	}
	area, err := ev.Area()
	if err != nil {
		return nil, err
	}
	cells, err := c.mapper.CellsForGeometry(area, res)
	if err != nil {
		return nil, fmt.Errorf("cells for geometry: %w", err)
	}
	return cells, nil
}

func matchDataset(ev invalidation.Event) func(string) bool {
	if ev.Dataset == invalidation.AllDatasets {
		return nil
	}
	prefix := keys.ProviderPrefix(ev.Dataset)
	return func(k string) bool { return strings.HasPrefix(k, prefix) }
}

func dedupeKey(dataset, cell string) string {
	return strings.ToLower(dataset) + "|" + cell
}

// Package fetchevents publishes one audit event per served building request
// to Kafka without ever blocking the request path.
package fetchevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/observability"
)

type Event struct {
	Provider  string    `json:"provider"`
	Lon       float64   `json:"lon"`
	Lat       float64   `json:"lat"`
	Count     int       `json:"count"`
	Truncated bool      `json:"truncated"`
	Cached    bool      `json:"cached"`
	RequestID string    `json:"request_id,omitempty"`
	TS        time.Time `json:"ts"`
}

// Sink accepts events. Publish never blocks.
type Sink interface {
	Publish(ev Event) bool
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) bool { return false }

type Publisher struct {
	topic     string
	events    chan Event
	prod      sarama.AsyncProducer
	log       *slog.Logger
	stopped   chan struct{}
	closeOnce sync.Once
}

// Dial connects an async producer for cfg. It returns Nop when no brokers or
// topic are configured.
func Dial(cfg config.FetchEventsCfg, log *slog.Logger) (Sink, func() error, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return Nop{}, func() error { return nil }, nil
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false
	sc.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetchevents: create async producer: %w", err)
	}
	p := New(prod, cfg.Topic, cfg.Queue, log)
	return p, p.Close, nil
}

// New starts publishing to topic through prod. The publisher owns prod.
func New(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log.With("component", "fetch_events"),
		stopped: make(chan struct{}),
	}
	go p.pump()
	go func() {
		for err := range prod.Errors() {
			if err != nil {
				p.log.Warn("fetch event not delivered", "err", err)
			}
		}
	}()
	return p
}

func (p *Publisher) pump() {
	defer close(p.stopped)
	for ev := range p.events {
		b, err := json.Marshal(ev)
		if err != nil {
			p.log.Warn("fetch event marshal failed", "err", err)
			continue
		}
		p.prod.Input() <- &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(ev.Provider),
			Value: sarama.ByteEncoder(b),
		}
	}
}

// Publish queues ev and reports whether it was accepted. A full queue drops
// the event.
func (p *Publisher) Publish(ev Event) bool {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	select {
	case p.events <- ev:
		return true
	default:
		observability.IncFetchEventsDropped()
		return false
	}
}

// Close drains queued events and closes the producer. Publish must not be
// called concurrently with or after Close.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.events)
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("fetchevents: close producer: %w", cerr)
		}
	})
	return err
}

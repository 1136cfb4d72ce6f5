// Package hitevents publishes one event per aggregated hazard query to Kafka.
package hitevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/observability"
)

type QueryEvent struct {
	ID         string    `json:"id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Radius     float64   `json:"radiusMeters"`
	Cell       string    `json:"cell,omitempty"`
	Sources    []string  `json:"sources"`
	Count      int       `json:"count"`
	DurationMS int64     `json:"durationMs"`
	TS         time.Time `json:"ts"`
}

// NewQueryEvent returns ev with a fresh ID if it has none.
func NewQueryEvent(ev QueryEvent) QueryEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev
}

type Publisher struct {
	topic   string
	events  chan QueryEvent
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	errDone chan struct{}

	mu     sync.RWMutex
	closed bool
}

// ProducerConfig is the sarama configuration used by NewPublisher.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return cfg
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	prod, err := sarama.NewAsyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("hitevents: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer wraps an existing producer. The publisher owns it from now
// on and closes it in Close.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan QueryEvent, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("hitevents: marshal failed", "error", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Cell),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncHitEvent("error")
				p.log.Warn("hitevents: producer error", "error", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev, dropping it when the queue is full or the publisher
// is closed.
func (p *Publisher) Publish(ev QueryEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		observability.IncHitEvent("closed")
		return
	}
	select {
	case p.events <- ev:
		observability.IncHitEvent("queued")
	default:
		observability.IncHitEvent("dropped")
	}
}

// Close flushes queued events and closes the producer. Later calls are no-ops.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.stopped

	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("hitevents: close producer: %w", err)
	}
	return nil
}

// Command invalidate publishes one tile invalidation event, e.g. after a
// road authority reports a closure inside an area.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/hazard-aggregator/internal/core/model"
	"github.com/mohammed-shakir/hazard-aggregator/internal/invalidation"
)

type options struct {
	brokers string
	topic   string
	bbox    string
	source  string
	op      string
	id      string
}

func parseBBox(s string) (*invalidation.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, errors.New("bbox must be minLon,minLat,maxLon,maxLat")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox value %q: %w", p, err)
		}
		v[i] = f
	}
	return &invalidation.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3], SRID: "EPSG:4326"}, nil
}

func buildEvent(o options, now time.Time) (invalidation.Event, error) {
	bb, err := parseBBox(o.bbox)
	if err != nil {
		return invalidation.Event{}, err
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	ev := invalidation.Event{
		Version: 1,
		ID:      id,
		Op:      o.op,
		Source:  model.Source(strings.ToLower(strings.TrimSpace(o.source))),
		TS:      now.UTC(),
		BBox:    bb,
	}
	if err := ev.Validate(); err != nil {
		return invalidation.Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return ev, nil
}

func publish(prod sarama.SyncProducer, topic string, ev invalidation.Event) (int32, int64, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("encode: %w", err)
	}
	part, off, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.ID),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("send message: %w", err)
	}
	return part, off, nil
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	return cfg
}

func main() {
	var o options
	flag.StringVar(&o.brokers, "brokers", "localhost:9092", "Comma-separated Kafka brokers")
	flag.StringVar(&o.topic, "topic", "hazard-invalidation", "Invalidation topic")
	flag.StringVar(&o.bbox, "bbox", "", "Area as minLon,minLat,maxLon,maxLat")
	flag.StringVar(&o.source, "source", "", "Limit to one cached source (osm, tomtom)")
	flag.StringVar(&o.op, "op", "update", "insert|update|delete")
	flag.StringVar(&o.id, "id", "", "Event ID (random when empty)")
	flag.Parse()

	ev, err := buildEvent(o, time.Now())
	if err != nil {
		log.Fatalf("%v", err)
	}

	prod, err := sarama.NewSyncProducer(strings.Split(o.brokers, ","), producerConfig())
	if err != nil {
		log.Fatalf("producer create: %v", err)
	}
	defer func() { _ = prod.Close() }()

	part, off, err := publish(prod, o.topic, ev)
	if err != nil {
		log.Printf("publish: %v", err)
		return
	}
	log.Printf("published %s to %s partition=%d offset=%d", ev.ID, o.topic, part, off)
}

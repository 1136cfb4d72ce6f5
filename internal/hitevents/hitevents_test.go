package hitevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewQueryEvent_AssignsID(t *testing.T) {
	ev := NewQueryEvent(QueryEvent{Lat: 1})
	if _, err := uuid.Parse(ev.ID); err != nil {
		t.Fatalf("expected uuid id, got %q: %v", ev.ID, err)
	}
	kept := NewQueryEvent(QueryEvent{ID: "fixed"})
	if kept.ID != "fixed" {
		t.Fatalf("existing id overwritten: %q", kept.ID)
	}
}

func TestPublisher_PublishesJSON(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, ProducerConfig())
	mp.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev QueryEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.ID != "q-1" || ev.Count != 3 || ev.Cell != "88195d2b1dfffff" {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		return nil
	})

	p := NewWithProducer(mp, "hazard-queries", 4, discard())
	p.Publish(QueryEvent{
		ID:      "q-1",
		Lat:     51.5,
		Lon:     -0.12,
		Radius:  1000,
		Cell:    "88195d2b1dfffff",
		Sources: []string{"community", "osm"},
		Count:   3,
		TS:      time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	})

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublisher_ProducerErrorsDoNotBlock(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, ProducerConfig())
	mp.ExpectInputAndFail(errors.New("broker down"))
	mp.ExpectInputAndSucceed()

	p := NewWithProducer(mp, "t", 4, discard())
	p.Publish(NewQueryEvent(QueryEvent{}))
	p.Publish(NewQueryEvent(QueryEvent{}))

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	p := &Publisher{events: make(chan QueryEvent, 1)}
	p.Publish(QueryEvent{ID: "a"})
	p.Publish(QueryEvent{ID: "b"})

	if got := len(p.events); got != 1 {
		t.Fatalf("queue len = %d, want 1", got)
	}
	if ev := <-p.events; ev.ID != "a" {
		t.Fatalf("kept %q, want the first event", ev.ID)
	}
}

func TestPublisher_PublishAfterCloseIsDropped(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, ProducerConfig())
	p := NewWithProducer(mp, "t", 4, discard())
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// late handlers still running after shutdown
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Publish(NewQueryEvent(QueryEvent{}))
		}()
	}
	wg.Wait()

	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestProducerConfig(t *testing.T) {
	cfg := ProducerConfig()
	if !cfg.Producer.Return.Errors || cfg.Producer.Return.Successes {
		t.Fatalf("unexpected return settings: %+v", cfg.Producer.Return)
	}
	if cfg.Producer.RequiredAcks != sarama.WaitForLocal {
		t.Fatalf("acks = %v", cfg.Producer.RequiredAcks)
	}
}

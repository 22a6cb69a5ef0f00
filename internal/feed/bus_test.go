package feed_test

import (
	"testing"
	"time"

	"parley/internal/feed"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	bus := feed.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(feed.Event{Type: feed.TypeBeatOpened, ExchangeID: "ex-1", Beat: 1})

	select {
	case e := <-ch:
		if e.Type != feed.TypeBeatOpened || e.ExchangeID != "ex-1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.TS.IsZero() {
			t.Fatal("publish must stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeExchangeFilters(t *testing.T) {
	bus := feed.NewBus()
	defer bus.Close()
	ch, cancel := bus.SubscribeExchange("ex-2")
	defer cancel()

	bus.Publish(feed.Event{Type: feed.TypeOutcome, ExchangeID: "ex-1"})
	bus.Publish(feed.Event{Type: feed.TypeOutcome, ExchangeID: "ex-2"})

	select {
	case e := <-ch:
		if e.ExchangeID != "ex-2" {
			t.Fatalf("filter leaked exchange %s", e.ExchangeID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event: %+v", e)
	default:
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	bus := feed.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Fill the buffer without draining, then one more.
	for i := 0; i < cap(ch)+5; i++ {
		bus.Publish(feed.Event{Type: feed.TypeOutcome, ExchangeID: "ex-1", Beat: i})
	}
	if got := bus.Dropped(); got != 5 {
		t.Fatalf("expected 5 dropped events, got %d", got)
	}
	// The buffered events are still intact and in order.
	first := <-ch
	if first.Beat != 0 {
		t.Fatalf("expected oldest event first, got beat %d", first.Beat)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := feed.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(feed.Event{Type: feed.TypeOutcome})
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	bus := feed.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after bus close")
	}
	// Subscribing after close yields a closed channel.
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()
	if _, ok := <-ch2; ok {
		t.Fatal("expected closed channel from post-close subscribe")
	}
	bus.Publish(feed.Event{Type: feed.TypeOutcome})
	bus.Close()
}

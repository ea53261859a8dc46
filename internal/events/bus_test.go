package events

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestBusRoutesByTopic(t *testing.T) {
	b := NewBus()
	msgs, cancel := b.Subscribe(4, EventTradeSettled, EventBalanceUpdated)
	defer cancel()

	b.Publish(EventTradeOpened, "not subscribed")
	b.Publish(EventTradeSettled, "settled")
	b.Publish(EventBalanceUpdated, "balance")

	got := receive(t, msgs)
	if got.Event != EventTradeSettled || got.Payload != "settled" {
		t.Fatalf("unexpected first message: %+v", got)
	}
	got = receive(t, msgs)
	if got.Event != EventBalanceUpdated || got.Payload != "balance" {
		t.Fatalf("unexpected second message: %+v", got)
	}
	select {
	case m := <-msgs:
		t.Fatalf("unsubscribed topic leaked through: %+v", m)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus()
	msgs, cancel := b.Subscribe(1, EventTradeSettled)

	cancel()
	cancel() // second call is a no-op

	if _, ok := <-msgs; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// Publishing after cancel must not panic.
	b.Publish(EventTradeSettled, "late")
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	b := NewBus()
	msgs, cancel := b.Subscribe(1, EventBalanceUpdated)
	defer cancel()

	b.Publish(EventBalanceUpdated, 1)
	b.Publish(EventBalanceUpdated, 2)

	if m := receive(t, msgs); m.Payload != 1 {
		t.Fatalf("expected the first payload, got %+v", m)
	}
	select {
	case m := <-msgs:
		t.Fatalf("overflow message should have been dropped, got %+v", m)
	default:
	}
}

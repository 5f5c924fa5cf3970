package inproc

import (
	"context"
	"errors"
	"testing"

	"traffic_marl/internal/messaging"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := New(4)
	a, err := bus.Subscribe("t/x/out")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, err := bus.Subscribe("t/x/out", "t/y/out")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if err := bus.Publish(context.Background(), "t/x/out", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, sub := range map[string]messaging.Subscription{"a": a, "b": b} {
		select {
		case got := <-sub.Messages():
			if string(got) != "hello" {
				t.Fatalf("%s got %q", name, got)
			}
		default:
			t.Fatalf("%s received nothing", name)
		}
	}
}

func TestPublishUnknownTopic(t *testing.T) {
	bus := New(1)
	if err := bus.Publish(context.Background(), "nobody", nil); !errors.Is(err, messaging.ErrTopicNotRegistered) {
		t.Fatalf("expected ErrTopicNotRegistered, got %v", err)
	}
	bus.Register("nobody")
	if err := bus.Publish(context.Background(), "nobody", nil); err != nil {
		t.Fatalf("registered topic without subscribers should accept: %v", err)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	bus := New(1)
	if _, err := bus.Subscribe("q"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), "q", []byte("1")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := bus.Publish(context.Background(), "q", []byte("2")); !errors.Is(err, messaging.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := New(2)
	sub, _ := bus.Subscribe("c")
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatalf("expected closed channel")
	}
	if err := bus.Publish(context.Background(), "c", []byte("x")); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	_ = sub.Close()
	_ = bus.Close()
	if err := bus.Publish(context.Background(), "c", nil); !errors.Is(err, messaging.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

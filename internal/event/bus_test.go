package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalfleet/signalfleet/pkg/plugin"
	"go.uber.org/zap"
)

func TestPublishDeliversToTopicHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var got []string
	bus.Subscribe("device.registered", func(ctx context.Context, e plugin.Event) {
		got = append(got, e.Topic)
	})
	bus.Subscribe("device.offline", func(ctx context.Context, e plugin.Event) {
		t.Error("handler for unrelated topic called")
	})

	if err := bus.Publish(context.Background(), plugin.Event{Topic: "device.registered", Source: "fleet"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(got) != 1 || got[0] != "device.registered" {
		t.Errorf("got %v, want one device.registered delivery", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())

	calls := 0
	unsub := bus.Subscribe("device.status", func(ctx context.Context, e plugin.Event) {
		calls++
	})

	bus.Publish(context.Background(), plugin.Event{Topic: "device.status"})
	unsub()
	bus.Publish(context.Background(), plugin.Event{Topic: "device.status"})

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestPublishRecoversFromPanic(t *testing.T) {
	bus := NewBus(zap.NewNop())

	bus.Subscribe("boom", func(ctx context.Context, e plugin.Event) {
		panic("handler failure")
	})

	reached := false
	bus.Subscribe("boom", func(ctx context.Context, e plugin.Event) {
		reached = true
	})

	if err := bus.Publish(context.Background(), plugin.Event{Topic: "boom"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !reached {
		t.Error("panicking handler prevented later handlers from running")
	}
}

func TestPublishAsync(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe("async", func(ctx context.Context, e plugin.Event) {
		wg.Done()
	})

	bus.PublishAsync(context.Background(), plugin.Event{Topic: "async"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

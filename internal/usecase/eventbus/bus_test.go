package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ble-bridge/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventCharacteristicValueChanged, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventCharacteristicValueChanged {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventCharacteristicValueChanged))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventCharacteristicValueChanged))
	bus.Publish(context.Background(), newEvent(domain.EventGATTServerDisconnected))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventGATTServerDisconnected, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	unsub() // second call is a no-op
	bus.Publish(context.Background(), newEvent(domain.EventGATTServerDisconnected))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestUnsubscribeDoesNotAffectOthers(t *testing.T) {
	bus := newTestBus()

	var first, second atomic.Int32
	unsub := bus.Subscribe(domain.EventCharacteristicValueChanged, func(_ context.Context, _ domain.Event) {
		first.Add(1)
	})
	bus.Subscribe(domain.EventCharacteristicValueChanged, func(_ context.Context, _ domain.Event) {
		second.Add(1)
	})

	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventCharacteristicValueChanged))
	bus.Close()

	if first.Load() != 0 {
		t.Fatalf("disposed handler was invoked %d times", first.Load())
	}
	if second.Load() != 1 {
		t.Fatalf("surviving handler expected 1, got %d", second.Load())
	}
}

func TestPerTypeOrdering(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var order []int
	bus.Subscribe(domain.EventCharacteristicValueChanged, func(_ context.Context, e domain.Event) {
		mu.Lock()
		order = append(order, len(e.Payload))
		mu.Unlock()
	})

	for i := 1; i <= 5; i++ {
		ev := newEvent(domain.EventCharacteristicValueChanged)
		ev.Payload = make([]byte, i)
		bus.Publish(context.Background(), ev)
	}
	bus.Close()

	for i, n := range order {
		if n != i+1 {
			t.Fatalf("delivery out of order: %v", order)
		}
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventCharacteristicValueChanged, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventCharacteristicValueChanged))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventGATTServerDisconnected))
	bus.Close() // idempotent

	if got.Load() != 0 {
		t.Fatalf("expected 0 after close, got %d", got.Load())
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventCharacteristicValueChanged, func(_ context.Context, _ domain.Event) {
		panic("handler bug")
	})
	bus.Subscribe(domain.EventCharacteristicValueChanged, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventCharacteristicValueChanged))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("panicking handler took down delivery, got %d", got.Load())
	}
}

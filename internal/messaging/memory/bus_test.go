package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func closeBus(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Close(ctx); err != nil {
		t.Fatalf("close bus: %v", err)
	}
}

func waitBus(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Wait(ctx); err != nil {
		t.Fatalf("wait bus: %v", err)
	}
}

func TestBus_FanOutToEverySubscriber(t *testing.T) {
	bus := NewBus(WithWorkers(2))
	defer closeBus(t, bus)

	var first, second, other int32
	bus.Subscribe(domain.EventOrderCreated, func(context.Context, domain.Event) error {
		atomic.AddInt32(&first, 1)
		return nil
	})
	bus.Subscribe(domain.EventOrderCreated, func(context.Context, domain.Event) error {
		atomic.AddInt32(&second, 1)
		return nil
	})
	bus.Subscribe(domain.EventOrderCancelled, func(context.Context, domain.Event) error {
		atomic.AddInt32(&other, 1)
		return nil
	})

	if err := bus.Publish(context.Background(), domain.Event{Type: domain.EventOrderCreated, OrderID: "o-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitBus(t, bus)

	if first != 1 || second != 1 || other != 0 {
		t.Fatalf("unexpected deliveries: first=%d second=%d other=%d", first, second, other)
	}
}

func TestBus_RedeliversUntilHandlerSucceeds(t *testing.T) {
	bus := NewBus(WithRetryDelay(time.Millisecond), WithMaxDeliveries(5))
	defer closeBus(t, bus)

	var calls int32
	bus.Subscribe(domain.EventOrderCreated, func(context.Context, domain.Event) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err := bus.Publish(context.Background(), domain.Event{Type: domain.EventOrderCreated, OrderID: "o-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitBus(t, bus)

	if calls != 3 {
		t.Fatalf("expected 3 deliveries, got %d", calls)
	}
	if len(bus.DeadLetters()) != 0 {
		t.Fatal("successful redelivery must not dead-letter")
	}
}

func TestBus_DeadLettersAfterMaxDeliveries(t *testing.T) {
	bus := NewBus(WithRetryDelay(time.Millisecond), WithMaxDeliveries(2))
	defer closeBus(t, bus)

	bus.Subscribe(domain.EventOrderCreated, func(context.Context, domain.Event) error {
		panic("boom")
	})

	if err := bus.Publish(context.Background(), domain.Event{Type: domain.EventOrderCreated, OrderID: "o-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitBus(t, bus)

	dead := bus.DeadLetters()
	if len(dead) != 1 || dead[0].Attempts != 2 || dead[0].Event.OrderID != "o-1" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
}

func TestBus_DuplicatesSimulateAtLeastOnce(t *testing.T) {
	bus := NewBus(WithDuplicates(2))
	defer closeBus(t, bus)

	var (
		mu   sync.Mutex
		seen []string
	)
	bus.Subscribe(domain.EventOrderStatusChanged, func(_ context.Context, e domain.Event) error {
		mu.Lock()
		seen = append(seen, e.OrderID)
		mu.Unlock()
		return nil
	})

	if err := bus.Publish(context.Background(), domain.Event{Type: domain.EventOrderStatusChanged, OrderID: "o-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitBus(t, bus)

	if len(seen) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(seen))
	}
}

func TestBus_PublishWithoutSubscribersAndAfterClose(t *testing.T) {
	bus := NewBus()

	if err := bus.Publish(context.Background(), domain.Event{Type: domain.EventOrderCreated}); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}

	closeBus(t, bus)

	if err := bus.Publish(context.Background(), domain.Event{Type: domain.EventOrderCreated}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestBus_HandlerReceivesIsolatedCopy(t *testing.T) {
	bus := NewBus()
	defer closeBus(t, bus)

	got := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventOrderCreated, func(_ context.Context, e domain.Event) error {
		got <- e
		return nil
	})

	event := domain.Event{
		Type:    domain.EventOrderCreated,
		OrderID: "o-1",
		Items:   []domain.EventItem{{ProductID: "p-1", Quantity: 1}},
	}
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	event.Items[0].Quantity = 42
	waitBus(t, bus)

	delivered := <-got
	if delivered.Items[0].Quantity != 1 {
		t.Fatalf("published event must not share items slice, got qty %d", delivered.Items[0].Quantity)
	}
}

func TestBus_RetryBackoffStaysPositiveAndCapped(t *testing.T) {
	bus := NewBus(WithRetryDelay(time.Millisecond))
	defer closeBus(t, bus)

	policy := bus.retryBackoff()
	prev := time.Duration(0)
	// Сдвиг 1<<attempt на таком числе попыток переполнился бы и дал нулевую паузу.
	for attempt := 1; attempt <= 100; attempt++ {
		delay := policy.NextBackOff()
		if delay <= 0 || delay < prev {
			t.Fatalf("attempt %d: delay %v after %v", attempt, delay, prev)
		}
		if delay > maxRetryFactor*time.Millisecond {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempt, delay)
		}
		prev = delay
	}
	if prev != maxRetryFactor*time.Millisecond {
		t.Fatalf("expected delay to reach cap, got %v", prev)
	}
}

func TestBus_RedeliveryDelaysGrow(t *testing.T) {
	const base = 10 * time.Millisecond
	bus := NewBus(WithRetryDelay(base), WithMaxDeliveries(4))
	defer closeBus(t, bus)

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	bus.Subscribe(domain.EventOrderCreated, func(context.Context, domain.Event) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return errors.New("transient")
	})

	if err := bus.Publish(context.Background(), domain.Event{Type: domain.EventOrderCreated, OrderID: "o-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitBus(t, bus)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		want := base << uint(i-1)
		if gap := calls[i].Sub(calls[i-1]); gap < want {
			t.Fatalf("redelivery %d came after %v, want at least %v", i, gap, want)
		}
	}
	if len(bus.DeadLetters()) != 1 {
		t.Fatal("expected exhausted delivery in dead letters")
	}
}

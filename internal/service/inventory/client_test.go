package inventory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

func testPolicy() *resilience.Policy {
	return resilience.New(resilience.Config{
		Name:             "inventory",
		MaxAttempts:      3,
		InitialDelay:     time.Millisecond,
		MaxDelay:         4 * time.Millisecond,
		BackoffFactor:    2,
		AttemptTimeout:   100 * time.Millisecond,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}, resilience.WithFailurePredicate(IsFailure))
}

func newClient(t *testing.T, url string) (*HTTPClient, *resilience.Policy) {
	t.Helper()
	policy := testPolicy()
	m := metrics.NewInventoryMetricsWithRegisterer(prometheus.NewRegistry())
	return NewHTTPClient(url, policy, WithMetrics(m)), policy
}

func newSimulatorServer(t *testing.T, sim *Simulator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(adaptor.FiberApp(NewSimulatorApp(sim)))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_ContractWithSimulator(t *testing.T) {
	sim := NewSimulator()
	sim.Upsert(Product{ID: "p-1", SKU: "SKU-1", PriceMinor: 100, Stock: 5, Active: true})
	srv := newSimulatorServer(t, sim)
	client, _ := newClient(t, srv.URL)
	ctx := context.Background()

	product, err := client.GetProduct(ctx, "p-1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.SKU != "SKU-1" || product.StockQuantity != 5 || !product.IsActive || product.PriceMinor != 100 {
		t.Fatalf("unexpected product %+v", product)
	}

	ok, err := client.CheckAvailability(ctx, "p-1", 2)
	if err != nil || !ok {
		t.Fatalf("expected availability, got %v %v", ok, err)
	}

	accepted, remaining, err := client.Reserve(ctx, "order-1", "p-1", 2)
	if err != nil || !accepted || remaining != 3 {
		t.Fatalf("reserve = %v %d %v", accepted, remaining, err)
	}

	if err := client.Release(ctx, "order-1", "p-1", 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := client.Release(ctx, "order-1", "p-1", 2); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got := sim.Stock("p-1"); got != 5 {
		t.Fatalf("expected stock restored once to 5, got %d", got)
	}
}

func TestHTTPClient_UnknownProductIsUnavailable(t *testing.T) {
	sim := NewSimulator()
	srv := newSimulatorServer(t, sim)
	client, policy := newClient(t, srv.URL)

	for i := 0; i < 3; i++ {
		ok, err := client.CheckAvailability(context.Background(), "missing", 1)
		if err != nil || ok {
			t.Fatalf("expected false without error, got %v %v", ok, err)
		}
	}
	if policy.State() != gobreaker.StateClosed {
		t.Fatal("missing product must not trip breaker")
	}
}

func TestHTTPClient_ReserveRejected(t *testing.T) {
	sim := NewSimulator()
	sim.Upsert(Product{ID: "p-1", Stock: 1, Active: true})
	srv := newSimulatorServer(t, sim)
	client, _ := newClient(t, srv.URL)

	accepted, remaining, err := client.Reserve(context.Background(), "order-1", "p-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accepted || remaining != 1 {
		t.Fatalf("expected rejection with remaining 1, got %v %d", accepted, remaining)
	}
}

func TestHTTPClient_CheckRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p-1","sku":"S","price":1,"stockQuantity":10,"isActive":true}`))
	}))
	defer srv.Close()
	client, policy := newClient(t, srv.URL)

	ok, err := client.CheckAvailability(context.Background(), "p-1", 3)
	if err != nil || !ok {
		t.Fatalf("expected success after retries, got %v %v", ok, err)
	}
	if hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
	if policy.Counts().ConsecutiveFailures != 0 {
		t.Fatal("successful logical call must not count as breaker failure")
	}
}

func TestHTTPClient_TimeoutsOnAllAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	client, policy := newClient(t, srv.URL)

	_, err := client.CheckAvailability(context.Background(), "p-1", 1)
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := policy.Counts().ConsecutiveFailures; got != 1 {
		t.Fatalf("expected breaker failures 1, got %d", got)
	}
}

func TestHTTPClient_ReserveTimeoutIsUnknownOutcome(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	client, _ := newClient(t, srv.URL)

	_, _, err := client.Reserve(context.Background(), "order-1", "p-1", 1)
	if !errors.Is(err, domain.ErrUnknownOutcome) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("reserve must not be retried after send, got %d attempts", got)
	}
}

func TestHTTPClient_ReserveRetriesServiceUnavailable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"remainingStock":4}`))
	}))
	defer srv.Close()
	client, _ := newClient(t, srv.URL)

	accepted, remaining, err := client.Reserve(context.Background(), "order-1", "p-1", 1)
	if err != nil || !accepted || remaining != 4 {
		t.Fatalf("reserve = %v %d %v", accepted, remaining, err)
	}
	if hits != 2 {
		t.Fatalf("expected retry after 503, got %d attempts", hits)
	}
}

func TestHTTPClient_ReserveInternalErrorIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	client, _ := newClient(t, srv.URL)

	_, _, err := client.Reserve(context.Background(), "order-1", "p-1", 1)
	if !errors.Is(err, domain.ErrUnknownOutcome) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected single attempt, got %d", hits)
	}
}

func TestHTTPClient_ReserveRetriesWhenNotSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	client, policy := newClient(t, url)

	_, _, err := client.Reserve(context.Background(), "order-1", "p-1", 1)
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
	if policy.Counts().ConsecutiveFailures != 1 {
		t.Fatalf("expected one breaker failure, got %d", policy.Counts().ConsecutiveFailures)
	}
}

func TestHTTPClient_BreakerFailsFastWithoutNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	client, policy := newClient(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, _ = client.Reserve(ctx, "order-1", "p-1", 1)
	}
	if policy.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", policy.State())
	}
	before := atomic.LoadInt32(&hits)

	_, err := client.CheckAvailability(ctx, "p-1", 1)
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected fail fast, got %v", err)
	}
	if err := client.Release(ctx, "order-1", "p-1", 1); !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected fail fast on release, got %v", err)
	}
	if after := atomic.LoadInt32(&hits); after != before {
		t.Fatalf("open breaker reached network: %d -> %d", before, after)
	}
}

func TestHTTPClient_SendsUserAgent(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p-1","sku":"S","price":1,"stockQuantity":1,"isActive":true}`))
	}))
	defer srv.Close()
	client, _ := newClient(t, srv.URL)

	if _, err := client.CheckAvailability(context.Background(), "p-1", 1); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if ua, _ := got.Load().(string); ua != version.UserAgent() {
		t.Fatalf("unexpected User-Agent %q", ua)
	}
}

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/orders"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func fastInventoryConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.InventoryURL = url
	cfg.InventoryRetryAttempts = 1
	cfg.InventoryRetryBaseDelay = time.Millisecond
	cfg.InventoryRetryMaxDelay = time.Millisecond
	cfg.InventoryCallTimeout = 200 * time.Millisecond
	cfg.BreakerFailureThreshold = 1
	cfg.BreakerOpenTimeout = time.Minute
	return cfg
}

func TestNewInventoryPolicy_OpenBreakerReachesHealthAndMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger := log.WithField("test", "inventory-policy")
	reg := prometheus.NewRegistry()
	m := newAppMetrics(reg)
	grpcStatus := healthcheck.NewGRPCStatus("inventory")
	cfg := fastInventoryConfig(srv.URL)

	policy := newInventoryPolicy(cfg, m.inventory, logger, grpcStatus.OnBreakerStateChange)
	client := newInventoryClient(cfg, policy, m.inventory, srv.Client(), logger)

	if _, err := client.CheckAvailability(context.Background(), "p-1", 1); err == nil {
		t.Fatal("expected error from failing inventory")
	}
	if policy.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", policy.State())
	}

	resp, err := grpcStatus.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "inventory"})
	if err != nil {
		t.Fatalf("grpc health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", resp.GetStatus())
	}

	check := healthcheck.NewBreakerChecker("inventory", policy.State).Check(context.Background())
	if check.Status != healthcheck.StatusDegraded {
		t.Fatalf("expected degraded inventory check, got %+v", check)
	}

	expected := `
# HELP fulfillment_circuit_breaker_state Circuit breaker state per dependency: 0 closed, 1 half-open, 2 open
# TYPE fulfillment_circuit_breaker_state gauge
fulfillment_circuit_breaker_state{dependency="inventory"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "fulfillment_circuit_breaker_state"); err != nil {
		t.Fatalf("unexpected breaker metric: %v", err)
	}
}

func TestCreateOrchestrator_ConfirmsThroughInventoryHTTP(t *testing.T) {
	sim := inventory.NewSimulator()
	sim.Upsert(inventory.Product{ID: "p-1", SKU: "SKU-1", PriceMinor: 1000, Stock: 10, Active: true})
	srv := httptest.NewServer(adaptor.FiberApp(inventory.NewSimulatorApp(sim)))
	defer srv.Close()

	logger := log.WithField("test", "orchestrator")
	m := newAppMetrics(prometheus.NewRegistry())
	cfg := fastInventoryConfig(srv.URL)
	policy := newInventoryPolicy(cfg, m.inventory, logger)
	client := newInventoryClient(cfg, policy, m.inventory, srv.Client(), logger)

	store := memory.NewOrderStore()
	outboxRepo := memory.NewOutboxRepository()
	publisher := outbox.NewPublisher(outboxRepo)

	svc := orders.NewService(store, publisher)
	order, err := svc.Create(context.Background(), orders.CreateOrderInput{
		UserID: "user-1",
		Items:  []orders.ItemInput{{ProductID: "p-1", SKU: "SKU-1", Quantity: 3, UnitPrice: 1000}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	orch := createOrchestrator(store, client, publisher, m.saga, logger)
	if _, err := orch.Run(context.Background(), order.ID); err != nil {
		t.Fatalf("saga run: %v", err)
	}

	got, err := store.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected Confirmed, got %s", got.Status)
	}
	if stock := sim.Stock("p-1"); stock != 7 {
		t.Fatalf("expected stock 7, got %d", stock)
	}

	stats, err := outboxRepo.Stats(context.Background())
	if err != nil {
		t.Fatalf("outbox stats: %v", err)
	}
	if stats.PendingCount != 2 {
		t.Fatalf("expected OrderCreated and status change in outbox, got %d", stats.PendingCount)
	}
}

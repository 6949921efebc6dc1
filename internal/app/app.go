package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/orders"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/timeline"
	"github.com/vladislavdragonenkov/fulfillment/internal/tracing"
	"github.com/vladislavdragonenkov/fulfillment/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run собирает сервис и блокируется до отмены ctx или падения одного из серверов.
// При отмене ctx возвращает ctx.Err() после остановки всех компонентов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	pricing, err := cfg.Pricing()
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing())
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("storage close failed")
		}
	}()

	ev, err := initEventing(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ev.close(cctx, logger)
	}()

	m := newAppMetrics(prometheus.DefaultRegisterer)
	grpcStatus := healthcheck.NewGRPCStatus("inventory")

	policy := newInventoryPolicy(cfg, m.inventory, logger, grpcStatus.OnBreakerStateChange)
	inventoryClient := newInventoryClient(cfg, policy, m.inventory, nil, logger)

	// Заказ и терминальные события пишутся в outbox, worker доставляет их в шину.
	publisher := outbox.NewPublisher(deps.outboxRepo)
	orchestrator := createOrchestrator(deps.repo, inventoryClient, publisher, m.saga, logger)
	saga.NewDispatcher(orchestrator, cfg.SagaWorkers, logger.WithField("component", "saga-dispatcher")).Register(ev.bus)
	timeline.NewProjector(deps.timelineRepo, m.saga, logger.WithField("component", "timeline")).Register(ev.bus)

	orderService := orders.NewService(deps.repo, publisher,
		orders.WithLogger(logger.WithField("component", "orders")),
		orders.WithPricing(pricing),
		orders.WithDefaultCurrency(cfg.Currency),
		orders.WithTimeline(deps.timelineRepo),
	)
	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithGuardLogger(logger.WithField("component", "idempotency")),
		idempotency.WithGuardMetrics(m.idempotency),
		idempotency.WithTTL(cfg.IdempotencyTTL),
	)
	httpApp := httpapi.NewApp(
		httpapi.NewHandler(orderService, guard, logger.WithField("layer", "http")),
		httpapi.AppConfig{RateLimit: cfg.HTTPRateLimit, RateWindow: time.Second},
	)

	outboxOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(m.outbox),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if ev.dlq != nil {
		outboxOpts = append(outboxOpts, outbox.WithDLQPublisher(ev.dlq))
	}
	outboxWorker := outbox.NewWorker(deps.outboxRepo, ev.relay, outboxOpts...)

	cleanupWorker := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithMetrics(m.idempotency),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)

	v, _, _ := version.Info()
	healthHandler := healthcheck.NewHandler(v)
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("bus", ev.checker)
	healthHandler.RegisterChecker("inventory", healthcheck.NewBreakerChecker("inventory", policy.State))

	grpcServer, err := newGRPCServer(grpcStatus, logger)
	if err != nil {
		return err
	}

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := ev.start(gctx); err != nil {
		_ = httpLis.Close()
		_ = grpcLis.Close()
		return fmt.Errorf("start event consumer: %w", err)
	}

	metricsSrv := startMetricsServer(gctx, cfg.MetricsAddr, logger, healthHandler)

	g.Go(func() error {
		outboxWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		cleanupWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		return httpApp.Listener(httpLis)
	})
	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		grpcStatus.Shutdown()
		if err := httpApp.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("http shutdown with error")
		}
		stopGRPC(grpcServer, logger)
		shutdownHTTP(metricsSrv, logger)
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// newGRPCServer поднимает gRPC health и reflection с метриками вызовов.
func newGRPCServer(status *healthcheck.GRPCStatus, logger *log.Entry) (*grpc.Server, error) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register grpc metrics: %w", err)
		}
		existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics)
		if !ok {
			return nil, fmt.Errorf("grpc metrics registered with unexpected type %T", are.ExistingCollector)
		}
		grpcMetrics = existing
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(server, status.Server())
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)
	logger.Debug("grpc health and reflection registered")
	return server, nil
}

// stopGRPC ждёт завершения активных вызовов, но не дольше shutdownTimeout.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health endpoints.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

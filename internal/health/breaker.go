package health

import (
	"context"
	"sync"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BreakerChecker переводит состояние circuit breaker зависимости в статус проверки.
// Open и Half-Open дают degraded: заказы принимаются, сага отменяет их без сетевых вызовов.
type BreakerChecker struct {
	name  string
	state func() gobreaker.State
}

// NewBreakerChecker создаёт проверку по функции состояния breaker.
func NewBreakerChecker(name string, state func() gobreaker.State) *BreakerChecker {
	return &BreakerChecker{name: name, state: state}
}

// Check реализует Checker.
func (c *BreakerChecker) Check(context.Context) Check {
	state := c.state()
	check := Check{Name: c.name, Status: StatusHealthy}
	if state != gobreaker.StateClosed {
		check.Status = StatusDegraded
		check.Message = "circuit breaker " + state.String()
	}
	return check
}

// GRPCStatus держит статусы gRPC health service: "" означает сервис целиком, плюс статус на зависимость.
type GRPCStatus struct {
	server *health.Server

	mu       sync.Mutex
	shutdown bool
}

// NewGRPCStatus создаёт gRPC health server со статусом SERVING.
func NewGRPCStatus(dependencies ...string) *GRPCStatus {
	s := &GRPCStatus{server: health.NewServer()}
	s.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, dep := range dependencies {
		s.server.SetServingStatus(dep, healthpb.HealthCheckResponse_SERVING)
	}
	return s
}

// Server возвращает сервер для регистрации в grpc.Server.
func (s *GRPCStatus) Server() *health.Server { return s.server }

// OnBreakerStateChange подходит как resilience.StateChangeFunc:
// пока breaker открыт, зависимость NOT_SERVING.
func (s *GRPCStatus) OnBreakerStateChange(name string, _, to gobreaker.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if to == gobreaker.StateOpen {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.server.SetServingStatus(name, status)
}

// Shutdown переводит все сервисы в NOT_SERVING и игнорирует дальнейшие изменения.
func (s *GRPCStatus) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	s.server.Shutdown()
}

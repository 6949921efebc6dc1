package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

// startTestMetricsServer поднимает сервер метрик на свободном порту и ждёт /livez.
func startTestMetricsServer(t *testing.T, handler *healthcheck.Handler) (string, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	base := fmt.Sprintf("http://127.0.0.1:%d", findFreePort(t))
	srv := startMetricsServer(ctx, base[len("http://"):], log.WithField("test", t.Name()), handler)
	require.NotNil(t, srv)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/livez")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond, "metrics server did not start")

	return base, cancel
}

func getURL(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	base, _ := startTestMetricsServer(t, healthcheck.NewHandler(version.String()))

	code, body := getURL(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body)

	code, body = getURL(t, base+"/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, body = getURL(t, base+"/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", string(body))

	code, body = getURL(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code)
	var health healthcheck.Response
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, healthcheck.StatusHealthy, health.Status)
	assert.Equal(t, version.String(), health.Version)
}

func TestStartMetricsServer_HealthReportsComponents(t *testing.T) {
	handler := healthcheck.NewHandler(version.String())
	handler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func(context.Context) error { return nil }))
	handler.RegisterChecker("inventory", healthcheck.NewBreakerChecker("inventory", func() gobreaker.State {
		return gobreaker.StateHalfOpen
	}))
	base, _ := startTestMetricsServer(t, handler)

	code, body := getURL(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code, "degraded inventory keeps /healthz at 200")

	var health healthcheck.Response
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, healthcheck.StatusDegraded, health.Status)
	require.Contains(t, health.Checks, "storage")
	require.Contains(t, health.Checks, "inventory")
	assert.Equal(t, healthcheck.StatusHealthy, health.Checks["storage"].Status)
	assert.Equal(t, healthcheck.StatusDegraded, health.Checks["inventory"].Status)
	assert.Contains(t, health.Checks["inventory"].Message, "half-open")
}

func TestStartMetricsServer_ReadinessFollowsCheckers(t *testing.T) {
	var storageDown atomic.Bool
	handler := healthcheck.NewHandler(version.String())
	handler.RegisterChecker("inventory", healthcheck.NewBreakerChecker("inventory", func() gobreaker.State {
		return gobreaker.StateOpen
	}))
	handler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func(context.Context) error {
		if storageDown.Load() {
			return errors.New("connection refused")
		}
		return nil
	}))
	base, _ := startTestMetricsServer(t, handler)

	code, _ := getURL(t, base+"/readyz")
	assert.Equal(t, http.StatusOK, code, "open breaker must keep the service ready")

	storageDown.Store(true)
	code, body := getURL(t, base+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", string(body))

	code, body = getURL(t, base+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var health healthcheck.Response
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, healthcheck.StatusUnhealthy, health.Status)
	assert.Equal(t, "connection refused", health.Checks["storage"].Message)
}

func TestStartMetricsServer_StopsOnContextCancel(t *testing.T) {
	base, cancel := startTestMetricsServer(t, healthcheck.NewHandler(version.String()))

	cancel()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/livez")
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond, "server should stop after context cancellation")
}

func TestStartMetricsServer_BusyAddrDoesNotPanic(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startMetricsServer(ctx, listener.Addr().String(), log.WithField("test", "busy"), healthcheck.NewHandler(version.String()))
	assert.NotNil(t, srv)
}

func TestShutdownHTTP(t *testing.T) {
	logger := log.WithField("test", "shutdown")

	assert.NotPanics(t, func() { shutdownHTTP(nil, logger) })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(listener) }()

	shutdownHTTP(srv, logger)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

// findFreePort находит свободный порт для тестов
func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

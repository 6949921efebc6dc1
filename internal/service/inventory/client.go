package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
	"github.com/vladislavdragonenkov/fulfillment/internal/tracing"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const maxErrorBody = 512

// StatusError описывает неуспешный HTTP-ответ склада.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inventory returned status %d: %s", e.Code, e.Body)
}

type productResponse struct {
	ID            string `json:"id"`
	SKU           string `json:"sku"`
	Price         int64  `json:"price"`
	StockQuantity int    `json:"stockQuantity"`
	IsActive      bool   `json:"isActive"`
}

type quantityRequest struct {
	Quantity int32  `json:"quantity"`
	OrderID  string `json:"orderId,omitempty"`
}

type reserveResponse struct {
	Success        bool `json:"success"`
	RemainingStock int  `json:"remainingStock"`
}

// ClientOption настраивает HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient подменяет http.Client (транспорт оборачивается otelhttp).
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.http = client
		}
	}
}

// WithMetrics включает метрики вызовов.
func WithMetrics(m *metrics.InventoryMetrics) ClientOption {
	return func(c *HTTPClient) { c.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) ClientOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// HTTPClient обращается к складу по HTTP. Каждый вызов проходит через resilience.Policy.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	policy  *resilience.Policy
	metrics *metrics.InventoryMetrics
	logger  *log.Entry
	tracer  trace.Tracer
}

// NewHTTPClient создаёт клиент. Таймаут попытки задаёт policy, у http.Client таймаута нет.
func NewHTTPClient(baseURL string, policy *resilience.Policy, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		policy: policy,
		logger: log.New().WithField("component", "inventory-client"),
		tracer: tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *c.http
	wrapped.Transport = otelhttp.NewTransport(base)
	c.http = &wrapped

	return c
}

// IsFailure решает для breaker, считать ли ошибку отказом: отсутствие товара не считается отказом склада.
func IsFailure(err error) bool {
	return err != nil && !errors.Is(err, domain.ErrProductNotFound) && !errors.Is(err, context.Canceled)
}

// GetProduct возвращает снимок товара.
func (c *HTTPClient) GetProduct(ctx context.Context, productID string) (domain.ProductAvailability, error) {
	ctx, span := c.startSpan(ctx, "inventory.GetProduct", productID, 0, "")
	defer span.End()

	product, err := resilience.Do(ctx, c.policy, "get_product", func(ctx context.Context) (domain.ProductAvailability, error) {
		var resp productResponse
		if _, err := c.do(ctx, http.MethodGet, productPath(productID, ""), nil, &resp); err != nil {
			return domain.ProductAvailability{}, classifyIdempotent(err)
		}
		return domain.ProductAvailability{
			ProductID:     resp.ID,
			SKU:           resp.SKU,
			PriceMinor:    resp.Price,
			StockQuantity: resp.StockQuantity,
			IsActive:      resp.IsActive,
		}, nil
	})
	endSpan(span, err)
	return product, err
}

// CheckAvailability проверяет наличие qty единиц. Для неизвестного или неактивного товара возвращает false.
func (c *HTTPClient) CheckAvailability(ctx context.Context, productID string, qty int32) (bool, error) {
	start := time.Now()
	product, err := c.GetProduct(ctx, productID)
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		c.record("check", "rejected", start)
		return false, nil
	case err != nil:
		c.record("check", resultOf(err), start)
		return false, err
	}

	available := product.IsActive && product.StockQuantity >= int(qty)
	result := "ok"
	if !available {
		result = "rejected"
	}
	c.record("check", result, start)
	return available, nil
}

// Reserve резервирует товар. Повторяется только если запрос точно не был отправлен
// или склад ответил 503. Таймаут после отправки даёт domain.ErrUnknownOutcome без повтора.
func (c *HTTPClient) Reserve(ctx context.Context, orderID, productID string, qty int32) (bool, int, error) {
	start := time.Now()
	ctx, span := c.startSpan(ctx, "inventory.Reserve", productID, qty, orderID)
	defer span.End()

	resp, err := resilience.Do(ctx, c.policy, "reserve", func(ctx context.Context) (reserveResponse, error) {
		var resp reserveResponse
		sent, err := c.do(ctx, http.MethodPost, productPath(productID, "reserve"), quantityRequest{Quantity: qty, OrderID: orderID}, &resp)
		if err == nil {
			return resp, nil
		}

		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict:
			return reserveResponse{Success: false}, nil
		case errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound:
			return reserveResponse{}, fmt.Errorf("reserve %s: %w", productID, domain.ErrProductNotFound)
		case errors.As(err, &statusErr) && statusErr.Code == http.StatusServiceUnavailable:
			return reserveResponse{}, resilience.Retryable(err)
		case errors.As(err, &statusErr):
			return reserveResponse{}, fmt.Errorf("reserve %s: %w: %w", productID, domain.ErrUnknownOutcome, err)
		case !sent:
			return reserveResponse{}, resilience.Retryable(err)
		default:
			return reserveResponse{}, fmt.Errorf("reserve %s: %w: %w", productID, domain.ErrUnknownOutcome, err)
		}
	})
	endSpan(span, err)
	if err != nil {
		c.record("reserve", resultOf(err), start)
		return false, 0, err
	}

	span.SetAttributes(
		attribute.Bool("inventory.accepted", resp.Success),
		attribute.Int("inventory.remaining", resp.RemainingStock),
	)
	result := "ok"
	if !resp.Success {
		result = "rejected"
	}
	c.record("reserve", result, start)
	return resp.Success, resp.RemainingStock, nil
}

// Release снимает резерв. Склад дедуплицирует по orderId, поэтому повтор безопасен.
func (c *HTTPClient) Release(ctx context.Context, orderID, productID string, qty int32) error {
	start := time.Now()
	ctx, span := c.startSpan(ctx, "inventory.Release", productID, qty, orderID)
	defer span.End()

	err := c.policy.Execute(ctx, "release", func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPost, productPath(productID, "release"), quantityRequest{Quantity: qty, OrderID: orderID}, nil)
		if err == nil {
			return nil
		}
		err = classifyIdempotent(err)
		if errors.Is(err, domain.ErrProductNotFound) {
			return nil
		}
		return err
	})
	endSpan(span, err)
	c.record("release", resultOf(err), start)
	return err
}

// do выполняет запрос; sent=true, если запрос был записан в соединение.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var wrote atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote.Store(true) },
	})

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wrote.Load(), err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return true, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return true, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}

// classifyIdempotent размечает ошибку операции, которую безопасно повторять:
// сетевые сбои и 5xx повторяются, 404 превращается в ErrProductNotFound.
func classifyIdempotent(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", domain.ErrProductNotFound, err)
		case statusErr.Code >= 500:
			return resilience.Retryable(err)
		default:
			return err
		}
	}
	return resilience.Retryable(err)
}

func (c *HTTPClient) startSpan(ctx context.Context, name, productID string, qty int32, orderID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("inventory.product_id", productID)}
	if qty > 0 {
		attrs = append(attrs, attribute.Int("inventory.quantity", int(qty)))
	}
	if orderID != "" {
		attrs = append(attrs, attribute.String("order.id", orderID))
	}
	return c.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, domain.ErrProductNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (c *HTTPClient) record(operation, result string, start time.Time) {
	c.metrics.RecordCall(operation, result, time.Since(start))
	if result == "unavailable" {
		c.logger.WithFields(log.Fields{
			"operation": operation,
			"breaker":   c.policy.State().String(),
		}).Warn("inventory unavailable")
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrDependencyUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrUnknownOutcome):
		return "unknown"
	default:
		return "error"
	}
}

func productPath(productID, action string) string {
	path := "/products/" + url.PathEscape(productID)
	if action != "" {
		path += "/" + action
	}
	return path
}

var _ domain.InventoryClient = (*HTTPClient)(nil)

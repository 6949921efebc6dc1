package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/orders"
)

const (
	// IdempotencyKeyHeader — заголовок ключа идемпотентного создания заказа.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader выставляется, когда ответ взят из сохранённого результата.
	ReplayedHeader = "Idempotency-Replayed"

	createOrderScope = "POST /orders"
)

// OrderService описывает операции заказов, которые обслуживает HTTP API.
type OrderService interface {
	Create(ctx context.Context, in orders.CreateOrderInput) (domain.Order, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error)
}

// Handler обслуживает HTTP API заказов.
type Handler struct {
	orders OrderService
	guard  *idempotency.Guard
	logger *log.Entry
}

// NewHandler создаёт обработчики. guard == nil отключает Idempotency-Key.
func NewHandler(svc OrderService, guard *idempotency.Guard, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	return &Handler{orders: svc, guard: guard, logger: logger}
}

// Register вешает маршруты на router.
func (h *Handler) Register(router fiber.Router) {
	group := router.Group("/orders")
	group.Post("", h.CreateOrder)
	group.Get("", h.ListOrders)
	group.Get("/:id", h.GetOrder)
	group.Get("/:id/timeline", h.GetTimeline)
}

// AppConfig описывает параметры fiber-приложения.
type AppConfig struct {
	// RateLimit — запросов в окне RateWindow с одного IP; 0 отключает лимит.
	RateLimit  int
	RateWindow time.Duration
}

// NewApp собирает fiber-приложение с recover, access-логом и опциональным rate limit.
func NewApp(h *Handler, cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          h.errorHandler,
	})
	app.Use(recover.New())
	app.Use(h.accessLog)
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		app.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit,
			Expiration: window,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(errorResponse{Error: "too many requests"})
			},
		}))
	}
	h.Register(app)
	return app
}

// CreateOrder обрабатывает POST /orders. Возвращает 201 и заказ в статусе Pending.
func (h *Handler) CreateOrder(c *fiber.Ctx) error {
	var in orders.CreateOrderInput
	if err := c.BodyParser(&in); err != nil {
		h.logger.WithError(err).Debug("failed to parse create order body")
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
	}

	canonical, err := json.Marshal(in)
	if err != nil {
		return err
	}

	resp, replayed, err := h.guard.Execute(c.UserContext(), c.Get(IdempotencyKeyHeader), createOrderScope, canonical,
		func(ctx context.Context) idempotency.Response {
			order, err := h.orders.Create(ctx, in)
			if err != nil {
				return h.renderError(err)
			}
			return render(fiber.StatusCreated, toOrderResponse(order))
		})
	if err != nil {
		return h.respondError(c, err)
	}

	if replayed {
		c.Set(ReplayedHeader, "true")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(resp.Status).Send(resp.Body)
}

// GetOrder обрабатывает GET /orders/:id.
func (h *Handler) GetOrder(c *fiber.Ctx) error {
	order, err := h.orders.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(toOrderResponse(order))
}

// ListOrders обрабатывает GET /orders?userId=...&limit=...
func (h *Handler) ListOrders(c *fiber.Ctx) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "limit must be a non-negative integer"})
		}
		limit = parsed
	}

	list, err := h.orders.ListByUser(c.UserContext(), c.Query("userId"), limit)
	if err != nil {
		return h.respondError(c, err)
	}

	resp := listResponse{Orders: make([]orderResponse, 0, len(list))}
	for _, order := range list {
		resp.Orders = append(resp.Orders, toOrderResponse(order))
	}
	return c.JSON(resp)
}

// GetTimeline обрабатывает GET /orders/:id/timeline.
func (h *Handler) GetTimeline(c *fiber.Ctx) error {
	id := c.Params("id")
	events, err := h.orders.Timeline(c.UserContext(), id)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(toTimelineResponse(id, events))
}

func (h *Handler) respondError(c *fiber.Ctx, err error) error {
	resp := h.renderError(err)
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(resp.Status).Send(resp.Body)
}

// renderError сопоставляет доменные ошибки с HTTP статусами.
func (h *Handler) renderError(err error) idempotency.Response {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		details := make([]string, 0, len(vErr.Errs))
		for _, e := range vErr.Errs {
			details = append(details, e.Error())
		}
		return render(fiber.StatusBadRequest, errorResponse{Error: "validation failed", Fields: vErr.Fields, Details: details})
	case errors.Is(err, domain.ErrOrderIDRequired):
		return render(fiber.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrOrderNotFound):
		return render(fiber.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return render(fiber.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrIdempotencyRequestInFlight):
		return render(fiber.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.WithError(err).Error("request failed")
		return render(fiber.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(errorResponse{Error: fiberErr.Message})
	}
	return h.respondError(c, err)
}

func (h *Handler) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	h.logger.WithFields(log.Fields{
		"method":      c.Method(),
		"path":        c.Path(),
		"status":      c.Response().StatusCode(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("http request")
	return err
}

func render(status int, body any) idempotency.Response {
	data, err := json.Marshal(body)
	if err != nil {
		return idempotency.Response{Status: fiber.StatusInternalServerError, Body: []byte(`{"error":"internal error"}`)}
	}
	return idempotency.Response{Status: status, Body: data}
}

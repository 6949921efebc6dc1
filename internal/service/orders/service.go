package orders

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	// DefaultListLimit — размер страницы списка заказов пользователя по умолчанию.
	DefaultListLimit = 50
	// MaxListLimit ограничивает размер страницы.
	MaxListLimit = 500

	// ReasonEventNotQueued попадает в лог отмены заказа, для которого не записан OrderCreated.
	ReasonEventNotQueued = "order event not queued"
)

// ItemInput описывает позицию в запросе на создание заказа.
type ItemInput struct {
	ProductID string `json:"productId" validate:"required"`
	SKU       string `json:"sku"`
	Quantity  int32  `json:"quantity" validate:"gte=1"`
	UnitPrice int64  `json:"unitPrice" validate:"gte=0"`
}

// ShippingInput описывает адрес доставки.
type ShippingInput struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// CreateOrderInput описывает запрос на создание заказа. Итоговую сумму клиент не передаёт.
type CreateOrderInput struct {
	UserID        string        `json:"userId" validate:"required"`
	Currency      string        `json:"currency,omitempty" validate:"omitempty,len=3"`
	Items         []ItemInput   `json:"items" validate:"required,min=1,dive"`
	ShippingInfo  ShippingInput `json:"shippingInfo"`
	DiscountMinor int64         `json:"discount,omitempty" validate:"gte=0"`
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPricing задаёт правила расчёта суммы.
func WithPricing(p domain.Pricing) Option {
	return func(s *Service) {
		s.pricing = p
	}
}

// WithDefaultCurrency задаёт валюту заказов без явной валюты.
func WithDefaultCurrency(code string) Option {
	return func(s *Service) {
		if code != "" {
			s.currency = strings.ToUpper(code)
		}
	}
}

// WithTimeline подключает чтение таймлайна заказа.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(s *Service) {
		s.timeline = repo
	}
}

// WithNow подменяет источник времени.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service принимает заказы и отдаёт их состояние. Исполнением занимается сага.
type Service struct {
	store    domain.OrderStore
	events   domain.EventPublisher
	timeline domain.TimelineRepository
	pricing  domain.Pricing
	currency string
	validate *validator.Validate
	logger   *log.Entry
	now      func() time.Time
}

// NewService создаёт сервис заказов.
func NewService(store domain.OrderStore, events domain.EventPublisher, opts ...Option) *Service {
	s := &Service{
		store:    store,
		events:   events,
		currency: "USD",
		validate: newValidator(),
		logger:   log.New().WithField("component", "order-service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create проверяет запрос, считает суммы, сохраняет заказ в Pending и публикует OrderCreated.
// Не ждёт решения саги.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	if err := s.validate.StructCtx(ctx, in); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			return domain.Order{}, &domain.ValidationError{Fields: formatValidationErrors(vErrs)}
		}
		return domain.Order{}, fmt.Errorf("validate order: %w", err)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	order := domain.Order{
		ID:       uuid.NewString(),
		UserID:   in.UserID,
		Status:   domain.OrderStatusPending,
		Currency: lo.Ternary(in.Currency == "", s.currency, strings.ToUpper(in.Currency)),
		Items: lo.Map(in.Items, func(item ItemInput, _ int) domain.OrderItem {
			return domain.OrderItem{
				ID:         uuid.NewString(),
				ProductID:  item.ProductID,
				SKU:        item.SKU,
				Qty:        item.Quantity,
				PriceMinor: item.UnitPrice,
			}
		}),
		Shipping:  domain.ShippingInfo(in.ShippingInfo),
		CreatedAt: now,
		UpdatedAt: now,
	}

	totals, err := s.pricing.Compute(order.Items, in.DiscountMinor)
	if err != nil {
		return domain.Order{}, domain.NewValidationError(err)
	}
	totals.Apply(&order)

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, domain.NewValidationError(errs...)
	}

	id, err := s.store.Create(ctx, order)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", order.UserID).Error("failed to persist order")
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}
	order.ID = id

	logger := s.logger.WithFields(log.Fields{"order_id": order.ID, "user_id": order.UserID})
	if err := s.events.Publish(ctx, domain.NewOrderCreated(order, order.CreatedAt)); err != nil {
		logger.WithError(err).Error("failed to publish OrderCreated")
		s.abandon(ctx, logger, order.ID)
		return domain.Order{}, fmt.Errorf("publish %s: %w", domain.EventOrderCreated, err)
	}

	logger.WithFields(log.Fields{
		"items":       len(order.Items),
		"total_minor": order.TotalMinor,
	}).Info("order accepted")
	return order, nil
}

// abandon отменяет сохранённый заказ, для которого не удалось поставить OrderCreated:
// без события сага не стартует и заказ навсегда остался бы в Pending.
func (s *Service) abandon(ctx context.Context, logger *log.Entry, orderID string) {
	ctx = context.WithoutCancel(ctx)
	applied, err := s.store.TransitionStatus(ctx, orderID, domain.OrderStatusPending, domain.OrderStatusCancelled)
	switch {
	case err != nil:
		logger.WithError(err).Error("failed to cancel order without OrderCreated")
	case !applied:
		logger.Warn("order left Pending state before it could be cancelled")
	default:
		logger.WithField("reason", ReasonEventNotQueued).Warn("order cancelled: OrderCreated was not queued")
	}
}

// Get возвращает текущее состояние заказа.
func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return s.store.Get(ctx, id)
}

// ListByUser возвращает заказы пользователя, новые первыми.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError(domain.ErrUserRequired)
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Timeline возвращает события заказа в порядке occurredAt.
func (s *Service) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return s.timeline.List(ctx, id)
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fieldPath(fe.Namespace())
		switch fe.Tag() {
		case "required":
			fields[field] = "is required"
		case "min":
			fields[field] = fmt.Sprintf("must contain at least %s element(s)", fe.Param())
		case "gte":
			fields[field] = fmt.Sprintf("must be greater than or equal to %s", fe.Param())
		case "len":
			fields[field] = fmt.Sprintf("must be exactly %s characters", fe.Param())
		default:
			fields[field] = "is invalid"
		}
	}
	return fields
}

// newValidator называет поля в ошибках по json-тегам.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath отрезает имя корневой структуры: CreateOrderInput.items[0].quantity → items[0].quantity.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

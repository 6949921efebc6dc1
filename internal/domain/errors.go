package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Код валюты не является ISO 4217.
	ErrCurrencyInvalid = errors.New("currency must be an ISO 4217 code")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Позиция без ссылки на товар.
	ErrItemProductRequired = errors.New("item product_id is required")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("total amount must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Скидка отрицательная или больше подытога.
	ErrDiscountInvalid = errors.New("discount must be between zero and subtotal")
	// Ошибка несоответствия итоговой суммы и сумм позиций.
	ErrAmountMismatch = errors.New("order totals do not match items")
	// Сумма заказа не помещается в int64 минимальных единиц.
	ErrAmountOverflow = errors.New("order amount is too large")
	// ErrOrderIDRequired — пустой идентификатор заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists — заказ с таким ID уже сохранён.
	ErrOrderExists = errors.New("order already exists")
	// ErrInvalidTransition — переход статуса не предусмотрен жизненным циклом.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrProductNotFound — склад не знает такой товар.
	ErrProductNotFound = errors.New("product not found")

	// ErrInsufficientStock — на складе не хватает товара.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrDependencyUnavailable — склад недоступен: открыт circuit breaker или исчерпаны повторы.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrConcurrentStateConflict — CAS по статусу проиграл параллельному запуску.
	ErrConcurrentStateConflict = errors.New("concurrent state conflict")
	// ErrUnknownOutcome — запрос на склад ушёл, но ответ не получен; результат неизвестен.
	ErrUnknownOutcome = errors.New("unknown outcome")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageNotFound — сообщение outbox не найдено.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")

	// ErrIdempotencyKeyRequired — пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — не посчитан хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже занят тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ занят запросом с другим телом.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — записи с таким ключом нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyRequestInFlight — запрос с тем же ключом ещё обрабатывается.
	ErrIdempotencyRequestInFlight = errors.New("request with the same idempotency key is still processing")
)

// SagaErrorKind классифицирует сбои саги.
type SagaErrorKind string

const (
	SagaErrorInsufficientStock       SagaErrorKind = "InsufficientStock"
	SagaErrorDependencyUnavailable   SagaErrorKind = "DependencyUnavailable"
	SagaErrorConcurrentStateConflict SagaErrorKind = "ConcurrentStateConflict"
	SagaErrorUnknown                 SagaErrorKind = "Unknown"
)

// SagaError несёт вид сбоя и причину отмены заказа.
type SagaError struct {
	Kind   SagaErrorKind
	Reason string
	Err    error
}

func (e *SagaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *SagaError) Unwrap() error { return e.Err }

// ClassifySagaError сводит произвольную ошибку к таксономии саги.
func ClassifySagaError(err error) SagaErrorKind {
	var sagaErr *SagaError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sagaErr):
		return sagaErr.Kind
	case errors.Is(err, ErrInsufficientStock):
		return SagaErrorInsufficientStock
	case errors.Is(err, ErrDependencyUnavailable):
		return SagaErrorDependencyUnavailable
	case errors.Is(err, ErrConcurrentStateConflict):
		return SagaErrorConcurrentStateConflict
	default:
		return SagaErrorUnknown
	}
}

// IsDependencyUnavailable проверяет, что ошибка означает недоступность склада.
func IsDependencyUnavailable(err error) bool {
	return errors.Is(err, ErrDependencyUnavailable)
}

// ValidationError описывает некорректный запрос на создание заказа. Отклоняется синхронно.
type ValidationError struct {
	Fields map[string]string
	Errs   []error
}

// NewValidationError собирает ошибку из списка нарушений инвариантов.
func NewValidationError(errs ...error) *ValidationError {
	return &ValidationError{Errs: errs}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields)+len(e.Errs))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	if len(parts) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error { return e.Errs }

// IsValidation проверяет, что ошибка относится к валидации запроса.
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// Package resilience собирает повторы с экспоненциальной задержкой и circuit breaker
// в одну политику, которой оборачиваются исходящие вызовы к зависимостям.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Config параметры политики.
type Config struct {
	// Name — имя зависимости, попадает в логи и метрики.
	Name string
	// MaxAttempts — число попыток в одном логическом вызове (включая первую).
	MaxAttempts int
	// InitialDelay — задержка перед второй попыткой.
	InitialDelay time.Duration
	// MaxDelay ограничивает рост задержки.
	MaxDelay time.Duration
	// BackoffFactor — множитель задержки.
	BackoffFactor float64
	// AttemptTimeout — таймаут одной сетевой попытки.
	AttemptTimeout time.Duration
	// FailureThreshold — подряд идущие неудачные вызовы до перехода в Open.
	FailureThreshold uint32
	// OpenTimeout — сколько breaker остаётся Open до пробного вызова.
	OpenTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию: 3 попытки, 1s → 2s, порог 5, пауза 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxAttempts:      3,
		InitialDelay:     time.Second,
		MaxDelay:         10 * time.Second,
		BackoffFactor:    2.0,
		AttemptTimeout:   2 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// StateChangeFunc вызывается при смене состояния breaker.
type StateChangeFunc func(name string, from, to gobreaker.State)

// Option настраивает политику.
type Option func(*Policy)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStateChange подписывает на смену состояния breaker (метрики, health).
func WithStateChange(fn StateChangeFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.onStateChange = append(p.onStateChange, fn)
		}
	}
}

// WithFailurePredicate задаёт, какие ошибки считаются отказом зависимости.
// Отказы бизнес-уровня (например, 404 склада) не должны открывать breaker.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(p *Policy) {
		if fn != nil {
			p.isFailure = fn
		}
	}
}

// Policy оборачивает повторы в breaker. Повторы одного вызова считаются одним отказом.
// Один экземпляр на зависимость, безопасен для конкурентного использования.
type Policy struct {
	cfg           Config
	breaker       *gobreaker.CircuitBreaker
	logger        *log.Entry
	onStateChange []StateChangeFunc
	isFailure     func(error) bool
}

// New создаёт политику.
func New(cfg Config, opts ...Option) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}

	p := &Policy{
		cfg:       cfg,
		logger:    log.New().WithField("component", "resilience"),
		isFailure: defaultIsFailure,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("dependency", cfg.Name)

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.WithFields(log.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("circuit breaker state changed")
			for _, fn := range p.onStateChange {
				fn(name, from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			return !p.isFailure(err)
		},
	})

	return p
}

// Name возвращает имя зависимости.
func (p *Policy) Name() string { return p.cfg.Name }

// State возвращает текущее состояние breaker.
func (p *Policy) State() gobreaker.State { return p.breaker.State() }

// Counts возвращает счётчики breaker в текущем поколении.
func (p *Policy) Counts() gobreaker.Counts { return p.breaker.Counts() }

// Execute выполняет fn под политикой. Каждая попытка получает собственный таймаут.
// Открытый breaker и исчерпанные повторы возвращают domain.ErrDependencyUnavailable.
func (p *Policy) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.retry(ctx, operation, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %s: %w: %v", p.cfg.Name, operation, domain.ErrDependencyUnavailable, err)
	}
	return err
}

// Do добавляет к Execute типизированный результат.
func Do[T any](ctx context.Context, p *Policy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, operation, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return *new(T), err
	}
	return result, nil
}

func (p *Policy) retry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx := ctx
		if p.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
			defer cancel()
		}

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		p.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("dependency call failed, retrying")
	}

	err := backoff.RetryNotify(op, p.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	if IsRetryable(err) && ctx.Err() == nil {
		return fmt.Errorf("%s %s: %w after %d attempts: %w", p.cfg.Name, operation, domain.ErrDependencyUnavailable, attempt, err)
	}
	return err
}

func (p *Policy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialDelay
	b.Multiplier = p.cfg.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxInterval = p.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx)
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

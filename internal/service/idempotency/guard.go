package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// DefaultTTL — сколько хранится ответ на запрос с Idempotency-Key.
const DefaultTTL = 24 * time.Hour

// Response описывает сохраняемый ответ: HTTP статус и тело.
type Response struct {
	Status int
	Body   []byte
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithGuardLogger задаёт logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGuardMetrics задаёт метрики исходов запросов с ключом.
func WithGuardMetrics(m *metrics.IdempotencyMetrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithTTL задаёт время жизни записи.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// Guard выполняет запрос не больше одного раза на ключ и отдаёт сохранённый ответ на повторы.
type Guard struct {
	repo    domain.IdempotencyRepository
	logger  *log.Entry
	metrics *metrics.IdempotencyMetrics
	ttl     time.Duration
	now     func() time.Time
}

// NewGuard создаёт Guard поверх репозитория ключей.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		logger: log.New().WithField("component", "idempotency-guard"),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute запускает run под ключом key. replayed=true, если ответ взят из сохранённой записи.
// Пустой ключ отключает дедупликацию. Тот же ключ с другим запросом даёт ErrIdempotencyHashMismatch,
// ключ, чей запрос ещё выполняется, даёт ErrIdempotencyRequestInFlight.
func (g *Guard) Execute(ctx context.Context, key, scope string, request []byte, run func(context.Context) Response) (Response, bool, error) {
	key = strings.TrimSpace(key)
	if g == nil || g.repo == nil || key == "" {
		return run(ctx), false, nil
	}

	hash := RequestHash(scope, request)
	record, err := g.repo.CreateProcessing(ctx, key, hash, g.now().UTC().Add(g.ttl))
	if err != nil {
		return g.replay(key, record, err)
	}
	g.metrics.RecordRequest("new")

	resp := run(ctx)
	if resp.Status >= http.StatusOK && resp.Status < http.StatusMultipleChoices {
		err = g.repo.MarkDone(ctx, key, resp.Body, resp.Status)
	} else {
		err = g.repo.MarkFailed(ctx, key, resp.Body, resp.Status)
	}
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
	return resp, false, nil
}

func (g *Guard) replay(key string, record domain.IdempotencyRecord, createErr error) (Response, bool, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		g.metrics.RecordRequest("mismatch")
		return Response{}, false, domain.ErrIdempotencyHashMismatch
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Completed():
			g.metrics.RecordRequest("replayed")
			return Response{Status: record.ReplayStatus(), Body: record.ResponseBody}, true, nil
		case record.Status == domain.IdempotencyStatusProcessing:
			g.metrics.RecordRequest("conflict")
			return Response{}, false, domain.ErrIdempotencyRequestInFlight
		default:
			return Response{}, false, fmt.Errorf("idempotency key %s: unknown status %q", key, record.Status)
		}
	default:
		g.logger.WithError(createErr).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		return Response{}, false, fmt.Errorf("create idempotency record: %w", createErr)
	}
}

// RequestHash считает sha256 от scope и канонического тела запроса.
func RequestHash(scope string, request []byte) string {
	payload := make([]byte, 0, len(scope)+1+len(request))
	payload = append(payload, scope...)
	payload = append(payload, ':')
	payload = append(payload, request...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

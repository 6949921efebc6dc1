package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type timelineRepository struct {
	pool *pgxpool.Pool
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{pool: store.Pool()}
}

// Append записывает событие. Повторная доставка с тем же event_id не создаёт дубль.
func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	var eventID *string
	if event.EventID != "" {
		eventID = &event.EventID
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO timeline_events (event_id, order_id, type, status, reason, occurred)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (event_id) WHERE event_id IS NOT NULL DO NOTHING
	`, eventID, event.OrderID, event.Type, event.Status, event.Reason, event.Occurred); err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}

	return nil
}

func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT COALESCE(event_id, ''), order_id, type, status, reason, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TimelineEvent, error) {
		var event domain.TimelineEvent
		err := row.Scan(&event.EventID, &event.OrderID, &event.Type, &event.Status, &event.Reason, &event.Occurred)
		event.Occurred = event.Occurred.UTC()
		return event, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan timeline events: %w", err)
	}

	return events, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)

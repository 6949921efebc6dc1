package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestTimelineRepository_AppendDedupAndOrder(t *testing.T) {
	repo := NewTimelineRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	second := domain.TimelineEvent{EventID: "e-2", OrderID: "o-1", Type: "OrderStatusChanged", Status: "Confirmed", Occurred: base.Add(time.Microsecond)}
	first := domain.TimelineEvent{EventID: "e-1", OrderID: "o-1", Type: "OrderCreated", Status: "Pending", Occurred: base}

	for _, ev := range []domain.TimelineEvent{second, first, second} {
		if err := repo.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := repo.List(ctx, "o-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("duplicate delivery must be ignored, got %d events", len(events))
	}
	if events[0].EventID != "e-1" || events[1].EventID != "e-2" {
		t.Fatalf("unexpected order: %+v", events)
	}

	empty, _ := repo.List(ctx, "missing")
	if len(empty) != 0 {
		t.Fatalf("expected no events, got %d", len(empty))
	}
}

package domain

import "time"

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	EventID  string
	OrderID  string
	Type     string
	Status   string
	Reason   string
	Occurred time.Time
}

// TimelineEventFrom строит запись таймлайна из доменного события.
func TimelineEventFrom(event Event) TimelineEvent {
	return TimelineEvent{
		EventID:  event.ID,
		OrderID:  event.OrderID,
		Type:     string(event.Type),
		Status:   event.Status,
		Reason:   event.Reason,
		Occurred: event.OccurredAt,
	}
}

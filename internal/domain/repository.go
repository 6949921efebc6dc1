package domain

import "context"

// OrderStore описывает требования к хранилищу заказов.
type OrderStore interface {
	// Create сохраняет новый заказ и возвращает его ID. ErrOrderExists, если ID занят.
	Create(ctx context.Context, order Order) (string, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми; limit <= 0 снимает ограничение.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// TransitionStatus атомарно меняет статус from → to, только если текущий статус равен from.
	// Возвращает false без изменений, если статус другой. Единственная точка записи статуса.
	TransitionStatus(ctx context.Context, id string, from, to OrderStatus) (bool, error)
}

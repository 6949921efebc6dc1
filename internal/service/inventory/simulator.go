package inventory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Product описывает позицию склада симулятора.
type Product struct {
	ID         string
	SKU        string
	PriceMinor int64
	Stock      int
	Active     bool
}

type reservationKey struct {
	orderID   string
	productID string
}

// ReleaseCall фиксирует вызов Release для проверок в тестах.
type ReleaseCall struct {
	OrderID   string
	ProductID string
	Qty       int32
}

// Simulator эмулирует склад в памяти: сток, резервы по заказам, идемпотентный release.
// Используется как локальный сервис склада и как заглушка InventoryClient в тестах.
type Simulator struct {
	mu           sync.Mutex
	products     map[string]*Product
	reservations map[reservationKey]int32

	// Ошибки для товара (для тестов). Каждый вызов возвращает ошибку,
	// пока запись не удалена из карты.
	CheckErr   map[string]error
	ReserveErr map[string]error
	ReleaseErr map[string]error
	// OnReserve вызывается перед резервом, вне блокировки.
	OnReserve func(orderID, productID string)

	CheckCalls   int
	ReserveCalls int
	ReleaseCalls int
	Releases     []ReleaseCall
}

// NewSimulator создаёт пустой склад.
func NewSimulator() *Simulator {
	return &Simulator{
		products:     make(map[string]*Product),
		reservations: make(map[reservationKey]int32),
		CheckErr:     make(map[string]error),
		ReserveErr:   make(map[string]error),
		ReleaseErr:   make(map[string]error),
	}
}

// Upsert добавляет или заменяет товар.
func (s *Simulator) Upsert(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.products[p.ID] = &cp
}

// Product возвращает снимок товара.
func (s *Simulator) Product(productID string) (domain.ProductAvailability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(productID)
}

// Stock возвращает текущий остаток, -1 если товара нет.
func (s *Simulator) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return -1
	}
	return p.Stock
}

// Reserved возвращает количество, зарезервированное заказом.
func (s *Simulator) Reserved(orderID, productID string) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations[reservationKey{orderID: orderID, productID: productID}]
}

// Counts возвращает счётчики вызовов.
func (s *Simulator) Counts() (check, reserve, release int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CheckCalls, s.ReserveCalls, s.ReleaseCalls
}

// ReleaseLog возвращает копию журнала Release.
func (s *Simulator) ReleaseLog() []ReleaseCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReleaseCall, len(s.Releases))
	copy(out, s.Releases)
	return out
}

// CheckAvailability реализует domain.InventoryClient.
func (s *Simulator) CheckAvailability(_ context.Context, productID string, qty int32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CheckCalls++
	if err := s.CheckErr[productID]; err != nil {
		return false, err
	}
	p, ok := s.products[productID]
	if !ok {
		return false, nil
	}
	return p.Active && p.Stock >= int(qty), nil
}

// Reserve списывает сток. Повтор с тем же orderID не списывает второй раз.
func (s *Simulator) Reserve(_ context.Context, orderID, productID string, qty int32) (bool, int, error) {
	if hook := s.hook(); hook != nil {
		hook(orderID, productID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReserveCalls++
	if err := s.ReserveErr[productID]; err != nil {
		return false, 0, err
	}
	p, ok := s.products[productID]
	if !ok {
		return false, 0, domain.ErrProductNotFound
	}

	key := reservationKey{orderID: orderID, productID: productID}
	if orderID != "" {
		if _, dup := s.reservations[key]; dup {
			return true, p.Stock, nil
		}
	}
	if !p.Active || p.Stock < int(qty) {
		return false, p.Stock, nil
	}

	p.Stock -= int(qty)
	if orderID != "" {
		s.reservations[key] = qty
	}
	return true, p.Stock, nil
}

// Release возвращает на склад ровно то, что было зарезервировано заказом.
// Без резерва вызов ничего не меняет. Пустой orderID возвращает qty без сверки.
func (s *Simulator) Release(_ context.Context, orderID, productID string, qty int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReleaseCalls++
	s.Releases = append(s.Releases, ReleaseCall{OrderID: orderID, ProductID: productID, Qty: qty})
	if err := s.ReleaseErr[productID]; err != nil {
		return err
	}
	p, ok := s.products[productID]
	if !ok {
		return nil
	}

	if orderID == "" {
		p.Stock += int(qty)
		return nil
	}
	key := reservationKey{orderID: orderID, productID: productID}
	reserved, ok := s.reservations[key]
	if !ok {
		return nil
	}
	p.Stock += int(reserved)
	delete(s.reservations, key)
	return nil
}

func (s *Simulator) hook() func(orderID, productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OnReserve
}

func (s *Simulator) snapshot(productID string) (domain.ProductAvailability, error) {
	p, ok := s.products[productID]
	if !ok {
		return domain.ProductAvailability{}, domain.ErrProductNotFound
	}
	return domain.ProductAvailability{
		ProductID:     p.ID,
		SKU:           p.SKU,
		PriceMinor:    p.PriceMinor,
		StockQuantity: p.Stock,
		IsActive:      p.Active,
	}, nil
}

var _ domain.InventoryClient = (*Simulator)(nil)

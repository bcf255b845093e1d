package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")
	ErrStockExhausted  = errors.New("insufficient stock")
	ErrDuplicateKey    = errors.New("idempotency key already used by an active order")
	ErrHistoryRewrite  = errors.New("order history is append-only")
)

const defaultListLimit = 50

type ListFilter struct {
	Status models.OrderStatus
	Limit  int
}

func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// OrderStore is implemented by the Postgres repository and the in-memory storage.
type OrderStore interface {
	// PlaceOrder decrements stock for every line and inserts the order in one transaction.
	PlaceOrder(ctx context.Context, o *models.Order) error
	// FindByIdempotencyKey only considers non-cancelled orders.
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetByID(ctx context.Context, id string) (*models.Order, error)
	// UpdateOrder runs fn against the locked order and persists its mutable fields.
	// History may only grow; stock is given back once when fn cancels the order.
	UpdateOrder(ctx context.Context, id string, fn func(*models.Order) error) (*models.Order, error)
	List(ctx context.Context, f ListFilter) ([]*models.Order, error)
	// ListExpired returns payment-pending orders whose deadline is before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Order, error)
}

type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	UpsertProduct(ctx context.Context, p *models.Product) error
}

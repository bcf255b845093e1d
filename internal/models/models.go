package models

import "time"

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentTransfer PaymentMethod = "transfer"
)

type CustomerInfo struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	City    string `json:"city"`
	Notes   string `json:"notes,omitempty"`
	Email   string `json:"email,omitempty"`
}

type OrderItem struct {
	ProductID      string  `json:"productId"`
	Name           string  `json:"name"`
	UnitPricePerKg float64 `json:"unitPricePerKg"`
	SelectedWeight float64 `json:"selectedWeight"`
	Quantity       int     `json:"quantity"`
	LineTotal      float64 `json:"lineTotal"`
}

// Units is the number of stock units the line consumes.
func (i OrderItem) Units() int {
	if i.Quantity < 1 {
		return 1
	}
	return i.Quantity
}

type HistoryEntry struct {
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	ActorID   string      `json:"actorId,omitempty"`
}

type Order struct {
	ID                 string         `json:"id"`
	IdempotencyKey     *string        `json:"idempotencyKey,omitempty"`
	UserID             string         `json:"userId"`
	CustomerInfo       CustomerInfo   `json:"customerInfo"`
	Items              []OrderItem    `json:"items"`
	Total              float64        `json:"total"`
	PaymentMethod      PaymentMethod  `json:"paymentMethod"`
	HabeasDataAccepted bool           `json:"habeasDataAccepted"`
	Status             OrderStatus    `json:"status"`
	History            []HistoryEntry `json:"history"`
	Notes              string         `json:"notes,omitempty"`
	InternalStatus     string         `json:"internalStatus,omitempty"`
	CustomerIP         string         `json:"customerIp,omitempty"`
	PaymentDeadline    *time.Time     `json:"paymentDeadline,omitempty"`
	StockRestored      bool           `json:"stockRestored"`
	Reminded           bool           `json:"reminded"`
	EstimatedCycleDays int            `json:"estimatedCycleDays"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	UpdatedBy          string         `json:"updatedBy,omitempty"`
}

// UnitsByProduct aggregates stock units per product across all lines.
func (o *Order) UnitsByProduct() map[string]int {
	units := make(map[string]int, len(o.Items))
	for _, it := range o.Items {
		units[it.ProductID] += it.Units()
	}
	return units
}

// NeedsRestock reports whether the order is cancelled and its stock was not given back yet.
func (o *Order) NeedsRestock() bool {
	return o.Status.IsCancelled() && !o.StockRestored
}

// Clone returns a deep copy so stores never hand out shared slices.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.History = append([]HistoryEntry(nil), o.History...)
	if o.IdempotencyKey != nil {
		k := *o.IdempotencyKey
		c.IdempotencyKey = &k
	}
	if o.PaymentDeadline != nil {
		d := *o.PaymentDeadline
		c.PaymentDeadline = &d
	}
	return &c
}

// StatusView is the PII-free projection served to unauthenticated callers.
type StatusView struct {
	ID        string      `json:"id"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	Items     []string    `json:"items"`
	Total     float64     `json:"total"`
}

func (o *Order) StatusView() StatusView {
	names := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		names = append(names, it.Name)
	}
	return StatusView{
		ID:        o.ID,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
		Items:     names,
		Total:     o.Total,
	}
}

type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PricePerKg float64   `json:"pricePerKg"`
	Stock      int       `json:"stock"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

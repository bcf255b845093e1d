package service

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sthanfv/el-buen-corte--sub000/internal/auth"
	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

type CustomerInput struct {
	Name    string `json:"name" validate:"required,min=2,max=100"`
	Phone   string `json:"phone" validate:"required,min=7,max=20"`
	Address string `json:"address" validate:"required,min=5,max=200"`
	City    string `json:"city" validate:"required,max=100"`
	Notes   string `json:"notes" validate:"max=500"`
	Email   string `json:"email" validate:"omitempty,email,max=254"`
}

type ItemInput struct {
	ID             string  `json:"id" validate:"required,max=128"`
	Name           string  `json:"name" validate:"required,max=200"`
	SelectedWeight float64 `json:"selectedWeight" validate:"gt=0,lte=100"`
	FinalPrice     float64 `json:"finalPrice" validate:"gte=0"`
	PricePerKg     float64 `json:"pricePerKg" validate:"gt=0"`
	Quantity       int     `json:"quantity" validate:"omitempty,min=1,max=50"`
}

// CreateOrderRequest is the cart submission. Total is accepted but never used.
type CreateOrderRequest struct {
	CustomerInfo       CustomerInput        `json:"customerInfo" validate:"required"`
	Items              []ItemInput          `json:"items" validate:"required,min=1,max=50,dive"`
	Total              float64              `json:"total"`
	PaymentMethod      models.PaymentMethod `json:"paymentMethod" validate:"required,oneof=cash transfer"`
	IdempotencyKey     *string              `json:"idempotencyKey" validate:"omitempty,min=8,max=128"`
	HabeasDataAccepted bool                 `json:"habeasDataAccepted" validate:"eq=true"`
	BusinessFax        *string              `json:"business_fax" validate:"required"`
}

// OrderUpdates is the admin allow-list; anything else is rejected while decoding.
type OrderUpdates struct {
	Status             *models.OrderStatus `json:"status"`
	Notes              *string             `json:"notes" validate:"omitempty,max=1000"`
	InternalStatus     *string             `json:"internalStatus" validate:"omitempty,max=100"`
	Reminded           *bool               `json:"reminded"`
	EstimatedCycleDays *int                `json:"estimatedCycleDays" validate:"omitempty,min=0,max=365"`
}

func (u OrderUpdates) empty() bool {
	return u.Status == nil && u.Notes == nil && u.InternalStatus == nil &&
		u.Reminded == nil && u.EstimatedCycleDays == nil
}

type UpdateOrderRequest struct {
	ID      string       `json:"id" validate:"required,max=128"`
	Updates OrderUpdates `json:"updates"`
}

// RequestMeta describes who is calling and from where, for auditing.
type RequestMeta struct {
	Identity auth.Identity
	IP       string
	Endpoint string
}

type CreateResult struct {
	ID        string
	Duplicate bool
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

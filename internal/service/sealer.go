package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

// priceTolerance is how far a client line price may drift from pricePerKg x weight.
var priceTolerance = decimal.NewFromInt(1)

// seal rebuilds line totals and the order total from per-kg prices and weights.
// selectedWeight is the weight of the whole line, so a line always costs
// pricePerKg x selectedWeight; quantity only counts the stock units it takes.
// The client total is never an input.
func seal(items []ItemInput) ([]models.OrderItem, float64, error) {
	out := make([]models.OrderItem, 0, len(items))
	var mismatches []FieldError
	total := decimal.Zero

	for i, it := range items {
		price := decimal.NewFromFloat(it.PricePerKg).Mul(decimal.NewFromFloat(it.SelectedWeight))
		if price.Sub(decimal.NewFromFloat(it.FinalPrice)).Abs().GreaterThan(priceTolerance) {
			mismatches = append(mismatches, FieldError{
				Field:  fmt.Sprintf("items[%d].finalPrice", i),
				Reason: "price_mismatch",
			})
			continue
		}

		item := models.OrderItem{
			ProductID:      it.ID,
			Name:           it.Name,
			UnitPricePerKg: it.PricePerKg,
			SelectedWeight: it.SelectedWeight,
			Quantity:       it.Quantity,
		}
		line := price.Round(2)
		item.Quantity = item.Units()
		item.LineTotal = line.InexactFloat64()
		total = total.Add(line)
		out = append(out, item)
	}
	if len(mismatches) > 0 {
		return nil, 0, &ValidationError{Fields: mismatches}
	}
	return out, total.InexactFloat64(), nil
}

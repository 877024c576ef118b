package service

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PricedLine is a resolved line ready for pricing
type PricedLine struct {
	Price    decimal.Decimal
	Quantity int
}

// Totals are in major currency units
type Totals struct {
	Amount   decimal.Decimal `json:"amount"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`
}

// ComputeTotals sums price*quantity and adds the flat shipping rate
func ComputeTotals(lines []PricedLine, shippingFlatRate decimal.Decimal) Totals {
	amount := decimal.Zero
	for _, l := range lines {
		amount = amount.Add(l.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return Totals{
		Amount:   amount,
		Shipping: shippingFlatRate,
		Total:    amount.Add(shippingFlatRate),
	}
}

// ToMinorUnits converts a major-unit amount to the gateway's smallest unit
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

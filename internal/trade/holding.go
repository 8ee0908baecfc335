package trade

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/fees"
	"github.com/eduintbd/eod-sub000/internal/model"
)

// CostScale is the number of decimal places kept for average cost.
const CostScale int32 = 4

// ApplyBuy adds a buy of qty with net settlement value net (value plus
// fees) to h. The average cost is the value-weighted running average.
func ApplyBuy(h model.Holding, qty, net decimal.Decimal, day time.Time) model.Holding {
	newQty := h.Quantity.Add(qty)
	if newQty.IsPositive() {
		h.AverageCost = h.Quantity.Mul(h.AverageCost).Add(net).Div(newQty).Round(CostScale)
	}
	h.Quantity = newQty
	h.TotalInvested = h.TotalInvested.Add(net).Round(fees.MoneyScale)
	h.AsOfDate = model.DateOf(day)
	return h
}

// ApplySell removes a sell of qty at price with net proceeds net (value
// minus fees) from h and books realized P&L against the average cost, or
// against price when prior is false (no holding row existed). A fully
// exited holding keeps its average cost as the basis. Quantity is clamped
// at zero; oversold reports whether clamping happened.
func ApplySell(h model.Holding, prior bool, qty, price, net decimal.Decimal, day time.Time) (updated model.Holding, oversold bool) {
	basis := h.AverageCost
	if !prior {
		basis = price
	}
	h.RealizedPL = h.RealizedPL.Add(net.Sub(basis.Mul(qty))).Round(fees.MoneyScale)

	newQty := h.Quantity.Sub(qty)
	if newQty.IsNegative() {
		newQty = decimal.Zero
		oversold = true
	}
	h.Quantity = newQty
	h.AsOfDate = model.DateOf(day)
	return h, oversold
}

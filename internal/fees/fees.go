// Package fees computes the commission and regulatory charges on a trade.
//
// Every component is rounded to two decimal places at the point of
// computation so persisted figures are exact.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/model"
)

// MoneyScale is the number of decimal places kept for monetary amounts.
const MoneyScale int32 = 2

// Schedule holds the fee rates applied to a trade's gross value.
type Schedule struct {
	CommissionRate  decimal.Decimal `json:"commission_rate"`
	ExchangeFeeRate decimal.Decimal `json:"exchange_fee_rate"`
	DepositoryRate  decimal.Decimal `json:"depository_rate"`
	DepositoryMin   decimal.Decimal `json:"depository_min"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
}

// DefaultSchedule returns the schedule used when no fee parameters are
// configured.
func DefaultSchedule() Schedule {
	return Schedule{
		CommissionRate:  decimal.RequireFromString("0.003"),
		ExchangeFeeRate: decimal.RequireFromString("0.0003"),
		DepositoryRate:  decimal.RequireFromString("0.000175"),
		DepositoryMin:   decimal.NewFromInt(5),
		TaxRate:         decimal.RequireFromString("0.0005"),
	}
}

// Breakdown is the fee split of one trade together with its net value.
type Breakdown struct {
	Commission    decimal.Decimal `json:"commission"`
	ExchangeFee   decimal.Decimal `json:"exchange_fee"`
	DepositoryFee decimal.Decimal `json:"depository_fee"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	// Net is value + Total for a buy (the client pays fees on top) and
	// value - Total for a sell.
	Net decimal.Decimal `json:"net"`
}

// Calculate applies the schedule to a trade value.
func (s Schedule) Calculate(value decimal.Decimal, side model.Side) Breakdown {
	commission := value.Mul(s.CommissionRate).Round(MoneyScale)
	exchange := value.Mul(s.ExchangeFeeRate).Round(MoneyScale)
	depository := decimal.Max(value.Mul(s.DepositoryRate), s.DepositoryMin).Round(MoneyScale)
	tax := value.Mul(s.TaxRate).Round(MoneyScale)

	total := commission.Add(exchange).Add(depository).Add(tax)

	net := value.Add(total)
	if side == model.SideSell {
		net = value.Sub(total)
	}

	return Breakdown{
		Commission:    commission,
		ExchangeFee:   exchange,
		DepositoryFee: depository,
		Tax:           tax,
		Total:         total,
		Net:           net.Round(MoneyScale),
	}
}

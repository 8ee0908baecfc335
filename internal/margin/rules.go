// Package margin computes margin account status, alerts and daily
// snapshots for margin clients.
package margin

import (
	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/regconfig"
)

// RatioScale is the number of decimal places kept for stored ratios.
const RatioScale int32 = 4

// NotEligibleLabel is recorded when the marginable portfolio is below the
// smallest financing band.
const NotEligibleLabel = "NOT_ELIGIBLE"

// DetermineStatus maps an equity ratio to a maintenance status. Both
// thresholds are inclusive.
func DetermineStatus(ratio, normalThreshold, forceSellThreshold decimal.Decimal) model.MarginStatus {
	switch {
	case ratio.GreaterThanOrEqual(normalThreshold):
		return model.MarginNormal
	case ratio.LessThanOrEqual(forceSellThreshold):
		return model.MarginForceSell
	default:
		return model.MarginCall
	}
}

// DetermineAppliedRatio selects the financing tier for a marginable
// portfolio value. While the market P/E cap is active the most
// conservative tier applies to everyone. ok is false when the portfolio is
// below the smallest band.
func DetermineAppliedRatio(marginableValue decimal.Decimal, cfg regconfig.MarginConfig) (tier regconfig.RatioTier, ok bool) {
	if len(cfg.Tiers) == 0 {
		return tier, false
	}
	if cfg.MarketPECapActive {
		tier = cfg.Tiers[0]
		for _, t := range cfg.Tiers[1:] {
			if t.Ratio.LessThan(tier.Ratio) {
				tier = t
			}
		}
		return tier, true
	}
	for _, t := range cfg.Tiers {
		if marginableValue.GreaterThanOrEqual(t.MinPortfolio) {
			tier, ok = t, true
		}
	}
	return tier, ok
}

// LoanBalance treats a negative cash balance as the outstanding margin loan.
func LoanBalance(cash decimal.Decimal) decimal.Decimal {
	if cash.IsNegative() {
		return cash.Neg()
	}
	return decimal.Zero
}

// EquityRatio is (marginable value - loan) / marginable value, or 1 when
// there is no marginable value.
func EquityRatio(marginableValue, loan decimal.Decimal) decimal.Decimal {
	if !marginableValue.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return marginableValue.Sub(loan).Div(marginableValue)
}

// Utilization is loan / (marginable value × applied ratio), or zero when
// no financing ratio applies.
func Utilization(loan, marginableValue decimal.Decimal, tier regconfig.RatioTier, eligible bool) decimal.Decimal {
	if !eligible {
		return decimal.Zero
	}
	capacity := marginableValue.Mul(tier.Ratio)
	if !capacity.IsPositive() {
		return decimal.Zero
	}
	return loan.Div(capacity).Round(RatioScale)
}

package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/eduintbd/eod-sub000/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculate_Buy(t *testing.T) {
	b := DefaultSchedule().Calculate(d("100000"), model.SideBuy)

	assert.True(t, b.Commission.Equal(d("300")), "commission %s", b.Commission)
	assert.True(t, b.ExchangeFee.Equal(d("30")), "exchange fee %s", b.ExchangeFee)
	assert.True(t, b.DepositoryFee.Equal(d("17.5")), "depository fee %s", b.DepositoryFee)
	assert.True(t, b.Tax.Equal(d("50")), "tax %s", b.Tax)
	assert.True(t, b.Total.Equal(d("397.5")), "total %s", b.Total)
	assert.True(t, b.Net.Equal(d("100397.5")), "net %s", b.Net)
}

func TestCalculate_SellSubtractsFees(t *testing.T) {
	b := DefaultSchedule().Calculate(d("100000"), model.SideSell)
	assert.True(t, b.Net.Equal(d("99602.5")), "net %s", b.Net)
}

func TestCalculate_DepositoryMinimum(t *testing.T) {
	// 1000 * 0.000175 = 0.175, below the 5.00 minimum.
	b := DefaultSchedule().Calculate(d("1000"), model.SideBuy)
	assert.True(t, b.DepositoryFee.Equal(d("5")), "depository fee %s", b.DepositoryFee)
}

func TestCalculate_RoundsEachComponent(t *testing.T) {
	s := Schedule{
		CommissionRate:  d("0.003"),
		ExchangeFeeRate: d("0.0003"),
		DepositoryRate:  d("0"),
		DepositoryMin:   d("0"),
		TaxRate:         d("0"),
	}
	// 1234.567 * 0.003 = 3.703701 -> 3.70; * 0.0003 = 0.3703701 -> 0.37.
	b := s.Calculate(d("1234.567"), model.SideBuy)
	assert.True(t, b.Commission.Equal(d("3.70")), "commission %s", b.Commission)
	assert.True(t, b.ExchangeFee.Equal(d("0.37")), "exchange fee %s", b.ExchangeFee)
	assert.True(t, b.Total.Equal(d("4.07")), "total %s", b.Total)
	assert.True(t, b.Net.Equal(d("1238.64")), "net %s", b.Net)
}

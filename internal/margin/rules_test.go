package margin

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/regconfig"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDetermineStatus_Boundaries(t *testing.T) {
	normal, force := d("0.75"), d("0.50")

	tests := []struct {
		ratio string
		want  model.MarginStatus
	}{
		{"1", model.MarginNormal},
		{"0.75", model.MarginNormal},
		{"0.7499", model.MarginCall},
		{"0.6", model.MarginCall},
		{"0.5001", model.MarginCall},
		{"0.50", model.MarginForceSell},
		{"0.1", model.MarginForceSell},
		{"-0.2", model.MarginForceSell},
	}
	for _, tt := range tests {
		t.Run(tt.ratio, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineStatus(d(tt.ratio), normal, force))
		})
	}
}

func TestDetermineAppliedRatio(t *testing.T) {
	cfg := regconfig.Defaults().Margin

	tests := []struct {
		name      string
		value     string
		capActive bool
		wantOK    bool
		wantLabel string
	}{
		{"below smallest band", "499999.99", false, false, ""},
		{"at smallest band", "500000", false, true, "1:0.5"},
		{"between bands", "750000", false, true, "1:0.5"},
		{"at top band", "1000000", false, true, "1:1"},
		{"large portfolio", "25000000", false, true, "1:1"},
		{"pe cap forces conservative tier", "25000000", true, true, "1:0.5"},
		{"pe cap applies below bands too", "1000", true, true, "1:0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			c.MarketPECapActive = tt.capActive
			tier, ok := DetermineAppliedRatio(d(tt.value), c)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantLabel, tier.Label())
			}
		})
	}

	_, ok := DetermineAppliedRatio(d("1000000"), regconfig.MarginConfig{})
	assert.False(t, ok, "no tiers configured")
}

func TestEquityRatioAndLoan(t *testing.T) {
	assert.True(t, LoanBalance(d("-40000")).Equal(d("40000")))
	assert.True(t, LoanBalance(d("1200")).IsZero())

	assert.True(t, EquityRatio(d("100000"), d("40000")).Equal(d("0.6")))
	assert.True(t, EquityRatio(decimal.Zero, d("40000")).Equal(d("1")), "no marginable value")
	assert.True(t, EquityRatio(d("100000"), decimal.Zero).Equal(d("1")))
}

func TestUtilization(t *testing.T) {
	tier := regconfig.RatioTier{MinPortfolio: d("1000000"), Ratio: d("1")}
	assert.True(t, Utilization(d("400000"), d("1000000"), tier, true).Equal(d("0.4")))
	assert.True(t, Utilization(d("400000"), d("1000000"), tier, false).IsZero())

	half := regconfig.RatioTier{MinPortfolio: d("500000"), Ratio: d("0.5")}
	assert.True(t, Utilization(d("100000"), d("600000"), half, true).Equal(d("0.3333")))
}

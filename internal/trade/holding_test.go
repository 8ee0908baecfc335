package trade

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/eduintbd/eod-sub000/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var day = time.Date(2026, time.January, 7, 15, 30, 0, 0, time.UTC)

func TestApplyBuy_WeightedAverage(t *testing.T) {
	h := model.Holding{ClientID: "c", SecurityID: "s"}

	h = ApplyBuy(h, dec("100"), dec("25100"), day)
	assert.True(t, h.AverageCost.Equal(dec("251")))

	h = ApplyBuy(h, dec("50"), dec("13050"), day)
	// (100 × 251 + 13050) / 150 = 254.3333...
	assert.True(t, h.Quantity.Equal(dec("150")))
	assert.True(t, h.AverageCost.Equal(dec("254.3333")), "got %s", h.AverageCost)
	assert.True(t, h.TotalInvested.Equal(dec("38150")))
	assert.Equal(t, model.DateOf(day), h.AsOfDate)
}

func TestApplyBuy_AfterFullExit(t *testing.T) {
	h := model.Holding{Quantity: decimal.Zero, AverageCost: dec("300")}
	h = ApplyBuy(h, dec("10"), dec("1005"), day)
	assert.True(t, h.AverageCost.Equal(dec("100.5")))
}

func TestApplySell(t *testing.T) {
	tests := []struct {
		name         string
		prior        bool
		held         string
		avg          string
		qty          string
		price        string
		net          string
		wantQty      string
		wantRealized string
		wantOversold bool
	}{
		{"partial", true, "100", "251", "40", "300", "11949.40", "60", "1909.40", false},
		{"full exit", true, "100", "251", "100", "240", "23900", "0", "-1200", false},
		{"oversell clamps", true, "100", "250", "150", "250", "37400", "0", "-100", true},
		{"no prior position uses trade price", false, "0", "0", "10", "100", "995", "0", "-5", true},
		{"exited position keeps average cost basis", true, "0", "250", "10", "300", "2990", "0", "490", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := model.Holding{Quantity: dec(tt.held), AverageCost: dec(tt.avg)}
			got, oversold := ApplySell(h, tt.prior, dec(tt.qty), dec(tt.price), dec(tt.net), day)

			assert.Equal(t, tt.wantOversold, oversold)
			assert.True(t, got.Quantity.Equal(dec(tt.wantQty)), "qty %s", got.Quantity)
			assert.True(t, got.RealizedPL.Equal(dec(tt.wantRealized)), "realized %s", got.RealizedPL)
			assert.True(t, got.AverageCost.Equal(dec(tt.avg)), "average cost unchanged")
		})
	}
}

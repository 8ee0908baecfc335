package regconfig

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource struct {
	params map[string]string
	err    error
	asOf   time.Time
}

func (m *mapSource) ActiveConfigParams(_ context.Context, asOf time.Time) (map[string]string, error) {
	m.asOf = asOf
	return m.params, m.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := Resolve(nil)
	require.NoError(t, err)

	def := Defaults()
	assert.True(t, cfg.Fees.CommissionRate.Equal(def.Fees.CommissionRate))
	assert.True(t, cfg.Margin.NormalThreshold.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, 3, cfg.Margin.CallDeadlineDays)
	assert.Equal(t, []string{"A", "B"}, cfg.Classifier.AllowedCategories)
	assert.Len(t, cfg.Margin.Tiers, 2)
}

func TestResolve_OverridesParams(t *testing.T) {
	cfg, err := Resolve(map[string]string{
		ParamCommissionRate:        "0.004",
		ParamCallDeadlineDays:      "5",
		ParamMarketPECapActive:     "true",
		ParamRatioTiers:            "1000000=1, 500000=0.5, 2500000=1.5",
		ParamAllowedCategories:     "a, b ,",
		ParamMainBoard:             "main",
		ParamMinFreeFloatMarketCap: "",
	})
	require.NoError(t, err)

	assert.True(t, cfg.Fees.CommissionRate.Equal(decimal.RequireFromString("0.004")))
	assert.Equal(t, 5, cfg.Margin.CallDeadlineDays)
	assert.True(t, cfg.Margin.MarketPECapActive)
	assert.Equal(t, []string{"A", "B"}, cfg.Classifier.AllowedCategories)
	assert.Equal(t, "MAIN", cfg.Classifier.MainBoard)
	// Blank values keep the default.
	assert.True(t, cfg.Classifier.MinFreeFloatMarketCap.Equal(decimal.NewFromInt(500_000_000)))

	require.Len(t, cfg.Margin.Tiers, 3)
	assert.True(t, cfg.Margin.Tiers[0].MinPortfolio.Equal(decimal.NewFromInt(500_000)))
	assert.True(t, cfg.Margin.Tiers[2].MinPortfolio.Equal(decimal.NewFromInt(2_500_000)))
	assert.Equal(t, "1:1.5", cfg.Margin.Tiers[2].Label())
}

func TestResolve_MalformedParamFails(t *testing.T) {
	_, err := Resolve(map[string]string{ParamNormalThreshold: "three quarters"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ParamNormalThreshold)

	_, err = Resolve(map[string]string{ParamRatioTiers: "500000:0.5"})
	require.Error(t, err)
}

func TestResolve_RejectsInvertedThresholds(t *testing.T) {
	_, err := Resolve(map[string]string{
		ParamNormalThreshold:    "0.4",
		ParamForceSellThreshold: "0.6",
	})
	require.Error(t, err)
}

func TestLoader_Load(t *testing.T) {
	src := &mapSource{params: map[string]string{ParamTaxRate: "0.001"}}
	asOf := time.Date(2026, time.January, 12, 0, 0, 0, 0, time.UTC)

	cfg, err := NewLoader(src, quietLogger()).Load(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, asOf, src.asOf)
	assert.Equal(t, asOf, cfg.AsOf)
	assert.True(t, cfg.Fees.TaxRate.Equal(decimal.RequireFromString("0.001")))
}

func TestLoader_SourceErrorIsFatal(t *testing.T) {
	src := &mapSource{err: errors.New("connection refused")}
	_, err := NewLoader(src, quietLogger()).Load(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

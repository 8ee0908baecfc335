// Package regconfig resolves the regulatory parameters (fee schedule,
// margin thresholds, marginability criteria) that are active on a date.
// Parameters missing from storage fall back to hard-coded defaults; a
// parameter that is present but malformed is an error.
//
// A Config is resolved once per batch invocation and passed down; callers
// never re-read parameters per item.
package regconfig

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/fees"
)

// Parameter names.
const (
	ParamCommissionRate  = "fee.commission_rate"
	ParamExchangeFeeRate = "fee.exchange_fee_rate"
	ParamDepositoryRate  = "fee.cdbl_rate"
	ParamDepositoryMin   = "fee.cdbl_min"
	ParamTaxRate         = "fee.ait_rate"

	ParamNormalThreshold    = "margin.normal_threshold"
	ParamForceSellThreshold = "margin.force_sell_threshold"
	ParamCallDeadlineDays   = "margin.call_deadline_days"
	ParamMarketPECapActive  = "margin.market_pe_cap_active"
	ParamRatioTiers         = "margin.ratio_tiers"
	ParamCoreCapital        = "margin.core_capital"
	ParamClientLimitPct     = "margin.client_limit_pct"
	ParamClientLoanCap      = "margin.client_loan_cap"
	ParamConcentrationPct   = "margin.concentration_pct"

	ParamDisallowedIncomeClasses = "margin.disallowed_income_classes"

	ParamNonMarginableCategories = "classifier.non_marginable_categories"
	ParamAllowedCategories       = "classifier.allowed_categories"
	ParamMainBoard               = "classifier.main_board"
	ParamFundAssetClasses        = "classifier.fund_asset_classes"
	ParamMinDividendYield        = "classifier.min_dividend_yield"
	ParamMaxPE                   = "classifier.max_pe"
	ParamSectorPEMultiplier      = "classifier.sector_pe_multiplier"
	ParamMinFreeFloatMarketCap   = "classifier.min_free_float_mcap"
)

// ParamSource returns the parameters active on a date, by name.
type ParamSource interface {
	ActiveConfigParams(ctx context.Context, asOf time.Time) (map[string]string, error)
}

// RatioTier is one portfolio-size band of the applied financing ratio.
type RatioTier struct {
	MinPortfolio decimal.Decimal `json:"min_portfolio"`
	Ratio        decimal.Decimal `json:"ratio"`
}

// Label renders the tier the way regulators quote it, e.g. "1:0.5".
func (t RatioTier) Label() string {
	return "1:" + t.Ratio.String()
}

// MarginConfig holds the margin rule engine and exposure parameters.
type MarginConfig struct {
	NormalThreshold    decimal.Decimal `json:"normal_threshold"`
	ForceSellThreshold decimal.Decimal `json:"force_sell_threshold"`
	CallDeadlineDays   int             `json:"call_deadline_days"`
	MarketPECapActive  bool            `json:"market_pe_cap_active"`
	Tiers              []RatioTier     `json:"tiers"` // ascending by MinPortfolio
	CoreCapital        decimal.Decimal `json:"core_capital"`
	ClientLimitPct     decimal.Decimal `json:"client_limit_pct"`
	ClientLoanCap      decimal.Decimal `json:"client_loan_cap"`
	ConcentrationPct   decimal.Decimal `json:"concentration_pct"`

	// DisallowedIncomeClasses may not hold margin accounts.
	DisallowedIncomeClasses []string `json:"disallowed_income_classes"`
}

// ClassifierConfig holds the marginability criteria.
type ClassifierConfig struct {
	NonMarginableCategories []string        `json:"non_marginable_categories"`
	AllowedCategories       []string        `json:"allowed_categories"`
	LowerTierCategory       string          `json:"lower_tier_category"`
	MainBoard               string          `json:"main_board"`
	SuspendedStatus         string          `json:"suspended_status"`
	FundAssetClasses        []string        `json:"fund_asset_classes"`
	MinDividendYield        decimal.Decimal `json:"min_dividend_yield"` // percent
	MaxPE                   decimal.Decimal `json:"max_pe"`
	SectorPEMultiplier      decimal.Decimal `json:"sector_pe_multiplier"`
	MinFreeFloatMarketCap   decimal.Decimal `json:"min_free_float_market_cap"`
}

// Config is the full set of regulatory parameters in force on AsOf.
type Config struct {
	AsOf       time.Time        `json:"as_of"`
	Fees       fees.Schedule    `json:"fees"`
	Margin     MarginConfig     `json:"margin"`
	Classifier ClassifierConfig `json:"classifier"`
}

// Defaults returns the configuration used when no parameters are stored.
func Defaults() Config {
	return Config{
		Fees: fees.DefaultSchedule(),
		Margin: MarginConfig{
			NormalThreshold:    decimal.RequireFromString("0.75"),
			ForceSellThreshold: decimal.RequireFromString("0.50"),
			CallDeadlineDays:   3,
			Tiers: []RatioTier{
				{MinPortfolio: decimal.NewFromInt(500_000), Ratio: decimal.RequireFromString("0.5")},
				{MinPortfolio: decimal.NewFromInt(1_000_000), Ratio: decimal.NewFromInt(1)},
			},
			ClientLimitPct:   decimal.RequireFromString("0.15"),
			ClientLoanCap:    decimal.NewFromInt(100_000_000),
			ConcentrationPct: decimal.RequireFromString("0.15"),

			DisallowedIncomeClasses: []string{"STUDENT", "HOMEMAKER", "RETIRED"},
		},
		Classifier: ClassifierConfig{
			NonMarginableCategories: []string{"N", "Z", "G", "S"},
			AllowedCategories:       []string{"A", "B"},
			LowerTierCategory:       "B",
			MainBoard:               "MAIN",
			SuspendedStatus:         "SUSPENDED",
			FundAssetClasses:        []string{"MUTUAL_FUND", "ETF"},
			MinDividendYield:        decimal.NewFromInt(5),
			MaxPE:                   decimal.NewFromInt(40),
			SectorPEMultiplier:      decimal.NewFromInt(2),
			MinFreeFloatMarketCap:   decimal.NewFromInt(500_000_000),
		},
	}
}

// Loader reads active parameters from a ParamSource.
type Loader struct {
	src ParamSource
	log *slog.Logger
}

// NewLoader creates a loader over src.
func NewLoader(src ParamSource, log *slog.Logger) *Loader {
	return &Loader{src: src, log: log.With("component", "regconfig")}
}

// Load resolves the configuration active on asOf.
func (l *Loader) Load(ctx context.Context, asOf time.Time) (*Config, error) {
	params, err := l.src.ActiveConfigParams(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("load config params: %w", err)
	}
	cfg, err := Resolve(params)
	if err != nil {
		return nil, err
	}
	cfg.AsOf = asOf
	l.log.Debug("regulatory config resolved",
		"as_of", asOf.Format(time.DateOnly),
		"params", len(params),
	)
	return cfg, nil
}

// Resolve overlays params on the defaults.
func Resolve(params map[string]string) (*Config, error) {
	cfg := Defaults()
	p := parser{params: params}

	p.decimal(ParamCommissionRate, &cfg.Fees.CommissionRate)
	p.decimal(ParamExchangeFeeRate, &cfg.Fees.ExchangeFeeRate)
	p.decimal(ParamDepositoryRate, &cfg.Fees.DepositoryRate)
	p.decimal(ParamDepositoryMin, &cfg.Fees.DepositoryMin)
	p.decimal(ParamTaxRate, &cfg.Fees.TaxRate)

	p.decimal(ParamNormalThreshold, &cfg.Margin.NormalThreshold)
	p.decimal(ParamForceSellThreshold, &cfg.Margin.ForceSellThreshold)
	p.integer(ParamCallDeadlineDays, &cfg.Margin.CallDeadlineDays)
	p.boolean(ParamMarketPECapActive, &cfg.Margin.MarketPECapActive)
	p.tiers(ParamRatioTiers, &cfg.Margin.Tiers)
	p.decimal(ParamCoreCapital, &cfg.Margin.CoreCapital)
	p.decimal(ParamClientLimitPct, &cfg.Margin.ClientLimitPct)
	p.decimal(ParamClientLoanCap, &cfg.Margin.ClientLoanCap)
	p.decimal(ParamConcentrationPct, &cfg.Margin.ConcentrationPct)
	p.list(ParamDisallowedIncomeClasses, &cfg.Margin.DisallowedIncomeClasses)

	p.list(ParamNonMarginableCategories, &cfg.Classifier.NonMarginableCategories)
	p.list(ParamAllowedCategories, &cfg.Classifier.AllowedCategories)
	p.str(ParamMainBoard, &cfg.Classifier.MainBoard)
	p.list(ParamFundAssetClasses, &cfg.Classifier.FundAssetClasses)
	p.decimal(ParamMinDividendYield, &cfg.Classifier.MinDividendYield)
	p.decimal(ParamMaxPE, &cfg.Classifier.MaxPE)
	p.decimal(ParamSectorPEMultiplier, &cfg.Classifier.SectorPEMultiplier)
	p.decimal(ParamMinFreeFloatMarketCap, &cfg.Classifier.MinFreeFloatMarketCap)

	if p.err != nil {
		return nil, p.err
	}
	if cfg.Margin.ForceSellThreshold.GreaterThan(cfg.Margin.NormalThreshold) {
		return nil, fmt.Errorf("regconfig: force-sell threshold %s above normal threshold %s",
			cfg.Margin.ForceSellThreshold, cfg.Margin.NormalThreshold)
	}
	return &cfg, nil
}

// parser records the first malformed parameter and skips the rest.
type parser struct {
	params map[string]string
	err    error
}

func (p *parser) raw(name string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.params[name]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(name, value string, err error) {
	p.err = fmt.Errorf("regconfig: parameter %s=%q: %w", name, value, err)
}

func (p *parser) decimal(name string, dst *decimal.Decimal) {
	v, ok := p.raw(name)
	if !ok {
		return
	}
	parsed, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(name, v, err)
		return
	}
	*dst = parsed
}

func (p *parser) integer(name string, dst *int) {
	v, ok := p.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		p.fail(name, v, err)
		return
	}
	*dst = parsed
}

func (p *parser) boolean(name string, dst *bool) {
	v, ok := p.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(name, v, err)
		return
	}
	*dst = parsed
}

func (p *parser) str(name string, dst *string) {
	if v, ok := p.raw(name); ok {
		*dst = strings.ToUpper(v)
	}
}

func (p *parser) list(name string, dst *[]string) {
	v, ok := p.raw(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.ToUpper(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// tiers parses "500000=0.5,1000000=1" into ratio tiers sorted by band.
func (p *parser) tiers(name string, dst *[]RatioTier) {
	v, ok := p.raw(name)
	if !ok {
		return
	}
	var out []RatioTier
	for _, item := range strings.Split(v, ",") {
		minS, ratioS, found := strings.Cut(strings.TrimSpace(item), "=")
		if !found {
			p.fail(name, v, fmt.Errorf("tier %q is not min=ratio", item))
			return
		}
		minV, err := decimal.NewFromString(strings.TrimSpace(minS))
		if err != nil {
			p.fail(name, v, err)
			return
		}
		ratio, err := decimal.NewFromString(strings.TrimSpace(ratioS))
		if err != nil {
			p.fail(name, v, err)
			return
		}
		out = append(out, RatioTier{MinPortfolio: minV, Ratio: ratio})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MinPortfolio.LessThan(out[j].MinPortfolio)
	})
	*dst = out
}

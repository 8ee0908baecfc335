// Package marginability decides which listed securities may be financed on
// margin. Evaluate is a pure ordered rule chain: the first failing check
// determines the reason and no further checks run.
package marginability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/metrics"
	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/regconfig"
)

// Reason codes, in the order the checks run.
const (
	ReasonNonMarginableCategory = "NON_MARGINABLE_CATEGORY"
	ReasonSuspended             = "SUSPENDED"
	ReasonNotMainBoard          = "NOT_MAIN_BOARD"
	ReasonFundInstrument        = "FUND_INSTRUMENT"
	ReasonCategoryNotAllowed    = "CATEGORY_NOT_ALLOWED"
	ReasonInsufficientDividend  = "INSUFFICIENT_DIVIDEND"
	ReasonNegativeOrMissingPE   = "NEGATIVE_OR_MISSING_PE"
	ReasonPEAboveCeiling        = "PE_ABOVE_CEILING"
	ReasonPEAboveSectorMultiple = "PE_ABOVE_SECTOR_MULTIPLE"
	ReasonLowFreeFloatMarketCap = "LOW_FREE_FLOAT_MCAP"
	ReasonMeetsAllCriteria      = "MEETS_ALL_CRITERIA"
)

// Decision is the outcome of evaluating one security.
type Decision struct {
	Marginable bool   `json:"marginable"`
	Reason     string `json:"reason"`
}

func reject(reason string) Decision { return Decision{Reason: reason} }

// SectorMedians returns the median trailing P/E per sector, computed over
// positive P/E values only. Sectors without a positive P/E are absent.
func SectorMedians(securities []model.Security) map[string]decimal.Decimal {
	bySector := make(map[string][]decimal.Decimal)
	for _, s := range securities {
		sector := normalize(s.Sector)
		if sector == "" || s.TrailingPE == nil || !s.TrailingPE.IsPositive() {
			continue
		}
		bySector[sector] = append(bySector[sector], *s.TrailingPE)
	}

	medians := make(map[string]decimal.Decimal, len(bySector))
	for sector, pes := range bySector {
		medians[sector] = median(pes)
	}
	return medians
}

func median(values []decimal.Decimal) decimal.Decimal {
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return values[n/2-1].Add(values[n/2]).Div(decimal.NewFromInt(2))
}

// Evaluate runs the marginability checks against sec in fixed order.
// medians must come from SectorMedians over the full security universe.
func Evaluate(sec model.Security, cfg regconfig.ClassifierConfig, medians map[string]decimal.Decimal) Decision {
	category := normalize(sec.Category)

	if contains(cfg.NonMarginableCategories, category) {
		return reject(ReasonNonMarginableCategory)
	}
	if normalize(sec.Status) == cfg.SuspendedStatus {
		return reject(ReasonSuspended)
	}
	if normalize(sec.Board) != cfg.MainBoard {
		return reject(ReasonNotMainBoard)
	}
	if contains(cfg.FundAssetClasses, normalize(sec.AssetClass)) {
		return reject(ReasonFundInstrument)
	}
	if !contains(cfg.AllowedCategories, category) {
		return reject(ReasonCategoryNotAllowed)
	}
	if category == cfg.LowerTierCategory && sec.DividendYield.LessThan(cfg.MinDividendYield) {
		return reject(ReasonInsufficientDividend)
	}
	if sec.TrailingPE == nil || !sec.TrailingPE.IsPositive() {
		return reject(ReasonNegativeOrMissingPE)
	}
	pe := *sec.TrailingPE
	if pe.GreaterThan(cfg.MaxPE) {
		return reject(ReasonPEAboveCeiling)
	}
	if m, ok := medians[normalize(sec.Sector)]; ok && pe.GreaterThan(m.Mul(cfg.SectorPEMultiplier)) {
		return reject(ReasonPEAboveSectorMultiple)
	}
	if sec.FreeFloatMarketCap.LessThan(cfg.MinFreeFloatMarketCap) {
		return reject(ReasonLowFreeFloatMarketCap)
	}
	return Decision{Marginable: true, Reason: ReasonMeetsAllCriteria}
}

func normalize(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Store is the persistence the classifier needs.
type Store interface {
	ListSecurities(ctx context.Context) ([]model.Security, error)
	UpdateMarginability(ctx context.Context, id string, marginable bool, reason string, at time.Time) error
}

// ConfigLoader resolves the regulatory configuration for a date.
type ConfigLoader interface {
	Load(ctx context.Context, asOf time.Time) (*regconfig.Config, error)
}

// Summary reports a classification run.
type Summary struct {
	TotalSecurities    int            `json:"total_securities"`
	MarginableCount    int            `json:"marginable_count"`
	NonMarginableCount int            `json:"non_marginable_count"`
	ReasonBreakdown    map[string]int `json:"reason_breakdown"`
	Changed            int            `json:"changed"`
	DryRun             bool           `json:"dry_run"`
}

// Classifier evaluates securities and persists the results.
type Classifier struct {
	store  Store
	config ConfigLoader
	log    *slog.Logger
	now    func() time.Time
}

// NewClassifier creates a classifier.
func NewClassifier(st Store, cfg ConfigLoader, log *slog.Logger) *Classifier {
	return &Classifier{
		store:  st,
		config: cfg,
		log:    log.With("component", "marginability"),
		now:    time.Now,
	}
}

// SetClock replaces the classifier's clock.
func (c *Classifier) SetClock(now func() time.Time) { c.now = now }

// Classify evaluates the securities whose ISIN is in isins, or every
// security when isins is empty. Sector medians always cover the whole
// universe. A dry run reports the outcome without writing.
func (c *Classifier) Classify(ctx context.Context, isins []string, dryRun bool) (Summary, error) {
	start := time.Now()
	defer metrics.ObserveBatch("classify", start)

	sum := Summary{ReasonBreakdown: make(map[string]int), DryRun: dryRun}

	now := c.now().UTC()
	cfg, err := c.config.Load(ctx, model.DateOf(now))
	if err != nil {
		return sum, err
	}

	universe, err := c.store.ListSecurities(ctx)
	if err != nil {
		return sum, fmt.Errorf("list securities: %w", err)
	}
	medians := SectorMedians(universe)

	var only map[string]bool
	if len(isins) > 0 {
		only = make(map[string]bool, len(isins))
		for _, isin := range isins {
			only[normalize(isin)] = true
		}
	}

	for _, sec := range universe {
		if only != nil && !only[normalize(sec.ISIN)] {
			continue
		}
		dec := Evaluate(sec, cfg.Classifier, medians)

		sum.TotalSecurities++
		sum.ReasonBreakdown[dec.Reason]++
		if dec.Marginable {
			sum.MarginableCount++
		} else {
			sum.NonMarginableCount++
		}
		if dec.Marginable != sec.IsMarginable || dec.Reason != sec.MarginabilityReason {
			sum.Changed++
		}

		if dryRun {
			continue
		}
		if err := c.store.UpdateMarginability(ctx, sec.ID, dec.Marginable, dec.Reason, now); err != nil {
			return sum, fmt.Errorf("update marginability of %s: %w", sec.Code, err)
		}
		metrics.SecuritiesClassified.WithLabelValues(dec.Reason).Inc()
	}

	c.log.Info("securities classified",
		"total", sum.TotalSecurities,
		"marginable", sum.MarginableCount,
		"non_marginable", sum.NonMarginableCount,
		"changed", sum.Changed,
		"dry_run", dryRun,
	)
	return sum, nil
}

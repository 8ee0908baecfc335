// Package trade posts raw exchange fills: it resolves client and security
// identity, applies fees and the settlement cycle, and writes the execution
// log, holdings and cash ledger.
//
// All monetary values use shopspring/decimal.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/fees"
	"github.com/eduintbd/eod-sub000/internal/instrument"
	"github.com/eduintbd/eod-sub000/internal/ledger"
	"github.com/eduintbd/eod-sub000/internal/metrics"
	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/regconfig"
	"github.com/eduintbd/eod-sub000/internal/settlement"
	"github.com/eduintbd/eod-sub000/internal/store"
)

var (
	// ErrIneligibleClient rejects a margin client whose income class is
	// disallowed or whose KYC is incomplete. The row is retried later.
	ErrIneligibleClient = errors.New("trade: client not eligible for margin trading")

	// ErrUnresolvableClient is returned when a row carries no client identifier.
	ErrUnresolvableClient = errors.New("trade: raw trade has no client identifier")

	// ErrUnresolvableSecurity is returned when a row carries no usable
	// security identifier.
	ErrUnresolvableSecurity = errors.New("trade: raw trade has no security identifier")

	// ErrUnknownSide is returned for a side other than BUY or SELL.
	ErrUnknownSide = errors.New("trade: unknown trade side")
)

const (
	DefaultBatchSize     = 200
	DefaultMaxIterations = 500

	maxReportedErrors = 50

	placeholderReason = "PENDING_CLASSIFICATION"
)

// Notes recorded on rows that are closed without posting.
const (
	noteMissingExecID   = "skipped: missing execution id"
	noteDuplicateExecID = "skipped: duplicate execution id"
)

// Store is the persistence the processor needs.
type Store interface {
	store.RawTradeStore
	store.ExecutionStore
	store.ClientStore
	store.SecurityStore
	store.HoldingStore
}

// ConfigLoader resolves the regulatory configuration for a date.
type ConfigLoader interface {
	Load(ctx context.Context, asOf time.Time) (*regconfig.Config, error)
}

// Options tunes batch sizing.
type Options struct {
	BatchSize     int
	MaxIterations int
}

// Processor posts raw trades in bounded, sequential slices.
type Processor struct {
	store  Store
	ledger *ledger.Ledger
	config ConfigLoader
	log    *slog.Logger

	batchSize     int
	maxIterations int
	now           func() time.Time
}

// NewProcessor creates a processor. Zero options take the defaults.
func NewProcessor(st Store, led *ledger.Ledger, cfg ConfigLoader, log *slog.Logger, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Processor{
		store:         st,
		ledger:        led,
		config:        cfg,
		log:           log.With("component", "trade_processor"),
		batchSize:     opts.BatchSize,
		maxIterations: opts.MaxIterations,
		now:           time.Now,
	}
}

// SetClock replaces the processor's clock; the config is resolved for the
// clock's current date.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// RowError describes a raw trade left unprocessed.
type RowError struct {
	RawTradeID int64  `json:"raw_trade_id"`
	ExecID     string `json:"exec_id,omitempty"`
	Error      string `json:"error"`
}

// BatchResult summarizes one slice.
type BatchResult struct {
	Processed       int        `json:"processed"`
	Failed          int        `json:"failed"`
	Skipped         int        `json:"skipped"`
	TotalConsidered int        `json:"total_considered"`
	LastID          int64      `json:"last_id"`
	Errors          []RowError `json:"errors,omitempty"`
}

func (r *BatchResult) addError(e RowError) {
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, e)
	}
}

// DrainResult summarizes repeated slices.
type DrainResult struct {
	Iterations int        `json:"iterations"`
	Processed  int        `json:"processed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Exhausted  bool       `json:"exhausted"`
	Errors     []RowError `json:"errors,omitempty"`
}

// RunBatch posts one slice of pending raw trades, optionally restricted to
// one import batch. Per-row failures are recorded on the row and in the
// result; only infrastructure failures return an error.
func (p *Processor) RunBatch(ctx context.Context, batchID string) (BatchResult, error) {
	return p.runSlice(ctx, batchID, 0)
}

// Drain runs slices until the pending rows are exhausted or the iteration
// cap is reached. Each slice resumes after the last row of the previous one
// so rows that keep failing never starve the rows behind them.
func (p *Processor) Drain(ctx context.Context, batchID string) (DrainResult, error) {
	var out DrainResult
	var cursor int64
	for out.Iterations < p.maxIterations {
		res, err := p.runSlice(ctx, batchID, cursor)
		if err != nil {
			return out, err
		}
		out.Iterations++
		out.Processed += res.Processed
		out.Failed += res.Failed
		out.Skipped += res.Skipped
		for _, e := range res.Errors {
			if len(out.Errors) >= maxReportedErrors {
				break
			}
			out.Errors = append(out.Errors, e)
		}
		if res.TotalConsidered < p.batchSize {
			out.Exhausted = true
			break
		}
		cursor = res.LastID
	}

	p.log.Info("trade drain finished",
		"batch_id", batchID,
		"iterations", out.Iterations,
		"processed", out.Processed,
		"failed", out.Failed,
		"skipped", out.Skipped,
		"exhausted", out.Exhausted,
	)
	return out, nil
}

func (p *Processor) runSlice(ctx context.Context, batchID string, afterID int64) (BatchResult, error) {
	start := time.Now()
	defer metrics.ObserveBatch("trades", start)

	var res BatchResult
	rows, err := p.store.ListPendingRawTrades(ctx, batchID, afterID, p.batchSize)
	if err != nil {
		return res, fmt.Errorf("list pending raw trades: %w", err)
	}
	res.TotalConsidered = len(rows)
	if len(rows) == 0 {
		return res, nil
	}

	cfg, err := p.config.Load(ctx, model.DateOf(p.now()))
	if err != nil {
		return res, err
	}

	seen := make(map[string]bool, len(rows))
	for i := range rows {
		row := &rows[i]
		res.LastID = row.ID

		note, err := p.processRow(ctx, cfg, row, seen)
		switch {
		case err != nil:
			res.Failed++
			res.addError(RowError{RawTradeID: row.ID, ExecID: execIDOf(row), Error: err.Error()})
			metrics.TradesPosted.WithLabelValues("failed").Inc()
			if markErr := p.store.MarkRawTradeFailed(ctx, row.ID, err.Error()); markErr != nil {
				p.log.Error("record raw trade failure", "raw_trade_id", row.ID, "err", markErr)
			}
			p.log.Warn("raw trade not posted", "raw_trade_id", row.ID, "err", err)

		case note != "":
			if markErr := p.store.MarkRawTradeProcessed(ctx, row.ID, note); markErr != nil {
				res.Failed++
				res.addError(RowError{RawTradeID: row.ID, ExecID: execIDOf(row), Error: markErr.Error()})
				continue
			}
			res.Skipped++
			metrics.TradesPosted.WithLabelValues("skipped").Inc()
			p.log.Debug("raw trade skipped", "raw_trade_id", row.ID, "note", note)

		default:
			res.Processed++
			metrics.TradesPosted.WithLabelValues("posted").Inc()
		}
	}

	p.log.Info("trade batch processed",
		"batch_id", batchID,
		"considered", res.TotalConsidered,
		"processed", res.Processed,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	return res, nil
}

func execIDOf(t *model.RawTrade) string {
	if t.ExecID == nil {
		return ""
	}
	return strings.TrimSpace(*t.ExecID)
}

// processRow posts one raw trade. A non-empty note means the row is closed
// without posting; an error leaves it for retry.
func (p *Processor) processRow(ctx context.Context, cfg *regconfig.Config, t *model.RawTrade, seen map[string]bool) (string, error) {
	execID := execIDOf(t)
	if execID == "" {
		return noteMissingExecID, nil
	}
	if seen[execID] {
		return noteDuplicateExecID, nil
	}
	seen[execID] = true

	exists, err := p.store.ExecutionExists(ctx, execID)
	if err != nil {
		return "", fmt.Errorf("check execution %s: %w", execID, err)
	}
	if exists {
		return noteDuplicateExecID, nil
	}

	side := model.Side(strings.ToUpper(strings.TrimSpace(string(t.Side))))
	if side != model.SideBuy && side != model.SideSell {
		return "", fmt.Errorf("%w: %q", ErrUnknownSide, t.Side)
	}

	client, err := p.resolveClient(ctx, t)
	if err != nil {
		return "", err
	}
	if err := checkEligibility(client, cfg.Margin.DisallowedIncomeClasses); err != nil {
		return "", err
	}

	sec, err := p.resolveSecurity(ctx, t)
	if err != nil {
		return "", err
	}

	value := t.Value
	if !value.IsPositive() {
		value = t.Quantity.Mul(t.Price)
	}
	value = value.Round(fees.MoneyScale)
	br := cfg.Fees.Calculate(value, side)

	category := t.Category
	if strings.TrimSpace(category) == "" {
		category = sec.Category
	}
	tradeDate := model.DateOf(t.TradeDate)

	exec := &model.TradeExecution{
		ExecID:         execID,
		RawTradeID:     t.ID,
		ClientID:       client.ID,
		SecurityID:     sec.ID,
		Side:           side,
		Quantity:       t.Quantity,
		Price:          t.Price,
		Value:          value,
		Commission:     br.Commission,
		ExchangeFee:    br.ExchangeFee,
		DepositoryFee:  br.DepositoryFee,
		Tax:            br.Tax,
		TotalFees:      br.Total,
		NetValue:       br.Net,
		TradeDate:      tradeDate,
		SettlementDate: settlement.Date(tradeDate, category, side, t.Spot),
	}
	if err := p.store.InsertExecution(ctx, exec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return noteDuplicateExecID, nil
		}
		return "", fmt.Errorf("insert execution %s: %w", execID, err)
	}

	if err := p.postHolding(ctx, exec); err != nil {
		return "", err
	}

	amount := br.Net
	entryType := model.EntrySellTrade
	if side == model.SideBuy {
		amount = br.Net.Neg()
		entryType = model.EntryBuyTrade
	}
	narration := fmt.Sprintf("%s %s %s @ %s", side, t.Quantity.String(), sec.Code, t.Price.String())
	if _, err := p.ledger.Post(ctx, client.ID, tradeDate, entryType, amount, execID, narration); err != nil {
		return "", fmt.Errorf("post ledger for %s: %w", execID, err)
	}

	if err := p.store.MarkRawTradeProcessed(ctx, t.ID, ""); err != nil {
		return "", fmt.Errorf("mark raw trade %d processed: %w", t.ID, err)
	}

	metrics.TradeValue.WithLabelValues(string(side)).Add(value.InexactFloat64())
	p.log.Debug("execution posted",
		"exec_id", execID,
		"client_id", client.ID,
		"security", sec.Code,
		"side", side,
		"qty", t.Quantity.String(),
		"net", br.Net.String(),
		"settlement_date", exec.SettlementDate.Format(time.DateOnly),
	)
	return "", nil
}

func (p *Processor) postHolding(ctx context.Context, e *model.TradeExecution) error {
	prior := true
	h, err := p.store.GetHolding(ctx, e.ClientID, e.SecurityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		prior = false
		h = &model.Holding{ClientID: e.ClientID, SecurityID: e.SecurityID}
	case err != nil:
		return fmt.Errorf("load holding: %w", err)
	}

	var updated model.Holding
	if e.Side == model.SideBuy {
		updated = ApplyBuy(*h, e.Quantity, e.NetValue, e.TradeDate)
	} else {
		var oversold bool
		updated, oversold = ApplySell(*h, prior, e.Quantity, e.Price, e.NetValue, e.TradeDate)
		if oversold {
			p.log.Warn("sell exceeds holding, quantity clamped to zero",
				"exec_id", e.ExecID,
				"client_id", e.ClientID,
				"security_id", e.SecurityID,
				"held", h.Quantity.String(),
				"sold", e.Quantity.String(),
			)
		}
	}

	if err := p.store.UpsertHolding(ctx, &updated); err != nil {
		return fmt.Errorf("upsert holding: %w", err)
	}
	return nil
}

// resolveClient looks the client up by BO account, then client code, and
// otherwise creates a placeholder pending review.
func (p *Processor) resolveClient(ctx context.Context, t *model.RawTrade) (*model.Client, error) {
	bo := strings.TrimSpace(t.BOAccount)
	code := strings.TrimSpace(t.ClientCode)
	if bo == "" && code == "" {
		return nil, ErrUnresolvableClient
	}

	if bo != "" {
		c, err := p.store.GetClientByBOAccount(ctx, bo)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup client by bo account: %w", err)
		}
	}
	if code != "" {
		c, err := p.store.GetClientByCode(ctx, code)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup client by code: %w", err)
		}
	}

	c, err := p.store.EnsureClient(ctx, &model.Client{
		ClientCode:  code,
		BOAccount:   bo,
		AccountType: model.AccountCash,
		Status:      model.ClientPendingReview,
	})
	if err != nil {
		return nil, fmt.Errorf("create placeholder client: %w", err)
	}
	p.log.Info("placeholder client created", "client_id", c.ID, "bo_account", bo, "client_code", code)
	return c, nil
}

// checkEligibility gates margin accounts before any posting.
func checkEligibility(c *model.Client, disallowed []string) error {
	if !c.IsMargin() {
		return nil
	}
	class := strings.ToUpper(strings.TrimSpace(c.IncomeClass))
	for _, d := range disallowed {
		if class == d {
			return fmt.Errorf("%w: income class %s", ErrIneligibleClient, class)
		}
	}
	if !c.KYCComplete {
		return fmt.Errorf("%w: KYC incomplete", ErrIneligibleClient)
	}
	return nil
}

// resolveSecurity prefers the local security code, then the ISIN, and
// otherwise creates a placeholder security.
func (p *Processor) resolveSecurity(ctx context.Context, t *model.RawTrade) (*model.Security, error) {
	code := instrument.NormalizeCode(t.SecurityCode)
	rawISIN := strings.ToUpper(strings.TrimSpace(t.ISIN))

	if code != "" {
		sec, err := p.store.GetSecurityByCode(ctx, code)
		if err == nil {
			return sec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup security by code: %w", err)
		}
	}
	if rawISIN != "" {
		sec, err := p.store.GetSecurityByISIN(ctx, rawISIN)
		if err == nil {
			return sec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup security by isin: %w", err)
		}
	}

	if code == "" && rawISIN == "" {
		return nil, ErrUnresolvableSecurity
	}
	// Only a well-formed ISIN is stored; a malformed one still names the
	// placeholder so the row can post.
	isin, err := instrument.NormalizeISIN(rawISIN)
	if err != nil {
		isin = ""
	}
	if code == "" {
		code = isin
	}
	if code == "" {
		code = rawISIN
	}

	sec, err := p.store.EnsureSecurity(ctx, &model.Security{
		ISIN:                isin,
		Code:                code,
		Name:                code,
		Category:            strings.ToUpper(strings.TrimSpace(t.Category)),
		Board:               strings.ToUpper(strings.TrimSpace(t.Board)),
		Status:              "ACTIVE",
		FreeFloatMarketCap:  decimal.Zero,
		DividendYield:       decimal.Zero,
		MarginabilityReason: placeholderReason,
	})
	if err != nil {
		return nil, fmt.Errorf("create placeholder security: %w", err)
	}
	p.log.Info("placeholder security created", "security_id", sec.ID, "code", code, "isin", isin)
	return sec, nil
}

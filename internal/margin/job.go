package margin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/exposure"
	"github.com/eduintbd/eod-sub000/internal/fees"
	"github.com/eduintbd/eod-sub000/internal/metrics"
	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/regconfig"
	"github.com/eduintbd/eod-sub000/internal/settlement"
	"github.com/eduintbd/eod-sub000/internal/store"
)

// ErrNotMarginClient is returned when a single-client run names a client
// without a margin account.
var ErrNotMarginClient = errors.New("margin: client does not hold a margin account")

const (
	DefaultBatchSize     = 100
	DefaultMaxIterations = 500

	maxReportedErrors = 50
)

// Store is the persistence the margin job needs.
type Store interface {
	GetClient(ctx context.Context, id string) (*model.Client, error)
	ListMarginClients(ctx context.Context, offset, limit int) ([]model.Client, error)
	ListHoldingViews(ctx context.Context, clientID string) ([]model.HoldingView, error)
	LatestBalance(ctx context.Context, clientID string) (decimal.Decimal, bool, error)
	store.MarginStore
}

// PriceResolver returns the close on day or the most recent prior close.
// ok is false when the security has never been priced.
type PriceResolver interface {
	ClosePriceOnOrBefore(ctx context.Context, securityID string, day time.Time) (decimal.Decimal, bool, error)
}

// Notifier receives every newly raised alert.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert model.MarginAlert) error
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

// Request selects the clients and date of a run. A zero SnapshotDate means
// today; a non-empty ClientID restricts the run to that client.
type Request struct {
	SnapshotDate time.Time `json:"snapshot_date"`
	ClientID     string    `json:"client_id,omitempty"`
	Offset       int       `json:"offset"`
}

// ClientError records a client whose computation failed.
type ClientError struct {
	ClientID string `json:"client_id"`
	Error    string `json:"error"`
}

// Result summarizes one slice of a margin run.
type Result struct {
	SnapshotDate         time.Time                  `json:"snapshot_date"`
	ClientsProcessed     int                        `json:"clients_processed"`
	StatusCounts         map[model.MarginStatus]int `json:"status_counts"`
	AlertsGenerated      int                        `json:"alerts_generated"`
	SnapshotsCreated     int                        `json:"snapshots_created"`
	NextOffset           int                        `json:"next_offset"`
	Done                 bool                       `json:"done"`
	ConcentrationChecked bool                       `json:"concentration_checked"`
	Errors               []ClientError              `json:"errors,omitempty"`
}

func (r *Result) addError(clientID string, err error) {
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, ClientError{ClientID: clientID, Error: err.Error()})
	}
}

// Job runs the end-of-day margin computation.
type Job struct {
	store    Store
	prices   PriceResolver
	config   ConfigLoader
	notifier Notifier
	log      *slog.Logger

	batchSize     int
	maxIterations int
	now           func() time.Time
}

// NewJob creates a margin job. notifier may be nil.
func NewJob(st Store, prices PriceResolver, cfg ConfigLoader, notifier Notifier, log *slog.Logger, opts Options) *Job {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Job{
		store:         st,
		prices:        prices,
		config:        cfg,
		notifier:      notifier,
		log:           log.With("component", "margin_job"),
		batchSize:     opts.BatchSize,
		maxIterations: opts.MaxIterations,
		now:           time.Now,
	}
}

// SetClock replaces the job's clock.
func (j *Job) SetClock(now func() time.Time) { j.now = now }

// run carries the per-invocation state shared by every client of a slice.
type run struct {
	date    time.Time
	cfg     *regconfig.Config
	limiter *exposure.Limiter
	res     *Result
}

// RunBatch processes one page of margin clients starting at req.Offset.
// Per-client failures are recorded in the result; only infrastructure
// failures return an error. The concentration check runs on the slice that
// completes a full run.
func (j *Job) RunBatch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	defer metrics.ObserveBatch("margin", start)

	date := req.SnapshotDate
	if date.IsZero() {
		date = j.now()
	}
	date = model.DateOf(date)

	res := Result{
		SnapshotDate: date,
		StatusCounts: make(map[model.MarginStatus]int),
		NextOffset:   req.Offset,
	}

	cfg, err := j.config.Load(ctx, date)
	if err != nil {
		return res, err
	}
	r := &run{
		date:    date,
		cfg:     cfg,
		limiter: exposure.NewLimiter(cfg.Margin.ClientLimitPct, cfg.Margin.ClientLoanCap, cfg.Margin.ConcentrationPct),
		res:     &res,
	}

	var clients []model.Client
	if req.ClientID != "" {
		c, err := j.store.GetClient(ctx, req.ClientID)
		if err != nil {
			return res, fmt.Errorf("load client %s: %w", req.ClientID, err)
		}
		if !c.IsMargin() {
			return res, fmt.Errorf("%w: %s", ErrNotMarginClient, req.ClientID)
		}
		clients = []model.Client{*c}
		res.Done = true
	} else {
		clients, err = j.store.ListMarginClients(ctx, req.Offset, j.batchSize)
		if err != nil {
			return res, fmt.Errorf("list margin clients: %w", err)
		}
		res.NextOffset = req.Offset + len(clients)
		res.Done = len(clients) < j.batchSize
	}

	for i := range clients {
		c := &clients[i]
		status, err := j.processClient(ctx, r, c)
		if err != nil {
			res.addError(c.ID, err)
			j.log.Error("margin computation failed", "client_id", c.ID, "err", err)
			continue
		}
		res.ClientsProcessed++
		res.SnapshotsCreated++
		res.StatusCounts[status]++
	}

	if req.ClientID == "" && res.Done {
		if err := j.checkConcentration(ctx, r); err != nil {
			res.addError("", fmt.Errorf("concentration check: %w", err))
			j.log.Error("concentration check failed", "err", err)
		} else {
			res.ConcentrationChecked = true
		}
	}

	for _, s := range []model.MarginStatus{model.MarginNormal, model.MarginCall, model.MarginForceSell} {
		metrics.MarginStatus.WithLabelValues(string(s)).Set(float64(res.StatusCounts[s]))
	}

	j.log.Info("margin batch processed",
		"snapshot_date", date.Format(time.DateOnly),
		"offset", req.Offset,
		"clients", res.ClientsProcessed,
		"alerts", res.AlertsGenerated,
		"errors", len(res.Errors),
		"done", res.Done,
	)
	return res, nil
}

// Drain runs slices from offset zero until the client list is exhausted or
// the iteration cap is reached, and returns the merged result.
func (j *Job) Drain(ctx context.Context, snapshotDate time.Time) (Result, error) {
	total := Result{StatusCounts: make(map[model.MarginStatus]int)}
	req := Request{SnapshotDate: snapshotDate}
	for i := 0; i < j.maxIterations; i++ {
		res, err := j.RunBatch(ctx, req)
		if err != nil {
			return total, err
		}
		total.SnapshotDate = res.SnapshotDate
		total.ClientsProcessed += res.ClientsProcessed
		total.AlertsGenerated += res.AlertsGenerated
		total.SnapshotsCreated += res.SnapshotsCreated
		total.NextOffset = res.NextOffset
		total.Done = res.Done
		total.ConcentrationChecked = total.ConcentrationChecked || res.ConcentrationChecked
		for s, n := range res.StatusCounts {
			total.StatusCounts[s] += n
		}
		for _, e := range res.Errors {
			if len(total.Errors) < maxReportedErrors {
				total.Errors = append(total.Errors, e)
			}
		}
		if res.Done {
			break
		}
		req.Offset = res.NextOffset
		req.SnapshotDate = res.SnapshotDate
	}
	return total, nil
}

// valuation is a client's priced portfolio on a snapshot date.
type valuation struct {
	total      decimal.Decimal
	marginable decimal.Decimal
	unrealized decimal.Decimal
	bySecurity map[string]decimal.Decimal
}

// value prices each holding at its close on or before day, falling back to
// the holding's average cost when the security has never been priced.
func (j *Job) value(ctx context.Context, holdings []model.HoldingView, day time.Time) (valuation, error) {
	v := valuation{bySecurity: make(map[string]decimal.Decimal, len(holdings))}
	for _, h := range holdings {
		price, ok, err := j.prices.ClosePriceOnOrBefore(ctx, h.SecurityID, day)
		if err != nil {
			return v, fmt.Errorf("price %s: %w", h.SecurityID, err)
		}
		if !ok {
			price = h.AverageCost
		}
		mv := h.Quantity.Mul(price).Round(fees.MoneyScale)

		v.total = v.total.Add(mv)
		if h.IsMarginable {
			v.marginable = v.marginable.Add(mv)
		}
		v.unrealized = v.unrealized.Add(mv.Sub(h.Quantity.Mul(h.AverageCost)))
		v.bySecurity[h.SecurityID] = v.bySecurity[h.SecurityID].Add(mv)
	}
	v.unrealized = v.unrealized.Round(fees.MoneyScale)
	return v, nil
}

// previousState returns the state the client entered the snapshot date
// with. A re-run of an already computed date starts from the baseline
// captured by the first run.
func previousState(acct *model.MarginAccount, day time.Time) model.MarginState {
	if acct == nil {
		return model.MarginState{Status: model.MarginNormal}
	}
	prev := acct.MarginState
	if model.DateOf(acct.AsOfDate).Equal(day) {
		prev = acct.Baseline
	}
	if prev.Status == "" {
		prev.Status = model.MarginNormal
	}
	return prev
}

func (j *Job) processClient(ctx context.Context, r *run, c *model.Client) (model.MarginStatus, error) {
	holdings, err := j.store.ListHoldingViews(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("load holdings: %w", err)
	}
	v, err := j.value(ctx, holdings, r.date)
	if err != nil {
		return "", err
	}

	cash, _, err := j.store.LatestBalance(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("load cash balance: %w", err)
	}
	loan := LoanBalance(cash)
	ratio := EquityRatio(v.marginable, loan)
	mc := r.cfg.Margin

	acct, err := j.store.GetMarginAccount(ctx, c.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct = nil
	case err != nil:
		return "", fmt.Errorf("load margin account: %w", err)
	}
	prev := previousState(acct, r.date)

	status := DetermineStatus(ratio, mc.NormalThreshold, mc.ForceSellThreshold)
	if prev.Status == model.MarginCall && prev.CallDeadline != nil && prev.CallDeadline.Before(r.date) {
		status = model.MarginForceSell
		if err := j.raise(ctx, r, c.ID, model.AlertDeadlineBreach, map[string]any{
			"call_deadline":  prev.CallDeadline.Format(time.DateOnly),
			"equity_ratio":   ratio.Round(RatioScale).String(),
			"loan_balance":   loan.String(),
			"previous_calls": prev.CallCount,
		}); err != nil {
			return "", err
		}
	}

	next := prev
	next.Status = status
	if status != prev.Status {
		day := r.date
		switch status {
		case model.MarginCall:
			deadline := settlement.AddBusinessDays(day, mc.CallDeadlineDays)
			next.CallCount++
			next.LastCallDate = &day
			next.CallDeadline = &deadline
		case model.MarginForceSell:
			next.CallCount++
			next.LastCallDate = &day
			next.CallDeadline = nil
		case model.MarginNormal:
			next.CallCount = 0
			next.CallDeadline = nil
		}

		if alertType, ok := transitionAlert(status); ok {
			details := map[string]any{
				"previous_status": string(prev.Status),
				"equity_ratio":    ratio.Round(RatioScale).String(),
				"loan_balance":    loan.String(),
				"marginable":      v.marginable.String(),
				"call_count":      next.CallCount,
			}
			if next.CallDeadline != nil && status == model.MarginCall {
				details["call_deadline"] = next.CallDeadline.Format(time.DateOnly)
			}
			if err := j.raise(ctx, r, c.ID, alertType, details); err != nil {
				return "", err
			}
		}
	}

	if err := r.limiter.CheckClient(loan, mc.CoreCapital); err != nil {
		if err := j.raise(ctx, r, c.ID, model.AlertExposureBreach, map[string]any{
			"loan_balance": loan.String(),
			"limit":        r.limiter.ClientLimit(mc.CoreCapital).String(),
		}); err != nil {
			return "", err
		}
	}

	tier, eligible := DetermineAppliedRatio(v.marginable, mc)
	label := NotEligibleLabel
	if eligible {
		label = tier.Label()
	}

	updated := &model.MarginAccount{
		ClientID:                 c.ID,
		LoanBalance:              loan,
		TotalPortfolioValue:      v.total,
		MarginablePortfolioValue: v.marginable,
		ClientEquity:             v.marginable.Sub(loan),
		MarginRatio:              ratio.Round(RatioScale),
		AppliedRatioLabel:        label,
		AsOfDate:                 r.date,
		MarginState:              next,
		Baseline:                 prev,
	}
	if err := j.store.UpsertMarginAccount(ctx, updated); err != nil {
		return "", fmt.Errorf("upsert margin account: %w", err)
	}

	snap := &model.DailySnapshot{
		ClientID:          c.ID,
		SnapshotDate:      r.date,
		PortfolioValue:    v.total,
		CashBalance:       cash,
		LoanBalance:       loan,
		NetEquity:         v.total.Add(cash),
		MarginUtilization: Utilization(loan, v.marginable, tier, eligible),
		UnrealizedPL:      v.unrealized,
	}
	if err := j.store.UpsertSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("upsert snapshot: %w", err)
	}

	j.log.Debug("margin computed",
		"client_id", c.ID,
		"status", status,
		"ratio", updated.MarginRatio.String(),
		"loan", loan.String(),
		"applied_ratio", label,
	)
	return status, nil
}

func transitionAlert(status model.MarginStatus) (model.AlertType, bool) {
	switch status {
	case model.MarginCall:
		return model.AlertMarginCall, true
	case model.MarginForceSell:
		return model.AlertForceSellTriggered, true
	default:
		return "", false
	}
}

// raise stores an alert unless one of the same type already exists for the
// client and date, and notifies only for a newly stored alert.
func (j *Job) raise(ctx context.Context, r *run, clientID string, typ model.AlertType, details map[string]any) error {
	alert := model.MarginAlert{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		AlertDate: r.date,
		Type:      typ,
		Details:   details,
		CreatedAt: j.now().UTC(),
	}
	inserted, err := j.store.InsertAlert(ctx, &alert)
	if err != nil {
		return fmt.Errorf("insert %s alert: %w", typ, err)
	}
	if !inserted {
		return nil
	}

	r.res.AlertsGenerated++
	metrics.MarginAlerts.WithLabelValues(string(typ)).Inc()
	j.log.Warn("margin alert raised", "client_id", clientID, "type", typ)

	if j.notifier != nil {
		if err := j.notifier.NotifyAlert(ctx, alert); err != nil {
			j.log.Error("alert notification failed", "client_id", clientID, "type", typ, "err", err)
		}
	}
	return nil
}

// checkConcentration attributes every margin client's stored loan across
// the client's priced holdings and alerts each client holding a security
// whose attributed loan exceeds the concentration limit.
func (j *Job) checkConcentration(ctx context.Context, r *run) error {
	var exposures []exposure.ClientExposure
	for offset := 0; ; {
		clients, err := j.store.ListMarginClients(ctx, offset, j.batchSize)
		if err != nil {
			return fmt.Errorf("list margin clients: %w", err)
		}
		for _, c := range clients {
			acct, err := j.store.GetMarginAccount(ctx, c.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load margin account %s: %w", c.ID, err)
			}
			if !acct.LoanBalance.IsPositive() {
				continue
			}
			holdings, err := j.store.ListHoldingViews(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("load holdings %s: %w", c.ID, err)
			}
			v, err := j.value(ctx, holdings, r.date)
			if err != nil {
				return err
			}
			exposures = append(exposures, exposure.ClientExposure{
				ClientID: c.ID,
				Loan:     acct.LoanBalance,
				Values:   v.bySecurity,
			})
		}
		offset += len(clients)
		if len(clients) < j.batchSize {
			break
		}
	}

	breaches := r.limiter.Concentration(exposures)
	if len(breaches) == 0 {
		return nil
	}

	bySecurity := make(map[string][]map[string]any)
	for _, b := range breaches {
		for _, clientID := range b.Clients {
			bySecurity[clientID] = append(bySecurity[clientID], map[string]any{
				"security_id":     b.SecurityID,
				"attributed_loan": b.AttributedLoan.Round(fees.MoneyScale).String(),
				"total_loan":      b.TotalLoan.String(),
				"share":           b.Share.Round(RatioScale).String(),
			})
		}
	}

	clientIDs := make([]string, 0, len(bySecurity))
	for id := range bySecurity {
		clientIDs = append(clientIDs, id)
	}
	sort.Strings(clientIDs)
	for _, id := range clientIDs {
		if err := j.raise(ctx, r, id, model.AlertConcentrationBreach, map[string]any{
			"securities": bySecurity[id],
			"limit_pct":  r.cfg.Margin.ConcentrationPct.String(),
		}); err != nil {
			return err
		}
	}
	j.log.Warn("concentration limit breached", "securities", len(breaches), "clients", len(clientIDs))
	return nil
}

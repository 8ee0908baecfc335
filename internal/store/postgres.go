package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and travel as text in both directions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type pgxRow interface {
	Scan(dest ...any) error
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Raw trades ---

const rawTradeColumns = `id, exchange, status, side, bo_account, client_code, isin, security_code,
	quantity::TEXT, price::TEXT, value::TEXT, trade_date, trade_time, exec_id,
	spot, category, board, import_batch_id, processed, error_message`

func scanRawTrade(row pgxRow) (*model.RawTrade, error) {
	var t model.RawTrade
	var qty, price, value string
	if err := row.Scan(&t.ID, &t.Exchange, &t.Status, &t.Side, &t.BOAccount, &t.ClientCode,
		&t.ISIN, &t.SecurityCode, &qty, &price, &value, &t.TradeDate, &t.TradeTime, &t.ExecID,
		&t.Spot, &t.Category, &t.Board, &t.ImportBatchID, &t.Processed, &t.ErrorMessage); err != nil {
		return nil, err
	}
	t.Quantity = parseDecimal(qty)
	t.Price = parseDecimal(price)
	t.Value = parseDecimal(value)
	return &t, nil
}

func (s *PostgresStore) InsertRawTrade(ctx context.Context, t *model.RawTrade) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO raw_trades (exchange, status, side, bo_account, client_code, isin, security_code,
		                         quantity, price, value, trade_date, trade_time, exec_id,
		                         spot, category, board, import_batch_id, processed, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		t.Exchange, t.Status, t.Side, t.BOAccount, t.ClientCode, t.ISIN, t.SecurityCode,
		t.Quantity.String(), t.Price.String(), t.Value.String(),
		t.TradeDate, t.TradeTime, t.ExecID,
		t.Spot, t.Category, t.Board, t.ImportBatchID, t.Processed, t.ErrorMessage,
	).Scan(&t.ID)
}

func (s *PostgresStore) ListPendingRawTrades(ctx context.Context, batchID string, afterID int64, limit int) ([]model.RawTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rawTradeColumns+`
		 FROM raw_trades
		 WHERE processed = FALSE
		   AND status IN ($1, $2)
		   AND quantity > 0
		   AND id > $3
		   AND ($4 = '' OR import_batch_id = $4)
		 ORDER BY id
		 LIMIT $5`,
		model.StatusFill, model.StatusPartialFill, afterID, batchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.RawTrade
	for rows.Next() {
		t, err := scanRawTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) GetRawTrade(ctx context.Context, id int64) (*model.RawTrade, error) {
	t, err := scanRawTrade(s.pool.QueryRow(ctx,
		`SELECT `+rawTradeColumns+` FROM raw_trades WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get raw trade %d: %w", id, notFound(err))
	}
	return t, nil
}

func (s *PostgresStore) MarkRawTradeProcessed(ctx context.Context, id int64, note string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE raw_trades SET processed = TRUE, error_message = $2 WHERE id = $1`, id, note)
	return err
}

func (s *PostgresStore) MarkRawTradeFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE raw_trades SET processed = FALSE, error_message = $2 WHERE id = $1`, id, errMsg)
	return err
}

// --- Executions ---

func (s *PostgresStore) ExecutionExists(ctx context.Context, execID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trade_executions WHERE exec_id = $1)`, execID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) InsertExecution(ctx context.Context, e *model.TradeExecution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO trade_executions (exec_id, raw_trade_id, client_id, security_id, side,
		                               quantity, price, value, commission, exchange_fee,
		                               depository_fee, tax, total_fees, net_value,
		                               trade_date, settlement_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16, $17)
		 ON CONFLICT (exec_id) DO NOTHING`,
		e.ExecID, e.RawTradeID, e.ClientID, e.SecurityID, e.Side,
		e.Quantity.String(), e.Price.String(), e.Value.String(),
		e.Commission.String(), e.ExchangeFee.String(), e.DepositoryFee.String(),
		e.Tax.String(), e.TotalFees.String(), e.NetValue.String(),
		e.TradeDate, e.SettlementDate, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

const executionColumns = `exec_id, raw_trade_id, client_id, security_id, side,
	quantity::TEXT, price::TEXT, value::TEXT, commission::TEXT,
	exchange_fee::TEXT, depository_fee::TEXT, tax::TEXT,
	total_fees::TEXT, net_value::TEXT,
	trade_date, settlement_date, created_at`

func scanExecution(row pgxRow) (*model.TradeExecution, error) {
	var e model.TradeExecution
	var qty, price, value, comm, exch, dep, tax, total, net string
	if err := row.Scan(&e.ExecID, &e.RawTradeID, &e.ClientID, &e.SecurityID, &e.Side,
		&qty, &price, &value, &comm, &exch, &dep, &tax, &total, &net,
		&e.TradeDate, &e.SettlementDate, &e.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	e.Quantity = parseDecimal(qty)
	e.Price = parseDecimal(price)
	e.Value = parseDecimal(value)
	e.Commission = parseDecimal(comm)
	e.ExchangeFee = parseDecimal(exch)
	e.DepositoryFee = parseDecimal(dep)
	e.Tax = parseDecimal(tax)
	e.TotalFees = parseDecimal(total)
	e.NetValue = parseDecimal(net)
	return &e, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, execID string) (*model.TradeExecution, error) {
	return scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM trade_executions WHERE exec_id = $1`, execID))
}

func (s *PostgresStore) ListExecutionsWithoutLedger(ctx context.Context, limit int) ([]model.TradeExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+`
		 FROM trade_executions te
		 WHERE NOT EXISTS (SELECT 1 FROM cash_ledger cl WHERE cl.reference = te.exec_id)
		 ORDER BY te.created_at, te.exec_id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// --- Clients ---

const clientColumns = `id, COALESCE(client_code, ''), COALESCE(bo_account, ''), name,
	account_type, income_class, kyc_complete, status, created_at`

func scanClient(row pgxRow) (*model.Client, error) {
	var c model.Client
	if err := row.Scan(&c.ID, &c.ClientCode, &c.BOAccount, &c.Name,
		&c.AccountType, &c.IncomeClass, &c.KYCComplete, &c.Status, &c.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *PostgresStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	return scanClient(s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
}

func (s *PostgresStore) GetClientByBOAccount(ctx context.Context, boAccount string) (*model.Client, error) {
	return scanClient(s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE bo_account = $1`, boAccount))
}

func (s *PostgresStore) GetClientByCode(ctx context.Context, code string) (*model.Client, error) {
	return scanClient(s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_code = $1`, code))
}

func (s *PostgresStore) EnsureClient(ctx context.Context, c *model.Client) (*model.Client, error) {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id, client_code, bo_account, name, account_type, income_class, kyc_complete, status)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		id, c.ClientCode, c.BOAccount, c.Name, c.AccountType, c.IncomeClass, c.KYCComplete, c.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure client: %w", err)
	}
	return scanClient(s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM clients
		 WHERE ($1 <> '' AND bo_account = $1) OR ($2 <> '' AND client_code = $2) OR id = $3
		 ORDER BY (bo_account = $1) DESC NULLS LAST
		 LIMIT 1`,
		c.BOAccount, c.ClientCode, id))
}

func (s *PostgresStore) ListMarginClients(ctx context.Context, offset, limit int) ([]model.Client, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+clientColumns+` FROM clients
		 WHERE account_type = $1
		 ORDER BY id
		 OFFSET $2 LIMIT $3`, model.AccountMargin, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- Securities ---

const securityColumns = `id, COALESCE(isin, ''), COALESCE(code, ''), name, category, board, sector,
	asset_class, status, trailing_pe::TEXT, free_float_market_cap::TEXT, dividend_yield::TEXT,
	is_marginable, marginability_reason, classified_at`

func scanSecurity(row pgxRow) (*model.Security, error) {
	var sec model.Security
	var pe *string
	var ffmc, dy string
	if err := row.Scan(&sec.ID, &sec.ISIN, &sec.Code, &sec.Name, &sec.Category, &sec.Board,
		&sec.Sector, &sec.AssetClass, &sec.Status, &pe, &ffmc, &dy,
		&sec.IsMarginable, &sec.MarginabilityReason, &sec.ClassifiedAt); err != nil {
		return nil, notFound(err)
	}
	if pe != nil {
		v := parseDecimal(*pe)
		sec.TrailingPE = &v
	}
	sec.FreeFloatMarketCap = parseDecimal(ffmc)
	sec.DividendYield = parseDecimal(dy)
	return &sec, nil
}

func (s *PostgresStore) GetSecurity(ctx context.Context, id string) (*model.Security, error) {
	return scanSecurity(s.pool.QueryRow(ctx, `SELECT `+securityColumns+` FROM securities WHERE id = $1`, id))
}

func (s *PostgresStore) GetSecurityByCode(ctx context.Context, code string) (*model.Security, error) {
	return scanSecurity(s.pool.QueryRow(ctx, `SELECT `+securityColumns+` FROM securities WHERE code = $1`, code))
}

func (s *PostgresStore) GetSecurityByISIN(ctx context.Context, isin string) (*model.Security, error) {
	return scanSecurity(s.pool.QueryRow(ctx, `SELECT `+securityColumns+` FROM securities WHERE isin = $1`, isin))
}

func (s *PostgresStore) EnsureSecurity(ctx context.Context, sec *model.Security) (*model.Security, error) {
	id := sec.ID
	if id == "" {
		id = uuid.NewString()
	}
	var pe *string
	if sec.TrailingPE != nil {
		v := sec.TrailingPE.String()
		pe = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO securities (id, isin, code, name, category, board, sector, asset_class, status,
		                         trailing_pe, free_float_market_cap, dividend_yield,
		                         is_marginable, marginability_reason)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)
		 ON CONFLICT DO NOTHING`,
		id, sec.ISIN, sec.Code, sec.Name, sec.Category, sec.Board, sec.Sector, sec.AssetClass, sec.Status,
		pe, sec.FreeFloatMarketCap.String(), sec.DividendYield.String(),
		sec.IsMarginable, sec.MarginabilityReason,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure security: %w", err)
	}
	return scanSecurity(s.pool.QueryRow(ctx,
		`SELECT `+securityColumns+` FROM securities
		 WHERE ($1 <> '' AND code = $1) OR ($2 <> '' AND isin = $2) OR id = $3
		 ORDER BY (code = $1) DESC NULLS LAST
		 LIMIT 1`,
		sec.Code, sec.ISIN, id))
}

func (s *PostgresStore) ListSecurities(ctx context.Context) ([]model.Security, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+securityColumns+` FROM securities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Security
	for rows.Next() {
		sec, err := scanSecurity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMarginability(ctx context.Context, id string, marginable bool, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE securities
		 SET is_marginable = $2, marginability_reason = $3, classified_at = $4
		 WHERE id = $1`, id, marginable, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, clientID, securityID string) (*model.Holding, error) {
	var h model.Holding
	var qty, avg, invested, realized string
	err := s.pool.QueryRow(ctx,
		`SELECT client_id, security_id, quantity::TEXT, average_cost::TEXT,
		        total_invested::TEXT, realized_pl::TEXT, as_of_date
		 FROM holdings WHERE client_id = $1 AND security_id = $2`, clientID, securityID).
		Scan(&h.ClientID, &h.SecurityID, &qty, &avg, &invested, &realized, &h.AsOfDate)
	if err != nil {
		return nil, notFound(err)
	}
	h.Quantity = parseDecimal(qty)
	h.AverageCost = parseDecimal(avg)
	h.TotalInvested = parseDecimal(invested)
	h.RealizedPL = parseDecimal(realized)
	return &h, nil
}

func (s *PostgresStore) UpsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (client_id, security_id, quantity, average_cost, total_invested, realized_pl, as_of_date)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (client_id, security_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, average_cost = EXCLUDED.average_cost,
		     total_invested = EXCLUDED.total_invested, realized_pl = EXCLUDED.realized_pl,
		     as_of_date = EXCLUDED.as_of_date`,
		h.ClientID, h.SecurityID, h.Quantity.String(), h.AverageCost.String(),
		h.TotalInvested.String(), h.RealizedPL.String(), h.AsOfDate,
	)
	return err
}

func (s *PostgresStore) ListHoldingViews(ctx context.Context, clientID string) ([]model.HoldingView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT h.client_id, h.security_id, h.quantity::TEXT, h.average_cost::TEXT,
		        h.total_invested::TEXT, h.realized_pl::TEXT, h.as_of_date,
		        COALESCE(s.code, ''), s.sector, s.is_marginable
		 FROM holdings h
		 JOIN securities s ON s.id = h.security_id
		 WHERE h.client_id = $1 AND h.quantity > 0
		 ORDER BY h.security_id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HoldingView
	for rows.Next() {
		var v model.HoldingView
		var qty, avg, invested, realized string
		if err := rows.Scan(&v.ClientID, &v.SecurityID, &qty, &avg, &invested, &realized, &v.AsOfDate,
			&v.SecurityCode, &v.Sector, &v.IsMarginable); err != nil {
			return nil, err
		}
		v.Quantity = parseDecimal(qty)
		v.AverageCost = parseDecimal(avg)
		v.TotalInvested = parseDecimal(invested)
		v.RealizedPL = parseDecimal(realized)
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Cash ledger ---

func (s *PostgresStore) LatestBalance(ctx context.Context, clientID string) (decimal.Decimal, bool, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT running_balance::TEXT FROM cash_ledger
		 WHERE client_id = $1 ORDER BY seq DESC LIMIT 1`, clientID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return parseDecimal(bal), true, nil
}

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, e *model.CashLedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO cash_ledger (id, client_id, entry_date, type, amount, running_balance, reference, narration, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
		 RETURNING seq`,
		e.ID, e.ClientID, e.EntryDate, e.Type, e.Amount.String(), e.RunningBalance.String(),
		e.Reference, e.Narration, e.CreatedAt,
	).Scan(&e.Seq)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, clientID string) ([]model.CashLedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, seq, entry_date, type, amount::TEXT, running_balance::TEXT,
		        reference, narration, created_at
		 FROM cash_ledger WHERE client_id = $1 ORDER BY seq`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CashLedgerEntry
	for rows.Next() {
		var e model.CashLedgerEntry
		var amount, bal string
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Seq, &e.EntryDate, &e.Type, &amount, &bal,
			&e.Reference, &e.Narration, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = parseDecimal(amount)
		e.RunningBalance = parseDecimal(bal)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRunningBalances(ctx context.Context, entries []model.CashLedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`UPDATE cash_ledger SET running_balance = $2::NUMERIC WHERE id = $1`,
			e.ID, e.RunningBalance.String())
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// --- Prices ---

func (s *PostgresStore) UpsertPrice(ctx context.Context, p model.DailyPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_prices (security_id, price_date, close)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (security_id, price_date) DO UPDATE SET close = EXCLUDED.close`,
		p.SecurityID, model.DateOf(p.Date), p.Close.String())
	return err
}

func (s *PostgresStore) ClosePriceOnOrBefore(ctx context.Context, securityID string, day time.Time) (decimal.Decimal, bool, error) {
	var closeS string
	err := s.pool.QueryRow(ctx,
		`SELECT close::TEXT FROM daily_prices
		 WHERE security_id = $1 AND price_date <= $2
		 ORDER BY price_date DESC LIMIT 1`, securityID, model.DateOf(day)).Scan(&closeS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return parseDecimal(closeS), true, nil
}

// --- Margin ---

const marginAccountColumns = `client_id, loan_balance::TEXT, total_portfolio_value::TEXT,
	marginable_portfolio_value::TEXT, client_equity::TEXT, margin_ratio::TEXT,
	status, applied_ratio_label, call_count, call_deadline, last_call_date, as_of_date, baseline`

func scanMarginAccount(row pgxRow) (*model.MarginAccount, error) {
	var a model.MarginAccount
	var loan, total, marginable, equity, ratio string
	var baseline []byte
	if err := row.Scan(&a.ClientID, &loan, &total, &marginable, &equity, &ratio,
		&a.Status, &a.AppliedRatioLabel, &a.CallCount, &a.CallDeadline, &a.LastCallDate,
		&a.AsOfDate, &baseline); err != nil {
		return nil, notFound(err)
	}
	a.LoanBalance = parseDecimal(loan)
	a.TotalPortfolioValue = parseDecimal(total)
	a.MarginablePortfolioValue = parseDecimal(marginable)
	a.ClientEquity = parseDecimal(equity)
	a.MarginRatio = parseDecimal(ratio)
	if len(baseline) > 0 {
		if err := json.Unmarshal(baseline, &a.Baseline); err != nil {
			return nil, fmt.Errorf("decode baseline for %s: %w", a.ClientID, err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) GetMarginAccount(ctx context.Context, clientID string) (*model.MarginAccount, error) {
	return scanMarginAccount(s.pool.QueryRow(ctx,
		`SELECT `+marginAccountColumns+` FROM margin_accounts WHERE client_id = $1`, clientID))
}

func (s *PostgresStore) UpsertMarginAccount(ctx context.Context, a *model.MarginAccount) error {
	baseline, err := json.Marshal(a.Baseline)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO margin_accounts (client_id, loan_balance, total_portfolio_value,
		                              marginable_portfolio_value, client_equity, margin_ratio,
		                              status, applied_ratio_label, call_count, call_deadline,
		                              last_call_date, as_of_date, baseline)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (client_id) DO UPDATE
		 SET loan_balance = EXCLUDED.loan_balance,
		     total_portfolio_value = EXCLUDED.total_portfolio_value,
		     marginable_portfolio_value = EXCLUDED.marginable_portfolio_value,
		     client_equity = EXCLUDED.client_equity,
		     margin_ratio = EXCLUDED.margin_ratio,
		     status = EXCLUDED.status,
		     applied_ratio_label = EXCLUDED.applied_ratio_label,
		     call_count = EXCLUDED.call_count,
		     call_deadline = EXCLUDED.call_deadline,
		     last_call_date = EXCLUDED.last_call_date,
		     as_of_date = EXCLUDED.as_of_date,
		     baseline = EXCLUDED.baseline`,
		a.ClientID, a.LoanBalance.String(), a.TotalPortfolioValue.String(),
		a.MarginablePortfolioValue.String(), a.ClientEquity.String(), a.MarginRatio.String(),
		a.Status, a.AppliedRatioLabel, a.CallCount, a.CallDeadline, a.LastCallDate,
		model.DateOf(a.AsOfDate), baseline,
	)
	return err
}

func (s *PostgresStore) ListMarginAccounts(ctx context.Context) ([]model.MarginAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marginAccountColumns+` FROM margin_accounts ORDER BY client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarginAccount
	for rows.Next() {
		a, err := scanMarginAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *model.MarginAlert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.AlertDate = model.DateOf(a.AlertDate)
	details, err := json.Marshal(a.Details)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO margin_alerts (id, client_id, alert_date, type, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (client_id, alert_date, type) DO NOTHING`,
		a.ID, a.ClientID, a.AlertDate, a.Type, details, a.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, clientID string, day time.Time) ([]model.MarginAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, alert_date, type, details, created_at
		 FROM margin_alerts WHERE client_id = $1 AND alert_date = $2
		 ORDER BY created_at`, clientID, model.DateOf(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarginAlert
	for rows.Next() {
		var a model.MarginAlert
		var details []byte
		if err := rows.Scan(&a.ID, &a.ClientID, &a.AlertDate, &a.Type, &details, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeAlertDetails(&a, details); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// decodeAlertDetails fills a.Details from its stored JSONB column.
func decodeAlertDetails(a *model.MarginAlert, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &a.Details); err != nil {
		return fmt.Errorf("decode details of alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap *model.DailySnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_snapshots (client_id, snapshot_date, portfolio_value, cash_balance,
		                              loan_balance, net_equity, margin_utilization, unrealized_pl)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC)
		 ON CONFLICT (client_id, snapshot_date) DO UPDATE
		 SET portfolio_value = EXCLUDED.portfolio_value,
		     cash_balance = EXCLUDED.cash_balance,
		     loan_balance = EXCLUDED.loan_balance,
		     net_equity = EXCLUDED.net_equity,
		     margin_utilization = EXCLUDED.margin_utilization,
		     unrealized_pl = EXCLUDED.unrealized_pl`,
		snap.ClientID, model.DateOf(snap.SnapshotDate),
		snap.PortfolioValue.String(), snap.CashBalance.String(), snap.LoanBalance.String(),
		snap.NetEquity.String(), snap.MarginUtilization.String(), snap.UnrealizedPL.String(),
	)
	return err
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, clientID string, day time.Time) (*model.DailySnapshot, error) {
	var snap model.DailySnapshot
	var pv, cash, loan, equity, util, upl string
	err := s.pool.QueryRow(ctx,
		`SELECT client_id, snapshot_date, portfolio_value::TEXT, cash_balance::TEXT,
		        loan_balance::TEXT, net_equity::TEXT, margin_utilization::TEXT, unrealized_pl::TEXT
		 FROM daily_snapshots WHERE client_id = $1 AND snapshot_date = $2`,
		clientID, model.DateOf(day)).
		Scan(&snap.ClientID, &snap.SnapshotDate, &pv, &cash, &loan, &equity, &util, &upl)
	if err != nil {
		return nil, notFound(err)
	}
	snap.PortfolioValue = parseDecimal(pv)
	snap.CashBalance = parseDecimal(cash)
	snap.LoanBalance = parseDecimal(loan)
	snap.NetEquity = parseDecimal(equity)
	snap.MarginUtilization = parseDecimal(util)
	snap.UnrealizedPL = parseDecimal(upl)
	return &snap, nil
}

// --- Config ---

func (s *PostgresStore) UpsertConfigParam(ctx context.Context, p model.ConfigParam) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config_params (name, value, effective_from, effective_to, active)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name, effective_from) DO UPDATE
		 SET value = EXCLUDED.value, effective_to = EXCLUDED.effective_to, active = EXCLUDED.active`,
		p.Name, p.Value, model.DateOf(p.EffectiveFrom), p.EffectiveTo, p.Active)
	return err
}

func (s *PostgresStore) ActiveConfigParams(ctx context.Context, asOf time.Time) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (name) name, value
		 FROM config_params
		 WHERE active
		   AND effective_from <= $1
		   AND (effective_to IS NULL OR effective_to >= $1)
		 ORDER BY name, effective_from DESC`, model.DateOf(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	params := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		params[name] = value
	}
	return params, rows.Err()
}

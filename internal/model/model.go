// Package model defines the core domain types shared across the settlement
// and margin engine. All monetary values and quantities use
// shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Raw trade status codes that are eligible for posting.
const (
	StatusFill        = "FILL"
	StatusPartialFill = "PF"
)

// ActionableStatus reports whether a raw trade status code represents a fill.
func ActionableStatus(status string) bool {
	return status == StatusFill || status == StatusPartialFill
}

// RawTrade is one exchange fill as produced by the (external) import step.
type RawTrade struct {
	ID            int64           `json:"id" db:"id"`
	Exchange      string          `json:"exchange" db:"exchange"`
	Status        string          `json:"status" db:"status"`
	Side          Side            `json:"side" db:"side"`
	BOAccount     string          `json:"bo_account" db:"bo_account"`
	ClientCode    string          `json:"client_code" db:"client_code"`
	ISIN          string          `json:"isin" db:"isin"`
	SecurityCode  string          `json:"security_code" db:"security_code"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Value         decimal.Decimal `json:"value" db:"value"`
	TradeDate     time.Time       `json:"trade_date" db:"trade_date"`
	TradeTime     string          `json:"trade_time" db:"trade_time"`
	ExecID        *string         `json:"exec_id" db:"exec_id"`
	Spot          bool            `json:"spot" db:"spot"`
	Category      string          `json:"category" db:"category"`
	Board         string          `json:"board" db:"board"`
	ImportBatchID string          `json:"import_batch_id" db:"import_batch_id"`
	Processed     bool            `json:"processed" db:"processed"`
	ErrorMessage  string          `json:"error_message" db:"error_message"`
}

// TradeExecution is the immutable record of an accepted fill. ExecID is
// globally unique and is the sole guard against double posting.
type TradeExecution struct {
	ExecID         string          `json:"exec_id" db:"exec_id"`
	RawTradeID     int64           `json:"raw_trade_id" db:"raw_trade_id"`
	ClientID       string          `json:"client_id" db:"client_id"`
	SecurityID     string          `json:"security_id" db:"security_id"`
	Side           Side            `json:"side" db:"side"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Value          decimal.Decimal `json:"value" db:"value"`
	Commission     decimal.Decimal `json:"commission" db:"commission"`
	ExchangeFee    decimal.Decimal `json:"exchange_fee" db:"exchange_fee"`
	DepositoryFee  decimal.Decimal `json:"depository_fee" db:"depository_fee"`
	Tax            decimal.Decimal `json:"tax" db:"tax"`
	TotalFees      decimal.Decimal `json:"total_fees" db:"total_fees"`
	NetValue       decimal.Decimal `json:"net_value" db:"net_value"`
	TradeDate      time.Time       `json:"trade_date" db:"trade_date"`
	SettlementDate time.Time       `json:"settlement_date" db:"settlement_date"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a client's position in one security.
type Holding struct {
	ClientID      string          `json:"client_id" db:"client_id"`
	SecurityID    string          `json:"security_id" db:"security_id"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost" db:"average_cost"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	RealizedPL    decimal.Decimal `json:"realized_pl" db:"realized_pl"`
	AsOfDate      time.Time       `json:"as_of_date" db:"as_of_date"`
}

// HoldingView is a positive-quantity holding joined with the attributes of
// its security that the margin job needs.
type HoldingView struct {
	Holding
	SecurityCode string `json:"security_code"`
	Sector       string `json:"sector"`
	IsMarginable bool   `json:"is_marginable"`
}

// LedgerEntryType classifies a cash ledger movement.
type LedgerEntryType string

const (
	EntryOpeningBalance LedgerEntryType = "OPENING_BALANCE"
	EntryDeposit        LedgerEntryType = "DEPOSIT"
	EntryWithdrawal     LedgerEntryType = "WITHDRAWAL"
	EntryBuyTrade       LedgerEntryType = "BUY_TRADE"
	EntrySellTrade      LedgerEntryType = "SELL_TRADE"
	EntryAdjustment     LedgerEntryType = "ADJUSTMENT"
)

// CashLedgerEntry is an append-only cash movement. RunningBalance of entry n
// equals RunningBalance of entry n-1 plus Amount of entry n, ordered by Seq.
type CashLedgerEntry struct {
	ID             string          `json:"id" db:"id"`
	ClientID       string          `json:"client_id" db:"client_id"`
	Seq            int64           `json:"seq" db:"seq"`
	EntryDate      time.Time       `json:"entry_date" db:"entry_date"`
	Type           LedgerEntryType `json:"type" db:"type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	RunningBalance decimal.Decimal `json:"running_balance" db:"running_balance"`
	Reference      string          `json:"reference" db:"reference"`
	Narration      string          `json:"narration" db:"narration"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Account types and client statuses.
const (
	AccountCash   = "CASH"
	AccountMargin = "MARGIN"

	ClientActive        = "ACTIVE"
	ClientPendingReview = "PENDING_REVIEW"
)

// Client is a brokerage client keyed by BO account and/or client code.
type Client struct {
	ID          string    `json:"id" db:"id"`
	ClientCode  string    `json:"client_code" db:"client_code"`
	BOAccount   string    `json:"bo_account" db:"bo_account"`
	Name        string    `json:"name" db:"name"`
	AccountType string    `json:"account_type" db:"account_type"`
	IncomeClass string    `json:"income_class" db:"income_class"`
	KYCComplete bool      `json:"kyc_complete" db:"kyc_complete"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// IsMargin reports whether the client holds a margin-financed account.
func (c *Client) IsMargin() bool { return c.AccountType == AccountMargin }

// Security holds the classification attributes of a listed instrument.
type Security struct {
	ID                  string           `json:"id" db:"id"`
	ISIN                string           `json:"isin" db:"isin"`
	Code                string           `json:"code" db:"code"`
	Name                string           `json:"name" db:"name"`
	Category            string           `json:"category" db:"category"`
	Board               string           `json:"board" db:"board"`
	Sector              string           `json:"sector" db:"sector"`
	AssetClass          string           `json:"asset_class" db:"asset_class"`
	Status              string           `json:"status" db:"status"`
	TrailingPE          *decimal.Decimal `json:"trailing_pe" db:"trailing_pe"`
	FreeFloatMarketCap  decimal.Decimal  `json:"free_float_market_cap" db:"free_float_market_cap"`
	DividendYield       decimal.Decimal  `json:"dividend_yield" db:"dividend_yield"` // percent, 5 = 5%
	IsMarginable        bool             `json:"is_marginable" db:"is_marginable"`
	MarginabilityReason string           `json:"marginability_reason" db:"marginability_reason"`
	ClassifiedAt        *time.Time       `json:"classified_at" db:"classified_at"`
}

// MarginStatus is the maintenance status of a margin account.
type MarginStatus string

const (
	MarginNormal    MarginStatus = "NORMAL"
	MarginCall      MarginStatus = "MARGIN_CALL"
	MarginForceSell MarginStatus = "FORCE_SELL"
)

// MarginState is the part of a margin account that carries over between
// runs: status and margin-call bookkeeping.
type MarginState struct {
	Status       MarginStatus `json:"status"`
	CallCount    int          `json:"call_count"`
	CallDeadline *time.Time   `json:"call_deadline"`
	LastCallDate *time.Time   `json:"last_call_date"`
}

// MarginAccount is the per-client margin record, upserted once per run.
// Baseline holds the state as it was before the first run on AsOfDate, so
// re-running the same date starts from the same previous state.
type MarginAccount struct {
	ClientID                 string          `json:"client_id"`
	LoanBalance              decimal.Decimal `json:"loan_balance"`
	TotalPortfolioValue      decimal.Decimal `json:"total_portfolio_value"`
	MarginablePortfolioValue decimal.Decimal `json:"marginable_portfolio_value"`
	ClientEquity             decimal.Decimal `json:"client_equity"`
	MarginRatio              decimal.Decimal `json:"margin_ratio"`
	AppliedRatioLabel        string          `json:"applied_ratio_label"`
	AsOfDate                 time.Time       `json:"as_of_date"`
	MarginState
	Baseline MarginState `json:"baseline"`
}

// AlertType classifies a margin alert.
type AlertType string

const (
	AlertMarginCall          AlertType = "MARGIN_CALL"
	AlertForceSellTriggered  AlertType = "FORCE_SELL_TRIGGERED"
	AlertDeadlineBreach      AlertType = "DEADLINE_BREACH"
	AlertExposureBreach      AlertType = "EXPOSURE_BREACH"
	AlertConcentrationBreach AlertType = "CONCENTRATION_BREACH"
)

// MarginAlert is an append-only event raised on a status transition or a
// limit breach. At most one alert exists per (client, date, type).
type MarginAlert struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	AlertDate time.Time      `json:"alert_date"`
	Type      AlertType      `json:"type"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// DailySnapshot is the end-of-day picture of a client, keyed by (client, date).
type DailySnapshot struct {
	ClientID          string          `json:"client_id"`
	SnapshotDate      time.Time       `json:"snapshot_date"`
	PortfolioValue    decimal.Decimal `json:"portfolio_value"`
	CashBalance       decimal.Decimal `json:"cash_balance"`
	LoanBalance       decimal.Decimal `json:"loan_balance"`
	NetEquity         decimal.Decimal `json:"net_equity"`
	MarginUtilization decimal.Decimal `json:"margin_utilization"`
	UnrealizedPL      decimal.Decimal `json:"unrealized_pl"`
}

// ConfigParam is a named regulatory parameter with effective-date validity.
type ConfigParam struct {
	Name          string     `json:"name"`
	Value         string     `json:"value"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to"`
	Active        bool       `json:"active"`
}

// ActiveOn reports whether the parameter applies on the given date.
func (p ConfigParam) ActiveOn(day time.Time) bool {
	if !p.Active {
		return false
	}
	if day.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || !day.After(*p.EffectiveTo)
}

// DailyPrice is a security's closing price on a trading day.
type DailyPrice struct {
	SecurityID string          `json:"security_id"`
	Date       time.Time       `json:"date"`
	Close      decimal.Decimal `json:"close"`
}

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

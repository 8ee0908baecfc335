// Package store defines the persistence interfaces for the settlement and
// margin engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for reference data), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/model"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("store: duplicate key")
)

// RawTradeStore holds imported exchange fills awaiting posting.
type RawTradeStore interface {
	// InsertRawTrade appends a raw trade and assigns its ID.
	InsertRawTrade(ctx context.Context, t *model.RawTrade) error

	// ListPendingRawTrades returns up to limit unprocessed rows with an
	// actionable status, positive quantity and ID above afterID, ordered by
	// ID. An empty batchID matches every import batch.
	ListPendingRawTrades(ctx context.Context, batchID string, afterID int64, limit int) ([]model.RawTrade, error)

	// GetRawTrade retrieves a raw trade by ID.
	GetRawTrade(ctx context.Context, id int64) (*model.RawTrade, error)

	// MarkRawTradeProcessed sets processed=true with an optional note.
	MarkRawTradeProcessed(ctx context.Context, id int64, note string) error

	// MarkRawTradeFailed leaves the row unprocessed and records the error.
	MarkRawTradeFailed(ctx context.Context, id int64, errMsg string) error
}

// ExecutionStore is the immutable execution log.
type ExecutionStore interface {
	// ExecutionExists reports whether execID has been posted.
	ExecutionExists(ctx context.Context, execID string) (bool, error)

	// GetExecution retrieves an execution by exec ID.
	GetExecution(ctx context.Context, execID string) (*model.TradeExecution, error)

	// InsertExecution posts an execution. Returns ErrDuplicate when the
	// exec ID already exists; an existing row is never overwritten.
	InsertExecution(ctx context.Context, e *model.TradeExecution) error

	// ListExecutionsWithoutLedger returns executions that have no cash
	// ledger entry referencing their exec ID, oldest first.
	ListExecutionsWithoutLedger(ctx context.Context, limit int) ([]model.TradeExecution, error)
}

// ClientStore resolves brokerage clients.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (*model.Client, error)
	GetClientByBOAccount(ctx context.Context, boAccount string) (*model.Client, error)
	GetClientByCode(ctx context.Context, code string) (*model.Client, error)

	// EnsureClient inserts c unless a client with the same BO account or
	// client code exists, then returns the stored row.
	EnsureClient(ctx context.Context, c *model.Client) (*model.Client, error)

	// ListMarginClients pages through MARGIN accounts ordered by ID.
	ListMarginClients(ctx context.Context, offset, limit int) ([]model.Client, error)
}

// SecurityStore resolves listed instruments and persists classification.
type SecurityStore interface {
	GetSecurity(ctx context.Context, id string) (*model.Security, error)
	GetSecurityByCode(ctx context.Context, code string) (*model.Security, error)
	GetSecurityByISIN(ctx context.Context, isin string) (*model.Security, error)

	// EnsureSecurity inserts s unless a security with the same code or
	// ISIN exists, then returns the stored row.
	EnsureSecurity(ctx context.Context, s *model.Security) (*model.Security, error)

	// ListSecurities returns every security ordered by ID.
	ListSecurities(ctx context.Context) ([]model.Security, error)

	// UpdateMarginability stores a classification result.
	UpdateMarginability(ctx context.Context, id string, marginable bool, reason string, at time.Time) error
}

// HoldingStore holds per (client, security) positions.
type HoldingStore interface {
	// GetHolding returns ErrNotFound when the client never held the security.
	GetHolding(ctx context.Context, clientID, securityID string) (*model.Holding, error)
	UpsertHolding(ctx context.Context, h *model.Holding) error

	// ListHoldingViews returns the client's positive-quantity holdings
	// joined with security code, sector and marginability.
	ListHoldingViews(ctx context.Context, clientID string) ([]model.HoldingView, error)
}

// CashLedgerStore is the append-only cash ledger.
type CashLedgerStore interface {
	// LatestBalance returns the running balance of the client's last entry.
	// ok is false when the client has no entries.
	LatestBalance(ctx context.Context, clientID string) (balance decimal.Decimal, ok bool, err error)

	// AppendLedgerEntry assigns the next sequence number and stores e.
	AppendLedgerEntry(ctx context.Context, e *model.CashLedgerEntry) error

	// ListLedgerEntries returns the client's entries in sequence order.
	ListLedgerEntries(ctx context.Context, clientID string) ([]model.CashLedgerEntry, error)

	// SetRunningBalances rewrites the running balance of the given entries.
	SetRunningBalances(ctx context.Context, entries []model.CashLedgerEntry) error
}

// PriceStore holds daily closing prices.
type PriceStore interface {
	UpsertPrice(ctx context.Context, p model.DailyPrice) error

	// ClosePriceOnOrBefore returns the close on day, or the latest close
	// before it. ok is false when the security has never been priced.
	ClosePriceOnOrBefore(ctx context.Context, securityID string, day time.Time) (price decimal.Decimal, ok bool, err error)
}

// MarginStore holds margin accounts, alerts and daily snapshots.
type MarginStore interface {
	GetMarginAccount(ctx context.Context, clientID string) (*model.MarginAccount, error)
	UpsertMarginAccount(ctx context.Context, a *model.MarginAccount) error
	ListMarginAccounts(ctx context.Context) ([]model.MarginAccount, error)

	// InsertAlert stores a unless an alert with the same client, date and
	// type exists. inserted reports whether a row was written.
	InsertAlert(ctx context.Context, a *model.MarginAlert) (inserted bool, err error)
	ListAlerts(ctx context.Context, clientID string, day time.Time) ([]model.MarginAlert, error)

	UpsertSnapshot(ctx context.Context, s *model.DailySnapshot) error
	GetSnapshot(ctx context.Context, clientID string, day time.Time) (*model.DailySnapshot, error)
}

// ConfigStore holds effective-dated regulatory parameters.
type ConfigStore interface {
	UpsertConfigParam(ctx context.Context, p model.ConfigParam) error

	// ActiveConfigParams returns the parameters active on asOf, by name.
	// When several rows of one name are active the latest EffectiveFrom wins.
	ActiveConfigParams(ctx context.Context, asOf time.Time) (map[string]string, error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	RawTradeStore
	ExecutionStore
	ClientStore
	SecurityStore
	HoldingStore
	CashLedgerStore
	PriceStore
	MarginStore
	ConfigStore
}

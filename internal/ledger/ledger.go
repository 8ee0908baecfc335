// Package ledger posts to the per-client cash ledger and maintains its
// running-balance chain: the running balance of every entry equals the
// running balance of the previous entry plus its own amount, in sequence
// order.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	store.CashLedgerStore
	ListExecutionsWithoutLedger(ctx context.Context, limit int) ([]model.TradeExecution, error)
}

// Ledger posts cash movements.
type Ledger struct {
	store Store
	log   *slog.Logger
}

// New creates a ledger over st.
func New(st Store, log *slog.Logger) *Ledger {
	return &Ledger{store: st, log: log.With("component", "ledger")}
}

// Post appends an entry for clientID, carrying the running balance forward
// from the client's latest entry.
func (l *Ledger) Post(ctx context.Context, clientID string, day time.Time, typ model.LedgerEntryType,
	amount decimal.Decimal, reference, narration string) (*model.CashLedgerEntry, error) {

	prev, _, err := l.store.LatestBalance(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("latest balance for %s: %w", clientID, err)
	}

	entry := &model.CashLedgerEntry{
		ClientID:       clientID,
		EntryDate:      model.DateOf(day),
		Type:           typ,
		Amount:         amount,
		RunningBalance: prev.Add(amount),
		Reference:      reference,
		Narration:      narration,
	}
	if err := l.store.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

// RecomputeResult summarizes a running-balance rebuild.
type RecomputeResult struct {
	ClientID     string          `json:"client_id"`
	Entries      int             `json:"entries"`
	Updated      int             `json:"updated"`
	FinalBalance decimal.Decimal `json:"final_balance"`
}

// Recompute rebuilds the client's running balances from the entry amounts
// in sequence order and rewrites the entries whose stored balance drifted.
// It is exposed for use after out-of-band ledger edits.
func (l *Ledger) Recompute(ctx context.Context, clientID string) (RecomputeResult, error) {
	entries, err := l.store.ListLedgerEntries(ctx, clientID)
	if err != nil {
		return RecomputeResult{}, fmt.Errorf("list ledger entries for %s: %w", clientID, err)
	}

	balances := RunningBalances(entries)
	var changed []model.CashLedgerEntry
	for i := range entries {
		if !entries[i].RunningBalance.Equal(balances[i]) {
			entries[i].RunningBalance = balances[i]
			changed = append(changed, entries[i])
		}
	}

	if err := l.store.SetRunningBalances(ctx, changed); err != nil {
		return RecomputeResult{}, fmt.Errorf("rewrite running balances for %s: %w", clientID, err)
	}

	res := RecomputeResult{ClientID: clientID, Entries: len(entries), Updated: len(changed)}
	if n := len(balances); n > 0 {
		res.FinalBalance = balances[n-1]
	}
	if len(changed) > 0 {
		l.log.Warn("running balance drift corrected",
			"client_id", clientID,
			"entries", len(entries),
			"updated", len(changed),
			"final_balance", res.FinalBalance.String(),
		)
	}
	return res, nil
}

// RunningBalances returns the running balance after each entry, which must
// be in sequence order. The first entry (normally the opening balance)
// starts from zero.
func RunningBalances(entries []model.CashLedgerEntry) []decimal.Decimal {
	out := make([]decimal.Decimal, len(entries))
	bal := decimal.Zero
	for i, e := range entries {
		bal = bal.Add(e.Amount)
		out[i] = bal
	}
	return out
}

// Unposted is an execution with no ledger entry referencing it.
type Unposted struct {
	ExecID    string          `json:"exec_id"`
	ClientID  string          `json:"client_id"`
	Side      model.Side      `json:"side"`
	NetValue  decimal.Decimal `json:"net_value"`
	TradeDate time.Time       `json:"trade_date"`
}

// Reconcile lists up to limit executions whose cash ledger posting is
// missing, the partial-completion case of the posting sequence.
func (l *Ledger) Reconcile(ctx context.Context, limit int) ([]Unposted, error) {
	execs, err := l.store.ListExecutionsWithoutLedger(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions without ledger: %w", err)
	}

	out := make([]Unposted, 0, len(execs))
	for _, e := range execs {
		out = append(out, Unposted{
			ExecID:    e.ExecID,
			ClientID:  e.ClientID,
			Side:      e.Side,
			NetValue:  e.NetValue,
			TradeDate: e.TradeDate,
		})
	}
	if len(out) > 0 {
		l.log.Warn("executions missing ledger entries", "count", len(out))
	}
	return out, nil
}

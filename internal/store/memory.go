package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eduintbd/eod-sub000/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// Unique keys are enforced the same way the PostgreSQL schema does.
type MemoryStore struct {
	mu sync.RWMutex

	rawTrades  []model.RawTrade
	executions map[string]model.TradeExecution
	execOrder  []string
	clients    map[string]*model.Client
	securities map[string]*model.Security
	holdings   map[string]model.Holding
	ledger     map[string][]model.CashLedgerEntry
	ledgerSeq  int64
	prices     map[string][]model.DailyPrice
	accounts   map[string]model.MarginAccount
	alerts     []model.MarginAlert
	snapshots  map[string]model.DailySnapshot
	params     []model.ConfigParam
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]model.TradeExecution),
		clients:    make(map[string]*model.Client),
		securities: make(map[string]*model.Security),
		holdings:   make(map[string]model.Holding),
		ledger:     make(map[string][]model.CashLedgerEntry),
		prices:     make(map[string][]model.DailyPrice),
		accounts:   make(map[string]model.MarginAccount),
		snapshots:  make(map[string]model.DailySnapshot),
	}
}

func pairKey(a, b string) string { return a + "|" + b }

func dayKey(id string, day time.Time) string {
	return pairKey(id, model.DateOf(day).Format(time.DateOnly))
}

// --- Raw trades ---

func (s *MemoryStore) InsertRawTrade(_ context.Context, t *model.RawTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = int64(len(s.rawTrades) + 1)
	s.rawTrades = append(s.rawTrades, *t)
	return nil
}

func (s *MemoryStore) ListPendingRawTrades(_ context.Context, batchID string, afterID int64, limit int) ([]model.RawTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RawTrade
	for _, t := range s.rawTrades {
		if limit > 0 && len(result) >= limit {
			break
		}
		if t.ID <= afterID || t.Processed || !model.ActionableStatus(t.Status) || !t.Quantity.IsPositive() {
			continue
		}
		if batchID != "" && t.ImportBatchID != batchID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore) GetRawTrade(_ context.Context, id int64) (*model.RawTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id < 1 || int(id) > len(s.rawTrades) {
		return nil, ErrNotFound
	}
	t := s.rawTrades[id-1]
	return &t, nil
}

func (s *MemoryStore) MarkRawTradeProcessed(_ context.Context, id int64, note string) error {
	return s.updateRawTrade(id, func(t *model.RawTrade) {
		t.Processed = true
		t.ErrorMessage = note
	})
}

func (s *MemoryStore) MarkRawTradeFailed(_ context.Context, id int64, errMsg string) error {
	return s.updateRawTrade(id, func(t *model.RawTrade) {
		t.Processed = false
		t.ErrorMessage = errMsg
	})
}

func (s *MemoryStore) updateRawTrade(id int64, fn func(*model.RawTrade)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 1 || int(id) > len(s.rawTrades) {
		return ErrNotFound
	}
	fn(&s.rawTrades[id-1])
	return nil
}

// --- Executions ---

func (s *MemoryStore) ExecutionExists(_ context.Context, execID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.executions[execID]
	return ok, nil
}

func (s *MemoryStore) GetExecution(_ context.Context, execID string) (*model.TradeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[execID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) InsertExecution(_ context.Context, e *model.TradeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[e.ExecID]; ok {
		return ErrDuplicate
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.executions[e.ExecID] = *e
	s.execOrder = append(s.execOrder, e.ExecID)
	return nil
}

func (s *MemoryStore) ListExecutionsWithoutLedger(_ context.Context, limit int) ([]model.TradeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	posted := make(map[string]bool)
	for _, entries := range s.ledger {
		for _, e := range entries {
			if e.Reference != "" {
				posted[e.Reference] = true
			}
		}
	}

	var result []model.TradeExecution
	for _, id := range s.execOrder {
		if limit > 0 && len(result) >= limit {
			break
		}
		if !posted[id] {
			result = append(result, s.executions[id])
		}
	}
	return result, nil
}

// --- Clients ---

func (s *MemoryStore) GetClient(_ context.Context, id string) (*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetClientByBOAccount(_ context.Context, boAccount string) (*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findClient(func(c *model.Client) bool { return boAccount != "" && c.BOAccount == boAccount })
}

func (s *MemoryStore) GetClientByCode(_ context.Context, code string) (*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findClient(func(c *model.Client) bool { return code != "" && c.ClientCode == code })
}

// findClient must be called with s.mu held.
func (s *MemoryStore) findClient(match func(*model.Client) bool) (*model.Client, error) {
	for _, c := range s.clients {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) EnsureClient(_ context.Context, c *model.Client) (*model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findClient(func(e *model.Client) bool {
		return (c.BOAccount != "" && e.BOAccount == c.BOAccount) ||
			(c.ClientCode != "" && e.ClientCode == c.ClientCode)
	})
	if err == nil {
		return existing, nil
	}

	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.clients[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) ListMarginClients(_ context.Context, offset, limit int) ([]model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.Client
	for _, c := range s.clients {
		if c.IsMargin() {
			all = append(all, *c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return page(all, offset, limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// --- Securities ---

func (s *MemoryStore) GetSecurity(_ context.Context, id string) (*model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, ok := s.securities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sec
	return &cp, nil
}

func (s *MemoryStore) GetSecurityByCode(_ context.Context, code string) (*model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findSecurity(func(sec *model.Security) bool { return code != "" && sec.Code == code })
}

func (s *MemoryStore) GetSecurityByISIN(_ context.Context, isin string) (*model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findSecurity(func(sec *model.Security) bool { return isin != "" && sec.ISIN == isin })
}

// findSecurity must be called with s.mu held.
func (s *MemoryStore) findSecurity(match func(*model.Security) bool) (*model.Security, error) {
	for _, sec := range s.securities {
		if match(sec) {
			cp := *sec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) EnsureSecurity(_ context.Context, sec *model.Security) (*model.Security, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findSecurity(func(e *model.Security) bool {
		return (sec.Code != "" && e.Code == sec.Code) ||
			(sec.ISIN != "" && e.ISIN == sec.ISIN)
	})
	if err == nil {
		return existing, nil
	}

	cp := *sec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.securities[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) ListSecurities(_ context.Context) ([]model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]model.Security, 0, len(s.securities))
	for _, sec := range s.securities {
		all = append(all, *sec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *MemoryStore) UpdateMarginability(_ context.Context, id string, marginable bool, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.securities[id]
	if !ok {
		return ErrNotFound
	}
	sec.IsMarginable = marginable
	sec.MarginabilityReason = reason
	sec.ClassifiedAt = &at
	return nil
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, clientID, securityID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[pairKey(clientID, securityID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (s *MemoryStore) UpsertHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holdings[pairKey(h.ClientID, h.SecurityID)] = *h
	return nil
}

func (s *MemoryStore) ListHoldingViews(_ context.Context, clientID string) ([]model.HoldingView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HoldingView
	for _, h := range s.holdings {
		if h.ClientID != clientID || !h.Quantity.IsPositive() {
			continue
		}
		v := model.HoldingView{Holding: h}
		if sec, ok := s.securities[h.SecurityID]; ok {
			v.SecurityCode = sec.Code
			v.Sector = sec.Sector
			v.IsMarginable = sec.IsMarginable
		}
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SecurityID < result[j].SecurityID })
	return result, nil
}

// --- Cash ledger ---

func (s *MemoryStore) LatestBalance(_ context.Context, clientID string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ledger[clientID]
	if len(entries) == 0 {
		return decimal.Zero, false, nil
	}
	return entries[len(entries)-1].RunningBalance, true, nil
}

func (s *MemoryStore) AppendLedgerEntry(_ context.Context, e *model.CashLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledgerSeq++
	e.Seq = s.ledgerSeq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.ledger[e.ClientID] = append(s.ledger[e.ClientID], *e)
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, clientID string) ([]model.CashLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ledger[clientID]
	out := make([]model.CashLedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) SetRunningBalances(_ context.Context, updates []model.CashLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		entries := s.ledger[u.ClientID]
		found := false
		for i := range entries {
			if entries[i].ID == u.ID {
				entries[i].RunningBalance = u.RunningBalance
				found = true
				break
			}
		}
		if !found {
			return ErrNotFound
		}
	}
	return nil
}

// --- Prices ---

func (s *MemoryStore) UpsertPrice(_ context.Context, p model.DailyPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Date = model.DateOf(p.Date)
	series := s.prices[p.SecurityID]
	for i := range series {
		if series[i].Date.Equal(p.Date) {
			series[i] = p
			return nil
		}
	}
	series = append(series, p)
	sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
	s.prices[p.SecurityID] = series
	return nil
}

func (s *MemoryStore) ClosePriceOnOrBefore(_ context.Context, securityID string, day time.Time) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day = model.DateOf(day)
	series := s.prices[securityID]
	for i := len(series) - 1; i >= 0; i-- {
		if !series[i].Date.After(day) {
			return series[i].Close, true, nil
		}
	}
	return decimal.Zero, false, nil
}

// --- Margin ---

func (s *MemoryStore) GetMarginAccount(_ context.Context, clientID string) (*model.MarginAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) UpsertMarginAccount(_ context.Context, a *model.MarginAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[a.ClientID] = *a
	return nil
}

func (s *MemoryStore) ListMarginAccounts(_ context.Context) ([]model.MarginAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.MarginAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (s *MemoryStore) InsertAlert(_ context.Context, a *model.MarginAlert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := model.DateOf(a.AlertDate)
	for _, existing := range s.alerts {
		if existing.ClientID == a.ClientID && existing.Type == a.Type && existing.AlertDate.Equal(day) {
			return false, nil
		}
	}
	a.AlertDate = day
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.alerts = append(s.alerts, *a)
	return true, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, clientID string, day time.Time) ([]model.MarginAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day = model.DateOf(day)
	var out []model.MarginAlert
	for _, a := range s.alerts {
		if a.ClientID == clientID && a.AlertDate.Equal(day) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snap *model.DailySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	cp.SnapshotDate = model.DateOf(cp.SnapshotDate)
	s.snapshots[dayKey(cp.ClientID, cp.SnapshotDate)] = cp
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, clientID string, day time.Time) (*model.DailySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[dayKey(clientID, day)]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

// --- Config ---

func (s *MemoryStore) UpsertConfigParam(_ context.Context, p model.ConfigParam) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.EffectiveFrom = model.DateOf(p.EffectiveFrom)
	for i := range s.params {
		if s.params[i].Name == p.Name && s.params[i].EffectiveFrom.Equal(p.EffectiveFrom) {
			s.params[i] = p
			return nil
		}
	}
	s.params = append(s.params, p)
	return nil
}

func (s *MemoryStore) ActiveConfigParams(_ context.Context, asOf time.Time) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asOf = model.DateOf(asOf)
	out := make(map[string]string)
	from := make(map[string]time.Time)
	for _, p := range s.params {
		if !p.ActiveOn(asOf) {
			continue
		}
		if prev, ok := from[p.Name]; ok && !p.EffectiveFrom.After(prev) {
			continue
		}
		out[p.Name] = p.Value
		from[p.Name] = p.EffectiveFrom
	}
	return out, nil
}

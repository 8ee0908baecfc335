package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduintbd/eod-sub000/internal/ledger"
	"github.com/eduintbd/eod-sub000/internal/margin"
	"github.com/eduintbd/eod-sub000/internal/marginability"
	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/regconfig"
	"github.com/eduintbd/eod-sub000/internal/store"
	"github.com/eduintbd/eod-sub000/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var today = time.Date(2026, time.January, 12, 18, 0, 0, 0, time.UTC)

type testServer struct {
	st     *store.MemoryStore
	router chi.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	cfg := regconfig.NewLoader(st, logger)
	led := ledger.New(st, logger)

	proc := trade.NewProcessor(st, led, cfg, logger, trade.Options{})
	proc.SetClock(func() time.Time { return today })
	job := margin.NewJob(st, st, cfg, nil, logger, margin.Options{})
	job.SetClock(func() time.Time { return today })
	cls := marginability.NewClassifier(st, cfg, logger)
	cls.SetClock(func() time.Time { return today })

	h := NewHandler(Deps{
		Trades:     proc,
		Margin:     job,
		Classifier: cls,
		Ledger:     led,
		Accounts:   st,
	}, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return &testServer{st: st, router: r}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) seedTrade(t *testing.T, execID string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.st.EnsureClient(ctx, &model.Client{ID: "c1", BOAccount: "1201000000000001", AccountType: model.AccountCash, KYCComplete: true})
	require.NoError(t, err)
	_, err = s.st.EnsureSecurity(ctx, &model.Security{ID: "sec-gp", Code: "GP", Category: "A", Board: "MAIN"})
	require.NoError(t, err)
	require.NoError(t, s.st.InsertRawTrade(ctx, &model.RawTrade{
		Status: model.StatusFill, Side: model.SideBuy, BOAccount: "1201000000000001", SecurityCode: "GP",
		Quantity: d("100"), Price: d("250"), TradeDate: today, ExecID: &execID,
	}))
}

func TestProcessTrades(t *testing.T) {
	s := newTestServer(t)
	s.seedTrade(t, "E-1")

	rec := s.do(t, http.MethodPost, "/api/v1/trades/process", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	res := decode[trade.BatchResult](t, rec)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.TotalConsidered)

	rec = s.do(t, http.MethodPost, "/api/v1/trades/process", `{"drain": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	drained := decode[trade.DrainResult](t, rec)
	assert.True(t, drained.Exhausted)
	assert.Zero(t, drained.Processed)
}

func TestProcessTrades_BadBody(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/trades/process", `{"batch_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", decode[map[string]string](t, rec)["error"])
}

func TestRunMargin(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.st.EnsureClient(ctx, &model.Client{ID: "m1", ClientCode: "M001", AccountType: model.AccountMargin, KYCComplete: true})
	require.NoError(t, err)
	_, err = s.st.EnsureClient(ctx, &model.Client{ID: "c1", ClientCode: "C001", AccountType: model.AccountCash})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/v1/margin/run", `{"snapshot_date":"2026-01-11"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[margin.Result](t, rec)
	assert.Equal(t, time.Date(2026, time.January, 11, 0, 0, 0, 0, time.UTC), res.SnapshotDate)
	assert.Equal(t, 1, res.ClientsProcessed)
	assert.True(t, res.Done)

	rec = s.do(t, http.MethodGet, "/api/v1/clients/m1/margin", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[MarginView](t, rec)
	assert.Equal(t, model.MarginNormal, view.Account.Status)
	require.NotNil(t, view.Snapshot)
	assert.Empty(t, view.Alerts)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad date", `{"snapshot_date":"12/01/2026"}`, http.StatusBadRequest},
		{"negative offset", `{"offset":-1}`, http.StatusBadRequest},
		{"unknown client", `{"client_id":"nobody"}`, http.StatusNotFound},
		{"cash client", `{"client_id":"c1"}`, http.StatusUnprocessableEntity},
		{"drain", `{"drain":true}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/margin/run", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestGetMargin_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/clients/ghost/margin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassifySecurities(t *testing.T) {
	s := newTestServer(t)
	pe := d("10")
	_, err := s.st.EnsureSecurity(context.Background(), &model.Security{
		ID: "s1", ISIN: "BD0001AAA001", Code: "AAA", Category: "A", Board: "MAIN", Sector: "BANK",
		Status: "ACTIVE", TrailingPE: &pe, FreeFloatMarketCap: d("600000000"),
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/v1/securities/classify", `{"dry_run":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[marginability.Summary](t, rec)
	assert.Equal(t, 1, sum.TotalSecurities)
	assert.Equal(t, 1, sum.MarginableCount)
	assert.True(t, sum.DryRun)

	sec, err := s.st.GetSecurity(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, sec.IsMarginable, "dry run leaves storage untouched")
}

func TestRecomputeBalance(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for _, e := range []model.CashLedgerEntry{
		{ClientID: "c1", Type: model.EntryOpeningBalance, Amount: d("1000"), RunningBalance: d("1000")},
		{ClientID: "c1", Type: model.EntryWithdrawal, Amount: d("-250"), RunningBalance: d("999")},
	} {
		require.NoError(t, s.st.AppendLedgerEntry(ctx, &e))
	}

	rec := s.do(t, http.MethodPost, "/api/v1/clients/c1/ledger/recompute", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ledger.RecomputeResult](t, rec)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, 1, res.Updated)
	assert.True(t, res.FinalBalance.Equal(d("750")))
}

func TestReconcile(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.st.InsertExecution(context.Background(), &model.TradeExecution{
		ExecID: "E-ORPHAN", ClientID: "c1", SecurityID: "sec-gp", Side: model.SideBuy,
		Quantity: d("1"), Price: d("10"), NetValue: d("15"), TradeDate: today,
	}))

	rec := s.do(t, http.MethodGet, "/api/v1/ledger/reconcile?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ReconcileResponse](t, rec)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, "E-ORPHAN", res.Unposted[0].ExecID)

	rec = s.do(t, http.MethodGet, "/api/v1/ledger/reconcile?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

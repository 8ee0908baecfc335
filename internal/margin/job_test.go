package margin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/regconfig"
	"github.com/eduintbd/eod-sub000/internal/store"
)

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

var snapshotDay = date(2026, time.January, 12) // Monday

type recorder struct {
	alerts []model.MarginAlert
}

func (r *recorder) NotifyAlert(_ context.Context, a model.MarginAlert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

type failingPrices struct {
	*store.MemoryStore
	failOn string
}

func (f failingPrices) ClosePriceOnOrBefore(ctx context.Context, securityID string, day time.Time) (decimal.Decimal, bool, error) {
	if securityID == f.failOn {
		return decimal.Zero, false, errors.New("price feed unavailable")
	}
	return f.MemoryStore.ClosePriceOnOrBefore(ctx, securityID, day)
}

type fixture struct {
	st   *store.MemoryStore
	rec  *recorder
	job  *Job
	opts Options
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	for _, c := range []model.Client{
		{ID: "m1", ClientCode: "M001", AccountType: model.AccountMargin, KYCComplete: true, Status: model.ClientActive},
		{ID: "m2", ClientCode: "M002", AccountType: model.AccountMargin, KYCComplete: true, Status: model.ClientActive},
		{ID: "c1", ClientCode: "C001", AccountType: model.AccountCash, KYCComplete: true, Status: model.ClientActive},
	} {
		_, err := st.EnsureClient(ctx, &c)
		require.NoError(t, err)
	}
	for _, s := range []model.Security{
		{ID: "sec-a", Code: "AAA", Category: "A", Board: "MAIN", IsMarginable: true},
		{ID: "sec-b", Code: "BBB", Category: "Z", Board: "MAIN"},
	} {
		_, err := st.EnsureSecurity(ctx, &s)
		require.NoError(t, err)
	}

	f := &fixture{st: st, rec: &recorder{}, opts: opts}
	f.job = f.newJob(st)
	return f
}

func (f *fixture) newJob(prices PriceResolver) *Job {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	job := NewJob(f.st, prices, regconfig.NewLoader(f.st, logger), f.rec, logger, f.opts)
	job.SetClock(func() time.Time { return snapshotDay.Add(20 * time.Hour) })
	return job
}

func (f *fixture) hold(t *testing.T, clientID, secID, qty, avg string) {
	t.Helper()
	require.NoError(t, f.st.UpsertHolding(context.Background(), &model.Holding{
		ClientID: clientID, SecurityID: secID, Quantity: d(qty), AverageCost: d(avg),
	}))
}

func (f *fixture) price(t *testing.T, secID string, day time.Time, close string) {
	t.Helper()
	require.NoError(t, f.st.UpsertPrice(context.Background(), model.DailyPrice{SecurityID: secID, Date: day, Close: d(close)}))
}

func (f *fixture) cash(t *testing.T, clientID, balance string) {
	t.Helper()
	require.NoError(t, f.st.AppendLedgerEntry(context.Background(), &model.CashLedgerEntry{
		ClientID: clientID, EntryDate: snapshotDay, Type: model.EntryAdjustment,
		Amount: d(balance), RunningBalance: d(balance),
	}))
}

func (f *fixture) alerts(t *testing.T, clientID string) map[model.AlertType]int {
	t.Helper()
	list, err := f.st.ListAlerts(context.Background(), clientID, snapshotDay)
	require.NoError(t, err)
	out := make(map[model.AlertType]int)
	for _, a := range list {
		out[a.Type]++
	}
	return out
}

func TestRunBatch_TransitionIntoMarginCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.hold(t, "m1", "sec-a", "10000", "90")
	f.price(t, "sec-a", date(2026, time.January, 11), "100") // prior day fallback
	f.cash(t, "m1", "-400000")

	res, err := f.job.RunBatch(ctx, Request{SnapshotDate: snapshotDay, ClientID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClientsProcessed)
	assert.Equal(t, 1, res.SnapshotsCreated)
	assert.Equal(t, 1, res.StatusCounts[model.MarginCall])
	assert.Equal(t, 1, res.AlertsGenerated)
	assert.True(t, res.Done)
	assert.False(t, res.ConcentrationChecked, "single-client runs skip concentration")

	acct, err := f.st.GetMarginAccount(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MarginCall, acct.Status)
	assert.Equal(t, 1, acct.CallCount)
	require.NotNil(t, acct.CallDeadline)
	assert.Equal(t, date(2026, time.January, 15), *acct.CallDeadline)
	assert.Equal(t, snapshotDay, *acct.LastCallDate)
	assert.True(t, acct.LoanBalance.Equal(d("400000")))
	assert.True(t, acct.MarginRatio.Equal(d("0.6")))
	assert.Equal(t, "1:1", acct.AppliedRatioLabel)
	assert.Equal(t, model.MarginNormal, acct.Baseline.Status)

	snap, err := f.st.GetSnapshot(ctx, "m1", snapshotDay)
	require.NoError(t, err)
	assert.True(t, snap.PortfolioValue.Equal(d("1000000")))
	assert.True(t, snap.CashBalance.Equal(d("-400000")))
	assert.True(t, snap.NetEquity.Equal(d("600000")))
	assert.True(t, snap.MarginUtilization.Equal(d("0.4")))
	assert.True(t, snap.UnrealizedPL.Equal(d("100000")))

	require.Len(t, f.rec.alerts, 1)
	assert.Equal(t, model.AlertMarginCall, f.rec.alerts[0].Type)
	assert.Equal(t, "2026-01-15", f.rec.alerts[0].Details["call_deadline"])
}

func TestRunBatch_DeadlineBreachEscalatesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.hold(t, "m1", "sec-a", "10000", "100")
	f.price(t, "sec-a", snapshotDay, "100")
	f.cash(t, "m1", "5000") // no loan: the fresh ratio alone would be NORMAL

	deadline := date(2026, time.January, 10)
	called := date(2026, time.January, 7)
	require.NoError(t, f.st.UpsertMarginAccount(ctx, &model.MarginAccount{
		ClientID: "m1",
		AsOfDate: date(2026, time.January, 8),
		MarginState: model.MarginState{
			Status: model.MarginCall, CallCount: 1, CallDeadline: &deadline, LastCallDate: &called,
		},
	}))

	for run := 0; run < 2; run++ {
		res, err := f.job.RunBatch(ctx, Request{SnapshotDate: snapshotDay, ClientID: "m1"})
		require.NoError(t, err)
		assert.Equal(t, 1, res.StatusCounts[model.MarginForceSell], "run %d", run)

		acct, err := f.st.GetMarginAccount(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, model.MarginForceSell, acct.Status)
		assert.Equal(t, 2, acct.CallCount, "re-run starts from the same baseline")
		assert.Equal(t, model.MarginCall, acct.Baseline.Status)
		assert.Nil(t, acct.CallDeadline, "expired deadline is cleared on force sell")
		assert.NotNil(t, acct.Baseline.CallDeadline)

		if run == 0 {
			assert.Equal(t, 2, res.AlertsGenerated)
		} else {
			assert.Equal(t, 0, res.AlertsGenerated)
		}
	}

	got := f.alerts(t, "m1")
	assert.Equal(t, 1, got[model.AlertDeadlineBreach])
	assert.Equal(t, 1, got[model.AlertForceSellTriggered])
	assert.Len(t, f.rec.alerts, 2, "notifications only for new alerts")
}

func TestRunBatch_RecoveryClearsCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.hold(t, "m1", "sec-a", "10000", "100")
	f.price(t, "sec-a", snapshotDay, "100")
	f.cash(t, "m1", "-100000")

	deadline := date(2026, time.January, 20)
	require.NoError(t, f.st.UpsertMarginAccount(ctx, &model.MarginAccount{
		ClientID:    "m1",
		AsOfDate:    date(2026, time.January, 8),
		MarginState: model.MarginState{Status: model.MarginCall, CallCount: 2, CallDeadline: &deadline},
	}))

	res, err := f.job.RunBatch(ctx, Request{SnapshotDate: snapshotDay, ClientID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.AlertsGenerated)

	acct, err := f.st.GetMarginAccount(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MarginNormal, acct.Status)
	assert.Zero(t, acct.CallCount)
	assert.Nil(t, acct.CallDeadline)
}

func TestRunBatch_ValuesUnpricedHoldingsAtCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.hold(t, "m1", "sec-a", "100", "250")
	f.hold(t, "m1", "sec-b", "50", "40")
	f.price(t, "sec-b", date(2026, time.January, 13), "99") // after the snapshot, ignored

	_, err := f.job.RunBatch(ctx, Request{SnapshotDate: snapshotDay, ClientID: "m1"})
	require.NoError(t, err)

	acct, err := f.st.GetMarginAccount(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, acct.TotalPortfolioValue.Equal(d("27000")), "got %s", acct.TotalPortfolioValue)
	assert.True(t, acct.MarginablePortfolioValue.Equal(d("25000")))
	assert.True(t, acct.MarginRatio.Equal(d("1")))
	assert.Equal(t, NotEligibleLabel, acct.AppliedRatioLabel)
	assert.Equal(t, model.MarginNormal, acct.Status)

	snap, err := f.st.GetSnapshot(ctx, "m1", snapshotDay)
	require.NoError(t, err)
	assert.True(t, snap.UnrealizedPL.IsZero())
	assert.True(t, snap.MarginUtilization.IsZero())
	assert.True(t, snap.LoanBalance.IsZero())
}

func TestRunBatch_ExposureBreach(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	require.NoError(t, f.st.UpsertConfigParam(ctx, model.ConfigParam{
		Name: regconfig.ParamCoreCapital, Value: "1000000",
		EffectiveFrom: date(2026, time.January, 1), Active: true,
	}))
	f.hold(t, "m1", "sec-a", "10000", "100")
	f.price(t, "sec-a", snapshotDay, "100")
	f.cash(t, "m1", "-200000")

	res, err := f.job.RunBatch(ctx, Request{SnapshotDate: snapshotDay, ClientID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlertsGenerated)

	list, err := f.st.ListAlerts(ctx, "m1", snapshotDay)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.AlertExposureBreach, list[0].Type)
	assert.Equal(t, "150000", list[0].Details["limit"])
}

func TestDrain_PaginatesAndChecksConcentration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{BatchSize: 1})
	f.hold(t, "m1", "sec-a", "10000", "100")
	f.hold(t, "m2", "sec-a", "10000", "100")
	f.hold(t, "c1", "sec-a", "10000", "100")
	f.price(t, "sec-a", snapshotDay, "100")
	f.cash(t, "m1", "-400000")
	f.cash(t, "m2", "-100000")

	first, err := f.job.RunBatch(ctx, Request{SnapshotDate: snapshotDay})
	require.NoError(t, err)
	assert.Equal(t, 1, first.ClientsProcessed)
	assert.Equal(t, 1, first.NextOffset)
	assert.False(t, first.Done)
	assert.False(t, first.ConcentrationChecked)

	res, err := f.job.Drain(ctx, snapshotDay)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.True(t, res.ConcentrationChecked)
	assert.Equal(t, 2, res.ClientsProcessed, "cash clients are not margin computed")
	assert.Equal(t, 1, res.StatusCounts[model.MarginCall])
	assert.Equal(t, 1, res.StatusCounts[model.MarginNormal])
	assert.Equal(t, 2, res.AlertsGenerated, "one concentration alert per client; the margin call was already raised")

	assert.Equal(t, 1, f.alerts(t, "m1")[model.AlertConcentrationBreach])
	assert.Equal(t, 1, f.alerts(t, "m1")[model.AlertMarginCall])
	assert.Equal(t, 1, f.alerts(t, "m2")[model.AlertConcentrationBreach])
	assert.Empty(t, f.alerts(t, "c1"))
}

func TestRunBatch_ClientFailureDoesNotHaltBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.hold(t, "m1", "sec-b", "10", "40")
	f.hold(t, "m2", "sec-a", "10", "100")
	job := f.newJob(failingPrices{MemoryStore: f.st, failOn: "sec-b"})

	res, err := job.RunBatch(ctx, Request{SnapshotDate: snapshotDay})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClientsProcessed)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "m1", res.Errors[0].ClientID)
	assert.Contains(t, res.Errors[0].Error, "price feed unavailable")

	_, err = f.st.GetSnapshot(ctx, "m2", snapshotDay)
	assert.NoError(t, err)
	_, err = f.st.GetSnapshot(ctx, "m1", snapshotDay)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunBatch_RejectsCashClient(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.job.RunBatch(context.Background(), Request{ClientID: "c1"})
	assert.ErrorIs(t, err, ErrNotMarginClient)
}

func TestRunBatch_DefaultsSnapshotDateToToday(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.job.RunBatch(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, snapshotDay, res.SnapshotDate)
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduintbd/eod-sub000/internal/app"
	"github.com/eduintbd/eod-sub000/internal/config"
	"github.com/eduintbd/eod-sub000/internal/margin"
	"github.com/eduintbd/eod-sub000/internal/store"
)

var commands = []subcommands.Command{
	&processTradesCmd{},
	&runMarginCmd{},
	&classifyCmd{},
	&recomputeCmd{},
	&reconcileCmd{},
}

// setup loads configuration and wires the components. Logs go to stderr so
// stdout carries only the JSON result.
func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	return app.New(ctx, cfg, logger, nil, false)
}

func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, "Error:", err)
	return subcommands.ExitFailure
}

type processTradesCmd struct {
	batch string
	once  bool
}

func (*processTradesCmd) Name() string     { return "process-trades" }
func (*processTradesCmd) Synopsis() string { return "post pending raw trades to executions, holdings and the cash ledger" }
func (*processTradesCmd) Usage() string {
	return `settlectl process-trades [-batch <import_batch_id>] [-once]

  Posts pending raw trades until none remain or the iteration cap is hit.
  With -once only a single slice is processed.
`
}

func (p *processTradesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.batch, "batch", "", "Restrict processing to one import batch.")
	f.BoolVar(&p.once, "once", false, "Process a single slice instead of draining.")
}

func (p *processTradesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := setup(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	if p.once {
		res, err := a.Trades.RunBatch(ctx, p.batch)
		if err != nil {
			return fail(err)
		}
		return printJSON(res)
	}
	res, err := a.Trades.Drain(ctx, p.batch)
	if err != nil {
		return fail(err)
	}
	return printJSON(res)
}

type runMarginCmd struct {
	date   string
	client string
	offset int
	once   bool
}

func (*runMarginCmd) Name() string     { return "run-margin" }
func (*runMarginCmd) Synopsis() string { return "compute margin status, alerts and snapshots" }
func (*runMarginCmd) Usage() string {
	return `settlectl run-margin [-d <YYYY-MM-DD>] [-client <id> | -offset <n> -once]

  Computes every margin client for the snapshot date (default today). With
  -client only that client is computed; with -once a single page starting at
  -offset is computed.
`
}

func (p *runMarginCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.date, "d", "", "Snapshot date (defaults to today).")
	f.StringVar(&p.client, "client", "", "Compute a single margin client.")
	f.IntVar(&p.offset, "offset", 0, "Client offset of the page to compute with -once.")
	f.BoolVar(&p.once, "once", false, "Compute a single page instead of draining.")
}

func (p *runMarginCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var day time.Time
	if p.date != "" {
		parsed, err := time.Parse(time.DateOnly, p.date)
		if err != nil {
			return fail(fmt.Errorf("parsing date: %w", err))
		}
		day = parsed
	}

	a, err := setup(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	var res margin.Result
	if p.client != "" || p.once {
		res, err = a.Margin.RunBatch(ctx, margin.Request{SnapshotDate: day, ClientID: p.client, Offset: p.offset})
	} else {
		res, err = a.Margin.Drain(ctx, day)
	}
	if err != nil {
		return fail(err)
	}
	return printJSON(res)
}

type classifyCmd struct {
	isins  string
	dryRun bool
}

func (*classifyCmd) Name() string     { return "classify" }
func (*classifyCmd) Synopsis() string { return "classify securities as marginable or not" }
func (*classifyCmd) Usage() string {
	return `settlectl classify [-isins <isin,isin,...>] [-dry-run]
`
}

func (p *classifyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.isins, "isins", "", "Comma-separated ISINs to classify (default all).")
	f.BoolVar(&p.dryRun, "dry-run", false, "Report the results without writing them.")
}

func (p *classifyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var isins []string
	for _, s := range strings.Split(p.isins, ",") {
		if s = strings.TrimSpace(s); s != "" {
			isins = append(isins, s)
		}
	}

	a, err := setup(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	sum, err := a.Classifier.Classify(ctx, isins, p.dryRun)
	if err != nil {
		return fail(err)
	}
	return printJSON(sum)
}

type recomputeCmd struct{}

func (*recomputeCmd) Name() string     { return "recompute-balance" }
func (*recomputeCmd) Synopsis() string { return "rebuild running balances of clients' cash ledgers" }
func (*recomputeCmd) Usage() string {
	return `settlectl recompute-balance <client_id>...
`
}
func (*recomputeCmd) SetFlags(*flag.FlagSet) {}

func (*recomputeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "at least one client id is required")
		return subcommands.ExitUsageError
	}

	a, err := setup(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	status := subcommands.ExitSuccess
	for _, id := range f.Args() {
		res, err := a.Ledger.Recompute(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error recomputing %s: %v\n", id, err)
			status = subcommands.ExitFailure
			continue
		}
		if s := printJSON(res); s != subcommands.ExitSuccess {
			status = s
		}
	}
	return status
}

type reconcileCmd struct {
	limit int
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "list executions without a cash ledger posting" }
func (*reconcileCmd) Usage() string {
	return `settlectl reconcile [-limit <n>]

  Exits with status 1 when unposted executions are found.
`
}

func (p *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&p.limit, "limit", 100, "Maximum number of executions to report.")
}

func (p *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if p.limit <= 0 {
		fmt.Fprintln(os.Stderr, "-limit must be positive")
		return subcommands.ExitUsageError
	}

	a, err := setup(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	unposted, err := a.Ledger.Reconcile(ctx, p.limit)
	if err != nil {
		return fail(err)
	}
	if s := printJSON(unposted); s != subcommands.ExitSuccess {
		return s
	}
	if len(unposted) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type migrateCmd struct {
	down bool
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply or roll back database migrations" }
func (*migrateCmd) Usage() string {
	return `settlectl migrate [-down]

  Applies pending migrations. With -down the latest migration is rolled back.
`
}

func (p *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.down, "down", false, "Roll back the latest migration.")
}

func (p *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load()
	if err != nil {
		return fail(err)
	}
	if cfg.DatabaseURL == "" {
		return fail(fmt.Errorf("DATABASE_URL is required"))
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	defer pool.Close()

	m := store.NewMigrator(pool, logger)
	if p.down {
		if err := m.Down(ctx); err != nil {
			return fail(err)
		}
		return subcommands.ExitSuccess
	}
	n, err := m.Up(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("%d migrations applied\n", n)
	return subcommands.ExitSuccess
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/eduintbd/eod-sub000/internal/app"
	"github.com/eduintbd/eod-sub000/internal/config"
	"github.com/eduintbd/eod-sub000/internal/httpapi"
	"github.com/eduintbd/eod-sub000/internal/metrics"
	"github.com/eduintbd/eod-sub000/internal/notify"
	"github.com/eduintbd/eod-sub000/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Alert delivery ---
	wsHub := notify.NewWSHub(logger)
	go wsHub.Run(ctx)
	notifiers := notify.Fanout{wsHub}

	if cfg.NATSURL != "" {
		nc, js, err := notify.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		if err := notify.EnsureAlertStream(ctx, js); err != nil {
			slog.Error("alert stream setup failed", "err", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, notify.NewNATSPublisher(js))
		slog.Info("NATS alert publishing enabled", "stream", notify.AlertStream)
	}

	// --- Components ---
	a, err := app.New(ctx, cfg, logger, notifiers, true)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Scheduled jobs ---
	sched := scheduler.New(logger)
	if err := sched.AddJob(cfg.TradeSchedule, scheduler.NewTradeDrainJob(a.Trades, 10*time.Minute)); err != nil {
		slog.Error("invalid TRADE_SCHEDULE", "err", err)
		os.Exit(1)
	}
	if err := sched.AddJob(cfg.MarginSchedule, scheduler.NewMarginDrainJob(a.Margin, 30*time.Minute)); err != nil {
		slog.Error("invalid MARGIN_SCHEDULE", "err", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	// --- HTTP router ---
	api := httpapi.NewHandler(httpapi.Deps{
		Trades:     a.Trades,
		Margin:     a.Margin,
		Classifier: a.Classifier,
		Ledger:     a.Ledger,
		Accounts:   a.Store,
		WS:         wsHub.HandleWS,
	}, logger)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Batch runs can take minutes; only the websocket is long-lived.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))
		api.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

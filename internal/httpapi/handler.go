// Package httpapi exposes the batch operations over HTTP. Every handler
// answers JSON; errors use the {"error": "..."} shape.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eduintbd/eod-sub000/internal/ledger"
	"github.com/eduintbd/eod-sub000/internal/margin"
	"github.com/eduintbd/eod-sub000/internal/marginability"
	"github.com/eduintbd/eod-sub000/internal/model"
	"github.com/eduintbd/eod-sub000/internal/store"
	"github.com/eduintbd/eod-sub000/internal/trade"
)

const (
	defaultReconcileLimit = 100
	maxReconcileLimit     = 1000
)

// TradeRunner posts raw trades.
type TradeRunner interface {
	RunBatch(ctx context.Context, batchID string) (trade.BatchResult, error)
	Drain(ctx context.Context, batchID string) (trade.DrainResult, error)
}

// MarginRunner computes margin accounts.
type MarginRunner interface {
	RunBatch(ctx context.Context, req margin.Request) (margin.Result, error)
	Drain(ctx context.Context, snapshotDate time.Time) (margin.Result, error)
}

// Classifier classifies securities for marginability.
type Classifier interface {
	Classify(ctx context.Context, isins []string, dryRun bool) (marginability.Summary, error)
}

// LedgerMaintainer repairs and audits the cash ledger.
type LedgerMaintainer interface {
	Recompute(ctx context.Context, clientID string) (ledger.RecomputeResult, error)
	Reconcile(ctx context.Context, limit int) ([]ledger.Unposted, error)
}

// AccountReader reads stored margin state.
type AccountReader interface {
	GetMarginAccount(ctx context.Context, clientID string) (*model.MarginAccount, error)
	ListAlerts(ctx context.Context, clientID string, day time.Time) ([]model.MarginAlert, error)
	GetSnapshot(ctx context.Context, clientID string, day time.Time) (*model.DailySnapshot, error)
}

// Handler serves the settlement API.
type Handler struct {
	trades     TradeRunner
	margin     MarginRunner
	classifier Classifier
	ledger     LedgerMaintainer
	accounts   AccountReader
	ws         http.HandlerFunc
	log        *slog.Logger
}

// Deps are the collaborators a Handler serves. WS may be nil.
type Deps struct {
	Trades     TradeRunner
	Margin     MarginRunner
	Classifier Classifier
	Ledger     LedgerMaintainer
	Accounts   AccountReader
	WS         http.HandlerFunc
}

// NewHandler creates a handler.
func NewHandler(d Deps, log *slog.Logger) *Handler {
	return &Handler{
		trades:     d.Trades,
		margin:     d.Margin,
		classifier: d.Classifier,
		ledger:     d.Ledger,
		accounts:   d.Accounts,
		ws:         d.WS,
		log:        log.With("component", "httpapi"),
	}
}

// Routes registers the API under r, which is normally mounted at /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.ws != nil {
		r.Get("/ws", h.ws)
	}

	r.Post("/trades/process", h.ProcessTrades)
	r.Post("/margin/run", h.RunMargin)
	r.Post("/securities/classify", h.ClassifySecurities)

	r.Post("/clients/{clientID}/ledger/recompute", h.RecomputeBalance)
	r.Get("/clients/{clientID}/margin", h.GetMargin)
	r.Get("/ledger/reconcile", h.Reconcile)
}

// ProcessTradesRequest is the body of POST /trades/process.
type ProcessTradesRequest struct {
	BatchID string `json:"batch_id"`
	Drain   bool   `json:"drain"`
}

// ProcessTrades runs one slice of the trade processor, or drains it.
func (h *Handler) ProcessTrades(w http.ResponseWriter, r *http.Request) {
	var req ProcessTradesRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	if req.Drain {
		res, err := h.trades.Drain(r.Context(), req.BatchID)
		if err != nil {
			h.internalError(w, "trade drain", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, err := h.trades.RunBatch(r.Context(), req.BatchID)
	if err != nil {
		h.internalError(w, "trade batch", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunMarginRequest is the body of POST /margin/run. SnapshotDate is
// YYYY-MM-DD and defaults to today.
type RunMarginRequest struct {
	SnapshotDate string `json:"snapshot_date"`
	ClientID     string `json:"client_id"`
	Offset       int    `json:"offset"`
	Drain        bool   `json:"drain"`
}

// RunMargin runs one slice of the margin job, or drains it.
func (h *Handler) RunMargin(w http.ResponseWriter, r *http.Request) {
	var req RunMarginRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Offset < 0 {
		writeError(w, "offset must not be negative", http.StatusBadRequest)
		return
	}

	var day time.Time
	if req.SnapshotDate != "" {
		parsed, err := time.Parse(time.DateOnly, req.SnapshotDate)
		if err != nil {
			writeError(w, "snapshot_date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	var (
		res margin.Result
		err error
	)
	if req.Drain && req.ClientID == "" {
		res, err = h.margin.Drain(r.Context(), day)
	} else {
		res, err = h.margin.RunBatch(r.Context(), margin.Request{
			SnapshotDate: day,
			ClientID:     strings.TrimSpace(req.ClientID),
			Offset:       req.Offset,
		})
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "client not found: "+req.ClientID, http.StatusNotFound)
	case errors.Is(err, margin.ErrNotMarginClient):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case err != nil:
		h.internalError(w, "margin run", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// ClassifyRequest is the body of POST /securities/classify.
type ClassifyRequest struct {
	ISINs  []string `json:"isins"`
	DryRun bool     `json:"dry_run"`
}

// ClassifySecurities runs the marginability classifier.
func (h *Handler) ClassifySecurities(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	sum, err := h.classifier.Classify(r.Context(), req.ISINs, req.DryRun)
	if err != nil {
		h.internalError(w, "classification", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// RecomputeBalance rebuilds one client's running balances.
func (h *Handler) RecomputeBalance(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	res, err := h.ledger.Recompute(r.Context(), clientID)
	if err != nil {
		h.internalError(w, "recompute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReconcileResponse lists executions without a ledger entry.
type ReconcileResponse struct {
	Count    int               `json:"count"`
	Unposted []ledger.Unposted `json:"unposted"`
}

// Reconcile reports executions whose cash posting is missing.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	limit := defaultReconcileLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxReconcileLimit)
	}

	unposted, err := h.ledger.Reconcile(r.Context(), limit)
	if err != nil {
		h.internalError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Count: len(unposted), Unposted: unposted})
}

// MarginView is a client's margin account with the alerts and snapshot of
// one date.
type MarginView struct {
	Account  *model.MarginAccount `json:"account"`
	Snapshot *model.DailySnapshot `json:"snapshot,omitempty"`
	Alerts   []model.MarginAlert  `json:"alerts"`
}

// GetMargin returns the stored margin state of a client. The optional date
// query parameter selects the alerts and snapshot; it defaults to the
// account's as-of date.
func (h *Handler) GetMargin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := chi.URLParam(r, "clientID")

	acct, err := h.accounts.GetMarginAccount(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "margin account not found: "+clientID, http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, "load margin account", err)
		return
	}

	day := acct.AsOfDate
	if s := r.URL.Query().Get("date"); s != "" {
		parsed, err := time.Parse(time.DateOnly, s)
		if err != nil {
			writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	view := MarginView{Account: acct, Alerts: []model.MarginAlert{}}
	alerts, err := h.accounts.ListAlerts(ctx, clientID, day)
	if err != nil {
		h.internalError(w, "list alerts", err)
		return
	}
	if alerts != nil {
		view.Alerts = alerts
	}
	snap, err := h.accounts.GetSnapshot(ctx, clientID, day)
	switch {
	case err == nil:
		view.Snapshot = snap
	case !errors.Is(err, store.ErrNotFound):
		h.internalError(w, "load snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// decodeOptional decodes a JSON body into dst; an empty body keeps the
// zero value. It writes a 400 and returns false on malformed input.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, "invalid request body", http.StatusBadRequest)
	return false
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.log.Error(op+" failed", "err", err)
	writeError(w, op+" failed: "+err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"hyperagent/internal/executor"
	"hyperagent/internal/monitor"
	"hyperagent/internal/portfolio"
	"hyperagent/internal/reasoning"
	"hyperagent/pkg/types"
)

// Store is the journal surface the control handlers touch.
type Store interface {
	GetAccount(id string) (types.Account, error)
	SetAgentMode(id string, mode types.AgentMode) error
	SetMonitoringMinutes(id string, minutes int) error
	OpenPositions(accountID string) ([]types.Position, error)
	CreateEntry(types.TradeJournalEntry) error
	ActivateEntry(id string, at time.Time) error
	CloseEntry(id string, at time.Time, analysis types.CloseAnalysis) error
}

// Monitors is the monitoring manager surface.
type Monitors interface {
	Restart(ctx context.Context, accountID string, intervalMinutes int) error
	SubmitPrompt(ctx context.Context, accountID, prompt string, images []reasoning.ImageAttachment) (string, error)
}

// Portfolio answers the aggregate status query.
type Portfolio interface {
	Status(accountID string, totalCapital float64) (portfolio.Status, error)
}

// Runner executes direct action batches (closeAll).
type Runner interface {
	Execute(ctx context.Context, v executor.Venue, b executor.Batch) []executor.Outcome
}

// Handlers holds the control-surface dependencies.
type Handlers struct {
	store       Store
	monitors    Monitors
	pm          Portfolio
	venues      monitor.VenueFactory
	runner      Runner
	market      MarketHub
	defaultFreq int // minutes assigned when activating a suspended account
	logger      *slog.Logger
}

func NewHandlers(store Store, monitors Monitors, pm Portfolio, venues monitor.VenueFactory, runner Runner, market MarketHub, defaultFrequencyMinutes int, logger *slog.Logger) *Handlers {
	if defaultFrequencyMinutes <= 0 {
		defaultFrequencyMinutes = 5
	}
	return &Handlers{
		store:       store,
		monitors:    monitors,
		pm:          pm,
		venues:      venues,
		runner:      runner,
		market:      market,
		defaultFreq: defaultFrequencyMinutes,
		logger:      logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type orderRequest struct {
	AccountID  string  `json:"accountId"`
	Symbol     string  `json:"symbol"`
	IsBuy      bool    `json:"isBuy"`
	Size       float64 `json:"size"`
	LimitPx    float64 `json:"limitPx"`
	OrderType  string  `json:"orderType"` // "market" or "limit"
	TIF        string  `json:"tif"`
	ReduceOnly bool    `json:"reduceOnly"`
	OID        int64   `json:"oid"` // cancel only
}

// HandleOrders places (POST) or cancels (DELETE) a single order directly,
// bypassing the reasoning loop.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	venue, err := h.venues(req.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.Method {
	case http.MethodPost:
		orderType := types.OrderType(req.OrderType)
		if orderType == "" {
			orderType = types.OrderTypeLimit
		}
		result, err := venue.PlaceOrder(r.Context(), types.OrderRequest{
			Symbol:     req.Symbol,
			IsBuy:      req.IsBuy,
			Size:       req.Size,
			LimitPx:    req.LimitPx,
			OrderType:  orderType,
			TIF:        types.TIF(req.TIF),
			ReduceOnly: req.ReduceOnly,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case http.MethodDelete:
		if err := venue.CancelOrder(r.Context(), req.Symbol, req.OID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleCloseAll flattens the account: cancels resting orders and closes
// every tracked position through the executor.
func (h *Handlers) HandleCloseAll(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		AccountID string `json:"accountId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := h.store.GetAccount(req.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	venue, err := h.venues(req.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}

	if orders, err := venue.OpenOrders(r.Context(), acct.MainWalletAddress); err == nil {
		for _, o := range orders {
			if err := venue.CancelOrder(r.Context(), o.Coin, o.OID); err != nil {
				h.logger.Warn("cancel failed during close-all", "oid", o.OID, "err", err)
			}
		}
	}

	positions, err := h.store.OpenPositions(req.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	actions := make([]types.Action, 0, len(positions))
	for _, p := range positions {
		actions = append(actions, types.Action{
			Kind: types.ActionClose, Symbol: p.Symbol, Side: p.Side,
			Reasoning: "close-all requested",
		})
	}

	outcomes := h.runner.Execute(r.Context(), venue, executor.Batch{
		AccountID: req.AccountID,
		Address:   acct.MainWalletAddress,
		Actions:   actions,
	})
	writeJSON(w, http.StatusOK, map[string]any{"closed": len(outcomes), "outcomes": outcomes})
}

func (h *Handlers) HandleLeverage(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		AccountID string `json:"accountId"`
		Symbol    string `json:"symbol"`
		Leverage  int    `json:"leverage"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	venue, err := h.venues(req.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := venue.UpdateLeverage(r.Context(), req.Symbol, true, req.Leverage); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAgentMode switches passive/active. Activating an account whose
// monitoring frequency is 0 promotes it to 5 minutes.
func (h *Handlers) HandleAgentMode(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		AccountID string `json:"accountId"`
		Mode      string `json:"mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	mode := types.AgentMode(req.Mode)
	if mode != types.AgentPassive && mode != types.AgentActive {
		http.Error(w, "mode must be passive or active", http.StatusBadRequest)
		return
	}

	acct, err := h.store.GetAccount(req.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.SetAgentMode(req.AccountID, mode); err != nil {
		writeError(w, err)
		return
	}

	minutes := acct.MonitoringMinutes
	if mode == types.AgentActive && minutes == 0 {
		minutes = h.defaultFreq
		if err := h.store.SetMonitoringMinutes(req.AccountID, minutes); err != nil {
			writeError(w, err)
			return
		}
	}
	if minutes > 0 {
		if err := h.monitors.Restart(r.Context(), req.AccountID, minutes); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "monitoringMinutes": minutes})
}

func (h *Handlers) HandleMonitoringFrequency(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		AccountID string `json:"accountId"`
		Minutes   int    `json:"minutes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Minutes < 0 {
		http.Error(w, "minutes must be >= 0", http.StatusBadRequest)
		return
	}
	if err := h.store.SetMonitoringMinutes(req.AccountID, req.Minutes); err != nil {
		writeError(w, err)
		return
	}
	if err := h.monitors.Restart(r.Context(), req.AccountID, req.Minutes); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitoringMinutes": req.Minutes})
}

func (h *Handlers) HandlePrompt(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		AccountID   string `json:"accountId"`
		Prompt      string `json:"prompt"`
		Screenshots []struct {
			MediaType string `json:"mediaType"`
			Base64    string `json:"base64"`
		} `json:"screenshots"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	images := make([]reasoning.ImageAttachment, 0, len(req.Screenshots))
	for _, s := range req.Screenshots {
		images = append(images, reasoning.ImageAttachment{MediaType: s.MediaType, Base64: s.Base64})
	}

	outcome, err := h.monitors.SubmitPrompt(r.Context(), req.AccountID, req.Prompt, images)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome})
}

func (h *Handlers) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		http.Error(w, "accountId required", http.StatusBadRequest)
		return
	}

	acct, err := h.store.GetAccount(accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	var capital float64
	if venue, err := h.venues(accountID); err == nil {
		if state, err := venue.UserState(r.Context(), acct.MainWalletAddress); err == nil {
			capital = state.AccountValue
		}
	}

	status, err := h.pm.Status(accountID, capital)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) HandleJournalCreate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		AccountID      string  `json:"accountId"`
		StrategyID     string  `json:"strategyId"`
		Symbol         string  `json:"symbol"`
		EntryReasoning string  `json:"entryReasoning"`
		Expectations   string  `json:"expectations"`
		PlannedEntryPx float64 `json:"plannedEntryPx"`
		StopLoss       float64 `json:"stopLoss"`
		TakeProfit     float64 `json:"takeProfit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AccountID == "" || req.Symbol == "" {
		http.Error(w, "accountId and symbol required", http.StatusBadRequest)
		return
	}

	entry := types.TradeJournalEntry{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		EntryReasoning: req.EntryReasoning,
		Expectations:   req.Expectations,
		PlannedEntryPx: req.PlannedEntryPx,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
	}
	if err := h.store.CreateEntry(entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": entry.ID})
}

func (h *Handlers) HandleJournalActivate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		EntryID string `json:"entryId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.store.ActivateEntry(req.EntryID, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handlers) HandleJournalClose(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		EntryID   string  `json:"entryId"`
		ExitPx    float64 `json:"exitPx"`
		PnL       float64 `json:"pnl"`
		TargetHit bool    `json:"targetHit"`
		Notes     string  `json:"notes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.store.CloseEntry(req.EntryID, time.Now(), types.CloseAnalysis{
		ExitPx: req.ExitPx, PnL: req.PnL, TargetHit: req.TargetHit, Notes: req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidParams):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrNeedsCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, types.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, types.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

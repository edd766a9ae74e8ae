// Package executor turns reasoning actions into venue orders. Batches are
// serialized per account: at most one is in flight at a time, so the
// journal's position projection never races with the venue.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hyperagent/internal/portfolio"
	"hyperagent/pkg/types"
)

// Venue is the slice of the venue client the executor drives. The concrete
// client is account-scoped (carries the account's agent signer).
type Venue interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	UpdateLeverage(ctx context.Context, symbol string, isCross bool, leverage int) error
	UserState(ctx context.Context, address string) (*types.UserState, error)
}

// Admitter gates every opening action.
type Admitter interface {
	CanExecute(accountID, strategyID string, leverage int) (portfolio.Admission, error)
}

// Journal is the persistence surface the executor writes through.
type Journal interface {
	RecordOrder(types.Order) error
	OpenPosition(types.Position) error
	ClosePosition(id string) error
	OpenPositions(accountID string) ([]types.Position, error)
	CreateEntry(types.TradeJournalEntry) error
	ActivateEntry(id string, at time.Time) error
	CloseEntry(id string, at time.Time, analysis types.CloseAnalysis) error
	ListEntries(accountID string, status types.JournalStatus, limit int) ([]types.TradeJournalEntry, error)
	RecordSnapshot(types.PortfolioSnapshot) error
	RecordMonitoringLog(types.MonitoringLog) error
	AddDailyLoss(strategyID string, loss float64) error
}

// Prices exposes the hub's book mirror for aggressive close bounds.
type Prices interface {
	BestBidAsk(symbol string) (bid, ask float64, ok bool)
	MidPrice(symbol string) (float64, bool)
}

// OutcomeStatus classifies one action's result within a batch.
type OutcomeStatus string

const (
	Executed OutcomeStatus = "executed"
	Skipped  OutcomeStatus = "skipped"
	Noted    OutcomeStatus = "noted" // hold actions
	Failed   OutcomeStatus = "failed"
)

// Outcome is one slot of the per-action result vector. Errors never escape
// the batch boundary; they land here.
type Outcome struct {
	Action  types.Action
	Status  OutcomeStatus
	Detail  string
	VenueID int64
	Err     error
}

// Batch is one account's action list from a single reasoning invocation.
type Batch struct {
	AccountID  string
	StrategyID string
	Address    string // venue wallet, for the post-batch snapshot
	Actions    []types.Action
}

// Bound applied when a close has to cross the book: 2% through the mid.
const closeSlippage = 0.02

// Executor maps actions to orders and records everything in the journal.
type Executor struct {
	admitter Admitter
	journal  Journal
	prices   Prices
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// OnTradeClosed fires after a close fully settles; the evaluation
	// pipeline hangs off it. Called outside the account lock.
	OnTradeClosed func(accountID string, entry types.TradeJournalEntry)
}

func New(admitter Admitter, journal Journal, prices Prices, logger *slog.Logger) *Executor {
	return &Executor{
		admitter: admitter,
		journal:  journal,
		prices:   prices,
		logger:   logger.With("component", "executor"),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (e *Executor) accountLock(accountID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[accountID] = l
	}
	return l
}

// Execute runs a batch against the account's venue client. Every action
// gets an Outcome; a failure mid-batch does not stop the remainder.
func (e *Executor) Execute(ctx context.Context, v Venue, b Batch) []Outcome {
	lock := e.accountLock(b.AccountID)
	lock.Lock()

	outcomes := make([]Outcome, 0, len(b.Actions))
	var closed []types.TradeJournalEntry
	var anyExecuted bool

	for _, action := range b.Actions {
		var out Outcome
		switch action.Kind {
		case types.ActionHold:
			out = e.handleHold(b, action)
		case types.ActionBuy, types.ActionSell:
			out = e.handleOpen(ctx, v, b, action)
		case types.ActionClose:
			var entry *types.TradeJournalEntry
			out, entry = e.handleClose(ctx, v, b, action)
			if entry != nil {
				closed = append(closed, *entry)
			}
		default:
			out = Outcome{Action: action, Status: Skipped,
				Detail: fmt.Sprintf("unknown action kind %q", action.Kind)}
		}
		if out.Status == Executed {
			anyExecuted = true
		}
		if out.Status == Failed {
			e.logger.Warn("action failed",
				"account", b.AccountID, "kind", action.Kind,
				"symbol", action.Symbol, "err", out.Err)
		}
		outcomes = append(outcomes, out)
	}

	if anyExecuted {
		e.snapshot(ctx, v, b)
	}
	lock.Unlock()

	if e.OnTradeClosed != nil {
		for _, entry := range closed {
			e.OnTradeClosed(b.AccountID, entry)
		}
	}
	return outcomes
}

func (e *Executor) handleHold(b Batch, action types.Action) Outcome {
	err := e.journal.RecordMonitoringLog(types.MonitoringLog{
		ID:          uuid.NewString(),
		AccountID:   b.AccountID,
		State:       "hold",
		TriggeredBy: "executor",
		Outcome:     action.Reasoning,
	})
	if err != nil {
		return Outcome{Action: action, Status: Failed, Err: err}
	}
	return Outcome{Action: action, Status: Noted, Detail: "hold recorded"}
}

func (e *Executor) handleOpen(ctx context.Context, v Venue, b Batch, action types.Action) Outcome {
	adm, err := e.admitter.CanExecute(b.AccountID, b.StrategyID, action.Leverage)
	if err != nil {
		return Outcome{Action: action, Status: Failed, Err: fmt.Errorf("admission: %w", err)}
	}
	if !adm.Allowed {
		return Outcome{Action: action, Status: Skipped, Detail: adm.Reason}
	}

	if action.Leverage > 0 {
		if err := v.UpdateLeverage(ctx, action.Symbol, true, action.Leverage); err != nil {
			return Outcome{Action: action, Status: Failed, Err: fmt.Errorf("set leverage: %w", err)}
		}
	}

	isBuy := action.Kind == types.ActionBuy
	req := types.OrderRequest{
		Symbol: action.Symbol,
		IsBuy:  isBuy,
		Size:   action.Size,
	}
	if action.ExpectedEntry > 0 {
		req.OrderType = types.OrderTypeLimit
		req.TIF = types.TIFGtc
		req.LimitPx = action.ExpectedEntry
	} else {
		req.OrderType = types.OrderTypeMarket
		req.LimitPx = e.marketBound(action.Symbol, isBuy)
	}

	result, err := v.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, types.ErrInvalidParams) {
			e.logger.Warn("order rejected, skipping action",
				"symbol", action.Symbol, "err", err)
			return Outcome{Action: action, Status: Skipped, Detail: err.Error()}
		}
		return Outcome{Action: action, Status: Failed, Err: err}
	}

	e.recordOrder(b, action.Symbol, req, result)

	side := types.Long
	if !isBuy {
		side = types.Short
	}
	filled := result.Status == "filled" && result.FilledSz > 0
	if filled {
		if err := e.journal.OpenPosition(types.Position{
			ID:         uuid.NewString(),
			AccountID:  b.AccountID,
			StrategyID: b.StrategyID,
			Symbol:     action.Symbol,
			Side:       side,
			Size:       result.FilledSz,
			EntryPx:    result.AvgPx,
			Leverage:   action.Leverage,
		}); err != nil {
			e.logger.Warn("position projection write failed", "err", err)
		}
	}

	e.journalOpen(b, action, filled)
	e.placeProtectiveLegs(ctx, v, b, action, isBuy)

	detail := "resting"
	if filled {
		detail = fmt.Sprintf("filled %v @ %v", result.FilledSz, result.AvgPx)
	}
	return Outcome{Action: action, Status: Executed, Detail: detail, VenueID: result.OID}
}

// journalOpen appends a planned entry, or activates a matching prior plan
// when this action fills it.
func (e *Executor) journalOpen(b Batch, action types.Action, filled bool) {
	now := time.Now()

	planned, err := e.journal.ListEntries(b.AccountID, types.JournalPlanned, 0)
	if err == nil {
		for _, entry := range planned {
			if entry.Symbol == action.Symbol {
				if filled {
					if err := e.journal.ActivateEntry(entry.ID, now); err != nil {
						e.logger.Warn("journal activate failed", "entry", entry.ID, "err", err)
					}
				}
				return
			}
		}
	}

	entry := types.TradeJournalEntry{
		ID:             uuid.NewString(),
		AccountID:      b.AccountID,
		StrategyID:     b.StrategyID,
		Symbol:         action.Symbol,
		EntryReasoning: action.Reasoning,
		PlannedEntryPx: action.ExpectedEntry,
		StopLoss:       action.StopLoss,
		TakeProfit:     action.TakeProfit,
		CreatedAt:      now,
	}
	if err := e.journal.CreateEntry(entry); err != nil {
		e.logger.Warn("journal entry write failed", "err", err)
		return
	}
	if filled {
		if err := e.journal.ActivateEntry(entry.ID, now); err != nil {
			e.logger.Warn("journal activate failed", "entry", entry.ID, "err", err)
		}
	}
}

// placeProtectiveLegs submits reduce-only TP/SL trigger orders. Leg
// failures are logged, not fatal: the position is already on.
func (e *Executor) placeProtectiveLegs(ctx context.Context, v Venue, b Batch, action types.Action, isBuy bool) {
	legs := []struct {
		px   float64
		tpsl string
	}{
		{action.TakeProfit, "tp"},
		{action.StopLoss, "sl"},
	}
	for _, leg := range legs {
		if leg.px <= 0 {
			continue
		}
		req := types.OrderRequest{
			Symbol:     action.Symbol,
			IsBuy:      !isBuy, // leg closes the position
			Size:       action.Size,
			OrderType:  types.OrderTypeTrigger,
			TriggerPx:  leg.px,
			TPSL:       leg.tpsl,
			ReduceOnly: true,
		}
		result, err := v.PlaceOrder(ctx, req)
		if err != nil {
			e.logger.Warn("protective leg rejected",
				"symbol", action.Symbol, "tpsl", leg.tpsl, "err", err)
			continue
		}
		e.recordOrder(b, action.Symbol, req, result)
	}
}

func (e *Executor) handleClose(ctx context.Context, v Venue, b Batch, action types.Action) (Outcome, *types.TradeJournalEntry) {
	pos, ok := e.findPosition(b.AccountID, action)
	if !ok {
		return Outcome{Action: action, Status: Skipped,
			Detail: fmt.Sprintf("No open position in %s", action.Symbol)}, nil
	}

	size := pos.Size
	if action.Size > 0 && action.Size < size {
		size = action.Size
	}
	closingLong := pos.Side == types.Long

	bound, ok := e.closeBound(action.Symbol, closingLong)
	if !ok {
		return Outcome{Action: action, Status: Failed,
			Err: fmt.Errorf("no price for %s: %w", action.Symbol, types.ErrUnavailable)}, nil
	}

	req := types.OrderRequest{
		Symbol:     action.Symbol,
		IsBuy:      !closingLong,
		Size:       size,
		LimitPx:    bound,
		OrderType:  types.OrderTypeLimit,
		TIF:        types.TIFIoc,
		ReduceOnly: true,
	}
	result, err := v.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, types.ErrInvalidParams) {
			e.logger.Warn("close rejected, skipping action",
				"symbol", action.Symbol, "err", err)
			return Outcome{Action: action, Status: Skipped, Detail: err.Error()}, nil
		}
		return Outcome{Action: action, Status: Failed, Err: err}, nil
	}
	e.recordOrder(b, action.Symbol, req, result)

	if result.Status != "filled" || result.FilledSz <= 0 {
		return Outcome{Action: action, Status: Failed,
			Err: fmt.Errorf("close did not fill: %w", types.ErrUnavailable)}, nil
	}

	fullClose := result.FilledSz >= pos.Size
	if fullClose {
		if err := e.journal.ClosePosition(pos.ID); err != nil {
			e.logger.Warn("position close write failed", "position", pos.ID, "err", err)
		}
	}

	pnl := realizedPnL(pos, result.AvgPx, result.FilledSz)
	if pnl < 0 && pos.StrategyID != "" {
		if err := e.journal.AddDailyLoss(pos.StrategyID, -pnl); err != nil {
			e.logger.Warn("daily loss update failed", "strategy", pos.StrategyID, "err", err)
		}
	}

	var closedEntry *types.TradeJournalEntry
	if fullClose {
		closedEntry = e.journalClose(b.AccountID, pos, result.AvgPx, pnl, action.Reasoning)
	}

	return Outcome{
		Action:  action,
		Status:  Executed,
		Detail:  fmt.Sprintf("closed %v @ %v, pnl %.2f", result.FilledSz, result.AvgPx, pnl),
		VenueID: result.OID,
	}, closedEntry
}

// journalClose moves the symbol's active entry to closed and returns it
// with the analysis attached, ready for evaluation.
func (e *Executor) journalClose(accountID string, pos types.Position, exitPx, pnl float64, notes string) *types.TradeJournalEntry {
	active, err := e.journal.ListEntries(accountID, types.JournalActive, 0)
	if err != nil {
		e.logger.Warn("journal lookup failed", "err", err)
		return nil
	}
	for _, entry := range active {
		if entry.Symbol != pos.Symbol {
			continue
		}
		analysis := types.CloseAnalysis{
			ExitPx:    exitPx,
			PnL:       pnl,
			TargetHit: targetHit(entry, pos.Side, exitPx),
			Notes:     notes,
		}
		now := time.Now()
		if err := e.journal.CloseEntry(entry.ID, now, analysis); err != nil {
			e.logger.Warn("journal close failed", "entry", entry.ID, "err", err)
			return nil
		}
		entry.Status = types.JournalClosed
		entry.ClosedAt = &now
		entry.CloseAnalysis = &analysis
		return &entry
	}
	return nil
}

func (e *Executor) findPosition(accountID string, action types.Action) (types.Position, bool) {
	open, err := e.journal.OpenPositions(accountID)
	if err != nil {
		e.logger.Warn("position lookup failed", "err", err)
		return types.Position{}, false
	}
	for _, p := range open {
		if p.Symbol != action.Symbol {
			continue
		}
		if action.Side != "" && p.Side != action.Side {
			continue
		}
		return p, true
	}
	return types.Position{}, false
}

func (e *Executor) snapshot(ctx context.Context, v Venue, b Batch) {
	state, err := v.UserState(ctx, b.Address)
	if err != nil {
		e.logger.Warn("snapshot skipped, user state unavailable", "err", err)
		return
	}
	if err := e.journal.RecordSnapshot(types.PortfolioSnapshot{
		ID:              uuid.NewString(),
		AccountID:       b.AccountID,
		AccountValue:    state.AccountValue,
		TotalMarginUsed: state.TotalMarginUsed,
		PositionCount:   len(state.Positions),
	}); err != nil {
		e.logger.Warn("snapshot write failed", "err", err)
	}
}

func (e *Executor) recordOrder(b Batch, symbol string, req types.OrderRequest, result types.OrderResult) {
	side := types.SELL
	if req.IsBuy {
		side = types.BUY
	}
	price := req.LimitPx
	if result.AvgPx > 0 {
		price = result.AvgPx
	}
	if err := e.journal.RecordOrder(types.Order{
		ID:         uuid.NewString(),
		AccountID:  b.AccountID,
		StrategyID: b.StrategyID,
		Symbol:     symbol,
		Side:       side,
		Size:       req.Size,
		Price:      price,
		OrderType:  req.OrderType,
		ReduceOnly: req.ReduceOnly,
		VenueOID:   result.OID,
		Status:     result.Status,
	}); err != nil {
		e.logger.Warn("order record failed", "err", err)
	}
}

// marketBound prices an aggressive IOC sweep for a market-style entry. Zero
// when the book is unknown; the venue then runs an unbounded market order.
func (e *Executor) marketBound(symbol string, isBuy bool) float64 {
	mid, ok := e.prices.MidPrice(symbol)
	if !ok {
		return 0
	}
	if isBuy {
		return mid * (1 + closeSlippage)
	}
	return mid * (1 - closeSlippage)
}

// closeBound prefers the touch, falling back to mid, and pushes through it
// so an IOC close actually crosses.
func (e *Executor) closeBound(symbol string, closingLong bool) (float64, bool) {
	bid, ask, ok := e.prices.BestBidAsk(symbol)
	if !ok {
		mid, okMid := e.prices.MidPrice(symbol)
		if !okMid {
			return 0, false
		}
		bid, ask = mid, mid
	}
	if closingLong {
		return bid * (1 - closeSlippage), true
	}
	return ask * (1 + closeSlippage), true
}

func realizedPnL(pos types.Position, exitPx, size float64) float64 {
	if pos.Side == types.Short {
		return (pos.EntryPx - exitPx) * size
	}
	return (exitPx - pos.EntryPx) * size
}

func targetHit(entry types.TradeJournalEntry, side types.PositionSide, exitPx float64) bool {
	if entry.TakeProfit <= 0 {
		return false
	}
	if side == types.Short {
		return exitPx <= entry.TakeProfit
	}
	return exitPx >= entry.TakeProfit
}

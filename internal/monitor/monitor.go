// Package monitor owns the per-account control loops. Each approved account
// with a non-zero monitoring frequency gets a handle bundling its trigger
// supervisors, the reasoning invocation, and a cancellation primitive; the
// loop wakes on trigger fires or on the safety heartbeat and pipes resulting
// actions through the executor when the account runs in active mode.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hyperagent/internal/executor"
	"hyperagent/internal/indicator"
	"hyperagent/internal/reasoning"
	"hyperagent/internal/trigger"
	"hyperagent/pkg/types"
)

// Venue is the account-scoped venue surface a tick reads and trades through.
type Venue interface {
	executor.Venue
	Positions(ctx context.Context, address string) ([]types.VenuePosition, error)
	OpenOrders(ctx context.Context, address string) ([]types.VenueOrder, error)
	CancelOrder(ctx context.Context, symbol string, oid int64) error
}

// VenueFactory resolves an account's signed venue client from its stored
// credentials.
type VenueFactory func(accountID string) (Venue, error)

// Store is the journal surface the monitor needs.
type Store interface {
	GetAccount(id string) (types.Account, error)
	ListActiveAccounts() ([]types.Account, error)
	ListStrategies(accountID string, activeOnly bool) ([]types.Strategy, error)
	OpenPositions(accountID string) ([]types.Position, error)
	ActiveLearnings(accountID string) ([]types.LearningRecord, error)
	RecordMonitoringLog(types.MonitoringLog) error
	LastMonitoringLog(accountID string) (types.MonitoringLog, error)
}

// Reasoner is the router's invocation surface.
type Reasoner interface {
	Invoke(ctx context.Context, accountID string, req reasoning.Request, preferred string) (reasoning.Result, error)
}

// Runner executes an action batch.
type Runner interface {
	Execute(ctx context.Context, v executor.Venue, b executor.Batch) []executor.Outcome
}

// Manual prompt limits.
const (
	MaxScreenshots     = 5
	MaxScreenshotBytes = 5 << 20
)

const wakeQueueSize = 16

const systemPrompt = `You are an autonomous perpetual-futures trading agent.
Decide on at most a handful of actions given the account state, indicator
summary, and trigger events provided. Respond with ONLY a single valid JSON
object of the shape:
{"interpretation": string, "actions": [{"kind": "buy|sell|hold|close",
"symbol": string, "side": "long|short", "size": number, "leverage": number,
"reasoning": string, "expectedEntry": number, "stopLoss": number,
"takeProfit": number}], "riskManagement": string, "expectedOutcome": string}`

// handle is one account's running loop.
type handle struct {
	interval time.Duration
	wakeCh   chan trigger.Wake
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager starts, stops, and restores the per-account loops.
type Manager struct {
	store    Store
	venues   VenueFactory
	reasoner Reasoner
	runner   Runner
	snap     trigger.SnapshotFunc
	poll     time.Duration // supervisor sampling cadence
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle

	wg sync.WaitGroup
}

func NewManager(store Store, venues VenueFactory, reasoner Reasoner, runner Runner, snap trigger.SnapshotFunc, poll time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		venues:   venues,
		reasoner: reasoner,
		runner:   runner,
		snap:     snap,
		poll:     poll,
		logger:   logger.With("component", "monitor"),
		handles:  make(map[string]*handle),
	}
}

// RestoreAll starts a monitor for every approved account with a non-zero
// frequency. Whether the first tick runs immediately is decided by how long
// ago the account's last monitoring log was written.
func (m *Manager) RestoreAll(ctx context.Context) error {
	accounts, err := m.store.ListActiveAccounts()
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, acct := range accounts {
		if acct.MonitoringMinutes <= 0 {
			continue
		}
		runNow := true
		if last, err := m.store.LastMonitoringLog(acct.ID); err == nil {
			elapsed := time.Since(last.CreatedAt)
			runNow = elapsed >= time.Duration(acct.MonitoringMinutes)*time.Minute
		}
		if err := m.Start(ctx, acct.ID, acct.MonitoringMinutes, runNow); err != nil {
			m.logger.Error("restore failed", "account", acct.ID, "err", err)
		}
	}
	return nil
}

// Start launches (or replaces) the account's loop. intervalMinutes <= 0
// suspends it.
func (m *Manager) Start(ctx context.Context, accountID string, intervalMinutes int, runImmediately bool) error {
	m.Stop(accountID)

	if intervalMinutes <= 0 {
		m.logger.Info("monitoring suspended", "account", accountID)
		return nil
	}

	acct, err := m.store.GetAccount(accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if acct.Verification != types.VerificationApproved {
		return fmt.Errorf("account %s is not approved: %w", accountID, types.ErrInvalidParams)
	}

	strategies, err := m.store.ListStrategies(accountID, true)
	if err != nil {
		return fmt.Errorf("list strategies: %w", err)
	}

	interval := time.Duration(intervalMinutes) * time.Minute
	loopCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		interval: interval,
		wakeCh:   make(chan trigger.Wake, wakeQueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var supervisors int
	for _, strat := range strategies {
		series, err := seriesFromConfig(strat.Config)
		if err != nil || series.Symbol == "" || len(series.Triggers) == 0 {
			continue
		}
		sup := trigger.NewSupervisor(trigger.Config{
			StrategyID:     strat.ID,
			Symbol:         series.Symbol,
			Interval:       series.Interval,
			Triggers:       series.Triggers,
			PollInterval:   m.poll,
			HeartbeatAfter: interval,
		}, m.snap, h.enqueue, m.logger)
		supervisors++

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = sup.Run(loopCtx)
		}()
	}

	m.mu.Lock()
	m.handles[accountID] = h
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLoop(loopCtx, accountID, h, supervisors == 0, runImmediately)
	}()

	m.logger.Info("monitoring started",
		"account", accountID, "interval", interval, "supervisors", supervisors)
	return nil
}

// Stop cancels the account's loop at its next suspension point and waits
// for an in-flight tick to finish.
func (m *Manager) Stop(accountID string) {
	m.mu.Lock()
	h, ok := m.handles[accountID]
	if ok {
		delete(m.handles, accountID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
}

// Restart replaces the loop with a new interval. The immediate-run decision
// follows the last monitoring log, same as startup restore.
func (m *Manager) Restart(ctx context.Context, accountID string, intervalMinutes int) error {
	runNow := true
	if last, err := m.store.LastMonitoringLog(accountID); err == nil {
		runNow = time.Since(last.CreatedAt) >= time.Duration(intervalMinutes)*time.Minute
	}
	return m.Start(ctx, accountID, intervalMinutes, runNow)
}

// Running reports whether the account currently has a loop.
func (m *Manager) Running(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[accountID]
	return ok
}

// StopAll shuts every loop down and waits for all goroutines.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
	m.wg.Wait()
}

func (h *handle) enqueue(w trigger.Wake) {
	select {
	case h.wakeCh <- w:
	default:
		// A loop mid-tick will pick up the next wake; dropping is safe.
	}
}

// runLoop is the account's control loop. With no trigger supervisors the
// fallback ticker keeps the heartbeat cadence alive.
func (m *Manager) runLoop(ctx context.Context, accountID string, h *handle, fallbackTicker, runImmediately bool) {
	defer close(h.done)

	var tickerCh <-chan time.Time
	if fallbackTicker {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tickerCh = ticker.C
	}

	if runImmediately {
		m.tick(ctx, accountID, trigger.Wake{Kind: trigger.WakeHeartbeat, At: time.Now()})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case w := <-h.wakeCh:
			m.tick(ctx, accountID, w)
		case <-tickerCh:
			m.tick(ctx, accountID, trigger.Wake{Kind: trigger.WakeHeartbeat, At: time.Now()})
		}
	}
}

// tick runs one full monitoring pass. Effects are applied before return;
// cancellation between network calls aborts cleanly without partial order
// state (the executor owns batch atomicity).
func (m *Manager) tick(ctx context.Context, accountID string, w trigger.Wake) {
	triggeredBy := "heartbeat"
	if w.Kind == trigger.WakeTrigger && len(w.Events) > 0 {
		triggeredBy = w.Events[0].TriggerID
	}

	outcome, err := m.runTick(ctx, accountID, w, "", nil)
	state := "completed"
	if err != nil {
		state = "failed"
		outcome = err.Error()
		if ctx.Err() == nil {
			m.logger.Error("monitoring tick failed", "account", accountID, "err", err)
		}
	}

	if logErr := m.store.RecordMonitoringLog(types.MonitoringLog{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		State:       state,
		TriggeredBy: triggeredBy,
		Outcome:     outcome,
	}); logErr != nil {
		m.logger.Error("monitoring log write failed", "account", accountID, "err", logErr)
	}
}

// SubmitPrompt runs a user-initiated pass with an optional prompt and
// screenshots, outside the scheduled loop.
func (m *Manager) SubmitPrompt(ctx context.Context, accountID, prompt string, images []reasoning.ImageAttachment) (string, error) {
	if len(images) > MaxScreenshots {
		return "", fmt.Errorf("at most %d screenshots: %w", MaxScreenshots, types.ErrInvalidParams)
	}
	for _, img := range images {
		// Base64 inflates by 4/3; compare against the decoded size.
		if len(img.Base64)/4*3 > MaxScreenshotBytes {
			return "", fmt.Errorf("screenshot exceeds %d bytes: %w", MaxScreenshotBytes, types.ErrInvalidParams)
		}
	}

	outcome, err := m.runTick(ctx, accountID, trigger.Wake{Kind: trigger.WakeHeartbeat, At: time.Now()}, prompt, images)
	state := "completed"
	if err != nil {
		state = "failed"
	}
	_ = m.store.RecordMonitoringLog(types.MonitoringLog{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		State:       state,
		TriggeredBy: "manual",
		Outcome:     outcome,
	})
	return outcome, err
}

// runTick assembles the context, invokes the reasoner, and dispatches the
// decision. Returns a short outcome line for the monitoring log.
func (m *Manager) runTick(ctx context.Context, accountID string, w trigger.Wake, userPrompt string, images []reasoning.ImageAttachment) (string, error) {
	acct, err := m.store.GetAccount(accountID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}

	venue, err := m.venues(accountID)
	if err != nil {
		return "", fmt.Errorf("venue client: %w", err)
	}

	assembled, strategyID, err := m.assembleContext(ctx, acct, venue, w)
	if err != nil {
		return "", err
	}

	prompt := userPrompt
	if prompt == "" {
		prompt = describeWake(w)
	}

	res, err := m.reasoner.Invoke(ctx, accountID, reasoning.Request{
		AccountID: accountID,
		System:    systemPrompt,
		Prompt:    prompt,
		Context:   assembled,
		Images:    images,
	}, "")
	if err != nil {
		return "", fmt.Errorf("reasoning: %w", err)
	}

	if acct.AgentMode != types.AgentActive {
		return fmt.Sprintf("passive: recorded plan with %d action(s): %s",
			len(res.Decision.Actions), res.Decision.Interpretation), nil
	}

	outcomes := m.runner.Execute(ctx, venue, executor.Batch{
		AccountID:  accountID,
		StrategyID: strategyID,
		Address:    acct.MainWalletAddress,
		Actions:    res.Decision.Actions,
	})
	return summarizeOutcomes(outcomes), nil
}

// assembleContext gathers venue state, indicator summary, trigger events,
// and active learnings into the prompt context block.
func (m *Manager) assembleContext(ctx context.Context, acct types.Account, venue Venue, w trigger.Wake) (string, string, error) {
	var b strings.Builder

	state, err := venue.UserState(ctx, acct.MainWalletAddress)
	if err != nil {
		return "", "", fmt.Errorf("user state: %w", err)
	}
	fmt.Fprintf(&b, "Account value: $%.2f, margin used: $%.2f, withdrawable: $%.2f\n",
		state.AccountValue, state.TotalMarginUsed, state.Withdrawable)

	positions, err := venue.Positions(ctx, acct.MainWalletAddress)
	if err != nil {
		return "", "", fmt.Errorf("positions: %w", err)
	}
	if len(positions) == 0 {
		b.WriteString("Open positions: none\n")
	} else {
		b.WriteString("Open positions:\n")
		for _, p := range positions {
			fmt.Fprintf(&b, "  %s szi=%.6f entry=%.4f lev=%dx uPnL=%.2f\n",
				p.Coin, p.Szi, p.EntryPx, p.Leverage, p.UnrealPnl)
		}
	}

	orders, err := venue.OpenOrders(ctx, acct.MainWalletAddress)
	if err != nil {
		return "", "", fmt.Errorf("open orders: %w", err)
	}
	if len(orders) > 0 {
		b.WriteString("Resting orders:\n")
		for _, o := range orders {
			fmt.Fprintf(&b, "  %s %s sz=%.6f px=%.4f reduceOnly=%v\n",
				o.Coin, o.Side, o.Sz, o.LimitPx, o.ReduceOnly)
		}
	}

	strategyID := w.StrategyID
	strategies, err := m.store.ListStrategies(acct.ID, true)
	if err == nil {
		for _, strat := range strategies {
			if strategyID == "" {
				strategyID = strat.ID
			}
			series, err := seriesFromConfig(strat.Config)
			if err != nil || series.Symbol == "" {
				continue
			}
			if snap, ok := m.snap(series.Symbol, series.Interval); ok {
				b.WriteString(indicatorSummary(series.Symbol, series.Interval, snap))
			}
		}
	}

	if len(w.Events) > 0 {
		b.WriteString("Trigger events:\n")
		for _, evt := range w.Events {
			fmt.Fprintf(&b, "  %s (value %.4f)\n", evt.Description, evt.Value)
		}
	}
	if len(w.Notes) > 0 {
		b.WriteString("Near-miss observations since last wake:\n")
		for _, n := range w.Notes {
			fmt.Fprintf(&b, "  %s approached its threshold (value %.4f)\n", n.TriggerID, n.Value)
		}
	}

	if learnings, err := m.store.ActiveLearnings(acct.ID); err == nil && len(learnings) > 0 {
		b.WriteString("Lessons from past trades (strongest first):\n")
		for i, r := range learnings {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "  - %s (confidence %.0f)\n", r.Text, r.EffectiveConfidence())
		}
	}

	return b.String(), strategyID, nil
}

func indicatorSummary(symbol, interval string, snap indicator.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Indicators %s %s (close %.4f, %d bars):", symbol, interval, snap.Close, snap.Bars)
	add := func(name string, v *float64) {
		if v != nil {
			fmt.Fprintf(&b, " %s=%.4f", name, *v)
		}
	}
	add("rsi", snap.RSI14)
	add("sma20", snap.SMA20)
	add("sma50", snap.SMA50)
	add("ema20", snap.EMA20)
	add("macd", snap.MACD)
	add("macd_sig", snap.MACDSignal)
	add("atr", snap.ATR14)
	add("bb_up", snap.BBUpper)
	add("bb_low", snap.BBLower)
	b.WriteByte('\n')
	return b.String()
}

func describeWake(w trigger.Wake) string {
	if w.Kind == trigger.WakeHeartbeat {
		return "Periodic check-in: no trigger fired. Review the account and decide whether any action is warranted. Prefer hold unless the context argues otherwise."
	}
	names := make([]string, 0, len(w.Events))
	for _, evt := range w.Events {
		names = append(names, evt.Description)
	}
	return fmt.Sprintf("Trigger condition(s) met on %s: %s. Decide how to act.",
		w.Symbol, strings.Join(names, "; "))
}

func summarizeOutcomes(outcomes []executor.Outcome) string {
	counts := make(map[executor.OutcomeStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return fmt.Sprintf("executed=%d skipped=%d noted=%d failed=%d",
		counts[executor.Executed], counts[executor.Skipped],
		counts[executor.Noted], counts[executor.Failed])
}

// strategySeries is the market-facing slice of a strategy's config.
type strategySeries struct {
	Symbol   string              `json:"symbol"`
	Interval string              `json:"interval"`
	Triggers []types.TriggerSpec `json:"triggers"`
}

func seriesFromConfig(cfg map[string]any) (strategySeries, error) {
	var s strategySeries
	raw, err := json.Marshal(cfg)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, err
	}
	if s.Interval == "" {
		s.Interval = "1h"
	}
	return s, nil
}

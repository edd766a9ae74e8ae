package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hyperagent/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

func (s *Store) RecordOrder(o types.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO orders (id, account_id, strategy_id, symbol, side, size, price,
			order_type, reduce_only, venue_oid, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.StrategyID, o.Symbol, o.Side, o.Size, o.Price,
		o.OrderType, o.ReduceOnly, o.VenueOID, o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	return nil
}

func (s *Store) OpenPosition(p types.Position) error {
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO positions (id, account_id, strategy_id, symbol, side, size, entry_px, leverage, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.StrategyID, p.Symbol, p.Side, p.Size, p.EntryPx, p.Leverage, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("open position: %w", err)
	}
	return nil
}

func (s *Store) ClosePosition(id string) error {
	res, err := s.db.Exec(`UPDATE positions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *Store) OpenPositions(accountID string) ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, strategy_id, symbol, side, size, entry_px, leverage, opened_at
		FROM positions WHERE account_id = ? AND closed_at IS NULL`, accountID)
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		if err := rows.Scan(&p.ID, &p.AccountID, &p.StrategyID, &p.Symbol, &p.Side,
			&p.Size, &p.EntryPx, &p.Leverage, &p.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio snapshots
// ————————————————————————————————————————————————————————————————————————

func (s *Store) RecordSnapshot(snap types.PortfolioSnapshot) error {
	if snap.Taken.IsZero() {
		snap.Taken = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO portfolio_snapshots (id, account_id, account_value, total_margin_used, position_count, taken_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.AccountID, snap.AccountValue, snap.TotalMarginUsed, snap.PositionCount, snap.Taken)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestSnapshot(accountID string) (types.PortfolioSnapshot, error) {
	var snap types.PortfolioSnapshot
	err := s.db.QueryRow(`
		SELECT id, account_id, account_value, total_margin_used, position_count, taken_at
		FROM portfolio_snapshots WHERE account_id = ?
		ORDER BY taken_at DESC LIMIT 1`, accountID).
		Scan(&snap.ID, &snap.AccountID, &snap.AccountValue, &snap.TotalMarginUsed,
			&snap.PositionCount, &snap.Taken)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PortfolioSnapshot{}, fmt.Errorf("snapshot: %w", types.ErrNotFound)
	}
	if err != nil {
		return types.PortfolioSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

// ————————————————————————————————————————————————————————————————————————
// Monitoring and AI usage logs
// ————————————————————————————————————————————————————————————————————————

func (s *Store) RecordMonitoringLog(l types.MonitoringLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO monitoring_logs (id, account_id, state, triggered_by, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.AccountID, l.State, l.TriggeredBy, l.Outcome, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("record monitoring log: %w", err)
	}
	return nil
}

// LastMonitoringLog drives the startup restore decision: how long since
// this account's loop last ran.
func (s *Store) LastMonitoringLog(accountID string) (types.MonitoringLog, error) {
	var l types.MonitoringLog
	err := s.db.QueryRow(`
		SELECT id, account_id, state, triggered_by, outcome, created_at
		FROM monitoring_logs WHERE account_id = ?
		ORDER BY created_at DESC LIMIT 1`, accountID).
		Scan(&l.ID, &l.AccountID, &l.State, &l.TriggeredBy, &l.Outcome, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MonitoringLog{}, fmt.Errorf("monitoring log: %w", types.ErrNotFound)
	}
	if err != nil {
		return types.MonitoringLog{}, fmt.Errorf("last monitoring log: %w", err)
	}
	return l, nil
}

func (s *Store) RecordAiUsage(l types.AiUsageLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO ai_usage_logs (id, account_id, provider, model, prompt_tokens,
			completion_tokens, estimated_cost, success, user_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.AccountID, l.Provider, l.Model, l.PromptTokens,
		l.CompletionTokens, l.EstimatedCost, l.Success, l.UserPrompt, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("record ai usage: %w", err)
	}
	return nil
}

// UsageTotals sums cost and tokens for an account since a cutoff.
func (s *Store) UsageTotals(accountID string, since time.Time) (cost float64, tokens int, err error) {
	err = s.db.QueryRow(`
		SELECT COALESCE(SUM(estimated_cost), 0), COALESCE(SUM(prompt_tokens + completion_tokens), 0)
		FROM ai_usage_logs WHERE account_id = ? AND created_at >= ?`,
		accountID, since).Scan(&cost, &tokens)
	if err != nil {
		return 0, 0, fmt.Errorf("usage totals: %w", err)
	}
	return cost, tokens, nil
}

package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hyperagent/pkg/types"
)

// The trade-journal lifecycle is planned → active → closed, enforced here:
// each transition's UPDATE is guarded by the current status, so an
// out-of-order call affects zero rows and is rejected.

// CreateEntry records a planned trade idea.
func (s *Store) CreateEntry(e types.TradeJournalEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO trade_journal (id, account_id, strategy_id, symbol, status,
			entry_reasoning, expectations, planned_entry_px, stop_loss, take_profit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.StrategyID, e.Symbol, types.JournalPlanned,
		e.EntryReasoning, e.Expectations, e.PlannedEntryPx, e.StopLoss, e.TakeProfit, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create journal entry: %w", err)
	}
	return nil
}

// ActivateEntry transitions planned → active once the entry order fills.
func (s *Store) ActivateEntry(id string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE trade_journal SET status = ?, activated_at = ?
		WHERE id = ? AND status = ?`,
		types.JournalActive, at, id, types.JournalPlanned)
	if err != nil {
		return fmt.Errorf("activate journal entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s is not planned: %w", id, types.ErrInvalidParams)
	}
	return nil
}

// CloseEntry transitions active → closed and attaches the close analysis.
func (s *Store) CloseEntry(id string, at time.Time, analysis types.CloseAnalysis) error {
	res, err := s.db.Exec(`
		UPDATE trade_journal SET status = ?, closed_at = ?,
			exit_px = ?, pnl = ?, target_hit = ?, close_notes = ?
		WHERE id = ? AND status = ?`,
		types.JournalClosed, at,
		analysis.ExitPx, analysis.PnL, analysis.TargetHit, analysis.Notes,
		id, types.JournalActive)
	if err != nil {
		return fmt.Errorf("close journal entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s is not active: %w", id, types.ErrInvalidParams)
	}
	return nil
}

// CancelEntry discards a planned idea that never filled.
func (s *Store) CancelEntry(id string, at time.Time, reason string) error {
	res, err := s.db.Exec(`
		UPDATE trade_journal SET status = ?, closed_at = ?, close_notes = ?
		WHERE id = ? AND status = ?`,
		types.JournalClosed, at, reason, id, types.JournalPlanned)
	if err != nil {
		return fmt.Errorf("cancel journal entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s is not planned: %w", id, types.ErrInvalidParams)
	}
	return nil
}

func (s *Store) GetEntry(id string) (types.TradeJournalEntry, error) {
	row := s.db.QueryRow(entrySelect+` WHERE id = ?`, id)
	return scanEntry(row)
}

// ListEntries returns an account's entries, optionally filtered by status,
// newest first.
func (s *Store) ListEntries(accountID string, status types.JournalStatus, limit int) ([]types.TradeJournalEntry, error) {
	q := entrySelect + ` WHERE account_id = ?`
	args := []any{accountID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	var out []types.TradeJournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const entrySelect = `
	SELECT id, account_id, strategy_id, symbol, status, entry_reasoning, expectations,
		planned_entry_px, stop_loss, take_profit, created_at, activated_at, closed_at,
		exit_px, pnl, target_hit, close_notes
	FROM trade_journal`

func scanEntry(row rowScanner) (types.TradeJournalEntry, error) {
	var e types.TradeJournalEntry
	var activated, closed sql.NullTime
	var exitPx, pnl sql.NullFloat64
	var targetHit sql.NullBool
	var notes sql.NullString

	err := row.Scan(&e.ID, &e.AccountID, &e.StrategyID, &e.Symbol, &e.Status,
		&e.EntryReasoning, &e.Expectations, &e.PlannedEntryPx, &e.StopLoss, &e.TakeProfit,
		&e.CreatedAt, &activated, &closed, &exitPx, &pnl, &targetHit, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TradeJournalEntry{}, fmt.Errorf("journal entry: %w", types.ErrNotFound)
	}
	if err != nil {
		return types.TradeJournalEntry{}, fmt.Errorf("scan journal entry: %w", err)
	}

	if activated.Valid {
		e.ActivatedAt = &activated.Time
	}
	if closed.Valid {
		e.ClosedAt = &closed.Time
	}
	if e.Status == types.JournalClosed && exitPx.Valid {
		e.CloseAnalysis = &types.CloseAnalysis{
			ExitPx:    exitPx.Float64,
			PnL:       pnl.Float64,
			TargetHit: targetHit.Bool,
			Notes:     notes.String,
		}
	}
	return e, nil
}

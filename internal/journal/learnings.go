package journal

import (
	"fmt"
	"time"

	"hyperagent/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Trade evaluations
// ————————————————————————————————————————————————————————————————————————

func (s *Store) RecordEvaluation(e types.TradeEvaluation) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO trade_evaluations (id, account_id, journal_id, pnl, target_hit, regime, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.JournalID, e.PnL, e.TargetHit, e.Regime, e.Score, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	return nil
}

func (s *Store) ListEvaluations(accountID string, since time.Time) ([]types.TradeEvaluation, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, journal_id, pnl, target_hit, regime, score, created_at
		FROM trade_evaluations WHERE account_id = ? AND created_at >= ?
		ORDER BY created_at`, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []types.TradeEvaluation
	for rows.Next() {
		var e types.TradeEvaluation
		if err := rows.Scan(&e.ID, &e.AccountID, &e.JournalID, &e.PnL, &e.TargetHit,
			&e.Regime, &e.Score, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Learning records
// ————————————————————————————————————————————————————————————————————————

func (s *Store) InsertLearning(r types.LearningRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO learning_records (id, account_id, category, subcategory, text,
			sample_size, confidence_score, decay_weight, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AccountID, r.Category, r.Subcategory, r.Text,
		r.SampleSize, r.ConfidenceScore, r.DecayWeight, r.Active, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert learning: %w", err)
	}
	return nil
}

// UpdateLearning rewrites the mutable aggregation fields of a record.
func (s *Store) UpdateLearning(r types.LearningRecord) error {
	res, err := s.db.Exec(`
		UPDATE learning_records SET sample_size = ?, confidence_score = ?,
			decay_weight = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		r.SampleSize, r.ConfidenceScore, r.DecayWeight, r.Active, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update learning: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("learning %s: %w", r.ID, types.ErrNotFound)
	}
	return nil
}

// DeleteLearning removes a record outright; used when duplicates are
// consolidated into the largest-sample survivor.
func (s *Store) DeleteLearning(id string) error {
	_, err := s.db.Exec(`DELETE FROM learning_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete learning: %w", err)
	}
	return nil
}

// ActiveLearnings returns an account's live lessons, strongest first.
func (s *Store) ActiveLearnings(accountID string) ([]types.LearningRecord, error) {
	return s.queryLearnings(`
		SELECT id, account_id, category, subcategory, text, sample_size,
			confidence_score, decay_weight, active, updated_at
		FROM learning_records WHERE account_id = ? AND active = 1
		ORDER BY confidence_score * decay_weight DESC`, accountID)
}

// AllActiveLearnings feeds the nightly decay pass across every account.
func (s *Store) AllActiveLearnings() ([]types.LearningRecord, error) {
	return s.queryLearnings(`
		SELECT id, account_id, category, subcategory, text, sample_size,
			confidence_score, decay_weight, active, updated_at
		FROM learning_records WHERE active = 1`)
}

func (s *Store) queryLearnings(q string, args ...any) ([]types.LearningRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query learnings: %w", err)
	}
	defer rows.Close()

	var out []types.LearningRecord
	for rows.Next() {
		var r types.LearningRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Category, &r.Subcategory, &r.Text,
			&r.SampleSize, &r.ConfidenceScore, &r.DecayWeight, &r.Active, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

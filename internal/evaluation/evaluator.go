// Package evaluation scores closed trades, classifies the market regime
// they ran in, and maintains the decaying learning records that feed back
// into the reasoning prompt.
package evaluation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"hyperagent/pkg/types"
)

// Store is the journal surface the evaluation pipeline reads and writes.
type Store interface {
	RecordEvaluation(types.TradeEvaluation) error
	ListEvaluations(accountID string, since time.Time) ([]types.TradeEvaluation, error)
	InsertLearning(types.LearningRecord) error
	UpdateLearning(types.LearningRecord) error
	DeleteLearning(id string) error
	ActiveLearnings(accountID string) ([]types.LearningRecord, error)
	AllActiveLearnings() ([]types.LearningRecord, error)
}

// CandleSource returns recent closes for a symbol, oldest first. The
// monitor wires this to the indicator engine's candle window.
type CandleSource func(symbol string) []float64

// Regime thresholds: per-bar return dispersion above volatileStdDev wins
// over trend; a normalized slope steeper than trendSlope per bar is a trend.
const (
	volatileStdDev = 0.02
	trendSlope     = 0.001
)

// Evaluator handles the per-close path.
type Evaluator struct {
	store   Store
	candles CandleSource
	logger  *slog.Logger
}

func NewEvaluator(store Store, candles CandleSource, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: store, candles: candles, logger: logger.With("component", "evaluation")}
}

// OnTradeClosed scores one closed entry and folds it into the account's
// learning records. Plugs into the executor's close hook.
func (e *Evaluator) OnTradeClosed(accountID string, entry types.TradeJournalEntry) {
	if entry.CloseAnalysis == nil {
		return
	}
	if err := e.Evaluate(accountID, entry); err != nil {
		e.logger.Warn("trade evaluation failed", "entry", entry.ID, "err", err)
	}
}

// Evaluate persists a TradeEvaluation and synthesizes or reinforces the
// matching learning record.
func (e *Evaluator) Evaluate(accountID string, entry types.TradeJournalEntry) error {
	analysis := entry.CloseAnalysis
	if analysis == nil {
		return fmt.Errorf("entry %s has no close analysis: %w", entry.ID, types.ErrInvalidParams)
	}

	var closes []float64
	if e.candles != nil {
		closes = e.candles(entry.Symbol)
	}
	regime := ClassifyRegime(closes)
	score := scoreTrade(analysis.PnL, analysis.TargetHit)

	if err := e.store.RecordEvaluation(types.TradeEvaluation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		JournalID: entry.ID,
		PnL:       analysis.PnL,
		TargetHit: analysis.TargetHit,
		Regime:    regime,
		Score:     score,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}

	return e.reinforce(accountID, string(regime), entry.Symbol, analysis.PnL > 0)
}

// reinforce increments the learning record keyed by category+subcategory,
// creating it on first contact. A touch resets decay to full weight.
func (e *Evaluator) reinforce(accountID, category, subcategory string, win bool) error {
	learnings, err := e.store.ActiveLearnings(accountID)
	if err != nil {
		return fmt.Errorf("load learnings: %w", err)
	}

	for _, r := range learnings {
		if r.Category != category || r.Subcategory != subcategory {
			continue
		}
		r.SampleSize++
		if win {
			r.ConfidenceScore += 5
		} else {
			r.ConfidenceScore -= 5
		}
		r.ConfidenceScore = clamp(r.ConfidenceScore, 0, 100)
		r.DecayWeight = 1.0
		r.UpdatedAt = time.Now()
		return e.store.UpdateLearning(r)
	}

	confidence := 45.0
	verdict := "losing"
	if win {
		confidence = 55.0
		verdict = "winning"
	}
	return e.store.InsertLearning(types.LearningRecord{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Category:        category,
		Subcategory:     subcategory,
		Text:            fmt.Sprintf("%s trades in a %s regime started out %s", subcategory, category, verdict),
		SampleSize:      1,
		ConfidenceScore: confidence,
		DecayWeight:     1.0,
		Active:          true,
		UpdatedAt:       time.Now(),
	})
}

// ClassifyRegime buckets recent price action: dispersion first, then trend
// slope normalized by price level.
func ClassifyRegime(closes []float64) types.Regime {
	if len(closes) < 3 {
		return types.RegimeNeutral
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(returns) < 2 {
		return types.RegimeNeutral
	}
	if stat.StdDev(returns, nil) > volatileStdDev {
		return types.RegimeVolatile
	}

	xs := make([]float64, len(closes))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, closes, nil, false)
	level := stat.Mean(closes, nil)
	if level == 0 {
		return types.RegimeNeutral
	}
	switch slope := beta / level; {
	case slope > trendSlope:
		return types.RegimeBullish
	case slope < -trendSlope:
		return types.RegimeBearish
	default:
		return types.RegimeNeutral
	}
}

// scoreTrade maps outcome to a 0–100 score: direction dominates, hitting
// the stated target adds conviction.
func scoreTrade(pnl float64, targetHit bool) float64 {
	score := 50.0
	switch {
	case pnl > 0:
		score += 25
	case pnl < 0:
		score -= 25
	}
	if targetHit {
		score += 15
	}
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

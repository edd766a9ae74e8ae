package evaluation

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"hyperagent/pkg/types"
)

// Accounts lists the accounts the daily run covers.
type Accounts interface {
	ListActiveAccounts() ([]types.Account, error)
}

const (
	decayHalfLifeDays = 30.0
	minDecayWeight    = 0.001
	archiveThreshold  = 20.0 // effective confidence floor
	lookbackDays      = 30
)

// RegimeStats is one regime's slice of the daily aggregate.
type RegimeStats struct {
	Regime  types.Regime
	Count   int
	WinRate float64
	AvgPnL  float64
	Sharpe  float64 // annualized, √252
}

// Aggregator runs the scheduled learning maintenance.
type Aggregator struct {
	store    Store
	accounts Accounts
	logger   *slog.Logger

	now func() time.Time // test hook
}

func NewAggregator(store Store, accounts Accounts, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		accounts: accounts,
		logger:   logger.With("component", "aggregation"),
		now:      time.Now,
	}
}

// RunAll executes the daily pass for every active account. Cron entry point.
func (a *Aggregator) RunAll() error {
	accounts, err := a.accounts.ListActiveAccounts()
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, acct := range accounts {
		if err := a.RunAccount(acct.ID); err != nil {
			a.logger.Error("daily aggregation failed", "account", acct.ID, "err", err)
		}
	}
	return nil
}

// RunAccount decays, archives, aggregates, and consolidates one account's
// learnings.
func (a *Aggregator) RunAccount(accountID string) error {
	if err := a.decayAndArchive(accountID); err != nil {
		return err
	}

	statsByRegime, err := a.regimeAggregates(accountID)
	if err != nil {
		return err
	}
	for _, rs := range statsByRegime {
		a.logger.Info("regime aggregate",
			"account", accountID, "regime", rs.Regime, "count", rs.Count,
			"win_rate", rs.WinRate, "avg_pnl", rs.AvgPnL, "sharpe", rs.Sharpe)
	}

	return a.consolidate(accountID)
}

// decayAndArchive applies exponential decay since the last touch, then
// archives records whose effective confidence fell under the floor.
// UpdatedAt always advances to now so a rerun cannot double-decay.
func (a *Aggregator) decayAndArchive(accountID string) error {
	learnings, err := a.store.ActiveLearnings(accountID)
	if err != nil {
		return fmt.Errorf("load learnings: %w", err)
	}
	now := a.now()

	for _, r := range learnings {
		days := now.Sub(r.UpdatedAt).Hours() / 24
		if days < 0 {
			// Clock skew: never let a future timestamp inflate the record.
			r.DecayWeight = 1.0
		} else {
			r.DecayWeight = clamp(r.DecayWeight*math.Exp(-days/decayHalfLifeDays), minDecayWeight, 1.0)
		}
		r.UpdatedAt = now

		if r.EffectiveConfidence() < archiveThreshold {
			r.Active = false
			a.logger.Info("learning archived",
				"account", accountID, "learning", r.ID,
				"effective", r.EffectiveConfidence())
		}
		if err := a.store.UpdateLearning(r); err != nil {
			return fmt.Errorf("update learning %s: %w", r.ID, err)
		}
	}
	return nil
}

func (a *Aggregator) regimeAggregates(accountID string) ([]RegimeStats, error) {
	since := a.now().AddDate(0, 0, -lookbackDays)
	evals, err := a.store.ListEvaluations(accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}

	pnls := make(map[types.Regime][]float64)
	wins := make(map[types.Regime]int)
	for _, ev := range evals {
		pnls[ev.Regime] = append(pnls[ev.Regime], ev.PnL)
		if ev.PnL > 0 {
			wins[ev.Regime]++
		}
	}

	var out []RegimeStats
	for regime, series := range pnls {
		rs := RegimeStats{
			Regime:  regime,
			Count:   len(series),
			WinRate: float64(wins[regime]) / float64(len(series)),
			AvgPnL:  stat.Mean(series, nil),
		}
		if len(series) >= 2 {
			if sd := stat.StdDev(series, nil); sd > 0 {
				rs.Sharpe = rs.AvgPnL / sd * math.Sqrt(252)
			}
		}
		out = append(out, rs)
	}
	return out, nil
}

// consolidate keeps the largest-sample record in each category+subcategory
// bucket. Displaced records with a real sample are archived; one-off stubs
// are deleted.
func (a *Aggregator) consolidate(accountID string) error {
	learnings, err := a.store.ActiveLearnings(accountID)
	if err != nil {
		return fmt.Errorf("load learnings: %w", err)
	}

	best := make(map[string]types.LearningRecord)
	for _, r := range learnings {
		key := r.Category + "|" + r.Subcategory
		cur, seen := best[key]
		if !seen || r.SampleSize > cur.SampleSize {
			best[key] = r
		}
	}

	for _, r := range learnings {
		key := r.Category + "|" + r.Subcategory
		if best[key].ID == r.ID {
			continue
		}
		if r.SampleSize <= 1 {
			if err := a.store.DeleteLearning(r.ID); err != nil {
				return fmt.Errorf("delete learning %s: %w", r.ID, err)
			}
			continue
		}
		r.Active = false
		r.UpdatedAt = a.now()
		if err := a.store.UpdateLearning(r); err != nil {
			return fmt.Errorf("archive learning %s: %w", r.ID, err)
		}
	}
	return nil
}

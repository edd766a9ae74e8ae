// Package portfolio aggregates exposure across an account's concurrent
// strategies and gates order flow: every action passes the admission
// predicate before the executor touches the venue.
package portfolio

import (
	"fmt"
	"log/slog"

	"hyperagent/pkg/types"
)

// Store is the slice of the journal the manager reads.
type Store interface {
	GetStrategy(id string) (types.Strategy, error)
	ListStrategies(accountID string, activeOnly bool) ([]types.Strategy, error)
	OpenPositions(accountID string) ([]types.Position, error)
}

// Admission is the result of one canExecute check. A rejection carries a
// human-readable reason that the executor records as the skip outcome.
type Admission struct {
	Allowed bool
	Reason  string
}

// Severity ranks a detected conflict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Conflict kinds.
const (
	ConflictOpposing      = "opposing_positions"
	ConflictConcentration = "over_concentration"
	ConflictCorrelated    = "correlated_risk"
)

// Conflict is one detected portfolio-level inconsistency.
type Conflict struct {
	Kind     string
	Symbol   string
	Severity Severity
	Detail   string
}

// Health is the rolled-up portfolio state.
type Health string

const (
	Healthy  Health = "healthy"
	Warning  Health = "warning"
	Critical Health = "critical"
)

// StrategyStatus reports one strategy's slice of the portfolio.
type StrategyStatus struct {
	ID               string
	Name             string
	Active           bool
	AllocatedPercent float64
	AllocatedCapital float64 // totalCapital × allocated%
	MarginUsed       float64
	Headroom         float64 // allocated capital minus margin used, floored at 0
	OpenPositions    int
	DailyLoss        float64
	DailyLossLimit   float64
}

// Status is the aggregate portfolio report.
type Status struct {
	TotalMarginUsed float64
	UtilizationPct  float64            // margin used / total capital
	NetExposure     map[string]float64 // per-symbol signed notional
	Strategies      []StrategyStatus
	Conflicts       []Conflict
	Health          Health
}

const (
	utilizationWarn     = 70.0
	utilizationCritical = 85.0
	concentrationMedium = 40.0 // percent of gross notional in one symbol
	concentrationHigh   = 60.0
	hedgedMedium        = 50.0 // percent of the larger leg hedged by the smaller
	hedgedHigh          = 80.0
)

// Manager answers admission and status queries. Stateless between calls;
// every answer is computed from the journal's current projections.
type Manager struct {
	store  Store
	logger *slog.Logger
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger.With("component", "portfolio")}
}

// CanExecute is the admission predicate run before every order. The error
// return is for infrastructure failures only; a policy rejection comes back
// as Allowed=false with a reason.
func (m *Manager) CanExecute(accountID, strategyID string, leverage int) (Admission, error) {
	strat, err := m.store.GetStrategy(strategyID)
	if err != nil {
		return Admission{}, fmt.Errorf("load strategy: %w", err)
	}
	if strat.AccountID != accountID {
		return Admission{Reason: "Strategy belongs to a different account"}, nil
	}
	if !strat.Active {
		return Admission{Reason: "Strategy is not active"}, nil
	}
	if leverage > strat.MaxLeverage {
		return Admission{Reason: fmt.Sprintf("Leverage %dx exceeds strategy max %dx",
			leverage, strat.MaxLeverage)}, nil
	}

	open, err := m.store.OpenPositions(accountID)
	if err != nil {
		return Admission{}, fmt.Errorf("load positions: %w", err)
	}
	var held int
	for _, p := range open {
		if p.StrategyID == strategyID {
			held++
		}
	}
	if held >= strat.MaxPositions {
		return Admission{Reason: fmt.Sprintf("Max positions (%d) reached", strat.MaxPositions)}, nil
	}

	if strat.DailyLossLimit > 0 && strat.CurrentDailyLoss >= strat.DailyLossLimit {
		return Admission{Reason: fmt.Sprintf("Daily loss limit reached ($%.2f of $%.2f)",
			strat.CurrentDailyLoss, strat.DailyLossLimit)}, nil
	}

	return Admission{Allowed: true}, nil
}

// Status builds the aggregate report. totalCapital is the venue account
// value; margin per position is approximated as notional / leverage from
// the local projection.
func (m *Manager) Status(accountID string, totalCapital float64) (Status, error) {
	strategies, err := m.store.ListStrategies(accountID, false)
	if err != nil {
		return Status{}, fmt.Errorf("list strategies: %w", err)
	}
	open, err := m.store.OpenPositions(accountID)
	if err != nil {
		return Status{}, fmt.Errorf("load positions: %w", err)
	}

	st := Status{NetExposure: make(map[string]float64)}

	marginByStrategy := make(map[string]float64)
	countByStrategy := make(map[string]int)
	longBySymbol := make(map[string]float64)
	shortBySymbol := make(map[string]float64)
	var grossNotional float64

	for _, p := range open {
		notional := p.Size * p.EntryPx
		grossNotional += notional

		margin := notional
		if p.Leverage > 0 {
			margin = notional / float64(p.Leverage)
		}
		st.TotalMarginUsed += margin
		marginByStrategy[p.StrategyID] += margin
		countByStrategy[p.StrategyID]++

		if p.Side == types.Short {
			st.NetExposure[p.Symbol] -= notional
			shortBySymbol[p.Symbol] += notional
		} else {
			st.NetExposure[p.Symbol] += notional
			longBySymbol[p.Symbol] += notional
		}
	}

	if totalCapital > 0 {
		st.UtilizationPct = st.TotalMarginUsed / totalCapital * 100
	}

	for _, strat := range strategies {
		used := marginByStrategy[strat.ID]
		allocated := totalCapital * strat.AllocatedPercent / 100
		headroom := allocated - used
		if headroom < 0 {
			headroom = 0
		}
		st.Strategies = append(st.Strategies, StrategyStatus{
			ID:               strat.ID,
			Name:             strat.Name,
			Active:           strat.Active,
			AllocatedPercent: strat.AllocatedPercent,
			AllocatedCapital: allocated,
			MarginUsed:       used,
			Headroom:         headroom,
			OpenPositions:    countByStrategy[strat.ID],
			DailyLoss:        strat.CurrentDailyLoss,
			DailyLossLimit:   strat.DailyLossLimit,
		})
	}

	st.Conflicts = detectConflicts(strategies, longBySymbol, shortBySymbol, grossNotional)
	st.Health = rollupHealth(st.UtilizationPct, st.Conflicts)

	if st.Health != Healthy {
		m.logger.Warn("portfolio degraded",
			"account", accountID,
			"health", st.Health,
			"utilization_pct", st.UtilizationPct,
			"conflicts", len(st.Conflicts))
	}
	return st, nil
}

func detectConflicts(strategies []types.Strategy, long, short map[string]float64, gross float64) []Conflict {
	var out []Conflict

	for symbol, l := range long {
		s, ok := short[symbol]
		if !ok || l <= 0 {
			continue
		}
		larger, smaller := l, s
		if s > l {
			larger, smaller = s, l
		}
		hedgedPct := smaller / larger * 100
		sev := SeverityLow
		switch {
		case hedgedPct >= hedgedHigh:
			sev = SeverityHigh
		case hedgedPct >= hedgedMedium:
			sev = SeverityMedium
		}
		out = append(out, Conflict{
			Kind:     ConflictOpposing,
			Symbol:   symbol,
			Severity: sev,
			Detail:   fmt.Sprintf("long and short legs open, %.0f%% hedged", hedgedPct),
		})
	}

	if gross > 0 {
		for symbol := range long {
			checkConcentration(&out, symbol, long[symbol]+short[symbol], gross)
		}
		for symbol := range short {
			if _, seen := long[symbol]; seen {
				continue // already checked above
			}
			checkConcentration(&out, symbol, short[symbol], gross)
		}
	}

	for _, strat := range strategies {
		if strat.Active && strat.DailyLossLimit > 0 && strat.CurrentDailyLoss >= strat.DailyLossLimit {
			out = append(out, Conflict{
				Kind:     ConflictCorrelated,
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("strategy %q breached its daily loss limit", strat.Name),
			})
		}
	}
	return out
}

func checkConcentration(out *[]Conflict, symbol string, notional, gross float64) {
	pct := notional / gross * 100
	if pct <= concentrationMedium {
		return
	}
	sev := SeverityMedium
	if pct > concentrationHigh {
		sev = SeverityHigh
	}
	*out = append(*out, Conflict{
		Kind:     ConflictConcentration,
		Symbol:   symbol,
		Severity: sev,
		Detail:   fmt.Sprintf("%.0f%% of gross exposure in one symbol", pct),
	})
}

func rollupHealth(utilizationPct float64, conflicts []Conflict) Health {
	worst := Healthy
	for _, c := range conflicts {
		switch c.Severity {
		case SeverityCritical:
			return Critical
		case SeverityHigh, SeverityMedium:
			worst = Warning
		}
	}
	if utilizationPct >= utilizationCritical {
		return Critical
	}
	if utilizationPct >= utilizationWarn {
		return Warning
	}
	return worst
}

package trigger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"hyperagent/internal/indicator"
	"hyperagent/pkg/types"
)

const (
	defaultPollInterval   = 10 * time.Second
	defaultHeartbeatAfter = 30 * time.Minute
)

// WakeKind separates trigger-driven wakes from the safety heartbeat.
type WakeKind string

const (
	WakeTrigger   WakeKind = "trigger"
	WakeHeartbeat WakeKind = "heartbeat"
)

// Wake is the signal handed to the monitoring loop. Events holds every
// trigger that fired in the same tick so the reasoning prompt can carry
// them jointly; Notes holds near-miss observations accumulated since the
// previous wake.
type Wake struct {
	StrategyID string
	Symbol     string
	Kind       WakeKind
	Events     []Event
	Notes      []Event
	At         time.Time
}

// SnapshotFunc resolves the latest indicator snapshot for a series.
type SnapshotFunc func(symbol, interval string) (indicator.Snapshot, bool)

// Config wires one supervisor to its strategy's trigger set.
type Config struct {
	StrategyID     string
	Symbol         string
	Interval       string
	Triggers       []types.TriggerSpec
	PollInterval   time.Duration
	HeartbeatAfter time.Duration
}

// Supervisor polls indicator values on its own 10-second tick, steps every
// machine, and invokes the wake callback on fires and heartbeats. All state
// is owned by the Run goroutine.
type Supervisor struct {
	cfg      Config
	snap     SnapshotFunc
	wake     func(Wake)
	machines []*Machine
	lastWake time.Time
	notes    []Event
	logger   *slog.Logger
}

func NewSupervisor(cfg Config, snap SnapshotFunc, wake func(Wake), logger *slog.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatAfter <= 0 {
		cfg.HeartbeatAfter = defaultHeartbeatAfter
	}

	machines := make([]*Machine, 0, len(cfg.Triggers))
	for _, spec := range cfg.Triggers {
		machines = append(machines, NewMachine(spec))
	}

	return &Supervisor{
		cfg:      cfg,
		snap:     snap,
		wake:     wake,
		machines: machines,
		logger: logger.With(
			"component", "trigger",
			"strategy", cfg.StrategyID,
			"symbol", cfg.Symbol,
		),
	}
}

// Run polls until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.lastWake = time.Now()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("supervisor started",
		"triggers", len(s.machines),
		"poll", s.cfg.PollInterval,
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Supervisor) tick(now time.Time) {
	snap, ok := s.snap(s.cfg.Symbol, s.cfg.Interval)

	var fires []Event
	if ok {
		for _, m := range s.machines {
			value, resolved := resolveIndicator(snap, m.spec)
			if !resolved {
				continue // below lookback or unknown indicator
			}
			evt := m.Step(value, now)
			if evt == nil {
				continue
			}
			switch evt.Kind {
			case EventFire:
				fires = append(fires, *evt)
			case EventNearMiss:
				s.notes = append(s.notes, *evt)
				s.logger.Debug("near miss", "trigger", evt.TriggerID, "value", evt.Value)
			}
		}
	}

	if len(fires) > 0 {
		s.logger.Info("triggers fired", "count", len(fires))
		s.emit(Wake{
			StrategyID: s.cfg.StrategyID,
			Symbol:     s.cfg.Symbol,
			Kind:       WakeTrigger,
			Events:     fires,
			At:         now,
		})
		return
	}

	// Liveness: a plateaued market must still produce a periodic check-in.
	if now.Sub(s.lastWake) >= s.cfg.HeartbeatAfter {
		s.logger.Info("heartbeat wake", "idle", now.Sub(s.lastWake))
		s.emit(Wake{
			StrategyID: s.cfg.StrategyID,
			Symbol:     s.cfg.Symbol,
			Kind:       WakeHeartbeat,
			At:         now,
		})
	}
}

func (s *Supervisor) emit(w Wake) {
	w.Notes = s.notes
	s.notes = nil
	s.lastWake = w.At
	s.wake(w)
}

// resolveIndicator maps a trigger spec onto the snapshot field it watches.
func resolveIndicator(snap indicator.Snapshot, spec types.TriggerSpec) (float64, bool) {
	deref := func(p *float64) (float64, bool) {
		if p == nil {
			return 0, false
		}
		return *p, true
	}

	switch strings.ToLower(spec.Indicator) {
	case "rsi":
		return deref(snap.RSI14)
	case "sma":
		switch spec.Period {
		case 20:
			return deref(snap.SMA20)
		case 50:
			return deref(snap.SMA50)
		case 200:
			return deref(snap.SMA200)
		}
	case "ema":
		switch spec.Period {
		case 9:
			return deref(snap.EMA9)
		case 12:
			return deref(snap.EMA12)
		case 20:
			return deref(snap.EMA20)
		case 26:
			return deref(snap.EMA26)
		case 50:
			return deref(snap.EMA50)
		}
	case "macd":
		return deref(snap.MACD)
	case "macd_signal":
		return deref(snap.MACDSignal)
	case "macd_hist":
		return deref(snap.MACDHist)
	case "atr":
		return deref(snap.ATR14)
	case "bb_upper":
		return deref(snap.BBUpper)
	case "bb_middle":
		return deref(snap.BBMiddle)
	case "bb_lower":
		return deref(snap.BBLower)
	case "volume_sma":
		return deref(snap.VolumeSMA20)
	case "close", "price":
		if snap.Bars == 0 {
			return 0, false
		}
		return snap.Close, true
	}
	return 0, false
}

// Package feed keeps the indicator engine supplied with market data.
//
// Every active strategy names a candle series (symbol + interval). The
// manager reconciles the set of live hub subscriptions against what the
// journal says is needed: new series get a subscription and a pump
// goroutine, series nobody needs anymore are released. Reconciliation runs
// on a fixed cadence so strategy changes are picked up without restarts.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"hyperagent/internal/hub"
	"hyperagent/internal/indicator"
	"hyperagent/pkg/types"
)

const defaultInterval = "1h"

// Store lists the accounts and strategies whose series must stay live.
type Store interface {
	ListActiveAccounts() ([]types.Account, error)
	ListStrategies(accountID string, activeOnly bool) ([]types.Strategy, error)
}

// Subscription is one live candle leg.
type Subscription interface {
	Frames() <-chan types.Frame
	Close()
}

// Market is the hub surface the manager subscribes against.
type Market interface {
	Subscribe(channel types.ChannelType, symbol, interval string) (Subscription, error)
}

// HubSource adapts the concrete hub to the Market interface.
type HubSource struct {
	Hub *hub.Hub
}

func (s HubSource) Subscribe(channel types.ChannelType, symbol, interval string) (Subscription, error) {
	return s.Hub.Subscribe(channel, symbol, interval)
}

// Sink consumes bars. Satisfied by *indicator.Engine.
type Sink interface {
	Update(c types.Candle) indicator.Snapshot
}

// slot is one running series: a subscription plus its pump goroutine.
type slot struct {
	symbol   string
	interval string
	sub      Subscription
	done     chan struct{}
}

// Manager owns the series slots. All slot transitions happen under mu.
type Manager struct {
	store     Store
	market    Market
	sink      Sink
	reconcile time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
	wg    sync.WaitGroup
}

func NewManager(store Store, market Market, sink Sink, reconcile time.Duration, logger *slog.Logger) *Manager {
	if reconcile <= 0 {
		reconcile = 30 * time.Second
	}
	return &Manager{
		store:     store,
		market:    market,
		sink:      sink,
		reconcile: reconcile,
		slots:     make(map[string]*slot),
		logger:    logger.With("component", "feed"),
	}
}

// Run reconciles immediately, then on every tick until ctx is cancelled.
// On shutdown every slot is released and all pumps are waited out.
func (m *Manager) Run(ctx context.Context) {
	m.Reconcile()

	ticker := time.NewTicker(m.reconcile)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
			m.Reconcile()
		}
	}
}

// Reconcile diffs desired series against running slots.
func (m *Manager) Reconcile() {
	desired := m.desiredSeries()

	m.mu.Lock()
	var stale []*slot
	for key, s := range m.slots {
		if _, ok := desired[key]; ok {
			delete(desired, key) // already running
		} else {
			stale = append(stale, s)
			delete(m.slots, key)
		}
	}

	for key, series := range desired {
		sub, err := m.market.Subscribe(types.ChannelCandle, series.symbol, series.interval)
		if err != nil {
			m.logger.Error("candle subscribe failed",
				"symbol", series.symbol, "interval", series.interval, "error", err)
			continue
		}
		s := &slot{symbol: series.symbol, interval: series.interval, sub: sub, done: make(chan struct{})}
		m.slots[key] = s
		m.wg.Add(1)
		go m.pump(s)
		m.logger.Info("series started", "key", key)
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.sub.Close()
		<-s.done
		m.logger.Info("series stopped", "symbol", s.symbol, "interval", s.interval)
	}
}

// Series resolves a coin to its running slot. Callers hold decorated
// symbols (BTC-PERP) or bare coins interchangeably; the match is on the
// bare coin, and the returned symbol is the decorated one the slot
// subscribed with — the same key the sink stores bars under.
func (m *Manager) Series(coin string) (symbol, interval string, ok bool) {
	bare := hub.BareCoin(coin)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if hub.BareCoin(s.symbol) == bare {
			return s.symbol, s.interval, true
		}
	}
	return "", "", false
}

// Running reports the number of live series.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.slots = make(map[string]*slot)
	m.mu.Unlock()

	for _, s := range slots {
		s.sub.Close()
	}
	m.wg.Wait()
}

// pump forwards candles until the subscription channel closes.
func (m *Manager) pump(s *slot) {
	defer func() {
		close(s.done)
		m.wg.Done()
	}()

	for frame := range s.sub.Frames() {
		if frame.Type != types.FrameCandle || frame.Candle == nil {
			continue
		}
		m.sink.Update(*frame.Candle)
	}
}

type series struct {
	symbol   string
	interval string
}

// desiredSeries collects every (symbol, interval) named by an active
// strategy of an active account.
func (m *Manager) desiredSeries() map[string]series {
	out := make(map[string]series)

	accounts, err := m.store.ListActiveAccounts()
	if err != nil {
		m.logger.Error("list accounts", "error", err)
		return out
	}

	for _, acct := range accounts {
		strategies, err := m.store.ListStrategies(acct.ID, true)
		if err != nil {
			m.logger.Error("list strategies", "account", acct.ID, "error", err)
			continue
		}
		for _, strat := range strategies {
			if !strat.Active {
				continue
			}
			sr, ok := seriesFromConfig(strat.Config)
			if !ok {
				continue
			}
			out[hub.Key(types.ChannelCandle, hub.BareCoin(sr.symbol), sr.interval)] = sr
		}
	}
	return out
}

// seriesFromConfig pulls the candle series out of a strategy's free-form
// config block.
func seriesFromConfig(cfg map[string]any) (series, bool) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return series{}, false
	}
	var parsed struct {
		Symbol   string `json:"symbol"`
		Interval string `json:"interval"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Symbol == "" {
		return series{}, false
	}
	if parsed.Interval == "" {
		parsed.Interval = defaultInterval
	}
	return series{symbol: parsed.Symbol, interval: parsed.Interval}, true
}

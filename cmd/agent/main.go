// Hyperliquid trading agent — an LLM-driven perpetuals agent that watches
// indicator triggers, reasons about market state, and executes (or merely
// records) the resulting trade actions per account.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	hub/hub.go            — single upstream venue websocket fanned out to in-process subscribers
//	feed/feed.go          — reconciles candle subscriptions against active strategies, feeds the indicator engine
//	indicator/engine.go   — per-series candle rings and talib-derived snapshots
//	trigger/supervisor.go — hysteresis trigger machines that wake the control loop
//	monitor/monitor.go    — per-account control loops: assemble context, invoke reasoning, dispatch actions
//	reasoning/router.go   — provider routing (OpenAI/Anthropic) with retry, fallback, and usage accounting
//	executor/executor.go  — turns decisions into venue orders, journal entries, and protective legs
//	portfolio/manager.go  — admission checks, exposure aggregation, conflict detection
//	evaluation/           — trade scoring, learning synthesis, decay/consolidation cron jobs
//	journal/              — sqlite persistence: accounts, strategies, trades, learnings, logs
//	venue/client.go       — signed REST client for the Hyperliquid exchange API
//	secrets/store.go      — envelope encryption for per-account agent wallet keys
//	api/                  — HTTP/WS bridge: market-data streaming and the control surface
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"hyperagent/internal/api"
	"hyperagent/internal/config"
	"hyperagent/internal/evaluation"
	"hyperagent/internal/executor"
	"hyperagent/internal/feed"
	"hyperagent/internal/hub"
	"hyperagent/internal/indicator"
	"hyperagent/internal/journal"
	"hyperagent/internal/monitor"
	"hyperagent/internal/portfolio"
	"hyperagent/internal/reasoning"
	"hyperagent/internal/secrets"
	"hyperagent/internal/venue"
	"hyperagent/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HL_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := journal.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}

	sec, err := secrets.New(cfg.Secrets.MasterKeyHex, store, logger)
	if err != nil {
		logger.Error("failed to initialize secrets", "error", err)
		os.Exit(1)
	}

	baseClient := venue.NewClient(cfg.Venue, nil, cfg.DryRun, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(cfg.Venue.WSURL, cfg.Hub, logger)
	go func() {
		if err := h.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("hub stopped", "error", err)
		}
	}()

	inds := indicator.NewEngine(logger)
	feeds := feed.NewManager(store, feed.HubSource{Hub: h}, inds, 30*time.Second, logger)
	go feeds.Run(ctx)

	// Personal provider keys are not stored; every account invokes through
	// the platform-default credentials.
	keys := func(string, string) (string, bool) { return "", false }
	router := reasoning.NewRouter(cfg.Reasoning, keys, store, logger)

	pm := portfolio.NewManager(store, logger)
	exec := executor.New(pm, store, h.Books(), logger)

	// Trade symbols may be decorated (BTC-PERP) while the engine keys
	// series by the subscribed symbol and interval; the feed manager
	// resolves the live slot so closed trades score against the bars
	// their strategy actually watched.
	evaluator := evaluation.NewEvaluator(store, func(symbol string) []float64 {
		if sym, interval, ok := feeds.Series(symbol); ok {
			return inds.Closes(sym, interval, 48)
		}
		return inds.Closes(symbol, "1h", 48)
	}, logger)
	exec.OnTradeClosed = evaluator.OnTradeClosed

	venues := venueFactory(baseClient, sec, cfg.Venue.ChainID)

	mon := monitor.NewManager(store, venues, router, exec, inds.Snapshot, cfg.Monitor.TriggerPollInterval, logger)
	if err := mon.RestoreAll(ctx); err != nil {
		logger.Error("monitor restore failed", "error", err)
	}

	agg := evaluation.NewAggregator(store, store, logger)
	sched := evaluation.NewScheduler(logger)
	mustAddJob(sched, "30 0 * * *", "learning-aggregation", agg.RunAll, logger)
	mustAddJob(sched, "0 0 * * *", "daily-loss-reset", store.ResetDailyLosses, logger)
	mustAddJob(sched, "0 * * * *", "wal-checkpoint", store.Checkpoint, logger)
	mustAddJob(sched, "* * * * *", "portfolio-snapshots", func() error {
		return snapshotAccounts(ctx, store, venues)
	}, logger)
	sched.Start()

	var server *api.Server
	if cfg.Bridge.Enabled {
		handlers := api.NewHandlers(store, mon, pm, venues, exec, api.HubSource{Hub: h}, cfg.Monitor.DefaultFrequencyMinutes, logger)
		server = api.NewServer(cfg.Bridge.Port, handlers, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("bridge server failed", "error", err)
			}
		}()
		logger.Info("bridge started", "url", fmt.Sprintf("http://localhost:%d", cfg.Bridge.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("trading agent started",
		"venue", cfg.Venue.APIBaseURL,
		"provider", cfg.Reasoning.DefaultProvider,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Error("failed to stop bridge", "error", err)
		}
	}
	mon.StopAll()
	sched.Stop()
	cancel() // stops the feed manager and the hub reconnect loop
	h.Close()
	if err := store.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
	}
}

// venueFactory builds account-scoped signed clients. The agent wallet key
// stays inside the secrets handle for the duration of signer construction.
func venueFactory(base *venue.Client, sec *secrets.Store, chainID int64) monitor.VenueFactory {
	return func(accountID string) (monitor.Venue, error) {
		handle, err := sec.Get(accountID)
		if err != nil {
			return nil, err
		}
		defer handle.Close()

		var signer *venue.Signer
		err = handle.Use(func(plaintext []byte) error {
			s, err := venue.SignerFromKeyHex(strings.TrimSpace(string(plaintext)), chainID)
			if err != nil {
				return err
			}
			signer = s
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("account %s signer: %w", accountID, err)
		}
		return base.WithSigner(signer), nil
	}
}

// snapshotAccounts records one portfolio snapshot per credentialed account.
func snapshotAccounts(ctx context.Context, store *journal.Store, venues monitor.VenueFactory) error {
	accounts, err := store.ListActiveAccounts()
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		v, err := venues(acct.ID)
		if err != nil {
			continue // no credentials yet
		}
		state, err := v.UserState(ctx, acct.MainWalletAddress)
		if err != nil {
			continue
		}
		snap := types.PortfolioSnapshot{
			ID:              uuid.NewString(),
			AccountID:       acct.ID,
			AccountValue:    state.AccountValue,
			TotalMarginUsed: state.TotalMarginUsed,
			PositionCount:   len(state.Positions),
			Taken:           time.Now(),
		}
		if err := store.RecordSnapshot(snap); err != nil {
			return err
		}
	}
	return nil
}

func mustAddJob(s *evaluation.Scheduler, spec, name string, fn func() error, logger *slog.Logger) {
	if err := s.AddJob(spec, name, fn); err != nil {
		logger.Error("failed to register job", "job", name, "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

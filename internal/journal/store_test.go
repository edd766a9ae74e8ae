package journal

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperagent/internal/secrets"
	"hyperagent/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	// Unique shared-cache name per test so parallel tests stay isolated.
	s, err := Open("file:"+uuid.NewString()+"?mode=memory&cache=shared", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store) types.Account {
	t.Helper()
	a := types.Account{
		ID:                uuid.NewString(),
		Role:              "user",
		Verification:      types.VerificationApproved,
		AgentMode:         types.AgentPassive,
		MonitoringMinutes: 5,
		CreatedAt:         time.Now(),
	}
	require.NoError(t, s.CreateAccount(a))
	return a
}

func TestAccountLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	got, err := s.GetAccount(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentPassive, got.AgentMode)

	require.NoError(t, s.SetAgentMode(a.ID, types.AgentActive))
	require.NoError(t, s.SetMonitoringMinutes(a.ID, 0))

	got, err = s.GetAccount(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentActive, got.AgentMode)
	assert.Equal(t, 0, got.MonitoringMinutes)

	active, err := s.ListActiveAccounts()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, s.DeleteAccount(a.ID))
	_, err = s.GetAccount(a.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.ErrorIs(t, s.SetAgentMode(a.ID, types.AgentActive), types.ErrNotFound)
}

func TestEnvelopeRepo(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	env, err := s.GetEnvelope(a.ID)
	require.NoError(t, err)
	assert.Nil(t, env, "missing envelope returns nil, not error")

	put := secrets.Envelope{
		EncryptedPayload: []byte{1, 2, 3},
		PayloadIV:        []byte{4, 5, 6},
		EncryptedDEK:     []byte{7, 8, 9},
		DEKIV:            []byte{10, 11, 12},
	}
	require.NoError(t, s.PutEnvelope(a.ID, put))

	has, err := s.HasEnvelope(a.ID)
	require.NoError(t, err)
	assert.True(t, has)

	got, err := s.GetEnvelope(a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, put.EncryptedDEK, got.EncryptedDEK)

	// Rotation overwrites in place.
	put.EncryptedDEK = []byte{99}
	require.NoError(t, s.PutEnvelope(a.ID, put))
	got, _ = s.GetEnvelope(a.ID)
	assert.Equal(t, []byte{99}, got.EncryptedDEK)

	// Account deletion hard-deletes the envelope.
	require.NoError(t, s.DeleteAccount(a.ID))
	has, _ = s.HasEnvelope(a.ID)
	assert.False(t, has)
}

func TestStrategyAllocationCap(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	mk := func(percent float64, active bool) types.Strategy {
		return types.Strategy{
			ID: uuid.NewString(), AccountID: a.ID, Name: "s", Kind: types.StrategyIndicator,
			Active: active, AllocatedPercent: percent, MaxPositions: 2, MaxLeverage: 3,
			Config: map[string]any{"symbol": "BTC"},
		}
	}

	require.NoError(t, s.CreateStrategy(mk(60, true)))
	err := s.CreateStrategy(mk(50, true))
	assert.ErrorIs(t, err, types.ErrInvalidParams, "110%% combined allocation accepted")

	// Inactive strategies do not count against the cap.
	require.NoError(t, s.CreateStrategy(mk(50, false)))
	require.NoError(t, s.CreateStrategy(mk(40, true)))

	active, err := s.ListStrategies(a.ID, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestDailyLossAccumulation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	st := types.Strategy{
		ID: uuid.NewString(), AccountID: a.ID, Name: "s", Kind: types.StrategyIndicator,
		Active: true, AllocatedPercent: 50, DailyLossLimit: 100,
	}
	require.NoError(t, s.CreateStrategy(st))

	require.NoError(t, s.AddDailyLoss(st.ID, 40))
	require.NoError(t, s.AddDailyLoss(st.ID, 25))
	got, err := s.GetStrategy(st.ID)
	require.NoError(t, err)
	assert.InDelta(t, 65, got.CurrentDailyLoss, 1e-9)

	require.NoError(t, s.ResetDailyLosses())
	got, _ = s.GetStrategy(st.ID)
	assert.Zero(t, got.CurrentDailyLoss)
}

func TestJournalLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	e := types.TradeJournalEntry{
		ID: uuid.NewString(), AccountID: a.ID, Symbol: "BTC",
		EntryReasoning: "oversold", PlannedEntryPx: 64000, StopLoss: 62000, TakeProfit: 68000,
	}
	require.NoError(t, s.CreateEntry(e))

	// Closing a planned entry is rejected; the lifecycle is monotonic.
	err := s.CloseEntry(e.ID, time.Now(), types.CloseAnalysis{})
	assert.ErrorIs(t, err, types.ErrInvalidParams)

	activatedAt := time.Now()
	require.NoError(t, s.ActivateEntry(e.ID, activatedAt))
	assert.ErrorIs(t, s.ActivateEntry(e.ID, time.Now()), types.ErrInvalidParams,
		"double activation")

	closedAt := activatedAt.Add(2 * time.Hour)
	require.NoError(t, s.CloseEntry(e.ID, closedAt, types.CloseAnalysis{
		ExitPx: 68000, PnL: 312.5, TargetHit: true, Notes: "target reached",
	}))

	got, err := s.GetEntry(e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalClosed, got.Status)
	require.NotNil(t, got.ActivatedAt)
	require.NotNil(t, got.ClosedAt)
	assert.False(t, got.ClosedAt.Before(*got.ActivatedAt), "timestamps out of order")
	require.NotNil(t, got.CloseAnalysis)
	assert.True(t, got.CloseAnalysis.TargetHit)
	assert.InDelta(t, 312.5, got.CloseAnalysis.PnL, 1e-9)
}

func TestCancelPlannedEntry(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	e := types.TradeJournalEntry{ID: uuid.NewString(), AccountID: a.ID, Symbol: "ETH"}
	require.NoError(t, s.CreateEntry(e))
	require.NoError(t, s.CancelEntry(e.ID, time.Now(), "entry never filled"))

	got, err := s.GetEntry(e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JournalClosed, got.Status)
	assert.Nil(t, got.ActivatedAt)

	// A closed entry cannot be cancelled again.
	assert.Error(t, s.CancelEntry(e.ID, time.Now(), "again"))
}

func TestMonitoringAndUsageLogs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	_, err := s.LastMonitoringLog(a.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	for i, trigger := range []string{"heartbeat", "t-rsi"} {
		require.NoError(t, s.RecordMonitoringLog(types.MonitoringLog{
			ID: uuid.NewString(), AccountID: a.ID, State: "completed",
			TriggeredBy: trigger, CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}
	last, err := s.LastMonitoringLog(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "t-rsi", last.TriggeredBy)

	require.NoError(t, s.RecordAiUsage(types.AiUsageLog{
		ID: uuid.NewString(), AccountID: a.ID, Provider: "openai", Model: "m",
		PromptTokens: 1000, CompletionTokens: 500, EstimatedCost: 0.025, Success: true,
	}))
	cost, tokens, err := s.UsageTotals(a.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.025, cost, 1e-9)
	assert.Equal(t, 1500, tokens)
}

func TestPositionsAndSnapshots(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	p := types.Position{
		ID: uuid.NewString(), AccountID: a.ID, Symbol: "BTC",
		Side: types.Long, Size: 0.5, EntryPx: 64000, Leverage: 3,
	}
	require.NoError(t, s.OpenPosition(p))

	open, err := s.OpenPositions(a.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, s.ClosePosition(p.ID))
	open, _ = s.OpenPositions(a.ID)
	assert.Empty(t, open)
	assert.ErrorIs(t, s.ClosePosition(p.ID), types.ErrNotFound)

	require.NoError(t, s.RecordSnapshot(types.PortfolioSnapshot{
		ID: uuid.NewString(), AccountID: a.ID, AccountValue: 10000,
		TotalMarginUsed: 2000, PositionCount: 1,
	}))
	snap, err := s.LatestSnapshot(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, snap.AccountValue)
}

func TestLearningsStore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := seedAccount(t, s)

	weak := types.LearningRecord{
		ID: uuid.NewString(), AccountID: a.ID, Category: "entry", Text: "weak lesson",
		SampleSize: 3, ConfidenceScore: 40, DecayWeight: 0.5, Active: true, UpdatedAt: time.Now(),
	}
	strong := types.LearningRecord{
		ID: uuid.NewString(), AccountID: a.ID, Category: "exit", Text: "strong lesson",
		SampleSize: 20, ConfidenceScore: 80, DecayWeight: 1.0, Active: true, UpdatedAt: time.Now(),
	}
	require.NoError(t, s.InsertLearning(weak))
	require.NoError(t, s.InsertLearning(strong))

	active, err := s.ActiveLearnings(a.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "strong lesson", active[0].Text, "ordered by effective confidence")

	weak.Active = false
	weak.UpdatedAt = time.Now()
	require.NoError(t, s.UpdateLearning(weak))
	active, _ = s.ActiveLearnings(a.ID)
	assert.Len(t, active, 1)

	require.NoError(t, s.DeleteLearning(strong.ID))
	active, _ = s.ActiveLearnings(a.ID)
	assert.Empty(t, active)

	missing := types.LearningRecord{ID: "nope", UpdatedAt: time.Now()}
	assert.True(t, errors.Is(s.UpdateLearning(missing), types.ErrNotFound))
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hyperagent/internal/executor"
	"hyperagent/internal/monitor"
	"hyperagent/internal/portfolio"
	"hyperagent/internal/reasoning"
	"hyperagent/pkg/types"
)

type fakeStore struct {
	account   types.Account
	accountOK bool

	modes     map[string]types.AgentMode
	minutes   map[string]int
	positions []types.Position

	created   []types.TradeJournalEntry
	activated []string
	closed    map[string]types.CloseAnalysis
}

func newStore(account types.Account) *fakeStore {
	return &fakeStore{
		account: account, accountOK: true,
		modes:   make(map[string]types.AgentMode),
		minutes: make(map[string]int),
		closed:  make(map[string]types.CloseAnalysis),
	}
}

func (f *fakeStore) GetAccount(id string) (types.Account, error) {
	if !f.accountOK || id != f.account.ID {
		return types.Account{}, fmt.Errorf("account %s: %w", id, types.ErrNotFound)
	}
	return f.account, nil
}

func (f *fakeStore) SetAgentMode(id string, mode types.AgentMode) error {
	f.modes[id] = mode
	return nil
}

func (f *fakeStore) SetMonitoringMinutes(id string, minutes int) error {
	f.minutes[id] = minutes
	return nil
}

func (f *fakeStore) OpenPositions(string) ([]types.Position, error) { return f.positions, nil }

func (f *fakeStore) CreateEntry(e types.TradeJournalEntry) error {
	f.created = append(f.created, e)
	return nil
}

func (f *fakeStore) ActivateEntry(id string, _ time.Time) error {
	f.activated = append(f.activated, id)
	return nil
}

func (f *fakeStore) CloseEntry(id string, _ time.Time, a types.CloseAnalysis) error {
	f.closed[id] = a
	return nil
}

type restartCall struct {
	accountID string
	minutes   int
}

type fakeMonitors struct {
	restarts  []restartCall
	prompts   []string
	promptErr error
}

func (f *fakeMonitors) Restart(_ context.Context, accountID string, minutes int) error {
	f.restarts = append(f.restarts, restartCall{accountID, minutes})
	return nil
}

func (f *fakeMonitors) SubmitPrompt(_ context.Context, _, prompt string, _ []reasoning.ImageAttachment) (string, error) {
	if f.promptErr != nil {
		return "", f.promptErr
	}
	f.prompts = append(f.prompts, prompt)
	return "executed=1 skipped=0 noted=0 failed=0", nil
}

type fakePortfolio struct {
	gotCapital float64
	status     portfolio.Status
}

func (f *fakePortfolio) Status(_ string, capital float64) (portfolio.Status, error) {
	f.gotCapital = capital
	return f.status, nil
}

type fakeVenue struct {
	orders        []types.OrderRequest
	cancelled     []int64
	leverageCalls []int
	openOrders    []types.VenueOrder
	state         types.UserState
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req types.OrderRequest) (types.OrderResult, error) {
	f.orders = append(f.orders, req)
	return types.OrderResult{OID: 42, Status: "resting"}, nil
}

func (f *fakeVenue) UpdateLeverage(_ context.Context, _ string, _ bool, leverage int) error {
	f.leverageCalls = append(f.leverageCalls, leverage)
	return nil
}

func (f *fakeVenue) UserState(context.Context, string) (*types.UserState, error) {
	s := f.state
	return &s, nil
}

func (f *fakeVenue) Positions(context.Context, string) ([]types.VenuePosition, error) {
	return nil, nil
}

func (f *fakeVenue) OpenOrders(context.Context, string) ([]types.VenueOrder, error) {
	return f.openOrders, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, _ string, oid int64) error {
	f.cancelled = append(f.cancelled, oid)
	return nil
}

type fakeRunner struct {
	batches []executor.Batch
}

func (f *fakeRunner) Execute(_ context.Context, _ executor.Venue, b executor.Batch) []executor.Outcome {
	f.batches = append(f.batches, b)
	out := make([]executor.Outcome, len(b.Actions))
	for i, a := range b.Actions {
		out[i] = executor.Outcome{Action: a, Status: executor.Executed}
	}
	return out
}

type fakeSub struct {
	frames chan types.Frame
}

func (f *fakeSub) Frames() <-chan types.Frame { return f.frames }
func (f *fakeSub) Close()                     { close(f.frames) }

type fakeMarket struct {
	sub *fakeSub
}

func (f *fakeMarket) Subscribe(types.ChannelType, string, string) (Subscription, error) {
	return f.sub, nil
}

type fixture struct {
	store    *fakeStore
	monitors *fakeMonitors
	pm       *fakePortfolio
	venue    *fakeVenue
	runner   *fakeRunner
	market   *fakeMarket
	handlers *Handlers
}

func newFixture(account types.Account) *fixture {
	f := &fixture{
		store:    newStore(account),
		monitors: &fakeMonitors{},
		pm:       &fakePortfolio{},
		venue:    &fakeVenue{},
		runner:   &fakeRunner{},
		market:   &fakeMarket{sub: &fakeSub{frames: make(chan types.Frame, 8)}},
	}
	factory := func(string) (monitor.Venue, error) { return f.venue, nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.handlers = NewHandlers(f.store, f.monitors, f.pm, factory, f.runner, f.market, 5, logger)
	return f
}

func approvedAccount() types.Account {
	return types.Account{
		ID:                "a1",
		Verification:      types.VerificationApproved,
		AgentMode:         types.AgentPassive,
		MonitoringMinutes: 15,
		MainWalletAddress: "0xmain",
	}
}

func post(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(approvedAccount())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handlers.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestPlaceOrderDirect(t *testing.T) {
	f := newFixture(approvedAccount())
	rec := post(t, f.handlers.HandleOrders, map[string]any{
		"accountId": "a1", "symbol": "BTC", "isBuy": true,
		"size": 0.5, "limitPx": 60000.0, "orderType": "limit", "tif": "Gtc",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(f.venue.orders) != 1 {
		t.Fatalf("orders placed = %d, want 1", len(f.venue.orders))
	}
	got := f.venue.orders[0]
	if got.Symbol != "BTC" || !got.IsBuy || got.LimitPx != 60000 || got.OrderType != types.OrderTypeLimit {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(approvedAccount())
	body, _ := json.Marshal(map[string]any{"accountId": "a1", "symbol": "BTC", "oid": 77})
	req := httptest.NewRequest(http.MethodDelete, "/api/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handlers.HandleOrders(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.venue.cancelled) != 1 || f.venue.cancelled[0] != 77 {
		t.Errorf("cancelled = %v, want [77]", f.venue.cancelled)
	}
}

func TestOrdersRejectsOtherMethods(t *testing.T) {
	f := newFixture(approvedAccount())
	req := httptest.NewRequest(http.MethodPut, "/api/orders", strings.NewReader(`{"accountId":"a1"}`))
	rec := httptest.NewRecorder()
	f.handlers.HandleOrders(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestCloseAllCancelsThenCloses(t *testing.T) {
	f := newFixture(approvedAccount())
	f.venue.openOrders = []types.VenueOrder{
		{OID: 1, Coin: "BTC"},
		{OID: 2, Coin: "ETH"},
	}
	f.store.positions = []types.Position{
		{ID: "p1", Symbol: "BTC", Side: types.Long},
		{ID: "p2", Symbol: "ETH", Side: types.Short},
	}

	rec := post(t, f.handlers.HandleCloseAll, map[string]any{"accountId": "a1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if len(f.venue.cancelled) != 2 {
		t.Errorf("cancelled %d resting orders, want 2", len(f.venue.cancelled))
	}
	if len(f.runner.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(f.runner.batches))
	}
	batch := f.runner.batches[0]
	if batch.Address != "0xmain" {
		t.Errorf("batch address = %q", batch.Address)
	}
	if len(batch.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(batch.Actions))
	}
	for _, a := range batch.Actions {
		if a.Kind != types.ActionClose {
			t.Errorf("action kind = %q, want close", a.Kind)
		}
	}
}

func TestAgentModeActivePromotesFrequency(t *testing.T) {
	acct := approvedAccount()
	acct.MonitoringMinutes = 0
	f := newFixture(acct)

	rec := post(t, f.handlers.HandleAgentMode, map[string]any{"accountId": "a1", "mode": "active"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if f.store.modes["a1"] != types.AgentActive {
		t.Errorf("mode = %q, want active", f.store.modes["a1"])
	}
	if f.store.minutes["a1"] != 5 {
		t.Errorf("minutes = %d, want promotion to 5", f.store.minutes["a1"])
	}
	if len(f.monitors.restarts) != 1 || f.monitors.restarts[0].minutes != 5 {
		t.Errorf("restarts = %+v, want one restart at 5", f.monitors.restarts)
	}
}

func TestAgentModePromotionUsesConfiguredDefault(t *testing.T) {
	acct := approvedAccount()
	acct.MonitoringMinutes = 0
	f := newFixture(acct)
	factory := func(string) (monitor.Venue, error) { return f.venue, nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.handlers = NewHandlers(f.store, f.monitors, f.pm, factory, f.runner, f.market, 7, logger)

	rec := post(t, f.handlers.HandleAgentMode, map[string]any{"accountId": "a1", "mode": "active"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.store.minutes["a1"] != 7 {
		t.Errorf("minutes = %d, want the configured default 7", f.store.minutes["a1"])
	}
	if len(f.monitors.restarts) != 1 || f.monitors.restarts[0].minutes != 7 {
		t.Errorf("restarts = %+v", f.monitors.restarts)
	}
}

func TestAgentModeKeepsExistingFrequency(t *testing.T) {
	f := newFixture(approvedAccount()) // 15 minutes

	rec := post(t, f.handlers.HandleAgentMode, map[string]any{"accountId": "a1", "mode": "active"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, touched := f.store.minutes["a1"]; touched {
		t.Error("frequency must not change when already set")
	}
	if len(f.monitors.restarts) != 1 || f.monitors.restarts[0].minutes != 15 {
		t.Errorf("restarts = %+v, want one restart at 15", f.monitors.restarts)
	}
}

func TestAgentModeRejectsUnknown(t *testing.T) {
	f := newFixture(approvedAccount())
	rec := post(t, f.handlers.HandleAgentMode, map[string]any{"accountId": "a1", "mode": "turbo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMonitoringFrequency(t *testing.T) {
	f := newFixture(approvedAccount())

	rec := post(t, f.handlers.HandleMonitoringFrequency, map[string]any{"accountId": "a1", "minutes": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.store.minutes["a1"] != 0 {
		t.Errorf("minutes = %d, want 0", f.store.minutes["a1"])
	}
	if len(f.monitors.restarts) != 1 || f.monitors.restarts[0].minutes != 0 {
		t.Errorf("restarts = %+v, want one restart at 0", f.monitors.restarts)
	}

	rec = post(t, f.handlers.HandleMonitoringFrequency, map[string]any{"accountId": "a1", "minutes": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative minutes: status = %d, want 400", rec.Code)
	}
}

func TestPromptValidationMapsTo400(t *testing.T) {
	f := newFixture(approvedAccount())
	f.monitors.promptErr = fmt.Errorf("too many screenshots: %w", types.ErrInvalidParams)

	rec := post(t, f.handlers.HandlePrompt, map[string]any{"accountId": "a1", "prompt": "check BTC"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPromptForwardsToMonitor(t *testing.T) {
	f := newFixture(approvedAccount())
	rec := post(t, f.handlers.HandlePrompt, map[string]any{
		"accountId": "a1", "prompt": "check BTC funding",
		"screenshots": []map[string]string{{"mediaType": "image/png", "base64": "aGk="}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(f.monitors.prompts) != 1 || f.monitors.prompts[0] != "check BTC funding" {
		t.Errorf("prompts = %v", f.monitors.prompts)
	}
}

func TestPortfolioUsesVenueCapital(t *testing.T) {
	f := newFixture(approvedAccount())
	f.venue.state = types.UserState{AccountValue: 12500}

	req := httptest.NewRequest(http.MethodGet, "/api/portfolio?accountId=a1", nil)
	rec := httptest.NewRecorder()
	f.handlers.HandlePortfolio(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if f.pm.gotCapital != 12500 {
		t.Errorf("capital = %v, want 12500 from venue state", f.pm.gotCapital)
	}
}

func TestPortfolioRequiresAccount(t *testing.T) {
	f := newFixture(approvedAccount())
	req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	rec := httptest.NewRecorder()
	f.handlers.HandlePortfolio(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestJournalLifecycleHandlers(t *testing.T) {
	f := newFixture(approvedAccount())

	rec := post(t, f.handlers.HandleJournalCreate, map[string]any{
		"accountId": "a1", "strategyId": "s1", "symbol": "BTC",
		"entryReasoning": "support bounce", "plannedEntryPx": 60000.0,
		"stopLoss": 58000.0, "takeProfit": 66000.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("create response %q", rec.Body.String())
	}
	if len(f.store.created) != 1 || f.store.created[0].TakeProfit != 66000 {
		t.Fatalf("stored entries %+v", f.store.created)
	}

	rec = post(t, f.handlers.HandleJournalActivate, map[string]any{"entryId": created.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d", rec.Code)
	}
	if len(f.store.activated) != 1 || f.store.activated[0] != created.ID {
		t.Errorf("activated = %v", f.store.activated)
	}

	rec = post(t, f.handlers.HandleJournalClose, map[string]any{
		"entryId": created.ID, "exitPx": 66000.0, "pnl": 300.0, "targetHit": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close status = %d", rec.Code)
	}
	analysis, ok := f.store.closed[created.ID]
	if !ok || !analysis.TargetHit || analysis.PnL != 300 {
		t.Errorf("close analysis = %+v", analysis)
	}
}

func TestJournalCreateRequiresSymbol(t *testing.T) {
	f := newFixture(approvedAccount())
	rec := post(t, f.handlers.HandleJournalCreate, map[string]any{"accountId": "a1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMarketDataBridge(t *testing.T) {
	f := newFixture(approvedAccount())
	srv := httptest.NewServer(http.HandlerFunc(f.handlers.HandleMarketData))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	err = conn.WriteJSON(clientRequest{Action: "subscribe", Type: "trades", Coin: "BTC"})
	if err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack serverFrame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != "subscribed" {
		t.Fatalf("ack type = %q, want subscribed", ack.Type)
	}

	f.market.sub.frames <- types.Frame{
		Type:  types.FrameTrade,
		Trade: &types.Trade{Symbol: "BTC", Side: types.BUY, Px: 60000, Sz: 0.25},
	}

	var frame struct {
		Type string `json:"type"`
		Coin string `json:"coin"`
		Data struct {
			Px float64 `json:"Px"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "trades" || frame.Coin != "BTC" || frame.Data.Px != 60000 {
		t.Errorf("frame = %+v", frame)
	}
}

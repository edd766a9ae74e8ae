package venue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"hyperagent/pkg/types"
)

// newDryRunClient builds a client that never touches the network: dry-run
// mode plus a pre-seeded markets cache.
func newDryRunClient(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mc := newMarketsCache(time.Minute)
	mc.put([]types.Market{
		{Coin: "BTC", MaxLeverage: 40, SzDecimals: 5, PxDecimals: 1},
		{Coin: "SOL", MaxLeverage: 20, SzDecimals: 2, PxDecimals: 4},
	})
	return &Client{
		rl:      NewRateLimiter(),
		markets: mc,
		chain:   "Testnet",
		chainID: 421614,
		dryRun:  true,
		logger:  logger,
	}
}

func TestPlaceOrderRejectsNonPositiveLimitPx(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)

	_, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:    "BTC",
		IsBuy:     true,
		Size:      0.1,
		LimitPx:   0,
		OrderType: types.OrderTypeLimit,
	})
	if !errors.Is(err, types.ErrInvalidParams) {
		t.Errorf("limit order with px=0: err = %v, want ErrInvalidParams", err)
	}

	_, err = c.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:    "BTC",
		IsBuy:     true,
		Size:      0.1,
		LimitPx:   -50,
		OrderType: types.OrderTypeLimit,
	})
	if !errors.Is(err, types.ErrInvalidParams) {
		t.Errorf("limit order with px<0: err = %v, want ErrInvalidParams", err)
	}
}

func TestPlaceOrderRejectsZeroRoundedSize(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)

	// 0.001 SOL truncates to 0.00 at 2 size decimals.
	_, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:    "SOL",
		IsBuy:     true,
		Size:      0.001,
		OrderType: types.OrderTypeMarket,
	})
	if !errors.Is(err, types.ErrInvalidParams) {
		t.Errorf("sub-lot size: err = %v, want ErrInvalidParams", err)
	}
}

func TestPlaceOrderDryRun(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)

	res, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:    "BTC",
		IsBuy:     true,
		Size:      0.123456789,
		LimitPx:   65432.19,
		OrderType: types.OrderTypeLimit,
		TIF:       types.TIFGtc,
	})
	if err != nil {
		t.Fatalf("dry-run place: %v", err)
	}
	if res.OID == 0 || res.Status != "resting" {
		t.Errorf("dry-run result = %+v, want synthetic resting order", res)
	}
}

func TestCancelAndLeverageDryRun(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)

	if err := c.CancelOrder(context.Background(), "BTC", 12345); err != nil {
		t.Errorf("dry-run cancel: %v", err)
	}
	if err := c.UpdateLeverage(context.Background(), "BTC", true, 5); err != nil {
		t.Errorf("dry-run leverage: %v", err)
	}
	if err := c.UpdateLeverage(context.Background(), "BTC", true, 0); err == nil {
		t.Error("leverage 0 accepted")
	}
}

func TestExchangeWriteWithoutSigner(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)
	c.dryRun = false // force the signer check

	err := c.postExchange(context.Background(), c.rl.Order, cancelAction{Type: "cancel"}, &exchangeResponse{})
	if !errors.Is(err, types.ErrNeedsCredentials) {
		t.Errorf("write without signer: err = %v, want ErrNeedsCredentials", err)
	}
}

func TestRoundSizeAndPrice(t *testing.T) {
	t.Parallel()
	btc := types.Market{Coin: "BTC", SzDecimals: 5, PxDecimals: 1}

	cases := []struct {
		in   float64
		size float64
		px   float64
	}{
		{0.123456789, 0.12345, 0.1},
		{1.000001, 1.0, 1.0},
		{0.15, 0.15, 0.2}, // price rounds, size truncates
	}
	for _, tc := range cases {
		if got := RoundSize(tc.in, btc); got != tc.size {
			t.Errorf("RoundSize(%v) = %v, want %v", tc.in, got, tc.size)
		}
		if got := RoundPrice(tc.in, btc); got != tc.px {
			t.Errorf("RoundPrice(%v) = %v, want %v", tc.in, got, tc.px)
		}
	}
}

func TestMarketsCacheExpiry(t *testing.T) {
	t.Parallel()
	mc := newMarketsCache(10 * time.Millisecond)

	if _, ok := mc.get(); ok {
		t.Error("empty cache reported a hit")
	}

	mc.put([]types.Market{{Coin: "BTC"}})
	if _, ok := mc.get(); !ok {
		t.Error("fresh cache reported a miss")
	}

	time.Sleep(25 * time.Millisecond)
	if _, ok := mc.get(); ok {
		t.Error("expired cache reported a hit")
	}
}

func TestTokenBucketBlocksWhenDrained(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(2, 100) // tiny bucket, fast refill

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("initial token %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("refill wait: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("drained bucket did not block")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	tb2 := NewTokenBucket(1, 0.001)
	_ = tb2.Wait(context.Background())
	if err := tb2.Wait(cancelled); err == nil {
		t.Error("cancelled context should abort the wait")
	}
}

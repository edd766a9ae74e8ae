package venue

import (
	"sync"
	"time"

	"hyperagent/pkg/types"
)

// marketsCache holds the instrument list with a TTL so trigger polls and
// order placements do not each pay an /info roundtrip.
type marketsCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	fetchedAt time.Time
	markets   []types.Market
}

func newMarketsCache(ttl time.Duration) *marketsCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &marketsCache{ttl: ttl}
}

func (mc *marketsCache) get() ([]types.Market, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if mc.markets == nil || time.Since(mc.fetchedAt) > mc.ttl {
		return nil, false
	}
	return mc.markets, true
}

func (mc *marketsCache) put(markets []types.Market) {
	mc.mu.Lock()
	mc.markets = markets
	mc.fetchedAt = time.Now()
	mc.mu.Unlock()
}

// fallbackMarkets is the static list served when the venue rate-limits the
// meta query. Granularity values here mirror the venue's published ones for
// the majors; a stale max leverage is acceptable because the portfolio
// manager clamps leverage again before execution.
func fallbackMarkets() []types.Market {
	return []types.Market{
		{Coin: "BTC", MaxLeverage: 40, SzDecimals: 5, PxDecimals: 1},
		{Coin: "ETH", MaxLeverage: 25, SzDecimals: 4, PxDecimals: 2},
		{Coin: "SOL", MaxLeverage: 20, SzDecimals: 2, PxDecimals: 4},
		{Coin: "DOGE", MaxLeverage: 10, SzDecimals: 0, PxDecimals: 6},
		{Coin: "XRP", MaxLeverage: 20, SzDecimals: 1, PxDecimals: 5},
		{Coin: "AVAX", MaxLeverage: 10, SzDecimals: 2, PxDecimals: 4},
		{Coin: "LINK", MaxLeverage: 10, SzDecimals: 1, PxDecimals: 5},
		{Coin: "ARB", MaxLeverage: 10, SzDecimals: 1, PxDecimals: 5},
	}
}

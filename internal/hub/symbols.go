package hub

import (
	"strings"

	"hyperagent/pkg/types"
)

// Decorated symbols arrive from strategies and UI code as BTC, BTC-USD,
// BTC-PERP, or BTC-SPOT. The venue only knows the bare coin, so upstream
// subscriptions are keyed by bare coin while each downstream subscriber
// keeps the decoration it asked with.

// BareCoin strips a recognized decoration suffix and uppercases the coin.
func BareCoin(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range []string{"-USD", "-PERP", "-SPOT"} {
		if strings.HasSuffix(s, suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}

// Key builds the canonical subscription key. Trades and book keys are
// channel:coin; candle keys carry the interval as a third segment.
func Key(channel types.ChannelType, coin, interval string) string {
	if channel == types.ChannelCandle {
		return string(channel) + ":" + coin + ":" + interval
	}
	return string(channel) + ":" + coin
}

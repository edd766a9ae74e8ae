package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestEffectiveConfidence(t *testing.T) {
	t.Parallel()

	r := LearningRecord{ConfidenceScore: 50, DecayWeight: 0.5}
	if got := r.EffectiveConfidence(); got != 25 {
		t.Errorf("effective confidence = %v, want 25", got)
	}
}

func TestErrorKindsSurviveWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("place order: %w", ErrInvalidParams)
	if !errors.Is(wrapped, ErrInvalidParams) {
		t.Error("wrapped error lost its kind")
	}
	if errors.Is(wrapped, ErrRateLimited) {
		t.Error("wrapped error matched the wrong kind")
	}
}

func TestWireCandleUnmarshal(t *testing.T) {
	t.Parallel()

	raw := `{"t":1700000000000,"T":1700000060000,"s":"BTC","i":"1m","o":"37000.5","c":"37010","h":"37020","l":"36990","v":"12.5","n":42}`
	var wc WireCandle
	if err := json.Unmarshal([]byte(raw), &wc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wc.Symbol != "BTC" || wc.Interval != "1m" {
		t.Errorf("symbol/interval = %q/%q", wc.Symbol, wc.Interval)
	}
	if wc.Open != "37000.5" || wc.Trades != 42 {
		t.Errorf("open = %q, trades = %d", wc.Open, wc.Trades)
	}
}

func TestWireBookUnmarshal(t *testing.T) {
	t.Parallel()

	raw := `{"coin":"ETH","levels":[[{"px":"2000.1","sz":"3","n":2}],[{"px":"2000.5","sz":"1.5","n":1}]],"time":1700000000000}`
	var wb WireBook
	if err := json.Unmarshal([]byte(raw), &wb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(wb.Levels[0]) != 1 || len(wb.Levels[1]) != 1 {
		t.Fatalf("levels = %d bids / %d asks", len(wb.Levels[0]), len(wb.Levels[1]))
	}
	if wb.Levels[0][0].Px != "2000.1" {
		t.Errorf("best bid px = %q", wb.Levels[0][0].Px)
	}
}

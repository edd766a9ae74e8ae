// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — account and strategy
// records, normalized market-data frames, venue wire payloads, and the
// structured action schema returned by the reasoning providers. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"errors"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Error kinds
// ————————————————————————————————————————————————————————————————————————
// Errors are classified by kind, not by concrete type. Callers test with
// errors.Is; wrapping preserves the kind through layers.

var (
	// ErrUnavailable marks transient upstream failures after retry exhaustion.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrRateLimited marks 429-class failures; retried with backoff first.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidParams marks request errors that must never be retried.
	ErrInvalidParams = errors.New("invalid params")
	// ErrContentFiltered marks reasoning-provider refusals; never retried.
	ErrContentFiltered = errors.New("content filtered")
	// ErrMalformedResponse marks unparseable provider output after one retry.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNeedsCredentials marks missing/rejected secrets; pauses the monitor.
	ErrNeedsCredentials = errors.New("needs credentials")
	// ErrNotFound marks missing rows or entities.
	ErrNotFound = errors.New("not found")
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// PositionSide is the directional exposure of a position or action.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// OrderType enumerates the supported order styles.
type OrderType string

const (
	OrderTypeMarket  OrderType = "market"
	OrderTypeLimit   OrderType = "limit"
	OrderTypeTrigger OrderType = "trigger" // TP/SL leg, fires at TriggerPx
)

// TIF is the time-in-force for limit orders.
type TIF string

const (
	TIFGtc TIF = "Gtc" // good-til-cancelled
	TIFIoc TIF = "Ioc" // immediate-or-cancel
)

// ChannelType identifies an upstream market-data channel.
type ChannelType string

const (
	ChannelTrades ChannelType = "trades"
	ChannelBook   ChannelType = "l2Book"
	ChannelCandle ChannelType = "candle"
)

// ————————————————————————————————————————————————————————————————————————
// Accounts and strategies
// ————————————————————————————————————————————————————————————————————————

// VerificationStatus gates whether an account may run the control loop.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// AgentMode controls whether returned actions are executed or only recorded.
type AgentMode string

const (
	AgentPassive AgentMode = "passive"
	AgentActive  AgentMode = "active"
)

// Account is a registered user of the agent. The control loop runs only for
// accounts that are active-mode and approved.
type Account struct {
	ID                string
	Role              string
	Verification      VerificationStatus
	AgentMode         AgentMode
	MonitoringMinutes int    // 0 = loop suspended
	MainWalletAddress string // venue main wallet, optional
	CreatedAt         time.Time
	DeletedAt         *time.Time // soft delete
}

// StrategyKind classifies the configuration shape of a strategy.
type StrategyKind string

const (
	StrategyIndicator   StrategyKind = "indicator"
	StrategyOrderFlow   StrategyKind = "order-flow"
	StrategyProfile     StrategyKind = "profile"
	StrategyHybrid      StrategyKind = "hybrid"
	StrategyPriceAction StrategyKind = "price-action"
)

// Strategy is one trading strategy owned by an account. Active strategies
// across one account must not allocate more than 100% combined.
type Strategy struct {
	ID               string
	AccountID        string
	Name             string
	Kind             StrategyKind
	Active           bool
	AllocatedPercent float64
	MaxPositions     int
	MaxLeverage      int
	DailyLossLimit   float64 // absolute accumulated-loss cap
	CurrentDailyLoss float64
	Config           map[string]any // kind-specific configuration
	Status           string
}

// TriggerSpec describes one condition that can wake the reasoning provider.
type TriggerSpec struct {
	ID               string
	Kind             string // "indicator" or "composite"
	Indicator        string // e.g. "rsi", "sma", "macd"
	Period           int
	Operator         string // "<", ">", "<=", ">="
	Threshold        float64
	Hysteresis       float64 // band in indicator units
	CooldownMinutes  int
	NearMissFraction float64 // default 0.8
	Description      string
}

// ————————————————————————————————————————————————————————————————————————
// Normalized market frames
// ————————————————————————————————————————————————————————————————————————
// The hub translates venue wire messages into these frames. Within a single
// upstream channel, frames are delivered to every subscriber in arrival order.

// Trade is one executed trade on the venue. Side is inferred from the raw
// tick: "B" = aggressive buy, "S" = aggressive sell.
type Trade struct {
	Symbol string
	Side   Side
	Px     float64
	Sz     float64
	Time   time.Time
}

// BookLevel is a single bid or ask level.
type BookLevel struct {
	Px float64
	Sz float64
	N  int // order count at this level
}

// Book is a point-in-time order-book snapshot.
type Book struct {
	Symbol string
	Bids   []BookLevel // descending by price
	Asks   []BookLevel // ascending by price
	Time   time.Time
}

// Candle is one OHLCV bar for a symbol and interval.
type Candle struct {
	Symbol   string
	Interval string // e.g. "1m", "1h"
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Time     time.Time // bar open time
}

// FrameType tags the variant carried by a Frame.
type FrameType string

const (
	FrameTrade  FrameType = "trade"
	FrameBook   FrameType = "orderBook"
	FrameCandle FrameType = "candle"
)

// Frame is the tagged union delivered to hub subscribers. Exactly one of
// Trade, Book, Candle is non-nil, matching Type.
type Frame struct {
	Type   FrameType
	Trade  *Trade
	Book   *Book
	Candle *Candle
}

// ————————————————————————————————————————————————————————————————————————
// Venue wire payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON the venue sends and accepts.

// WireTrade is a raw trade tick from the venue websocket.
type WireTrade struct {
	Coin string `json:"coin"`
	Side string `json:"side"` // "B" or "S"
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"` // ms since epoch
	Tid  int64  `json:"tid"`
}

// WireLevel is one price level in a raw l2Book frame.
type WireLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// WireBook is a raw l2Book frame: levels[0] = bids, levels[1] = asks.
type WireBook struct {
	Coin   string         `json:"coin"`
	Levels [2][]WireLevel `json:"levels"`
	Time   int64          `json:"time"`
}

// WireCandle is a raw candle frame.
type WireCandle struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Trades    int    `json:"n"`
}

// Market describes one tradeable perpetual instrument.
type Market struct {
	Coin        string
	MaxLeverage int
	SzDecimals  int // lot granularity: size rounded to this many decimals
	PxDecimals  int // tick granularity: price rounded to this many decimals
}

// OrderRequest is the high-level order the executor hands to the venue
// client. Size and price are rounded to instrument granularity before
// signing.
type OrderRequest struct {
	Symbol     string
	IsBuy      bool
	Size       float64
	LimitPx    float64 // required > 0 for limit orders
	OrderType  OrderType
	TIF        TIF     // for limit orders
	TriggerPx  float64 // for trigger orders: activation price
	TPSL       string  // "tp" or "sl", trigger orders only
	ReduceOnly bool
}

// OrderResult is the venue's answer to a placed order.
type OrderResult struct {
	OID      int64   // venue order id
	Status   string  // "resting", "filled", "error"
	FilledSz float64 // filled immediately (IOC / market)
	AvgPx    float64
	Error    string
}

// VenuePosition is one open position as reported by the venue.
type VenuePosition struct {
	Coin       string
	Szi        float64 // signed size: >0 long, <0 short
	EntryPx    float64
	Leverage   int
	MarginUsed float64
	UnrealPnl  float64
}

// VenueOrder is one resting order as reported by the venue. The executor,
// not the client, infers TP/SL role from trigger price vs. position side.
type VenueOrder struct {
	OID        int64
	Coin       string
	Side       Side
	LimitPx    float64
	Sz         float64
	ReduceOnly bool
	TriggerPx  float64 // 0 for plain limit orders
	Timestamp  time.Time
}

// UserState is the venue's account summary.
type UserState struct {
	AccountValue    float64
	TotalMarginUsed float64
	Withdrawable    float64
	Positions       []VenuePosition
}

// ————————————————————————————————————————————————————————————————————————
// Reasoning action schema
// ————————————————————————————————————————————————————————————————————————
// The router enforces this schema at the provider boundary; downstream
// components only ever see typed actions.

// ActionKind is the tagged action discriminator.
type ActionKind string

const (
	ActionBuy   ActionKind = "buy"
	ActionSell  ActionKind = "sell"
	ActionHold  ActionKind = "hold"
	ActionClose ActionKind = "close"
)

// Action is one trade intent from the reasoning provider.
type Action struct {
	Kind          ActionKind   `json:"kind"`
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	Leverage      int          `json:"leverage"` // clamped to [1, 10]
	Reasoning     string       `json:"reasoning"`
	ExpectedEntry float64      `json:"expectedEntry,omitempty"`
	StopLoss      float64      `json:"stopLoss,omitempty"`
	TakeProfit    float64      `json:"takeProfit,omitempty"`
}

// Decision is the full structured response from one router invocation.
type Decision struct {
	Interpretation  string   `json:"interpretation"`
	Actions         []Action `json:"actions"`
	RiskManagement  string   `json:"riskManagement"`
	ExpectedOutcome string   `json:"expectedOutcome"`
}

// ————————————————————————————————————————————————————————————————————————
// Persisted records
// ————————————————————————————————————————————————————————————————————————

// Order is a persisted record of one executed venue order, linked back to
// the strategy and account that produced it.
type Order struct {
	ID         string
	AccountID  string
	StrategyID string
	Symbol     string
	Side       Side
	Size       float64
	Price      float64
	OrderType  OrderType
	ReduceOnly bool
	VenueOID   int64
	Status     string
	CreatedAt  time.Time
}

// Position is the local projection of one open position.
type Position struct {
	ID         string
	AccountID  string
	StrategyID string
	Symbol     string
	Side       PositionSide
	Size       float64
	EntryPx    float64
	Leverage   int
	OpenedAt   time.Time
}

// PortfolioSnapshot is a periodic record of account-wide exposure.
type PortfolioSnapshot struct {
	ID              string
	AccountID       string
	AccountValue    float64
	TotalMarginUsed float64
	PositionCount   int
	Taken           time.Time
}

// JournalStatus is the trade-journal lifecycle state.
type JournalStatus string

const (
	JournalPlanned JournalStatus = "planned"
	JournalActive  JournalStatus = "active"
	JournalClosed  JournalStatus = "closed"
)

// CloseAnalysis exists exactly when a journal entry is closed.
type CloseAnalysis struct {
	ExitPx    float64
	PnL       float64
	TargetHit bool
	Notes     string
}

// TradeJournalEntry records one planned/active/closed trade idea.
// Timestamps are monotonic under lifecycle order.
type TradeJournalEntry struct {
	ID             string
	AccountID      string
	StrategyID     string
	Symbol         string
	Status         JournalStatus
	EntryReasoning string
	Expectations   string
	PlannedEntryPx float64
	StopLoss       float64
	TakeProfit     float64
	CreatedAt      time.Time
	ActivatedAt    *time.Time
	ClosedAt       *time.Time
	CloseAnalysis  *CloseAnalysis
}

// Regime is a coarse classification of recent price behavior.
type Regime string

const (
	RegimeBullish  Regime = "bullish"
	RegimeBearish  Regime = "bearish"
	RegimeVolatile Regime = "volatile"
	RegimeNeutral  Regime = "neutral"
)

// TradeEvaluation scores one closed trade.
type TradeEvaluation struct {
	ID        string
	AccountID string
	JournalID string
	PnL       float64
	TargetHit bool
	Regime    Regime
	Score     float64
	CreatedAt time.Time
}

// LearningRecord is an extracted lesson that decays without reinforcement.
// Effective confidence = ConfidenceScore × DecayWeight; records below 20
// effective are archived by the daily aggregation.
type LearningRecord struct {
	ID              string
	AccountID       string
	Category        string
	Subcategory     string
	Text            string
	SampleSize      int
	ConfidenceScore float64
	DecayWeight     float64 // clamped to [0.001, 1.0]
	Active          bool
	UpdatedAt       time.Time
}

// EffectiveConfidence returns ConfidenceScore × DecayWeight.
func (r LearningRecord) EffectiveConfidence() float64 {
	return r.ConfidenceScore * r.DecayWeight
}

// AiUsageLog records one reasoning-provider invocation for cost accounting.
type AiUsageLog struct {
	ID               string
	AccountID        string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	EstimatedCost    float64
	Success          bool
	UserPrompt       string // truncated
	CreatedAt        time.Time
}

// MonitoringLog records one monitor tick outcome.
type MonitoringLog struct {
	ID          string
	AccountID   string
	State       string
	TriggeredBy string // trigger id, "heartbeat", or "manual"
	Outcome     string
	CreatedAt   time.Time
}

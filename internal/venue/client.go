// Package venue implements the Hyperliquid REST client and action signing.
//
// The client talks to two endpoints:
//   - POST /info      — read-only queries: markets, user state, positions, open orders
//   - POST /exchange  — signed writes: place/cancel orders, leverage, agent approval
//
// Every write signs a typed, nonce-bearing payload with the account's
// ActionSigner; the raw private key never enters this package. Requests are
// rate-limited via per-category TokenBuckets and automatically retried on
// 5xx errors. Size and price are rounded to instrument granularity before
// signing.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"hyperagent/internal/config"
	"hyperagent/pkg/types"
)

// Client is the venue REST API client. Stateless except for the injected
// signer and the HTTP client; safe for concurrent use.
type Client struct {
	http    *resty.Client
	signer  ActionSigner // nil for read-only clients
	rl      *RateLimiter
	markets *marketsCache
	chain   string // "Mainnet" or "Testnet"
	chainID int64
	dryRun  bool // when true, mutating methods return synthetic success
	logger  *slog.Logger
}

// NewClient creates a venue client. Pass a nil signer for read-only use;
// write operations then fail with ErrNeedsCredentials.
func NewClient(cfg config.VenueConfig, signer ActionSigner, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.APIBaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		signer:  signer,
		rl:      NewRateLimiter(),
		markets: newMarketsCache(cfg.MarketsTTL),
		chain:   cfg.Chain,
		chainID: cfg.ChainID,
		dryRun:  dryRun,
		logger:  logger.With("component", "venue"),
	}
}

// WithSigner returns a copy of the client bound to the given signer. The
// rate limiter and markets cache are shared so per-account clients still
// respect process-wide limits.
func (c *Client) WithSigner(signer ActionSigner) *Client {
	cp := *c
	cp.signer = signer
	return &cp
}

// ————————————————————————————————————————————————————————————————————————
// Info endpoint (reads)
// ————————————————————————————————————————————————————————————————————————

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type metaUniverseEntry struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

type metaResponse struct {
	Universe []metaUniverseEntry `json:"universe"`
}

// Markets returns the tradeable instruments, served from a TTL cache. If
// the upstream is rate-limited the hard-coded fallback list is returned —
// a policy to keep the loop alive, not a source of truth.
func (c *Client) Markets(ctx context.Context) ([]types.Market, error) {
	if cached, ok := c.markets.get(); ok {
		return cached, nil
	}

	if err := c.rl.Info.Wait(ctx); err != nil {
		return nil, err
	}

	var result metaResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(infoRequest{Type: "meta"}).
		SetResult(&result).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", types.ErrUnavailable)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		c.logger.Warn("markets query rate-limited, serving fallback list")
		return fallbackMarkets(), nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch markets: status %d: %w", resp.StatusCode(), types.ErrUnavailable)
	}

	out := make([]types.Market, 0, len(result.Universe))
	for _, e := range result.Universe {
		out = append(out, types.Market{
			Coin:        e.Name,
			MaxLeverage: e.MaxLeverage,
			SzDecimals:  e.SzDecimals,
			// Perp prices carry at most 6 decimals minus the size granularity.
			PxDecimals: 6 - e.SzDecimals,
		})
	}
	c.markets.put(out)
	return out, nil
}

// Market returns a single instrument by bare coin.
func (c *Client) Market(ctx context.Context, coin string) (types.Market, error) {
	mkts, err := c.Markets(ctx)
	if err != nil {
		return types.Market{}, err
	}
	for _, m := range mkts {
		if m.Coin == coin {
			return m, nil
		}
	}
	return types.Market{}, fmt.Errorf("market %s: %w", coin, types.ErrNotFound)
}

type wireClearinghouse struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable   string `json:"withdrawable"`
	AssetPositions []struct {
		Position struct {
			Coin     string `json:"coin"`
			Szi      string `json:"szi"`
			EntryPx  string `json:"entryPx"`
			Leverage struct {
				Value int `json:"value"`
			} `json:"leverage"`
			MarginUsed    string `json:"marginUsed"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"position"`
	} `json:"assetPositions"`
}

// UserState fetches the account summary including open positions.
func (c *Client) UserState(ctx context.Context, address string) (*types.UserState, error) {
	if err := c.rl.Info.Wait(ctx); err != nil {
		return nil, err
	}

	var result wireClearinghouse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(infoRequest{Type: "clearinghouseState", User: address}).
		SetResult(&result).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("user state: %w", types.ErrUnavailable)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("user state: status %d: %w", resp.StatusCode(), statusKind(resp.StatusCode()))
	}

	state := &types.UserState{
		AccountValue:    parseFloat(result.MarginSummary.AccountValue),
		TotalMarginUsed: parseFloat(result.MarginSummary.TotalMarginUsed),
		Withdrawable:    parseFloat(result.Withdrawable),
	}
	for _, ap := range result.AssetPositions {
		p := ap.Position
		szi := parseFloat(p.Szi)
		if szi == 0 {
			continue
		}
		state.Positions = append(state.Positions, types.VenuePosition{
			Coin:       p.Coin,
			Szi:        szi,
			EntryPx:    parseFloat(p.EntryPx),
			Leverage:   p.Leverage.Value,
			MarginUsed: parseFloat(p.MarginUsed),
			UnrealPnl:  parseFloat(p.UnrealizedPnl),
		})
	}
	return state, nil
}

// Positions returns only the open positions for an address.
func (c *Client) Positions(ctx context.Context, address string) ([]types.VenuePosition, error) {
	state, err := c.UserState(ctx, address)
	if err != nil {
		return nil, err
	}
	return state.Positions, nil
}

type wireOpenOrder struct {
	Coin       string `json:"coin"`
	Side       string `json:"side"` // "B" = bid, "A" = ask
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"`
	Oid        int64  `json:"oid"`
	Timestamp  int64  `json:"timestamp"`
	ReduceOnly bool   `json:"reduceOnly"`
	TriggerPx  string `json:"triggerPx"`
}

// OpenOrders returns the raw resting orders for an address. TP/SL role is
// not inferred here — the executor derives it from trigger price relative
// to current price and position side.
func (c *Client) OpenOrders(ctx context.Context, address string) ([]types.VenueOrder, error) {
	if err := c.rl.Info.Wait(ctx); err != nil {
		return nil, err
	}

	var result []wireOpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(infoRequest{Type: "openOrders", User: address}).
		SetResult(&result).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", types.ErrUnavailable)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open orders: status %d: %w", resp.StatusCode(), statusKind(resp.StatusCode()))
	}

	out := make([]types.VenueOrder, 0, len(result))
	for _, o := range result {
		side := types.SELL
		if o.Side == "B" {
			side = types.BUY
		}
		out = append(out, types.VenueOrder{
			OID:        o.Oid,
			Coin:       o.Coin,
			Side:       side,
			LimitPx:    parseFloat(o.LimitPx),
			Sz:         parseFloat(o.Sz),
			ReduceOnly: o.ReduceOnly,
			TriggerPx:  parseFloat(o.TriggerPx),
			Timestamp:  time.UnixMilli(o.Timestamp),
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Exchange endpoint (signed writes)
// ————————————————————————————————————————————————————————————————————————

type exchangeRequest struct {
	Action    any       `json:"action"`
	Nonce     uint64    `json:"nonce"`
	Signature Signature `json:"signature"`
}

type wireOrderType struct {
	Market *struct{} `json:"market,omitempty"`
	Limit  *struct {
		TIF string `json:"tif"`
	} `json:"limit,omitempty"`
	Trigger *struct {
		IsMarket  bool   `json:"isMarket"`
		TriggerPx string `json:"triggerPx"`
		TpSl      string `json:"tpsl"`
	} `json:"trigger,omitempty"`
}

type wireOrder struct {
	Coin       string        `json:"coin"`
	IsBuy      bool          `json:"is_buy"`
	Sz         string        `json:"sz"`
	LimitPx    string        `json:"limit_px"`
	OrderType  wireOrderType `json:"order_type"`
	ReduceOnly bool          `json:"reduce_only"`
}

type orderAction struct {
	Type   string      `json:"type"` // "order"
	Orders []wireOrder `json:"orders"`
}

type exchangeResponse struct {
	Status   string `json:"status"` // "ok" or "err"
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []struct {
				Resting *struct {
					Oid int64 `json:"oid"`
				} `json:"resting"`
				Filled *struct {
					Oid     int64  `json:"oid"`
					TotalSz string `json:"totalSz"`
					AvgPx   string `json:"avgPx"`
				} `json:"filled"`
				Error string `json:"error"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
	Error string `json:"error"`
}

// PlaceOrder rounds, signs, and submits one order. A limit order with
// limitPx <= 0 is rejected with ErrInvalidParams before anything is signed.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if req.OrderType == types.OrderTypeLimit && req.LimitPx <= 0 {
		return types.OrderResult{}, fmt.Errorf("limit order requires limit_px > 0: %w", types.ErrInvalidParams)
	}
	if req.OrderType == types.OrderTypeTrigger {
		if req.TriggerPx <= 0 {
			return types.OrderResult{}, fmt.Errorf("trigger order requires trigger_px > 0: %w", types.ErrInvalidParams)
		}
		if req.TPSL != "tp" && req.TPSL != "sl" {
			return types.OrderResult{}, fmt.Errorf("trigger order requires tpsl tp|sl: %w", types.ErrInvalidParams)
		}
	}
	if req.Size <= 0 {
		return types.OrderResult{}, fmt.Errorf("size must be > 0: %w", types.ErrInvalidParams)
	}

	mkt, err := c.Market(ctx, req.Symbol)
	if err != nil {
		return types.OrderResult{}, err
	}

	sz := RoundSize(req.Size, mkt)
	if sz <= 0 {
		return types.OrderResult{}, fmt.Errorf("size %v rounds to zero at %d decimals: %w",
			req.Size, mkt.SzDecimals, types.ErrInvalidParams)
	}
	px := RoundPrice(req.LimitPx, mkt)

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "is_buy", req.IsBuy, "sz", sz, "px", px,
			"type", req.OrderType, "reduce_only", req.ReduceOnly)
		return types.OrderResult{OID: time.Now().UnixNano(), Status: "resting"}, nil
	}

	ot := wireOrderType{}
	switch req.OrderType {
	case types.OrderTypeMarket:
		ot.Market = &struct{}{}
	case types.OrderTypeTrigger:
		// The bound defaults to the trigger price; venue fires a market-style
		// sweep at activation.
		if px <= 0 {
			px = RoundPrice(req.TriggerPx, mkt)
		}
		ot.Trigger = &struct {
			IsMarket  bool   `json:"isMarket"`
			TriggerPx string `json:"triggerPx"`
			TpSl      string `json:"tpsl"`
		}{IsMarket: true, TriggerPx: formatFloat(RoundPrice(req.TriggerPx, mkt), mkt.PxDecimals), TpSl: req.TPSL}
	default:
		tif := req.TIF
		if tif == "" {
			tif = types.TIFGtc
		}
		ot.Limit = &struct {
			TIF string `json:"tif"`
		}{TIF: string(tif)}
	}

	action := orderAction{
		Type: "order",
		Orders: []wireOrder{{
			Coin:       req.Symbol,
			IsBuy:      req.IsBuy,
			Sz:         formatFloat(sz, mkt.SzDecimals),
			LimitPx:    formatFloat(px, mkt.PxDecimals),
			OrderType:  ot,
			ReduceOnly: req.ReduceOnly,
		}},
	}

	var result exchangeResponse
	if err := c.postExchange(ctx, c.rl.Order, action, &result); err != nil {
		return types.OrderResult{}, err
	}

	if len(result.Response.Data.Statuses) == 0 {
		return types.OrderResult{}, fmt.Errorf("place order: empty status vector: %w", types.ErrUnavailable)
	}
	st := result.Response.Data.Statuses[0]
	switch {
	case st.Error != "":
		return types.OrderResult{Status: "error", Error: st.Error},
			fmt.Errorf("place order rejected: %s: %w", st.Error, types.ErrInvalidParams)
	case st.Filled != nil:
		return types.OrderResult{
			OID:      st.Filled.Oid,
			Status:   "filled",
			FilledSz: parseFloat(st.Filled.TotalSz),
			AvgPx:    parseFloat(st.Filled.AvgPx),
		}, nil
	case st.Resting != nil:
		return types.OrderResult{OID: st.Resting.Oid, Status: "resting"}, nil
	default:
		return types.OrderResult{}, fmt.Errorf("place order: unrecognized status: %w", types.ErrUnavailable)
	}
}

type cancelAction struct {
	Type    string `json:"type"` // "cancel"
	Cancels []struct {
		Coin string `json:"coin"`
		Oid  int64  `json:"oid"`
	} `json:"cancels"`
}

// CancelOrder cancels a resting order by venue oid.
func (c *Client) CancelOrder(ctx context.Context, symbol string, oid int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "oid", oid)
		return nil
	}

	action := cancelAction{Type: "cancel"}
	action.Cancels = append(action.Cancels, struct {
		Coin string `json:"coin"`
		Oid  int64  `json:"oid"`
	}{Coin: symbol, Oid: oid})

	var result exchangeResponse
	if err := c.postExchange(ctx, c.rl.Cancel, action, &result); err != nil {
		return err
	}
	c.logger.Info("order cancelled", "symbol", symbol, "oid", oid)
	return nil
}

type leverageAction struct {
	Type     string `json:"type"` // "updateLeverage"
	Coin     string `json:"coin"`
	IsCross  bool   `json:"is_cross"`
	Leverage int    `json:"leverage"`
}

// UpdateLeverage sets leverage for one instrument.
func (c *Client) UpdateLeverage(ctx context.Context, symbol string, isCross bool, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("leverage must be >= 1: %w", types.ErrInvalidParams)
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would update leverage", "symbol", symbol, "leverage", leverage, "cross", isCross)
		return nil
	}

	var result exchangeResponse
	return c.postExchange(ctx, c.rl.Cancel, leverageAction{
		Type:     "updateLeverage",
		Coin:     symbol,
		IsCross:  isCross,
		Leverage: leverage,
	}, &result)
}

type approveAgentAction struct {
	Type             string `json:"type"` // "approveAgent"
	HyperliquidChain string `json:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId"`
	AgentAddress     string `json:"agentAddress"`
	AgentName        string `json:"agentName"`
	Nonce            uint64 `json:"nonce"`
}

// ApproveAgent authorizes an agent wallet for trading-only access. The
// approval is signed with the main wallet's typed-data signature.
func (c *Client) ApproveAgent(ctx context.Context, agentAddress, agentName string, nonce uint64) error {
	if c.signer == nil {
		return fmt.Errorf("approve agent: %w", types.ErrNeedsCredentials)
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would approve agent", "agent", agentAddress, "name", agentName)
		return nil
	}

	approval := AgentApproval{
		HyperliquidChain: c.chain,
		SignatureChainID: "0x" + strconv.FormatInt(c.chainID, 16),
		AgentAddress:     agentAddress,
		AgentName:        agentName,
		Nonce:            nonce,
	}
	sig, err := c.signer.SignAgentApproval(approval)
	if err != nil {
		return fmt.Errorf("approve agent: %w", err)
	}

	action := approveAgentAction{
		Type:             "approveAgent",
		HyperliquidChain: approval.HyperliquidChain,
		SignatureChainID: approval.SignatureChainID,
		AgentAddress:     approval.AgentAddress,
		AgentName:        approval.AgentName,
		Nonce:            approval.Nonce,
	}

	body := exchangeRequest{Action: action, Nonce: approval.Nonce, Signature: sig}
	var result exchangeResponse
	if err := c.postSigned(ctx, c.rl.Order, body, &result); err != nil {
		return err
	}
	c.logger.Info("agent approved", "agent", agentAddress, "name", agentName)
	return nil
}

// postExchange signs the action with the injected signer and submits it.
func (c *Client) postExchange(ctx context.Context, bucket *TokenBucket, action any, result *exchangeResponse) error {
	if c.signer == nil {
		return fmt.Errorf("exchange write: %w", types.ErrNeedsCredentials)
	}

	nonce := uint64(time.Now().UnixMilli())
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return fmt.Errorf("sign action: %w", err)
	}

	return c.postSigned(ctx, bucket, exchangeRequest{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}, result)
}

func (c *Client) postSigned(ctx context.Context, bucket *TokenBucket, body exchangeRequest, result *exchangeResponse) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post("/exchange")
	if err != nil {
		return fmt.Errorf("exchange request: %w", types.ErrUnavailable)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("exchange request: status %d: %w", resp.StatusCode(), statusKind(resp.StatusCode()))
	}
	if result.Status == "err" {
		if result.Error != "" && isCredentialError(result.Error) {
			return fmt.Errorf("exchange rejected: %s: %w", result.Error, types.ErrNeedsCredentials)
		}
		return fmt.Errorf("exchange rejected: %s: %w", result.Error, types.ErrInvalidParams)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// RoundSize truncates a size to the instrument's lot granularity.
func RoundSize(size float64, mkt types.Market) float64 {
	d := decimal.NewFromFloat(size).RoundDown(int32(mkt.SzDecimals))
	f, _ := d.Float64()
	return f
}

// RoundPrice rounds a price to the instrument's tick granularity.
func RoundPrice(px float64, mkt types.Market) float64 {
	d := decimal.NewFromFloat(px).Round(int32(mkt.PxDecimals))
	f, _ := d.Float64()
	return f
}

func formatFloat(v float64, decimals int) string {
	return decimal.NewFromFloat(v).Round(int32(decimals)).String()
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func statusKind(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return types.ErrRateLimited
	case code >= 500:
		return types.ErrUnavailable
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.ErrNeedsCredentials
	default:
		return types.ErrInvalidParams
	}
}

func isCredentialError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"signature", "agent", "not authorized", "does not exist"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
